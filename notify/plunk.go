package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"ecoshare/lifecycle"
)

// DefaultPlunkURL is the Plunk transactional send endpoint.
const DefaultPlunkURL = "https://api.useplunk.com/v1/send"

// Directory resolves an identity to its e-mail address.
type Directory interface {
	Email(ctx context.Context, identityID string) (string, error)
}

// PlunkConfig configures the Plunk mailer.
type PlunkConfig struct {
	APIKey  string
	APIURL  string
	From    string
	ReplyTo string
	Timeout time.Duration
}

// PlunkMailer sends notifications through the Plunk HTTP API.
type PlunkMailer struct {
	client    *resty.Client
	url       string
	from      string
	replyTo   string
	directory Directory
	log       zerolog.Logger
}

type plunkSendBody struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	From    string `json:"from,omitempty"`
	Reply   string `json:"reply,omitempty"`
}

// NewPlunkMailer builds a mailer. The API key is required.
func NewPlunkMailer(cfg PlunkConfig, directory Directory, log zerolog.Logger) (*PlunkMailer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("notify: plunk not configured: set PLUNK_API_KEY")
	}
	if directory == nil {
		return nil, errors.New("notify: plunk mailer needs a user directory")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultPlunkURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	c := resty.New().
		SetHeader("Content-Type", "application/json").
		SetAuthToken(cfg.APIKey).
		SetTimeout(cfg.Timeout)

	return &PlunkMailer{
		client:    c,
		url:       cfg.APIURL,
		from:      cfg.From,
		replyTo:   cfg.ReplyTo,
		directory: directory,
		log:       log.With().Str("component", "plunk").Logger(),
	}, nil
}

// Notify sends one e-mail per recipient. Every recipient is attempted; the
// failures are joined into the returned error.
func (m *PlunkMailer) Notify(ctx context.Context, n lifecycle.Notification) error {
	var errs []error
	for _, r := range n.Recipients {
		if err := m.send(ctx, n, r); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", r.IdentityID, err))
		}
	}
	return errors.Join(errs...)
}

func (m *PlunkMailer) send(ctx context.Context, n lifecycle.Notification, r lifecycle.Recipient) error {
	to, err := m.directory.Email(ctx, r.IdentityID)
	if err != nil {
		return fmt.Errorf("lookup email: %w", err)
	}
	if to == "" {
		return errors.New("recipient has no email address")
	}

	msg := Compose(n, r)
	resp, err := m.client.R().
		SetContext(ctx).
		SetBody(&plunkSendBody{
			To:      to,
			Subject: msg.Subject,
			Body:    msg.Body,
			From:    m.from,
			Reply:   m.replyTo,
		}).
		Post(m.url)
	if err != nil {
		return fmt.Errorf("plunk request: %w", err)
	}
	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		if body := resp.String(); body != "" {
			return fmt.Errorf("plunk send failed: status=%d body=%s", resp.StatusCode(), body)
		}
		return fmt.Errorf("plunk send failed: status=%d", resp.StatusCode())
	}

	m.log.Debug().
		Str("kind", string(n.Kind)).
		Str("agreement_id", n.AgreementID).
		Str("recipient", r.IdentityID).
		Msg("email sent")
	return nil
}
