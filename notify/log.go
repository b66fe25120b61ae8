package notify

import (
	"context"

	"github.com/rs/zerolog"

	"ecoshare/lifecycle"
)

// LogNotifier writes messages to the log instead of sending them. It is the
// default provider for local development.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, msg lifecycle.Notification) error {
	for _, r := range msg.Recipients {
		m := Compose(msg, r)
		n.log.Info().
			Str("kind", string(msg.Kind)).
			Str("agreement_id", msg.AgreementID).
			Str("recipient", r.IdentityID).
			Str("subject", m.Subject).
			Msg("notification")
	}
	return nil
}
