// Package catalog talks to the listing and user services. It snapshots the
// item an agreement is about and resolves participants' e-mail addresses.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"ecoshare/agreement"
	"ecoshare/lifecycle"
)

// Config points the client at the upstream services.
type Config struct {
	ListingsURL string
	UsersURL    string
	// Token is forwarded as a bearer token when set.
	Token   string
	Timeout time.Duration
}

// Client implements lifecycle.Catalog and notify.Directory over HTTP.
type Client struct {
	listings *resty.Client
	users    *resty.Client
}

func New(cfg Config) (*Client, error) {
	if cfg.ListingsURL == "" && cfg.UsersURL == "" {
		return nil, errors.New("catalog: no upstream configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		listings: newResty(cfg.ListingsURL, cfg.Token, cfg.Timeout),
		users:    newResty(cfg.UsersURL, cfg.Token, cfg.Timeout),
	}, nil
}

func newResty(base, token string, timeout time.Duration) *resty.Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(base, "/")).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	if token != "" {
		c.SetAuthToken(token)
	}
	return c
}

// ref decodes a field that is either a bare id or a populated document.
type ref string

func (r *ref) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = ref(s)
		return nil
	}
	var doc struct {
		ID  string `json:"_id"`
		Alt string `json:"id"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc.ID != "" {
		*r = ref(doc.ID)
	} else {
		*r = ref(doc.Alt)
	}
	return nil
}

type listingDoc struct {
	ID          string `json:"_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Owner       ref    `json:"owner"`
	Exchange    struct {
		ReservedBy ref `json:"reservedBy"`
	} `json:"exchange"`
	AIClassification struct {
		Category  string `json:"category"`
		FoodType  string `json:"foodType"`
		Condition string `json:"condition"`
	} `json:"aiClassification"`
}

type listingEnvelope struct {
	Success bool        `json:"success"`
	Object  *listingDoc `json:"object"`
	Food    *listingDoc `json:"food"`
	Message string      `json:"message"`
}

// Listing fetches an item from the listing service.
func (c *Client) Listing(ctx context.Context, itemType agreement.ItemType, itemID string) (lifecycle.Listing, error) {
	var path string
	switch itemType {
	case agreement.ItemObject:
		path = "/objects/{id}"
	case agreement.ItemFood:
		path = "/foods/{id}"
	default:
		return lifecycle.Listing{}, fmt.Errorf("%w: unknown item type %q", agreement.ErrInvalidInput, itemType)
	}

	var env listingEnvelope
	resp, err := c.listings.R().
		SetContext(ctx).
		SetPathParam("id", itemID).
		SetResult(&env).
		Get(path)
	if err != nil {
		return lifecycle.Listing{}, fmt.Errorf("catalog: listing request: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return lifecycle.Listing{}, fmt.Errorf("%w: %s %s", agreement.ErrNotFound, itemType, itemID)
	}
	if resp.StatusCode() != http.StatusOK {
		return lifecycle.Listing{}, fmt.Errorf("catalog: listing status %d: %s", resp.StatusCode(), resp.String())
	}

	doc := env.Object
	if itemType == agreement.ItemFood {
		doc = env.Food
	}
	if doc == nil {
		return lifecycle.Listing{}, fmt.Errorf("%w: %s %s", agreement.ErrNotFound, itemType, itemID)
	}

	category := doc.AIClassification.Category
	if category == "" {
		category = doc.AIClassification.FoodType
	}
	return lifecycle.Listing{
		ItemType:    itemType,
		ItemID:      itemID,
		OwnerID:     string(doc.Owner),
		ReservedBy:  string(doc.Exchange.ReservedBy),
		Title:       doc.Title,
		Description: doc.Description,
		Category:    category,
		Condition:   doc.AIClassification.Condition,
	}, nil
}

type userEnvelope struct {
	Success bool `json:"success"`
	User    *struct {
		ID    string `json:"_id"`
		Email string `json:"email"`
	} `json:"user"`
}

// Email resolves an identity to its address.
func (c *Client) Email(ctx context.Context, identityID string) (string, error) {
	var env userEnvelope
	resp, err := c.users.R().
		SetContext(ctx).
		SetPathParam("id", identityID).
		SetResult(&env).
		Get("/users/{id}")
	if err != nil {
		return "", fmt.Errorf("catalog: user request: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound || (resp.StatusCode() == http.StatusOK && env.User == nil) {
		return "", fmt.Errorf("catalog: user %s not found", identityID)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("catalog: user status %d: %s", resp.StatusCode(), resp.String())
	}
	return env.User.Email, nil
}
