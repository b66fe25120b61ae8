package lifecycle

import (
	"context"
	"time"

	"ecoshare/agreement"
)

// NotificationKind tells the dispatcher which message to send.
type NotificationKind string

const (
	NotifyCreated         NotificationKind = "created"
	NotifySignatureNeeded NotificationKind = "signature_needed"
	NotifyFullySigned     NotificationKind = "fully_signed"
	NotifyCompleted       NotificationKind = "completed"
	NotifyCancelled       NotificationKind = "cancelled"
	NotifyResend          NotificationKind = "resend"
)

// Recipient is a participant to be notified.
type Recipient struct {
	IdentityID string
	Role       agreement.Role
}

// Notification is what the engine hands to the dispatcher. It carries
// identities and raw values only; wording belongs to the dispatcher.
type Notification struct {
	Kind           NotificationKind
	AgreementID    string
	Code           string
	Status         agreement.Status
	Recipients     []Recipient
	ActorID        string
	ItemTitle      string
	ExchangeAt     time.Time
	Location       string
	DeliveryMethod agreement.DeliveryMethod
	Reason         string
}

// Notifier delivers status-change and resend messages.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Document is a rendered, printable agreement.
type Document struct {
	ContentType string
	Filename    string
	Body        []byte
}

// Renderer produces the printable artifact of an agreement.
type Renderer interface {
	Render(ctx context.Context, a agreement.Agreement) (Document, error)
}

// Listing is the listing-service view of an item, used to snapshot the
// subject and to check who may open an agreement on it.
type Listing struct {
	ItemType    agreement.ItemType
	ItemID      string
	OwnerID     string
	ReservedBy  string
	Title       string
	Description string
	Category    string
	Condition   string
}

// Catalog resolves listings. Implementations return agreement.ErrNotFound
// for unknown items.
type Catalog interface {
	Listing(ctx context.Context, itemType agreement.ItemType, itemID string) (Listing, error)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) error { return nil }
