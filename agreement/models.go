package agreement

import (
	"fmt"
	"strings"
	"time"
)

// ItemType discriminates the listing an agreement is about.
type ItemType string

const (
	ItemObject ItemType = "object"
	ItemFood   ItemType = "food"
)

// ParseItemType accepts the lower-case wire form as well as the capitalised
// model names used by the listing service ("Object", "Food").
func ParseItemType(raw string) (ItemType, error) {
	switch ItemType(strings.ToLower(strings.TrimSpace(raw))) {
	case ItemObject:
		return ItemObject, nil
	case ItemFood:
		return ItemFood, nil
	default:
		return "", fmt.Errorf("%w: unknown item type %q", ErrInvalidInput, raw)
	}
}

// Role identifies which side of the exchange a participant is on.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleReceiver Role = "receiver"
)

// DeliveryMethod is how the item changes hands.
type DeliveryMethod string

const (
	DeliveryPickup   DeliveryMethod = "pickup"
	DeliveryDelivery DeliveryMethod = "delivery"
	DeliveryMeetup   DeliveryMethod = "meetup"
)

// ParseDeliveryMethod normalises a delivery method; "meeting" is accepted as
// an alias of meetup.
func ParseDeliveryMethod(raw string) (DeliveryMethod, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(DeliveryPickup):
		return DeliveryPickup, nil
	case string(DeliveryDelivery):
		return DeliveryDelivery, nil
	case string(DeliveryMeetup), "meeting":
		return DeliveryMeetup, nil
	default:
		return "", fmt.Errorf("%w: unknown delivery method %q", ErrInvalidInput, raw)
	}
}

// Subject is the listing reference plus the snapshot taken at creation time.
type Subject struct {
	ItemType    ItemType
	ItemID      string
	Title       string
	Description string
	Category    string
	Condition   string
}

// Signature is the evidence captured when a participant signs. Artifact is
// stored verbatim (drawn image data or a typed full name).
type Signature struct {
	Artifact       string
	ArtifactDigest string
	IPAddress      string
	UserAgent      string
}

// Participant is one of the two parties of an agreement.
type Participant struct {
	Role       Role
	IdentityID string
	Signed     bool
	SignedAt   *time.Time
	Signature  Signature
}

// Clause is a single free-text term.
type Clause struct {
	Title string
	Body  string
}

// Terms are the write-once content both parties agree to.
type Terms struct {
	Clauses        []Clause
	DeliveryMethod DeliveryMethod
	ExchangeAt     time.Time
	Location       string
	Conditions     []string
	Notes          string
}

// Metadata is stamped at creation and covered by the fingerprint.
type Metadata struct {
	ContractVersion string
	LegalBasis      string
	Jurisdiction    string
}

// DefaultMetadata mirrors the legal framing the platform has always used.
var DefaultMetadata = Metadata{
	ContractVersion: "1.0",
	LegalBasis:      "Code civil français - Article 1101",
	Jurisdiction:    "France",
}

// Dates groups the lifecycle timestamps. Only Created is immutable.
type Dates struct {
	Created     time.Time
	Updated     time.Time
	ExpiresAt   *time.Time
	FullySigned *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
}

// EventType labels an entry of the audit trail.
type EventType string

const (
	EventCreated        EventType = "created"
	EventSubmitted      EventType = "submitted"
	EventOwnerSigned    EventType = "owner_signed"
	EventReceiverSigned EventType = "receiver_signed"
	EventFullySigned    EventType = "fully_signed"
	EventCompleted      EventType = "completed"
	EventCancelled      EventType = "cancelled"
	EventExpired        EventType = "expired"
)

// SignedEventFor returns the audit event recorded when role signs.
func SignedEventFor(role Role) EventType {
	if role == RoleOwner {
		return EventOwnerSigned
	}
	return EventReceiverSigned
}

// Event is an immutable audit trail entry.
type Event struct {
	ID      string
	Type    EventType
	ActorID string
	At      time.Time
	Detail  string
}

// CancellationReasonExpired is recorded when the deadline passes before both signatures.
const CancellationReasonExpired = "expired"

// Agreement is the exchange contract between the owner and the receiver of
// a listed item. Participants[0] is always the owner, Participants[1] the receiver.
type Agreement struct {
	ID                 string
	Code               string
	Subject            Subject
	Participants       [2]Participant
	Terms              Terms
	Metadata           Metadata
	Status             Status
	Fingerprint        string
	Dates              Dates
	CancellationReason string
	History            []Event
	Version            int64
}

// Owner returns the owner participant.
func (a *Agreement) Owner() *Participant { return &a.Participants[0] }

// Receiver returns the receiver participant.
func (a *Agreement) Receiver() *Participant { return &a.Participants[1] }

// Participant looks up the participant holding identityID.
func (a *Agreement) Participant(identityID string) (*Participant, bool) {
	if identityID == "" {
		return nil, false
	}
	for i := range a.Participants {
		if a.Participants[i].IdentityID == identityID {
			return &a.Participants[i], true
		}
	}
	return nil, false
}

// Counterpart returns the participant on the other side of role.
func (a *Agreement) Counterpart(role Role) *Participant {
	if role == RoleOwner {
		return a.Receiver()
	}
	return a.Owner()
}

// BothSigned reports whether both participants have signed.
func (a *Agreement) BothSigned() bool {
	return a.Participants[0].Signed && a.Participants[1].Signed
}

// PastDeadline reports whether expiresAt has passed at now.
func (a *Agreement) PastDeadline(now time.Time) bool {
	return a.Dates.ExpiresAt != nil && !now.Before(*a.Dates.ExpiresAt)
}

// CancelledByExpiry reports whether the agreement was cancelled because its deadline passed.
func (a *Agreement) CancelledByExpiry() bool {
	if a.Status != StatusCancelled {
		return false
	}
	for i := len(a.History) - 1; i >= 0; i-- {
		if a.History[i].Type == EventExpired {
			return true
		}
	}
	return false
}

// Record appends an audit event.
func (a *Agreement) Record(id string, typ EventType, actorID string, at time.Time, detail string) {
	a.History = append(a.History, Event{ID: id, Type: typ, ActorID: actorID, At: at, Detail: detail})
}

// Clone returns a deep copy so stores and mutations never share memory with callers.
func (a Agreement) Clone() Agreement {
	out := a
	for i := range out.Participants {
		out.Participants[i].SignedAt = cloneTime(a.Participants[i].SignedAt)
	}
	if a.Terms.Clauses != nil {
		out.Terms.Clauses = append([]Clause(nil), a.Terms.Clauses...)
	}
	if a.Terms.Conditions != nil {
		out.Terms.Conditions = append([]string(nil), a.Terms.Conditions...)
	}
	out.Dates.ExpiresAt = cloneTime(a.Dates.ExpiresAt)
	out.Dates.FullySigned = cloneTime(a.Dates.FullySigned)
	out.Dates.CompletedAt = cloneTime(a.Dates.CompletedAt)
	out.Dates.CancelledAt = cloneTime(a.Dates.CancelledAt)
	if a.History != nil {
		out.History = append([]Event(nil), a.History...)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
