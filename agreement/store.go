package agreement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Mutation edits a fresh copy of the stored agreement. Returning an error
// aborts the update; returning ErrNoChange aborts it without error.
type Mutation func(a *Agreement) error

// ListFilter narrows ListByParticipant. Zero values mean "any".
type ListFilter struct {
	Status   Status
	ItemType ItemType
	Page     int
	PageSize int
}

// Normalize applies the paging defaults.
func (f ListFilter) Normalize() ListFilter {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	return f
}

func (f ListFilter) offset() int { return (f.Page - 1) * f.PageSize }

// Store is the persistence contract for agreements. Implementations enforce
// the schema-level invariants (two distinct participants, write-once terms,
// legal status edges) and serialise concurrent updates of one agreement with
// optimistic versioning; they hold no business rules.
type Store interface {
	Create(ctx context.Context, a Agreement) (string, error)
	Get(ctx context.Context, id string) (Agreement, error)
	GetByCode(ctx context.Context, code string) (Agreement, error)
	// Update loads the current record, applies mutate and writes the result
	// only if nobody else wrote in between. On a lost race the mutation is
	// re-run against the fresh record, up to the configured attempt budget.
	Update(ctx context.Context, id string, mutate Mutation) (Agreement, error)
	ListByParticipant(ctx context.Context, identityID string, filter ListFilter) ([]Agreement, int, error)
	// ListExpired returns draft or pending_signatures agreements whose deadline
	// is at or before now. Signed agreements are past signing and never expire.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Agreement, error)
	Ping(ctx context.Context) error
}

// DefaultMaxAttempts bounds the optimistic retry loop.
const DefaultMaxAttempts = 5

type storeOptions struct {
	maxAttempts int
}

// Option configures a Store implementation.
type Option func(*storeOptions)

// WithMaxAttempts overrides the optimistic retry budget.
func WithMaxAttempts(n int) Option {
	return func(o *storeOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

func applyOptions(opts []Option) storeOptions {
	o := storeOptions{maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type loadFunc func(ctx context.Context, id string) (Agreement, error)

// swapFunc persists next only if the stored version still equals prev.Version,
// returning errStaleVersion otherwise.
type swapFunc func(ctx context.Context, prev, next Agreement) error

func updateWithRetry(ctx context.Context, attempts int, id string, load loadFunc, swap swapFunc, mutate Mutation) (Agreement, error) {
	for i := 0; i < attempts; i++ {
		current, err := load(ctx, id)
		if err != nil {
			return Agreement{}, err
		}

		next := current.Clone()
		if err := mutate(&next); err != nil {
			if errors.Is(err, ErrNoChange) {
				return current, nil
			}
			return Agreement{}, err
		}
		if err := CheckUpdate(current, next); err != nil {
			return Agreement{}, err
		}
		next.Version = current.Version + 1

		err = swap(ctx, current, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, errStaleVersion) {
			return Agreement{}, err
		}
		if err := ctx.Err(); err != nil {
			return Agreement{}, err
		}
	}
	return Agreement{}, fmt.Errorf("%w: %s after %d attempts", ErrWriteConflict, id, attempts)
}

// Validate checks the schema-level invariants of a new agreement.
func Validate(a Agreement) error {
	if a.ID == "" || a.Code == "" {
		return fmt.Errorf("%w: id and code required", ErrInvalidInput)
	}
	owner, receiver := a.Participants[0], a.Participants[1]
	if owner.Role != RoleOwner || receiver.Role != RoleReceiver {
		return fmt.Errorf("%w: participants must be owner then receiver", ErrInvalidInput)
	}
	if owner.IdentityID == "" || receiver.IdentityID == "" {
		return fmt.Errorf("%w: participant identity required", ErrInvalidInput)
	}
	if owner.IdentityID == receiver.IdentityID {
		return fmt.Errorf("%w: owner and receiver must differ", ErrInvalidInput)
	}
	if a.Subject.ItemType != ItemObject && a.Subject.ItemType != ItemFood {
		return fmt.Errorf("%w: unknown item type %q", ErrInvalidInput, a.Subject.ItemType)
	}
	if a.Subject.ItemID == "" {
		return fmt.Errorf("%w: item id required", ErrInvalidInput)
	}
	if _, err := ParseDeliveryMethod(string(a.Terms.DeliveryMethod)); err != nil {
		return err
	}
	if !a.Status.Signable() {
		return fmt.Errorf("%w: new agreement cannot start in %s", ErrInvalidState, a.Status)
	}
	if a.Fingerprint == "" {
		return fmt.Errorf("%w: fingerprint required", ErrInvalidInput)
	}
	if a.Dates.Created.IsZero() {
		return fmt.Errorf("%w: creation time required", ErrInvalidInput)
	}
	return nil
}

// CheckUpdate rejects writes that would break a storage-level invariant.
func CheckUpdate(prev, next Agreement) error {
	if prev.Status.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidState, prev.Status)
	}
	if err := ValidateTransition(prev.Status, next.Status); err != nil {
		return err
	}

	pk, err := immutableKey(prev)
	if err != nil {
		return err
	}
	nk, err := immutableKey(next)
	if err != nil {
		return err
	}
	if !bytes.Equal(pk, nk) {
		return ErrImmutableField
	}

	for i := range prev.Participants {
		if prev.Participants[i].Signed && !next.Participants[i].Signed {
			return fmt.Errorf("%w: signature of %s withdrawn", ErrImmutableField, prev.Participants[i].Role)
		}
	}
	if prev.Dates.FullySigned != nil && (next.Dates.FullySigned == nil || !next.Dates.FullySigned.Equal(*prev.Dates.FullySigned)) {
		return fmt.Errorf("%w: fullySigned is set once", ErrImmutableField)
	}
	if (next.Dates.FullySigned != nil) != next.BothSigned() {
		return fmt.Errorf("%w: fullySigned must track both signatures", ErrInvalidState)
	}
	if len(next.History) < len(prev.History) {
		return fmt.Errorf("%w: history is append-only", ErrImmutableField)
	}
	for i := range prev.History {
		if next.History[i].ID != prev.History[i].ID {
			return fmt.Errorf("%w: history is append-only", ErrImmutableField)
		}
	}
	return nil
}

type immutableParticipant struct {
	Role       Role
	IdentityID string
}

type immutableView struct {
	ID           string
	Code         string
	Subject      Subject
	Participants [2]immutableParticipant
	Clauses      []Clause
	Delivery     DeliveryMethod
	ExchangeAt   string
	Location     string
	Conditions   []string
	Notes        string
	Metadata     Metadata
	Fingerprint  string
	Created      string
}

// immutableKey encodes the write-once fields with times normalised to UTC,
// so a record that round-tripped through a database compares equal.
func immutableKey(a Agreement) ([]byte, error) {
	v := immutableView{
		ID:          a.ID,
		Code:        a.Code,
		Subject:     a.Subject,
		Clauses:     append([]Clause{}, a.Terms.Clauses...),
		Delivery:    a.Terms.DeliveryMethod,
		ExchangeAt:  a.Terms.ExchangeAt.UTC().Format(time.RFC3339Nano),
		Location:    a.Terms.Location,
		Conditions:  append([]string{}, a.Terms.Conditions...),
		Notes:       a.Terms.Notes,
		Metadata:    a.Metadata,
		Fingerprint: a.Fingerprint,
		Created:     a.Dates.Created.UTC().Format(time.RFC3339Nano),
	}
	for i, p := range a.Participants {
		v.Participants[i] = immutableParticipant{Role: p.Role, IdentityID: p.IdentityID}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("agreement: encode immutable view: %w", err)
	}
	return b, nil
}
