// Package lifecycle owns the business rules of exchange agreements: creation,
// signing, completion, cancellation and expiry. It is the only writer of
// agreement records and mutates them exclusively through Store.Update.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ecoshare/agreement"
	"ecoshare/integrity"
	"ecoshare/metrics"
	"ecoshare/signature"
)

// Engine applies the agreement state machine on top of a Store.
type Engine struct {
	store         agreement.Store
	verifier      signature.Verifier
	notifier      Notifier
	renderer      Renderer
	catalog       Catalog
	log           zerolog.Logger
	now           func() time.Time
	idGenerator   func() string
	codeGenerator func(time.Time) string
	defaultExpiry time.Duration
}

// NewEngine builds an Engine. A nil notifier drops notifications.
func NewEngine(store agreement.Store, notifier Notifier, renderer Renderer, log zerolog.Logger) *Engine {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Engine{
		store:         store,
		notifier:      notifier,
		renderer:      renderer,
		log:           log.With().Str("component", "lifecycle").Logger(),
		now:           time.Now,
		idGenerator:   uuid.NewString,
		codeGenerator: agreement.NewCode,
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.idGenerator = gen
	return e
}

// WithCatalog enables the listing ownership check and snapshotting on Create.
func (e *Engine) WithCatalog(c Catalog) *Engine {
	e.catalog = c
	return e
}

// WithDefaultExpiry sets the signing deadline applied when a request has none.
func (e *Engine) WithDefaultExpiry(d time.Duration) *Engine {
	e.defaultExpiry = d
	return e
}

func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

// CreateParams is an exchange-initiation request. OwnerID is the requesting identity.
type CreateParams struct {
	OwnerID    string
	ReceiverID string
	Subject    agreement.Subject
	Terms      agreement.Terms
	ExpiresAt  *time.Time
	// Draft keeps the agreement in draft until Submit is called.
	Draft bool
}

// Create validates the actors and terms, snapshots the subject and persists a
// new agreement in pending_signatures (or draft when requested).
func (e *Engine) Create(ctx context.Context, params CreateParams) (agreement.Agreement, error) {
	if params.OwnerID == "" || params.ReceiverID == "" {
		return agreement.Agreement{}, fmt.Errorf("%w: owner and receiver identities required", agreement.ErrInvalidInput)
	}
	if params.OwnerID == params.ReceiverID {
		return agreement.Agreement{}, fmt.Errorf("%w: owner cannot be the receiver", agreement.ErrInvalidInput)
	}
	itemType, err := agreement.ParseItemType(string(params.Subject.ItemType))
	if err != nil {
		return agreement.Agreement{}, err
	}
	if strings.TrimSpace(params.Subject.ItemID) == "" {
		return agreement.Agreement{}, fmt.Errorf("%w: item id required", agreement.ErrInvalidInput)
	}
	method, err := agreement.ParseDeliveryMethod(string(params.Terms.DeliveryMethod))
	if err != nil {
		return agreement.Agreement{}, err
	}
	if params.Terms.ExchangeAt.IsZero() {
		return agreement.Agreement{}, fmt.Errorf("%w: exchange date required", agreement.ErrInvalidInput)
	}
	if strings.TrimSpace(params.Terms.Location) == "" {
		return agreement.Agreement{}, fmt.Errorf("%w: exchange location required", agreement.ErrInvalidInput)
	}

	subject := params.Subject
	subject.ItemType = itemType
	if e.catalog != nil {
		listing, err := e.catalog.Listing(ctx, itemType, params.Subject.ItemID)
		if err != nil {
			return agreement.Agreement{}, fmt.Errorf("lifecycle: fetch listing: %w", err)
		}
		if listing.OwnerID != params.OwnerID {
			return agreement.Agreement{}, fmt.Errorf("%w: requester does not own the listing", agreement.ErrUnauthorizedParticipant)
		}
		if listing.ReservedBy != "" && listing.ReservedBy != params.ReceiverID {
			return agreement.Agreement{}, fmt.Errorf("%w: listing is reserved by another user", agreement.ErrInvalidInput)
		}
		subject = agreement.Subject{
			ItemType:    itemType,
			ItemID:      params.Subject.ItemID,
			Title:       listing.Title,
			Description: listing.Description,
			Category:    listing.Category,
			Condition:   listing.Condition,
		}
	}
	if strings.TrimSpace(subject.Title) == "" {
		return agreement.Agreement{}, fmt.Errorf("%w: subject title required", agreement.ErrInvalidInput)
	}

	now := e.clock()
	terms := agreement.Terms{
		Clauses:        append([]agreement.Clause(nil), params.Terms.Clauses...),
		DeliveryMethod: method,
		ExchangeAt:     params.Terms.ExchangeAt.UTC().Truncate(time.Microsecond),
		Location:       strings.TrimSpace(params.Terms.Location),
		Conditions:     append([]string(nil), params.Terms.Conditions...),
		Notes:          params.Terms.Notes,
	}

	var expiresAt *time.Time
	switch {
	case params.ExpiresAt != nil:
		t := params.ExpiresAt.UTC().Truncate(time.Microsecond)
		expiresAt = &t
	case e.defaultExpiry > 0:
		t := now.Add(e.defaultExpiry)
		expiresAt = &t
	}

	a := agreement.Agreement{
		ID:      e.idGenerator(),
		Code:    e.codeGenerator(now),
		Subject: subject,
		Participants: [2]agreement.Participant{
			{Role: agreement.RoleOwner, IdentityID: params.OwnerID},
			{Role: agreement.RoleReceiver, IdentityID: params.ReceiverID},
		},
		Terms:    terms,
		Metadata: agreement.DefaultMetadata,
		Status:   agreement.StatusDraft,
		Dates: agreement.Dates{
			Created:   now,
			Updated:   now,
			ExpiresAt: expiresAt,
		},
	}
	a.Record(e.idGenerator(), agreement.EventCreated, params.OwnerID, now, "")
	if !params.Draft {
		a.Status = agreement.StatusPendingSignatures
		a.Record(e.idGenerator(), agreement.EventSubmitted, params.OwnerID, now, "")
	}

	fp, err := integrity.Fingerprint(a)
	if err != nil {
		return agreement.Agreement{}, err
	}
	a.Fingerprint = fp

	for attempt := 0; ; attempt++ {
		_, err = e.store.Create(ctx, a)
		if err == nil || !errors.Is(err, agreement.ErrDuplicate) || attempt == 2 {
			break
		}
		a.Code = e.codeGenerator(now)
	}
	if err != nil {
		return agreement.Agreement{}, err
	}
	a.Version = 1

	e.log.Info().
		Str("agreement_id", a.ID).
		Str("code", a.Code).
		Str("status", string(a.Status)).
		Str("actor", params.OwnerID).
		Msg("agreement created")

	if a.Status == agreement.StatusPendingSignatures {
		e.afterTransition(ctx, agreement.StatusDraft, a, params.OwnerID, NotifyCreated, both(a), "")
	}
	return a, nil
}

// Get fetches an agreement by id or display code for one of its participants.
// Outsiders are turned away before the fingerprint is verified, so they
// learn nothing about the record's state.
func (e *Engine) Get(ctx context.Context, ref, actorID string) (agreement.Agreement, error) {
	a, err := e.load(ctx, ref)
	if err != nil {
		return agreement.Agreement{}, err
	}
	if _, ok := a.Participant(actorID); !ok {
		return agreement.Agreement{}, agreement.ErrUnauthorizedParticipant
	}
	if err := e.verify(a); err != nil {
		return agreement.Agreement{}, err
	}
	return a, nil
}

// List returns the agreements actorID takes part in, newest first.
func (e *Engine) List(ctx context.Context, actorID string, filter agreement.ListFilter) ([]agreement.Agreement, int, error) {
	if actorID == "" {
		return nil, 0, agreement.ErrUnauthorizedParticipant
	}
	items, total, err := e.store.ListByParticipant(ctx, actorID, filter)
	if err != nil {
		return nil, 0, err
	}
	for _, a := range items {
		if err := e.verify(a); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

// Submit moves a draft to pending_signatures. Only the owner may submit.
func (e *Engine) Submit(ctx context.Context, ref, actorID string) (agreement.Agreement, error) {
	var expired bool
	updated, err := e.mutate(ctx, ref, func(a *agreement.Agreement, now time.Time) error {
		expired = false
		p, ok := a.Participant(actorID)
		if !ok {
			return agreement.ErrUnauthorizedParticipant
		}
		if p.Role != agreement.RoleOwner {
			return fmt.Errorf("%w: only the owner submits a draft", agreement.ErrUnauthorizedParticipant)
		}
		if a.Status != agreement.StatusDraft {
			return fmt.Errorf("%w: cannot submit from %s", agreement.ErrInvalidState, a.Status)
		}
		if a.PastDeadline(now) {
			e.applyExpiry(a, now)
			expired = true
			return nil
		}
		a.Status = agreement.StatusPendingSignatures
		a.Record(e.idGenerator(), agreement.EventSubmitted, actorID, now, "")
		return nil
	})
	if err != nil {
		return agreement.Agreement{}, err
	}
	if expired {
		e.afterTransition(ctx, agreement.StatusDraft, updated, "", NotifyCancelled, both(updated), updated.CancellationReason)
		return agreement.Agreement{}, fmt.Errorf("%w: %s", agreement.ErrExpired, updated.ID)
	}
	e.afterTransition(ctx, agreement.StatusDraft, updated, actorID, NotifyCreated, both(updated), "")
	return updated, nil
}

// SignParams is a signature submission.
type SignParams struct {
	Ref        string
	IdentityID string
	Artifact   string
	IPAddress  string
	UserAgent  string
}

// Sign records a participant's signature. A participant's signature arriving
// after the deadline cancels the agreement and fails with ErrExpired; an
// outsider gets ErrUnauthorizedParticipant and changes nothing. The second
// signature moves the agreement to signed; completion is never implied.
func (e *Engine) Sign(ctx context.Context, params SignParams) (agreement.Agreement, error) {
	var (
		expired bool
		from    agreement.Status
		result  signature.Result
	)
	updated, err := e.mutate(ctx, params.Ref, func(a *agreement.Agreement, now time.Time) error {
		expired = false
		from = a.Status
		expiring := a.Status.Signable() && a.PastDeadline(now)
		if a.CancelledByExpiry() || expiring {
			if _, ok := a.Participant(params.IdentityID); !ok {
				return agreement.ErrUnauthorizedParticipant
			}
		}
		if a.CancelledByExpiry() {
			return fmt.Errorf("%w: %s", agreement.ErrExpired, a.ID)
		}
		if expiring {
			e.applyExpiry(a, now)
			expired = true
			return nil
		}

		res, err := e.verifier.Accept(a, signature.Attempt{
			IdentityID: params.IdentityID,
			Artifact:   params.Artifact,
			IPAddress:  params.IPAddress,
			UserAgent:  params.UserAgent,
			At:         now,
		})
		if err != nil {
			return err
		}
		result = res

		a.Record(e.idGenerator(), agreement.SignedEventFor(res.Role), params.IdentityID, now, res.ArtifactDigest)
		switch {
		case res.FullySigned:
			fullySigned := now
			a.Status = agreement.StatusSigned
			a.Dates.FullySigned = &fullySigned
			a.Record(e.idGenerator(), agreement.EventFullySigned, params.IdentityID, now, "")
		case a.Status == agreement.StatusDraft:
			a.Status = agreement.StatusPendingSignatures
		}
		return nil
	})
	if err != nil {
		metrics.ObserveSignature(outcome(err))
		return agreement.Agreement{}, err
	}

	if expired {
		metrics.ObserveSignature(outcome(agreement.ErrExpired))
		e.afterTransition(ctx, from, updated, "", NotifyCancelled, both(updated), updated.CancellationReason)
		return agreement.Agreement{}, fmt.Errorf("%w: %s", agreement.ErrExpired, updated.ID)
	}

	metrics.ObserveSignature("accepted")
	if result.FullySigned {
		e.afterTransition(ctx, from, updated, params.IdentityID, NotifyFullySigned, both(updated), "")
	} else {
		other := updated.Counterpart(result.Role)
		e.afterTransition(ctx, from, updated, params.IdentityID, NotifySignatureNeeded, []Recipient{{IdentityID: other.IdentityID, Role: other.Role}}, "")
	}
	return updated, nil
}

// Complete records the real-world handover. Valid only from signed.
func (e *Engine) Complete(ctx context.Context, ref, actorID string) (agreement.Agreement, error) {
	updated, err := e.mutate(ctx, ref, func(a *agreement.Agreement, now time.Time) error {
		if _, ok := a.Participant(actorID); !ok {
			return agreement.ErrUnauthorizedParticipant
		}
		if a.Status != agreement.StatusSigned {
			return fmt.Errorf("%w: cannot complete from %s", agreement.ErrInvalidState, a.Status)
		}
		completedAt := now
		a.Status = agreement.StatusCompleted
		a.Dates.CompletedAt = &completedAt
		a.Record(e.idGenerator(), agreement.EventCompleted, actorID, now, "")
		return nil
	})
	if err != nil {
		return agreement.Agreement{}, err
	}
	e.afterTransition(ctx, agreement.StatusSigned, updated, actorID, NotifyCompleted, both(updated), "")
	return updated, nil
}

// Cancel ends a non-terminal agreement at a participant's request.
func (e *Engine) Cancel(ctx context.Context, ref, actorID, reason string) (agreement.Agreement, error) {
	var from agreement.Status
	reason = strings.TrimSpace(reason)
	updated, err := e.mutate(ctx, ref, func(a *agreement.Agreement, now time.Time) error {
		if _, ok := a.Participant(actorID); !ok {
			return agreement.ErrUnauthorizedParticipant
		}
		if a.Status.Terminal() {
			return fmt.Errorf("%w: already %s", agreement.ErrInvalidState, a.Status)
		}
		from = a.Status
		cancelledAt := now
		a.Status = agreement.StatusCancelled
		a.Dates.CancelledAt = &cancelledAt
		a.CancellationReason = reason
		a.Record(e.idGenerator(), agreement.EventCancelled, actorID, now, reason)
		return nil
	})
	if err != nil {
		return agreement.Agreement{}, err
	}
	e.afterTransition(ctx, from, updated, actorID, NotifyCancelled, both(updated), reason)
	return updated, nil
}

// Expire cancels one agreement whose signing deadline has passed. It reports
// false without error when the agreement is no longer awaiting signatures or
// not yet due.
func (e *Engine) Expire(ctx context.Context, id string) (bool, error) {
	var (
		fired bool
		from  agreement.Status
	)
	updated, err := e.mutate(ctx, id, func(a *agreement.Agreement, now time.Time) error {
		fired = false
		if !a.Status.Signable() || !a.PastDeadline(now) {
			return agreement.ErrNoChange
		}
		from = a.Status
		e.applyExpiry(a, now)
		fired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if fired {
		e.afterTransition(ctx, from, updated, "", NotifyCancelled, both(updated), updated.CancellationReason)
	}
	return fired, nil
}

// ResendNotification re-sends the current status to both participants.
func (e *Engine) ResendNotification(ctx context.Context, ref, actorID string) error {
	a, err := e.Get(ctx, ref, actorID)
	if err != nil {
		return err
	}
	if a.Status == agreement.StatusDraft {
		return fmt.Errorf("%w: draft agreements have nothing to resend", agreement.ErrInvalidState)
	}
	if err := e.notifier.Notify(ctx, notification(a, NotifyResend, actorID, both(a), a.CancellationReason)); err != nil {
		metrics.ObserveNotificationFailure(string(NotifyResend))
		return fmt.Errorf("lifecycle: resend notification: %w", err)
	}
	return nil
}

// Document renders the printable agreement.
func (e *Engine) Document(ctx context.Context, ref, actorID string) (Document, error) {
	a, err := e.Get(ctx, ref, actorID)
	if err != nil {
		return Document{}, err
	}
	if a.Status == agreement.StatusDraft {
		return Document{}, fmt.Errorf("%w: draft agreements cannot be rendered", agreement.ErrInvalidState)
	}
	if e.renderer == nil {
		return Document{}, errors.New("lifecycle: no document renderer configured")
	}
	doc, err := e.renderer.Render(ctx, a)
	if err != nil {
		return Document{}, fmt.Errorf("lifecycle: render: %w", err)
	}
	return doc, nil
}

// Fingerprint returns the verified integrity fingerprint.
func (e *Engine) Fingerprint(ctx context.Context, ref, actorID string) (string, error) {
	a, err := e.Get(ctx, ref, actorID)
	if err != nil {
		return "", err
	}
	return a.Fingerprint, nil
}

// mutate resolves ref and runs fn against the freshest record inside
// Store.Update. The fingerprint is checked before fn sees the record.
func (e *Engine) mutate(ctx context.Context, ref string, fn func(a *agreement.Agreement, now time.Time) error) (agreement.Agreement, error) {
	id, err := e.resolveID(ctx, ref)
	if err != nil {
		return agreement.Agreement{}, err
	}
	return e.store.Update(ctx, id, func(a *agreement.Agreement) error {
		if err := e.verify(*a); err != nil {
			return err
		}
		now := e.clock()
		if err := fn(a, now); err != nil {
			return err
		}
		a.Dates.Updated = now
		return nil
	})
}

func (e *Engine) load(ctx context.Context, ref string) (agreement.Agreement, error) {
	if ref == "" {
		return agreement.Agreement{}, agreement.ErrNotFound
	}
	if agreement.LooksLikeCode(ref) {
		return e.store.GetByCode(ctx, ref)
	}
	return e.store.Get(ctx, ref)
}

func (e *Engine) resolveID(ctx context.Context, ref string) (string, error) {
	if !agreement.LooksLikeCode(ref) {
		return ref, nil
	}
	a, err := e.store.GetByCode(ctx, ref)
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

func (e *Engine) verify(a agreement.Agreement) error {
	err := integrity.Check(a)
	if err != nil && errors.Is(err, agreement.ErrIntegrityConflict) {
		metrics.ObserveIntegrityViolation()
		e.log.Error().
			Str("agreement_id", a.ID).
			Str("stored_fingerprint", a.Fingerprint).
			Msg("agreement fingerprint mismatch")
	}
	return err
}

func (e *Engine) applyExpiry(a *agreement.Agreement, now time.Time) {
	cancelledAt := now
	a.Status = agreement.StatusCancelled
	a.Dates.CancelledAt = &cancelledAt
	a.CancellationReason = agreement.CancellationReasonExpired
	a.Record(e.idGenerator(), agreement.EventExpired, "", now, "")
}

func (e *Engine) afterTransition(ctx context.Context, from agreement.Status, a agreement.Agreement, actorID string, kind NotificationKind, to []Recipient, reason string) {
	metrics.ObserveTransition(string(from), string(a.Status))
	e.log.Info().
		Str("agreement_id", a.ID).
		Str("from", string(from)).
		Str("to", string(a.Status)).
		Str("actor", actorID).
		Msg("agreement transition")

	if err := e.notifier.Notify(ctx, notification(a, kind, actorID, to, reason)); err != nil {
		metrics.ObserveNotificationFailure(string(kind))
		e.log.Warn().Err(err).
			Str("agreement_id", a.ID).
			Str("kind", string(kind)).
			Msg("notification dispatch failed")
	}
}

func notification(a agreement.Agreement, kind NotificationKind, actorID string, to []Recipient, reason string) Notification {
	return Notification{
		Kind:           kind,
		AgreementID:    a.ID,
		Code:           a.Code,
		Status:         a.Status,
		Recipients:     to,
		ActorID:        actorID,
		ItemTitle:      a.Subject.Title,
		ExchangeAt:     a.Terms.ExchangeAt,
		Location:       a.Terms.Location,
		DeliveryMethod: a.Terms.DeliveryMethod,
		Reason:         reason,
	}
}

func both(a agreement.Agreement) []Recipient {
	return []Recipient{
		{IdentityID: a.Owner().IdentityID, Role: agreement.RoleOwner},
		{IdentityID: a.Receiver().IdentityID, Role: agreement.RoleReceiver},
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, agreement.ErrExpired):
		return "expired"
	case errors.Is(err, agreement.ErrAlreadySigned):
		return "already_signed"
	case errors.Is(err, agreement.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, agreement.ErrUnauthorizedParticipant):
		return "unauthorized"
	case errors.Is(err, agreement.ErrIntegrityConflict):
		return "integrity_conflict"
	default:
		return "error"
	}
}
