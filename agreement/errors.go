package agreement

import "errors"

var (
	// ErrNotFound is returned when no agreement exists for the identifier.
	ErrNotFound = errors.New("agreement: not found")
	// ErrUnauthorizedParticipant signals the actor is not one of the two participants.
	ErrUnauthorizedParticipant = errors.New("agreement: actor is not a participant")
	// ErrInvalidState signals a transition the current status does not permit.
	ErrInvalidState = errors.New("agreement: invalid state")
	// ErrAlreadySigned is returned when a participant signs a second time.
	ErrAlreadySigned = errors.New("agreement: already signed")
	// ErrExpired is returned when the signing deadline has passed.
	ErrExpired = errors.New("agreement: expired")
	// ErrIntegrityConflict signals the stored fingerprint no longer matches the
	// immutable content. It is never retried.
	ErrIntegrityConflict = errors.New("agreement: integrity conflict")
	// ErrWriteConflict is returned once the optimistic update retries are exhausted.
	ErrWriteConflict = errors.New("agreement: write conflict")
	// ErrInvalidInput covers malformed creation requests and filters.
	ErrInvalidInput = errors.New("agreement: invalid input")
	// ErrImmutableField is returned by stores when a mutation touches write-once fields.
	ErrImmutableField = errors.New("agreement: immutable field modified")
	// ErrDuplicate signals the id or display code is already taken.
	ErrDuplicate = errors.New("agreement: duplicate")
	// ErrNoChange lets a mutation abort an update without writing.
	ErrNoChange = errors.New("agreement: no change")

	errStaleVersion = errors.New("agreement: stale version")
)
