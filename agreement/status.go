package agreement

import "fmt"

// Status is the lifecycle state of an agreement.
type Status string

const (
	StatusDraft             Status = "draft"
	StatusPendingSignatures Status = "pending_signatures"
	StatusSigned            Status = "signed"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
)

// transitions lists every permitted (from, to) pair. pending_signatures ->
// pending_signatures is the first of two signatures landing.
var transitions = map[Status][]Status{
	StatusDraft:             {StatusPendingSignatures, StatusCancelled},
	StatusPendingSignatures: {StatusPendingSignatures, StatusSigned, StatusCancelled},
	StatusSigned:            {StatusCompleted, StatusCancelled},
	StatusCompleted:         nil,
	StatusCancelled:         nil,
}

// ParseStatus validates a wire status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if _, ok := transitions[s]; !ok {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
	}
	return s, nil
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Signable reports whether signatures may still be collected in s.
func (s Status) Signable() bool {
	return s == StatusDraft || s == StatusPendingSignatures
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidState when from -> to is not allowed.
func ValidateTransition(from, to Status) error {
	if from == to && from != StatusPendingSignatures {
		return nil
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	return nil
}
