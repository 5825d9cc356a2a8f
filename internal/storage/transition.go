package storage

import (
	"errors"
	"fmt"

	"github.com/georgeshao/prompt-relay/pkg/types"
)

var (
	ErrDuplicateKey      = errors.New("record already exists")
	ErrNotFound          = errors.New("record not found")
	ErrAlreadyClaimed    = errors.New("record is claimed by another worker")
	ErrStaleTransition   = errors.New("record is not in the expected status")
	ErrInvalidTransition = errors.New("invalid status transition")
)

var statusRank = map[types.RecordStatus]int{
	types.StatusReceived:   0,
	types.StatusDecrypted:  1,
	types.StatusProcessing: 2,
	types.StatusProcessed:  3,
	types.StatusEncrypted:  4,
	types.StatusSent:       5,
}

func IsTerminal(status types.RecordStatus) bool {
	return status == types.StatusSent || status == types.StatusError
}

func IsKnownStatus(status types.RecordStatus) bool {
	_, ok := statusRank[status]
	return ok || status == types.StatusError
}

// ValidateTransition enforces forward-only movement along the happy path.
// ERROR is reachable from every non-terminal status and re-applying the
// current status is always allowed.
func ValidateTransition(current, next types.RecordStatus) error {
	if !IsKnownStatus(next) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	if current == next {
		return nil
	}
	if IsTerminal(current) {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, current)
	}
	if next == types.StatusError {
		return nil
	}
	if statusRank[next] < statusRank[current] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	return nil
}

// CheckTransition combines the expected-status guard with ValidateTransition.
func CheckTransition(rec *Record, t Transition) error {
	if t.From != nil && rec.Status != *t.From && rec.Status != t.To {
		return fmt.Errorf("%w: %s expected %s, found %s", ErrStaleTransition, rec.ID, *t.From, rec.Status)
	}
	return ValidateTransition(rec.Status, t.To)
}

// Apply copies the transition onto rec. Callers validate first.
func Apply(rec *Record, t Transition) {
	rec.Status = t.To
	if t.DecryptedPrompt != nil {
		rec.DecryptedPrompt = t.DecryptedPrompt
	}
	if t.EncryptedResult != nil {
		rec.EncryptedResult = t.EncryptedResult
	}
	if t.ErrorMessage != nil {
		rec.ErrorMessage = t.ErrorMessage
	}
}
