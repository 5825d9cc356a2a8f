package storage

import (
	"time"

	"github.com/georgeshao/prompt-relay/pkg/types"
)

type Record struct {
	ID              string
	EncryptedPrompt string
	DecryptedPrompt *string
	EncryptedResult *string
	Status          types.RecordStatus
	ErrorMessage    *string
	ClaimedBy       *string
	ClaimExpiry     *time.Time
	ReceivedAt      time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Claimable reports whether no live lease holds the record at now.
func (r *Record) Claimable(now time.Time) bool {
	return r.ClaimExpiry == nil || !r.ClaimExpiry.After(now)
}

type ClaimFilter struct {
	Statuses []types.RecordStatus
	Limit    int
	Now      time.Time
}

// Transition describes a status change. From, when set, is the status the
// caller expects the record to hold. Payload fields are written only when
// non-nil.
type Transition struct {
	ID              string
	From            *types.RecordStatus
	To              types.RecordStatus
	DecryptedPrompt *string
	EncryptedResult *string
	ErrorMessage    *string
}

func Expect(status types.RecordStatus) *types.RecordStatus {
	return &status
}

func StringPtr(s string) *string {
	return &s
}
