// Package storetest holds the behavioural suite every storage.Store backend
// must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgeshao/prompt-relay/internal/storage"
	"github.com/georgeshao/prompt-relay/pkg/types"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("DuplicateCreate", func(t *testing.T) { testDuplicateCreate(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("TransitionHappyPath", func(t *testing.T) { testTransitionHappyPath(t, newStore(t)) })
	t.Run("TransitionRejectsRegression", func(t *testing.T) { testTransitionRejectsRegression(t, newStore(t)) })
	t.Run("TransitionExpectedStatus", func(t *testing.T) { testTransitionExpectedStatus(t, newStore(t)) })
	t.Run("TransitionUnknownRecord", func(t *testing.T) { testTransitionUnknownRecord(t, newStore(t)) })
	t.Run("CountByStatus", func(t *testing.T) { testCountByStatus(t, newStore(t)) })
	t.Run("FindUnclaimedOrdering", func(t *testing.T) { testFindUnclaimedOrdering(t, newStore(t)) })
	t.Run("ClaimLease", func(t *testing.T) { testClaimLease(t, newStore(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("Reset", func(t *testing.T) { testReset(t, newStore(t)) })
}

func closeStore(t *testing.T, store storage.Store) {
	t.Helper()
	if err := store.Close(); err != nil {
		t.Logf("Failed to close store: %v", err)
	}
}

func testCreateAndGet(t *testing.T, store storage.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	created, err := store.Create(ctx, "cdwyy42", "ciphertext")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReceived, created.Status)

	got, err := store.Get(ctx, "cdwyy42")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "cdwyy42", got.ID)
	assert.Equal(t, "ciphertext", got.EncryptedPrompt)
	assert.Equal(t, types.StatusReceived, got.Status)
	assert.Nil(t, got.DecryptedPrompt)
	assert.Nil(t, got.EncryptedResult)
	assert.Nil(t, got.ClaimedBy)
	assert.False(t, got.ReceivedAt.IsZero())
}

func testDuplicateCreate(t *testing.T, store storage.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	_, err := store.Create(ctx, "dup", "first")
	require.NoError(t, err)

	_, err = store.Create(ctx, "dup", "second")
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey), "got %v", err)

	got, err := store.Get(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, "first", got.EncryptedPrompt, "ciphertext must not change after first insert")

	count, err := store.CountByStatus(ctx, types.StatusReceived)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func testGetMissing(t *testing.T, store storage.Store) {
	defer closeStore(t, store)

	got, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testTransitionHappyPath(t *testing.T, store storage.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	_, err := store.Create(ctx, "r1", "ct")
	require.NoError(t, err)

	rec, err := store.Transition(ctx, storage.Transition{
		ID:              "r1",
		From:            storage.Expect(types.StatusReceived),
		To:              types.StatusDecrypted,
		DecryptedPrompt: storage.StringPtr("plain"),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusDecrypted, rec.Status)

	for _, next := range []types.RecordStatus{types.StatusProcessing, types.StatusProcessed} {
		_, err = store.Transition(ctx, storage.Transition{ID: "r1", To: next})
		require.NoError(t, err)
	}

	_, err = store.Transition(ctx, storage.Transition{
		ID:              "r1",
		To:              types.StatusEncrypted,
		EncryptedResult: storage.StringPtr("result-ct"),
	})
	require.NoError(t, err)

	// Re-applying the current status is idempotent.
	_, err = store.Transition(ctx, storage.Transition{ID: "r1", To: types.StatusEncrypted})
	require.NoError(t, err)

	_, err = store.Transition(ctx, storage.Transition{ID: "r1", To: types.StatusSent})
	require.NoError(t, err)

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSent, got.Status)
	require.NotNil(t, got.DecryptedPrompt)
	assert.Equal(t, "plain", *got.DecryptedPrompt)
	require.NotNil(t, got.EncryptedResult)
	assert.Equal(t, "result-ct", *got.EncryptedResult)
}

func testTransitionRejectsRegression(t *testing.T, store storage.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	_, err := store.Create(ctx, "r1", "ct")
	require.NoError(t, err)
	_, err = store.Transition(ctx, storage.Transition{ID: "r1", To: types.StatusProcessing})
	require.NoError(t, err)

	_, err = store.Transition(ctx, storage.Transition{ID: "r1", To: types.StatusDecrypted})
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	_, err = store.Transition(ctx, storage.Transition{ID: "r1", To: types.StatusError, ErrorMessage: storage.StringPtr("boom")})
	require.NoError(t, err)

	_, err = store.Transition(ctx, storage.Transition{ID: "r1", To: types.StatusSent})
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "boom", *got.ErrorMessage)
}

func testTransitionExpectedStatus(t *testing.T, store storage.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	_, err := store.Create(ctx, "r1", "ct")
	require.NoError(t, err)
	_, err = store.Transition(ctx, storage.Transition{ID: "r1", To: types.StatusProcessing})
	require.NoError(t, err)

	_, err = store.Transition(ctx, storage.Transition{
		ID:   "r1",
		From: storage.Expect(types.StatusReceived),
		To:   types.StatusDecrypted,
	})
	assert.ErrorIs(t, err, storage.ErrStaleTransition)

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, got.Status)
}

func testTransitionUnknownRecord(t *testing.T, store storage.Store) {
	defer closeStore(t, store)

	_, err := store.Transition(context.Background(), storage.Transition{ID: "ghost", To: types.StatusDecrypted})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testCountByStatus(t *testing.T, store storage.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Create(ctx, id, "ct")
		require.NoError(t, err)
	}
	_, err := store.Transition(ctx, storage.Transition{ID: "b", To: types.StatusDecrypted})
	require.NoError(t, err)

	received, err := store.CountByStatus(ctx, types.StatusReceived)
	require.NoError(t, err)
	assert.Equal(t, 2, received)

	decrypted, err := store.CountByStatus(ctx, types.StatusDecrypted)
	require.NoError(t, err)
	assert.Equal(t, 1, decrypted)

	counts, err := store.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[types.StatusReceived])
	assert.Equal(t, 1, counts[types.StatusDecrypted])
	assert.Equal(t, 0, counts[types.StatusSent])
}

func testFindUnclaimedOrdering(t *testing.T, store storage.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	for _, id := range []string{"first", "second", "third", "fourth"} {
		_, err := store.Create(ctx, id, "ct")
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	_, err := store.Transition(ctx, storage.Transition{ID: "second", To: types.StatusDecrypted})
	require.NoError(t, err)
	_, err = store.Transition(ctx, storage.Transition{ID: "third", To: types.StatusSent})
	require.NoError(t, err)

	records, err := store.FindUnclaimed(ctx, storage.ClaimFilter{
		Statuses: []types.RecordStatus{types.StatusReceived, types.StatusDecrypted},
		Limit:    10,
		Now:      time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "first", records[0].ID)
	assert.Equal(t, "second", records[1].ID)
	assert.Equal(t, "fourth", records[2].ID)

	limited, err := store.FindUnclaimed(ctx, storage.ClaimFilter{
		Statuses: []types.RecordStatus{types.StatusReceived, types.StatusDecrypted},
		Limit:    2,
		Now:      time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "first", limited[0].ID)
}

func testClaimLease(t *testing.T, store storage.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	_, err := store.Create(ctx, "r1", "ct")
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, "r1", "node-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed.ClaimedBy)
	assert.Equal(t, "node-a", *claimed.ClaimedBy)
	require.NotNil(t, claimed.ClaimExpiry)

	_, err = store.Claim(ctx, "r1", "node-b", time.Minute)
	assert.ErrorIs(t, err, storage.ErrAlreadyClaimed)

	// The holder may renew its own lease.
	_, err = store.Claim(ctx, "r1", "node-a", time.Minute)
	require.NoError(t, err)

	filter := storage.ClaimFilter{
		Statuses: []types.RecordStatus{types.StatusReceived, types.StatusProcessing},
		Limit:    10,
		Now:      time.Now(),
	}
	records, err := store.FindUnclaimed(ctx, filter)
	require.NoError(t, err)
	assert.Empty(t, records, "live lease hides the record")

	_, err = store.Transition(ctx, storage.Transition{ID: "r1", To: types.StatusProcessing})
	require.NoError(t, err)

	// Once the lease expires a stale PROCESSING row becomes visible again
	// without any status change.
	filter.Now = time.Now().Add(2 * time.Minute)
	records, err = store.FindUnclaimed(ctx, filter)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.StatusProcessing, records[0].Status)

	_, err = store.Claim(ctx, "r1", "node-b", -time.Second)
	assert.ErrorIs(t, err, storage.ErrAlreadyClaimed, "lease has not expired on the store clock yet")
}

func testConcurrentClaim(t *testing.T, store storage.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	_, err := store.Create(ctx, "contended", "ct")
	require.NoError(t, err)

	owners := []string{"n1", "n2", "n3", "n4", "n5", "n6", "n7", "n8"}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for _, owner := range owners {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			if _, err := store.Claim(ctx, "contended", owner, time.Minute); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, storage.ErrAlreadyClaimed) {
				t.Errorf("unexpected claim error: %v", err)
			}
		}(owner)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func testReset(t *testing.T, store storage.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	_, err := store.Create(ctx, "r1", "ct")
	require.NoError(t, err)
	_, err = store.Claim(ctx, "r1", "node-a", time.Minute)
	require.NoError(t, err)
	_, err = store.Transition(ctx, storage.Transition{ID: "r1", To: types.StatusError, ErrorMessage: storage.StringPtr("x")})
	require.NoError(t, err)

	rec, err := store.Reset(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReceived, rec.Status)

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusReceived, got.Status)
	assert.Equal(t, "ct", got.EncryptedPrompt)
	assert.Nil(t, got.ErrorMessage)
	assert.Nil(t, got.ClaimedBy)
	assert.Nil(t, got.ClaimExpiry)

	_, err = store.Reset(ctx, "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
