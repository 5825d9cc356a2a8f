package submission

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgeshao/prompt-relay/internal/secure"
	"github.com/georgeshao/prompt-relay/internal/storage"
	"github.com/georgeshao/prompt-relay/internal/storage/sqlite"
	"github.com/georgeshao/prompt-relay/pkg/types"
)

func setup(t *testing.T) (*Service, *sqlite.SQLiteStore, *secure.Cipher) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "submit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cipher := secure.NewCipher(secure.StaticKeySource{Key: "k", Salt: "s"})
	return NewService(store, cipher, zerolog.Nop()), store, cipher
}

func request(t *testing.T, cipher *secure.Cipher, id, prompt string) types.ExecuteRequest {
	t.Helper()
	ct, err := cipher.Encrypt(context.Background(), prompt)
	require.NoError(t, err)
	return types.ExecuteRequest{EncryptedPrompt: ct, EncryptionType: types.EncryptionAES, Timestamp: 1, RequestID: id}
}

func TestSubmitNewRequest(t *testing.T) {
	svc, store, cipher := setup(t)
	ctx := context.Background()
	req := request(t, cipher, "cdwyy42", "请总结今日体征。")

	out, err := svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Equal(t, types.StatusDecrypted, out.Status)
	assert.Equal(t, len(req.EncryptedPrompt), out.EncryptedLength)
	assert.Equal(t, len("请总结今日体征。"), out.DecryptedLength)

	rec, err := store.Get(ctx, "cdwyy42")
	require.NoError(t, err)
	require.NotNil(t, rec.DecryptedPrompt)
	assert.Equal(t, "请总结今日体征。", *rec.DecryptedPrompt)

	resp := out.Response()
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "cdwyy42", resp.RequestID)
}

func TestSubmitDuplicateKeepsOriginalCiphertext(t *testing.T) {
	svc, store, cipher := setup(t)
	ctx := context.Background()

	first := request(t, cipher, "cdwyy1", "original prompt")
	_, err := svc.Submit(ctx, first)
	require.NoError(t, err)

	retry := request(t, cipher, "cdwyy1", "original prompt")
	require.NotEqual(t, first.EncryptedPrompt, retry.EncryptedPrompt)

	out, err := svc.Submit(ctx, retry)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Equal(t, "request already received", out.Response().Message)

	rec, err := store.Get(ctx, "cdwyy1")
	require.NoError(t, err)
	assert.Equal(t, first.EncryptedPrompt, rec.EncryptedPrompt)

	n, err := store.CountByStatus(ctx, types.StatusDecrypted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSubmitDuplicateAdvancesReceivedRow(t *testing.T) {
	svc, store, cipher := setup(t)
	ctx := context.Background()
	req := request(t, cipher, "cdwyy2", "left behind")

	_, err := store.Create(ctx, "cdwyy2", req.EncryptedPrompt)
	require.NoError(t, err)

	out, err := svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Equal(t, types.StatusDecrypted, out.Status)
	assert.Equal(t, len("left behind"), out.DecryptedLength)
}

func TestSubmitDuplicateOfFinishedRecord(t *testing.T) {
	svc, store, cipher := setup(t)
	ctx := context.Background()
	req := request(t, cipher, "cdwyy3", "done already")

	_, err := svc.Submit(ctx, req)
	require.NoError(t, err)
	_, err = store.Transition(ctx, storage.Transition{ID: "cdwyy3", To: types.StatusSent})
	require.NoError(t, err)

	out, err := svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Equal(t, types.StatusSent, out.Status)
}

func TestSubmitConcurrentDuplicates(t *testing.T) {
	svc, store, cipher := setup(t)
	ctx := context.Background()
	req := request(t, cipher, "cdwyy9", "raced prompt")

	const n = 8
	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = svc.Submit(ctx, req)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if !outcomes[i].Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	counts, err := store.StatusCounts(ctx)
	require.NoError(t, err)
	total := 0
	for _, c := range counts {
		total += c
	}
	assert.Equal(t, 1, total)
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	svc, store, _ := setup(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  types.ExecuteRequest
	}{
		{"missing request id", types.ExecuteRequest{EncryptedPrompt: "abc"}},
		{"missing prompt", types.ExecuteRequest{RequestID: "cdwyy1"}},
		{"unsupported encryption", types.ExecuteRequest{RequestID: "cdwyy1", EncryptedPrompt: "abc", EncryptionType: "RSA"}},
		{"undecryptable", types.ExecuteRequest{RequestID: "cdwyy1", EncryptedPrompt: "bm90IGNpcGhlcnRleHQ="}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(ctx, tt.req)
			assert.ErrorIs(t, err, ErrInvalidSubmission)
		})
	}

	rec, err := store.Get(ctx, "cdwyy1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSubmitMissingKeyIsNotAClientError(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "nokey.db"))
	require.NoError(t, err)
	defer store.Close()

	good := secure.NewCipher(secure.StaticKeySource{Key: "k", Salt: "s"})
	ct, err := good.Encrypt(context.Background(), "prompt")
	require.NoError(t, err)

	svc := NewService(store, secure.NewCipher(secure.StaticKeySource{}), zerolog.Nop())
	_, err = svc.Submit(context.Background(), types.ExecuteRequest{RequestID: "cdwyy1", EncryptedPrompt: ct})
	assert.ErrorIs(t, err, secure.ErrMissingKey)
	assert.NotErrorIs(t, err, ErrInvalidSubmission)

	rec, err := store.Get(context.Background(), "cdwyy1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
