package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/georgeshao/prompt-relay/internal/storage"
	"github.com/georgeshao/prompt-relay/internal/storage/storetest"
)

func TestStoreContract(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	storetest.Run(t, func(t *testing.T) storage.Store {
		ctx := context.Background()
		store, err := New(ctx, Config{URL: url, MaxConns: 8})
		require.NoError(t, err)
		_, err = store.pool.Exec(ctx, `TRUNCATE encrypted_records`)
		require.NoError(t, err)
		return store
	})
}
