package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/storage"
	"github.com/relayq/relayq/internal/storage/compliance"
)

// TestCompliance runs against a real database when
// RELAYQ_TEST_POSTGRES_DSN is set, e.g. a local docker postgres.
func TestCompliance(t *testing.T) {
	dsn := os.Getenv("RELAYQ_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RELAYQ_TEST_POSTGRES_DSN not set")
	}

	compliance.Run(t, func(t *testing.T) (storage.Storage, func()) {
		ctx := context.Background()
		store, err := Connect(ctx, Config{DSN: dsn, Migrate: true})
		require.NoError(t, err)

		// Each subtest starts clean.
		for _, table := range []string{"jobs", "queues", "schedules", "workers", "locks"} {
			_, err := store.Pool().Exec(ctx, "TRUNCATE TABLE "+table)
			require.NoError(t, err)
		}
		return store, func() { _ = store.Close() }
	})
}
