package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/storage"
	"github.com/relayq/relayq/internal/storage/compliance"
)

func TestCompliance(t *testing.T) {
	compliance.Run(t, func(t *testing.T) (storage.Storage, func()) {
		dsn := filepath.Join(t.TempDir(), "relayq.db")
		store, err := Open(context.Background(), dsn)
		require.NoError(t, err)
		return store, func() { _ = store.Close() }
	})
}
