package postgres

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailmove/internal/store"
	"github.com/Martian-dev/mailmove/internal/store/storetest"
)

// newTestStore connects to MAILMOVE_TEST_POSTGRES_URL and empties every
// table so each subtest starts clean.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("MAILMOVE_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("MAILMOVE_TEST_POSTGRES_URL not set")
	}
	s, err := Open(url, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.db.Exec(
		`TRUNCATE accounts, migration_jobs, sync_checkpoints, migrated_items, migration_logs`).Error)
	return s
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTestStore(t) })
}
