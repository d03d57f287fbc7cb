// Package repotest opens throwaway SQLite repositories for tests.
package repotest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"meemee-bot/internal/logging"
	"meemee-bot/internal/repo"
	"meemee-bot/migrations"
)

// New returns a migrated SQLite repository living in t.TempDir.
func New(t testing.TB) *repo.SQLRepository {
	t.Helper()
	ctx := context.Background()
	r, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "test.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	require.NoError(t, r.RunMigrations(ctx, migrations.Files))
	return r
}
