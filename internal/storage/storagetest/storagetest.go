// Package storagetest runs store-level tests against every backing store.
package storagetest

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/storage"
)

// PostgresDSNEnv enables the postgres variant when set.
const PostgresDSNEnv = "RIDESHARE_TEST_PG_DSN"

// Each runs fn as a subtest against the memory store, a sqlite file and,
// when configured, postgres.
func Each(t *testing.T, fn func(t *testing.T, s storage.Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, storage.NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, SQLite(t))
	})
	t.Run("postgres", func(t *testing.T) {
		fn(t, Postgres(t))
	})
}

// SQLite opens a migrated store on a file in the test's temp dir.
func SQLite(t testing.TB) *storage.SQLStore {
	t.Helper()

	s, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "rideshare.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Migrate(ctx))
	return s
}

// Postgres opens a migrated store in a throwaway schema, or skips the test
// when no DSN is configured.
func Postgres(t testing.TB) *storage.SQLStore {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv(PostgresDSNEnv))
	if dsn == "" {
		t.Skipf("%s not set", PostgresDSNEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	admin, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	if err := admin.PingContext(ctx); err != nil {
		_ = admin.Close()
		if os.Getenv("CI") == "" {
			t.Skipf("postgres unreachable: %v", err)
		}
		t.Fatalf("ping postgres: %v", err)
	}

	schema := "rideshare_it_" + strings.ToLower(models.NewID())
	_, err = admin.ExecContext(ctx, `CREATE SCHEMA `+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dropCancel()
		_, _ = admin.ExecContext(dropCtx, `DROP SCHEMA IF EXISTS `+schema+` CASCADE`)
		_ = admin.Close()
	})

	s, err := storage.NewPostgresStore(withSearchPath(dsn, schema))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

// withSearchPath adds a search_path runtime parameter to either DSN form.
func withSearchPath(dsn, schema string) string {
	if strings.Contains(dsn, "://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "search_path=" + schema
	}
	return dsn + " search_path=" + schema
}
