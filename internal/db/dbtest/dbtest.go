// Package dbtest opens migrated throwaway stores for tests.
package dbtest

import (
	"testing"

	"github.com/jmoiron/sqlx"

	"tributary/internal/db"
	"tributary/internal/migrate"
)

// Open returns a migrated SQLite store living in t.TempDir().
func Open(t testing.TB) *sqlx.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}
