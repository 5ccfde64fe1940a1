package migrate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tributary/internal/db"
	"tributary/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	all, err := migrate.Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, all)

	applied, err := migrate.Migrate(conn)
	require.NoError(t, err)
	assert.Equal(t, len(all), applied)

	applied, err = migrate.Migrate(conn)
	require.NoError(t, err)
	assert.Zero(t, applied)

	var n int
	require.NoError(t, conn.Get(&n, `SELECT COUNT(*) FROM schema_migrations`))
	assert.Equal(t, len(all), n)
	require.NoError(t, conn.Get(&n, `SELECT COUNT(*) FROM task_schedules`))
	assert.Zero(t, n)
}

func TestMigrationsAreOrdered(t *testing.T) {
	all, err := migrate.Migrations()
	require.NoError(t, err)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Version, all[i].Version)
	}
	assert.Equal(t, 1, all[0].Version)
}
