package repo_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tributary/internal/db/dbtest"
	"tributary/internal/domain"
	"tributary/internal/repo"
)

const ts = "2024-05-01T12:00:00Z"

// openLoose returns a store without foreign key enforcement so schedules can
// be inserted without their owning rows.
func openLoose(t *testing.T) repo.Repo {
	t.Helper()
	conn := dbtest.Open(t)
	_, err := conn.Exec(`PRAGMA foreign_keys = OFF`)
	require.NoError(t, err)
	return repo.Repo{DB: conn}
}

func schedule(id, alias string) domain.TaskSchedule {
	return domain.TaskSchedule{
		ID:                 id,
		TaskTableID:        "tt-1",
		UniqueAlias:        alias,
		Status:             domain.SchedulePending,
		FireAt:             ts,
		TriggerExecutionID: "e-1",
		PartitionsJSON:     "{}",
		CreatedAt:          ts,
		UpdatedAt:          ts,
	}
}

func TestIsUniqueViolationOnActiveAlias(t *testing.T) {
	r := openLoose(t)
	ctx := context.Background()

	first := schedule("s1", "C_load_None_x1")
	require.NoError(t, r.InsertSchedule(ctx, r.DB, first))

	err := r.InsertSchedule(ctx, r.DB, schedule("s2", "C_load_None_x1"))
	require.Error(t, err)
	assert.True(t, repo.IsUniqueViolation(err), "got %v", err)

	first.Status = domain.ScheduleCompleted
	require.NoError(t, r.UpdateSchedule(ctx, r.DB, first))
	require.NoError(t, r.InsertSchedule(ctx, r.DB, schedule("s2", "C_load_None_x1")), "finished schedules release the alias")

	assert.False(t, repo.IsUniqueViolation(nil))
	assert.False(t, repo.IsUniqueViolation(errors.New("connection reset")))
	assert.False(t, repo.IsUniqueViolation(repo.ErrNotFound))
}

func TestSavepointKeepsTransactionUsable(t *testing.T) {
	r := openLoose(t)
	ctx := context.Background()
	require.NoError(t, r.InsertSchedule(ctx, r.DB, schedule("s1", "taken")))

	err := r.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		require.NoError(t, r.InsertSchedule(ctx, tx, schedule("s2", "fresh")))
		err := repo.Savepoint(ctx, tx, "dup", func() error {
			return r.InsertSchedule(ctx, tx, schedule("s3", "taken"))
		})
		require.True(t, repo.IsUniqueViolation(err), "got %v", err)
		return r.InsertSchedule(ctx, tx, schedule("s4", "other"))
	})
	require.NoError(t, err)

	var ids []string
	require.NoError(t, r.DB.Select(&ids, `SELECT id FROM task_schedules ORDER BY id`))
	assert.Equal(t, []string{"s1", "s2", "s4"}, ids)
}
