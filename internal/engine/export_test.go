package engine

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// SetBeforeScheduleInsert installs f between the alias lookup and the
// schedule insert and returns a func restoring the previous hook.
func SetBeforeScheduleInsert(f func(ctx context.Context, tx *sqlx.Tx, alias string) error) func() {
	prev := testHookBeforeScheduleInsert
	testHookBeforeScheduleInsert = f
	return func() { testHookBeforeScheduleInsert = prev }
}
