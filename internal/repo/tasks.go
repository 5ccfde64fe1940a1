package repo

import (
	"context"

	"tributary/internal/domain"
)

const executorColumns = `id,alias,method,target,role_arn,created_at`

func (r Repo) InsertTaskExecutor(ctx context.Context, q Querier, x domain.TaskExecutor) error {
	_, err := exec(ctx, q, `INSERT INTO task_executors(`+executorColumns+`) VALUES (?,?,?,?,?,?)`,
		x.ID, x.Alias, x.Method, x.Target, x.RoleArn, x.CreatedAt)
	return err
}

func (r Repo) UpdateTaskExecutor(ctx context.Context, q Querier, x domain.TaskExecutor) error {
	return execOne(ctx, q, `UPDATE task_executors SET method=?, target=?, role_arn=? WHERE id=?`,
		x.Method, x.Target, x.RoleArn, x.ID)
}

func (r Repo) GetTaskExecutor(ctx context.Context, q Querier, id string) (domain.TaskExecutor, error) {
	var x domain.TaskExecutor
	err := get(ctx, q, &x, `SELECT `+executorColumns+` FROM task_executors WHERE id=?`, id)
	return x, err
}

func (r Repo) GetTaskExecutorByAlias(ctx context.Context, q Querier, alias string) (domain.TaskExecutor, error) {
	var x domain.TaskExecutor
	err := get(ctx, q, &x, `SELECT `+executorColumns+` FROM task_executors WHERE alias=?`, alias)
	return x, err
}

func (r Repo) ListTaskExecutors(ctx context.Context, q Querier) ([]domain.TaskExecutor, error) {
	var res []domain.TaskExecutor
	err := sel(ctx, q, &res, `SELECT `+executorColumns+` FROM task_executors ORDER BY alias`)
	return res, err
}

const taskTableColumns = `id,table_id,task_executor_id,alias,payload_template,debounce_seconds,created_at,deleted_at`

func (r Repo) InsertTaskTable(ctx context.Context, q Querier, tt domain.TaskTable) error {
	_, err := exec(ctx, q, `INSERT INTO task_tables(`+taskTableColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		tt.ID, tt.TableID, tt.TaskExecutorID, tt.Alias, tt.PayloadTemplate, tt.DebounceSeconds, tt.CreatedAt, nullableStringPtr(tt.DeletedAt))
	return err
}

func (r Repo) GetTaskTable(ctx context.Context, q Querier, id string) (domain.TaskTable, error) {
	var tt domain.TaskTable
	err := get(ctx, q, &tt, `SELECT `+taskTableColumns+` FROM task_tables WHERE id=?`, id)
	return tt, err
}

func (r Repo) GetTaskTableByAlias(ctx context.Context, q Querier, tableID, alias string) (domain.TaskTable, error) {
	var tt domain.TaskTable
	err := get(ctx, q, &tt, `SELECT `+taskTableColumns+` FROM task_tables WHERE table_id=? AND alias=? AND deleted_at IS NULL`, tableID, alias)
	return tt, err
}

// ListTaskTables returns the active task bindings of a table.
func (r Repo) ListTaskTables(ctx context.Context, q Querier, tableID string) ([]domain.TaskTable, error) {
	var res []domain.TaskTable
	err := sel(ctx, q, &res, `SELECT `+taskTableColumns+` FROM task_tables WHERE table_id=? AND deleted_at IS NULL ORDER BY alias`, tableID)
	return res, err
}

func (r Repo) SoftDeleteTaskTable(ctx context.Context, q Querier, id, ts string) error {
	return execOne(ctx, q, `UPDATE task_tables SET deleted_at=? WHERE id=? AND deleted_at IS NULL`, ts, id)
}
