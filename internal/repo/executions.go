package repo

import (
	"context"
	"sort"
	"strings"

	"tributary/internal/domain"
)

const executionColumns = `id,table_id,ts,source,deleted_at`

func (r Repo) InsertExecution(ctx context.Context, q Querier, e domain.TableExecution) error {
	_, err := exec(ctx, q, `INSERT INTO table_executions(`+executionColumns+`) VALUES (?,?,?,?,?)`,
		e.ID, e.TableID, e.TS, e.Source, nullableStringPtr(e.DeletedAt))
	return err
}

func (r Repo) InsertBinding(ctx context.Context, q Querier, b domain.PartitionBinding) error {
	_, err := exec(ctx, q, `INSERT INTO partition_bindings(id,table_id,partition_id,value,execution_id,ts) VALUES (?,?,?,?,?,?)`,
		b.ID, b.TableID, b.PartitionID, b.Value, b.ExecutionID, b.TS)
	return err
}

// GetExecution returns a non-deleted execution with its bindings.
func (r Repo) GetExecution(ctx context.Context, q Querier, id string) (domain.TableExecution, error) {
	var e domain.TableExecution
	if err := get(ctx, q, &e, `SELECT `+executionColumns+` FROM table_executions WHERE id=? AND deleted_at IS NULL`, id); err != nil {
		return e, err
	}
	if err := r.attachBindings(ctx, q, []*domain.TableExecution{&e}); err != nil {
		return e, err
	}
	return e, nil
}

// LatestExecution returns the newest non-deleted execution of tableID, or nil.
func (r Repo) LatestExecution(ctx context.Context, q Querier, tableID string) (*domain.TableExecution, error) {
	return r.LatestCompatibleExecution(ctx, q, tableID, nil)
}

// LatestCompatibleExecution returns the newest non-deleted execution of
// tableID carrying, for every constraint, a binding of that partition name
// to exactly that value. All constraints must hold on the same execution.
// Empty constraints match any execution. Returns nil when nothing matches.
func (r Repo) LatestCompatibleExecution(ctx context.Context, q Querier, tableID string, constraints map[string]string) (*domain.TableExecution, error) {
	f := filter{}
	f.add("e.table_id=?", tableID)
	f.add("e.deleted_at IS NULL")
	names := make([]string, 0, len(constraints))
	for name := range constraints {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f.add(`EXISTS (SELECT 1 FROM partition_bindings b JOIN partitions p ON p.id = b.partition_id
			WHERE b.execution_id = e.id AND p.name = ? AND b.value = ?)`, name, constraints[name])
	}
	var e domain.TableExecution
	err := get(ctx, q, &e, `SELECT `+prefixed("e", executionColumns)+` FROM table_executions e `+f.where()+` ORDER BY e.ts DESC, e.id DESC LIMIT 1`, f.args...)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := r.attachBindings(ctx, q, []*domain.TableExecution{&e}); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListExecutions returns a table's executions newest first, with bindings.
func (r Repo) ListExecutions(ctx context.Context, q Querier, tableID string, limit int) ([]domain.TableExecution, error) {
	var res []domain.TableExecution
	err := sel(ctx, q, &res, `SELECT `+executionColumns+` FROM table_executions WHERE table_id=? AND deleted_at IS NULL ORDER BY ts DESC, id DESC LIMIT ?`,
		tableID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	ptrs := make([]*domain.TableExecution, len(res))
	for i := range res {
		ptrs[i] = &res[i]
	}
	if err := r.attachBindings(ctx, q, ptrs); err != nil {
		return nil, err
	}
	return res, nil
}

func (r Repo) SoftDeleteExecution(ctx context.Context, q Querier, id, ts string) error {
	return execOne(ctx, q, `UPDATE table_executions SET deleted_at=? WHERE id=? AND deleted_at IS NULL`, ts, id)
}

func (r Repo) attachBindings(ctx context.Context, q Querier, execs []*domain.TableExecution) error {
	if len(execs) == 0 {
		return nil
	}
	ids := make([]string, len(execs))
	byID := make(map[string]*domain.TableExecution, len(execs))
	for i, e := range execs {
		ids[i] = e.ID
		byID[e.ID] = e
	}
	var bindings []domain.PartitionBinding
	err := selIn(ctx, q, &bindings, `SELECT b.id, b.table_id, b.partition_id, p.name AS partition_name, b.value, b.execution_id, b.ts
		FROM partition_bindings b JOIN partitions p ON p.id = b.partition_id
		WHERE b.execution_id IN (?) ORDER BY p.name`, ids)
	if err != nil {
		return err
	}
	for _, b := range bindings {
		if e := byID[b.ExecutionID]; e != nil {
			e.Partitions = append(e.Partitions, b)
		}
	}
	return nil
}

// CanonicalValues renders a partition map deterministically; used in logs.
func CanonicalValues(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + values[k]
	}
	return strings.Join(parts, ",")
}
