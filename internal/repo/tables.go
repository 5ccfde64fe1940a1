package repo

import (
	"context"
	"strings"

	"tributary/internal/domain"
)

const tableColumns = `id,name,description,requires_approval,created_by,created_at,last_modified_by,last_modified_at,deleted_at`

func (r Repo) InsertTable(ctx context.Context, q Querier, t domain.Table) error {
	_, err := exec(ctx, q, `INSERT INTO tables(`+tableColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Description, t.RequiresApproval, t.CreatedBy, t.CreatedAt, t.LastModifiedBy, t.LastModifiedAt, nullableStringPtr(t.DeletedAt))
	return err
}

func (r Repo) UpdateTable(ctx context.Context, q Querier, t domain.Table) error {
	return execOne(ctx, q, `UPDATE tables SET description=?, requires_approval=?, last_modified_by=?, last_modified_at=? WHERE id=? AND deleted_at IS NULL`,
		t.Description, t.RequiresApproval, t.LastModifiedBy, t.LastModifiedAt, t.ID)
}

func (r Repo) GetTable(ctx context.Context, q Querier, id string) (domain.Table, error) {
	var t domain.Table
	err := get(ctx, q, &t, `SELECT `+tableColumns+` FROM tables WHERE id=? AND deleted_at IS NULL`, id)
	return t, err
}

func (r Repo) GetTableByName(ctx context.Context, q Querier, name string) (domain.Table, error) {
	var t domain.Table
	err := get(ctx, q, &t, `SELECT `+tableColumns+` FROM tables WHERE name=? AND deleted_at IS NULL`, name)
	return t, err
}

// GetTableByRef looks a table up by id first, then by name.
func (r Repo) GetTableByRef(ctx context.Context, q Querier, ref string) (domain.Table, error) {
	t, err := r.GetTable(ctx, q, ref)
	if err == ErrNotFound {
		return r.GetTableByName(ctx, q, ref)
	}
	return t, err
}

func (r Repo) ListTables(ctx context.Context, q Querier) ([]domain.Table, error) {
	var res []domain.Table
	err := sel(ctx, q, &res, `SELECT `+tableColumns+` FROM tables WHERE deleted_at IS NULL ORDER BY name`)
	return res, err
}

// SoftDeleteTable marks the table, its partitions, every dependency edge
// touching it and its task bindings as deleted.
func (r Repo) SoftDeleteTable(ctx context.Context, q Querier, id, ts string) error {
	if err := execOne(ctx, q, `UPDATE tables SET deleted_at=? WHERE id=? AND deleted_at IS NULL`, ts, id); err != nil {
		return err
	}
	stmts := []string{
		`UPDATE partitions SET deleted_at=? WHERE table_id=? AND deleted_at IS NULL`,
		`UPDATE dependencies SET deleted_at=? WHERE table_id=? AND deleted_at IS NULL`,
		`UPDATE dependencies SET deleted_at=? WHERE depends_on_table_id=? AND deleted_at IS NULL`,
		`UPDATE task_tables SET deleted_at=? WHERE table_id=? AND deleted_at IS NULL`,
	}
	for _, stmt := range stmts {
		if _, err := exec(ctx, q, stmt, ts, id); err != nil {
			return err
		}
	}
	return nil
}

const partitionColumns = `id,table_id,name,type,is_required,sync_column,deleted_at`

func (r Repo) InsertPartition(ctx context.Context, q Querier, p domain.Partition) error {
	_, err := exec(ctx, q, `INSERT INTO partitions(`+partitionColumns+`) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.TableID, p.Name, p.Type, p.IsRequired, p.SyncColumn, nullableStringPtr(p.DeletedAt))
	return err
}

func (r Repo) UpdatePartition(ctx context.Context, q Querier, p domain.Partition) error {
	return execOne(ctx, q, `UPDATE partitions SET type=?, is_required=?, sync_column=? WHERE id=? AND deleted_at IS NULL`,
		p.Type, p.IsRequired, p.SyncColumn, p.ID)
}

func (r Repo) ListPartitions(ctx context.Context, q Querier, tableID string) ([]domain.Partition, error) {
	var res []domain.Partition
	err := sel(ctx, q, &res, `SELECT `+partitionColumns+` FROM partitions WHERE table_id=? AND deleted_at IS NULL ORDER BY name`, tableID)
	return res, err
}

const dependencySelect = `SELECT d.id, d.table_id, d.depends_on_table_id, t.name AS depends_on_table_name,
	d.is_required, d.optative_with_dependency_id, d.deleted_at
	FROM dependencies d JOIN tables t ON t.id = d.depends_on_table_id`

func (r Repo) InsertDependency(ctx context.Context, q Querier, d domain.Dependency) error {
	_, err := exec(ctx, q, `INSERT INTO dependencies(id,table_id,depends_on_table_id,is_required,optative_with_dependency_id,deleted_at) VALUES (?,?,?,?,?,?)`,
		d.ID, d.TableID, d.DependsOnTableID, d.IsRequired, nullableStringPtr(d.OptativeWithID), nullableStringPtr(d.DeletedAt))
	return err
}

// ListDependencies returns the outgoing edges of tableID.
func (r Repo) ListDependencies(ctx context.Context, q Querier, tableID string) ([]domain.Dependency, error) {
	var res []domain.Dependency
	err := sel(ctx, q, &res, dependencySelect+` WHERE d.table_id=? AND d.deleted_at IS NULL ORDER BY t.name`, tableID)
	return res, err
}

// ListEdges returns every active dependency edge.
func (r Repo) ListEdges(ctx context.Context, q Querier) ([]domain.Dependency, error) {
	var res []domain.Dependency
	err := sel(ctx, q, &res, dependencySelect+` WHERE d.deleted_at IS NULL ORDER BY d.table_id, t.name`)
	return res, err
}

// ListDependents returns the active tables holding an edge onto tableID.
func (r Repo) ListDependents(ctx context.Context, q Querier, tableID string) ([]domain.Table, error) {
	var res []domain.Table
	err := sel(ctx, q, &res, `SELECT `+prefixed("t", tableColumns)+` FROM tables t
		JOIN dependencies d ON d.table_id = t.id
		WHERE d.depends_on_table_id=? AND d.deleted_at IS NULL AND t.deleted_at IS NULL
		ORDER BY t.name`, tableID)
	return res, err
}

// SoftDeleteDependencies drops the outgoing edges of tableID.
func (r Repo) SoftDeleteDependencies(ctx context.Context, q Querier, tableID, ts string) error {
	_, err := exec(ctx, q, `UPDATE dependencies SET deleted_at=? WHERE table_id=? AND deleted_at IS NULL`, ts, tableID)
	return err
}

func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ",")
}
