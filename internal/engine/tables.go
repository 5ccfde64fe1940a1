package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"tributary/internal/domain"
	"tributary/internal/events"
	"tributary/internal/graph"
	"tributary/internal/repo"
)

type PartitionSpec struct {
	Name       string `json:"name"`
	Type       string `json:"type,omitempty"`
	IsRequired bool   `json:"is_required,omitempty"`
	SyncColumn bool   `json:"sync_column,omitempty"`
}

// DependencySpec references the upstream table by id or by name. The name may
// belong to a table defined in the same batch.
type DependencySpec struct {
	Table string `json:"table"`
	// IsRequired defaults to true.
	IsRequired     *bool  `json:"is_required,omitempty"`
	OptativeWithID string `json:"optative_with_dependency_id,omitempty"`
}

func (d DependencySpec) required() bool {
	return d.IsRequired == nil || *d.IsRequired
}

type TableSpec struct {
	Name             string           `json:"name"`
	Description      string           `json:"description,omitempty"`
	RequiresApproval bool             `json:"requires_approval,omitempty"`
	Partitions       []PartitionSpec  `json:"partitions,omitempty"`
	Dependencies     []DependencySpec `json:"dependencies,omitempty"`
}

func validatePartition(field string, p PartitionSpec) error {
	if strings.TrimSpace(p.Name) == "" {
		return invalid(field+".name", "is required")
	}
	return nil
}

func validateBatch(specs []TableSpec) error {
	if len(specs) == 0 {
		return invalid("tables", "at least one table is required")
	}
	names := map[string]bool{}
	for i, s := range specs {
		field := fmt.Sprintf("tables[%d]", i)
		if strings.TrimSpace(s.Name) == "" {
			return invalid(field+".name", "is required")
		}
		if names[s.Name] {
			return invalid(field+".name", "table %s appears twice in the batch", s.Name)
		}
		names[s.Name] = true
		parts := map[string]bool{}
		for j, p := range s.Partitions {
			pf := fmt.Sprintf("%s.partitions[%d]", field, j)
			if err := validatePartition(pf, p); err != nil {
				return err
			}
			if parts[p.Name] {
				return invalid(pf+".name", "partition %s appears twice on table %s", p.Name, s.Name)
			}
			parts[p.Name] = true
		}
		for j, d := range s.Dependencies {
			if strings.TrimSpace(d.Table) == "" {
				return invalid(fmt.Sprintf("%s.dependencies[%d].table", field, j), "is required")
			}
		}
	}
	return nil
}

// DefineTables creates or updates a batch of tables by name. Partitions are
// upserted by name and never dropped; each table's outgoing dependency edges
// are replaced by the ones given. The whole batch is validated against the
// persisted graph, including cycles spanning several new tables, before
// anything is written.
func (e Engine) DefineTables(ctx context.Context, specs []TableSpec, actorID string) ([]domain.Table, error) {
	if err := validateBatch(specs); err != nil {
		return nil, err
	}
	var out []domain.Table
	err := e.tx(ctx, "define tables", func(ctx context.Context, tx *sqlx.Tx) error {
		ids := map[string]string{}
		names := map[string]string{}
		existing := map[string]domain.Table{}
		for _, s := range specs {
			t, err := e.Repo.GetTableByName(ctx, tx, s.Name)
			switch {
			case err == nil:
				ids[s.Name] = t.ID
				existing[s.Name] = t
			case errors.Is(err, repo.ErrNotFound):
				ids[s.Name] = newID()
			default:
				return err
			}
			names[ids[s.Name]] = s.Name
		}

		edges := map[string][]domain.Dependency{}
		for i, s := range specs {
			from := ids[s.Name]
			edges[from] = []domain.Dependency{}
			seen := map[string]bool{}
			for j, d := range s.Dependencies {
				field := fmt.Sprintf("tables[%d].dependencies[%d].table", i, j)
				to, toName, err := e.resolveTableRef(ctx, tx, field, d.Table, ids)
				if err != nil {
					return err
				}
				if seen[to] {
					return invalid(field, "table %s depends on %s twice", s.Name, toName)
				}
				seen[to] = true
				names[to] = toName
				edges[from] = append(edges[from], domain.Dependency{
					ID:                 newID(),
					TableID:            from,
					DependsOnTableID:   to,
					DependsOnTableName: toName,
					IsRequired:         d.required(),
					OptativeWithID:     optionalString(d.OptativeWithID),
				})
			}
		}
		if err := e.checkAcyclic(ctx, tx, edges, names); err != nil {
			return err
		}

		now := e.stamp()
		for _, s := range specs {
			id := ids[s.Name]
			t, found := existing[s.Name]
			if found {
				t.Description = s.Description
				t.RequiresApproval = s.RequiresApproval
				t.LastModifiedBy = actorOrSystem(actorID)
				t.LastModifiedAt = now
				if err := e.Repo.UpdateTable(ctx, tx, t); err != nil {
					return err
				}
			} else {
				t = domain.Table{
					ID:               id,
					Name:             s.Name,
					Description:      s.Description,
					RequiresApproval: s.RequiresApproval,
					CreatedBy:        actorOrSystem(actorID),
					CreatedAt:        now,
					LastModifiedBy:   actorOrSystem(actorID),
					LastModifiedAt:   now,
				}
				if err := e.Repo.InsertTable(ctx, tx, t); err != nil {
					return err
				}
			}
			if err := e.upsertPartitions(ctx, tx, id, s.Partitions); err != nil {
				return err
			}
			if err := e.Repo.SoftDeleteDependencies(ctx, tx, id, now); err != nil {
				return err
			}
			deps := make([]string, 0, len(edges[id]))
			for _, d := range edges[id] {
				if err := e.Repo.InsertDependency(ctx, tx, d); err != nil {
					return err
				}
				deps = append(deps, d.DependsOnTableName)
			}
			if err := e.emit(ctx, tx, events.TableDefined, "table", id, actorID, events.EventPayload{
				"name":         s.Name,
				"created":      !found,
				"partitions":   len(s.Partitions),
				"dependencies": deps,
			}); err != nil {
				return err
			}
		}
		for _, s := range specs {
			t, err := e.loadTable(ctx, tx, ids[s.Name])
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e Engine) upsertPartitions(ctx context.Context, q repo.Querier, tableID string, specs []PartitionSpec) error {
	current, err := e.Repo.ListPartitions(ctx, q, tableID)
	if err != nil {
		return err
	}
	byName := make(map[string]domain.Partition, len(current))
	for _, p := range current {
		byName[p.Name] = p
	}
	for _, s := range specs {
		if p, ok := byName[s.Name]; ok {
			p.Type, p.IsRequired, p.SyncColumn = s.Type, s.IsRequired, s.SyncColumn
			if err := e.Repo.UpdatePartition(ctx, q, p); err != nil {
				return err
			}
			continue
		}
		if err := e.Repo.InsertPartition(ctx, q, domain.Partition{
			ID:         newID(),
			TableID:    tableID,
			Name:       s.Name,
			Type:       s.Type,
			IsRequired: s.IsRequired,
			SyncColumn: s.SyncColumn,
		}); err != nil {
			return err
		}
	}
	return nil
}

// resolveTableRef resolves a dependency reference against the batch first,
// then the store by id and by name.
func (e Engine) resolveTableRef(ctx context.Context, q repo.Querier, field, ref string, batch map[string]string) (string, string, error) {
	if id, ok := batch[ref]; ok {
		return id, ref, nil
	}
	t, err := e.Repo.GetTableByRef(ctx, q, ref)
	if errors.Is(err, repo.ErrNotFound) {
		return "", "", invalid(field, "unknown table %q", ref)
	}
	if err != nil {
		return "", "", err
	}
	return t.ID, t.Name, nil
}

// checkAcyclic overlays replace (outgoing edges per table id) on the
// persisted edge set and fails with the cycle, as table names, if one exists.
func (e Engine) checkAcyclic(ctx context.Context, q repo.Querier, replace map[string][]domain.Dependency, names map[string]string) error {
	persisted, err := e.Repo.ListEdges(ctx, q)
	if err != nil {
		return err
	}
	g := graph.New()
	for _, d := range persisted {
		g.AddEdge(d.TableID, d.DependsOnTableID)
		if _, ok := names[d.DependsOnTableID]; !ok {
			names[d.DependsOnTableID] = d.DependsOnTableName
		}
	}
	for from, deps := range replace {
		g.AddNode(from)
		g.ClearOutgoing(from)
		for _, d := range deps {
			g.AddEdge(from, d.DependsOnTableID)
		}
	}
	cycle := g.FindCycle()
	if cycle == nil {
		return nil
	}
	path := make([]string, len(cycle))
	for i, id := range cycle {
		path[i] = id
		if n, ok := names[id]; ok && n != "" {
			path[i] = n
		}
	}
	return &CyclicDependencyError{Path: path}
}

func (e Engine) loadTable(ctx context.Context, q repo.Querier, id string) (domain.Table, error) {
	t, err := e.Repo.GetTable(ctx, q, id)
	if err != nil {
		return t, lookup("table", id, err)
	}
	return e.withChildren(ctx, q, t)
}

func (e Engine) withChildren(ctx context.Context, q repo.Querier, t domain.Table) (domain.Table, error) {
	var err error
	if t.Partitions, err = e.Repo.ListPartitions(ctx, q, t.ID); err != nil {
		return t, persist("list partitions", err)
	}
	if t.Dependencies, err = e.Repo.ListDependencies(ctx, q, t.ID); err != nil {
		return t, persist("list dependencies", err)
	}
	return t, nil
}

func (e Engine) tableByRef(ctx context.Context, q repo.Querier, ref string) (domain.Table, error) {
	if strings.TrimSpace(ref) == "" {
		return domain.Table{}, invalid("table", "is required")
	}
	t, err := e.Repo.GetTableByRef(ctx, q, ref)
	return t, lookup("table", ref, err)
}

// GetTable returns an active table by id or name with its partitions and
// outgoing dependencies.
func (e Engine) GetTable(ctx context.Context, ref string) (domain.Table, error) {
	t, err := e.tableByRef(ctx, e.Repo.DB, ref)
	if err != nil {
		return t, err
	}
	return e.withChildren(ctx, e.Repo.DB, t)
}

func (e Engine) ListTables(ctx context.Context) ([]domain.Table, error) {
	tables, err := e.Repo.ListTables(ctx, e.Repo.DB)
	if err != nil {
		return nil, persist("list tables", err)
	}
	for i := range tables {
		if tables[i], err = e.withChildren(ctx, e.Repo.DB, tables[i]); err != nil {
			return nil, err
		}
	}
	return tables, nil
}

// AddPartition declares one more partition on an existing table.
func (e Engine) AddPartition(ctx context.Context, tableRef string, spec PartitionSpec, actorID string) (domain.Partition, error) {
	if err := validatePartition("partition", spec); err != nil {
		return domain.Partition{}, err
	}
	var p domain.Partition
	err := e.tx(ctx, "add partition", func(ctx context.Context, tx *sqlx.Tx) error {
		t, err := e.tableByRef(ctx, tx, tableRef)
		if err != nil {
			return err
		}
		current, err := e.Repo.ListPartitions(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		for _, c := range current {
			if c.Name == spec.Name {
				return invalid("partition.name", "table %s already has partition %s", t.Name, spec.Name)
			}
		}
		p = domain.Partition{ID: newID(), TableID: t.ID, Name: spec.Name, Type: spec.Type, IsRequired: spec.IsRequired, SyncColumn: spec.SyncColumn}
		if err := e.Repo.InsertPartition(ctx, tx, p); err != nil {
			return err
		}
		if err := e.touchTable(ctx, tx, t, actorID); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.TableDefined, "table", t.ID, actorID, events.EventPayload{"name": t.Name, "partition_added": p.Name})
	})
	return p, err
}

// AddDependency adds one outgoing edge, rejecting it if it closes a cycle.
func (e Engine) AddDependency(ctx context.Context, tableRef string, spec DependencySpec, actorID string) (domain.Dependency, error) {
	if strings.TrimSpace(spec.Table) == "" {
		return domain.Dependency{}, invalid("dependency.table", "is required")
	}
	var d domain.Dependency
	err := e.tx(ctx, "add dependency", func(ctx context.Context, tx *sqlx.Tx) error {
		t, err := e.tableByRef(ctx, tx, tableRef)
		if err != nil {
			return err
		}
		to, toName, err := e.resolveTableRef(ctx, tx, "dependency.table", spec.Table, nil)
		if err != nil {
			return err
		}
		current, err := e.Repo.ListDependencies(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		for _, c := range current {
			if c.DependsOnTableID == to {
				return invalid("dependency.table", "table %s already depends on %s", t.Name, toName)
			}
		}
		d = domain.Dependency{
			ID:                 newID(),
			TableID:            t.ID,
			DependsOnTableID:   to,
			DependsOnTableName: toName,
			IsRequired:         spec.required(),
			OptativeWithID:     optionalString(spec.OptativeWithID),
		}
		names := map[string]string{t.ID: t.Name, to: toName}
		if err := e.checkAcyclic(ctx, tx, map[string][]domain.Dependency{t.ID: append(current, d)}, names); err != nil {
			return err
		}
		if err := e.Repo.InsertDependency(ctx, tx, d); err != nil {
			return err
		}
		if err := e.touchTable(ctx, tx, t, actorID); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.TableDefined, "table", t.ID, actorID, events.EventPayload{"name": t.Name, "dependency_added": toName})
	})
	return d, err
}

// DeleteTable soft-deletes the table, its partitions, every edge touching it
// and its task bindings.
func (e Engine) DeleteTable(ctx context.Context, tableRef, actorID string) error {
	return e.tx(ctx, "delete table", func(ctx context.Context, tx *sqlx.Tx) error {
		t, err := e.tableByRef(ctx, tx, tableRef)
		if err != nil {
			return err
		}
		if err := e.Repo.SoftDeleteTable(ctx, tx, t.ID, e.stamp()); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.TableDeleted, "table", t.ID, actorID, events.EventPayload{"name": t.Name})
	})
}

func (e Engine) touchTable(ctx context.Context, q repo.Querier, t domain.Table, actorID string) error {
	t.LastModifiedBy = actorOrSystem(actorID)
	t.LastModifiedAt = e.stamp()
	return e.Repo.UpdateTable(ctx, q, t)
}

func actorOrSystem(actorID string) string {
	if actorID == "" {
		return "system"
	}
	return actorID
}
