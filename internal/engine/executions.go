package engine

import (
	"context"
	"sort"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"tributary/internal/domain"
	"tributary/internal/events"
	"tributary/internal/repo"
)

type RecordExecutionOptions struct {
	// Table is the table id or name.
	Table  string
	Source string
	// Partitions maps partition id or name to its value.
	Partitions map[string]string
	ActorID    string
}

type ExecutionResult struct {
	Execution domain.TableExecution `json:"execution"`
	Cascade   CascadeReport         `json:"cascade"`
}

// RecordExecution appends an execution with its partition bindings and then
// cascades to the table's dependents. The execution commits on its own; a
// cascade failure is reported in the result, never returned.
func (e Engine) RecordExecution(ctx context.Context, opts RecordExecutionOptions) (ExecutionResult, error) {
	var exec domain.TableExecution
	err := e.tx(ctx, "record execution", func(ctx context.Context, tx *sqlx.Tx) error {
		t, err := e.tableByRef(ctx, tx, opts.Table)
		if err != nil {
			return err
		}
		parts, err := e.Repo.ListPartitions(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		values, err := bindValues(t, parts, opts.Partitions)
		if err != nil {
			return err
		}
		now := e.stamp()
		exec = domain.TableExecution{ID: newID(), TableID: t.ID, TS: now, Source: opts.Source}
		if err := e.Repo.InsertExecution(ctx, tx, exec); err != nil {
			return err
		}
		for _, p := range parts {
			v, ok := values[p.ID]
			if !ok {
				continue
			}
			b := domain.PartitionBinding{
				ID:            newID(),
				TableID:       t.ID,
				PartitionID:   p.ID,
				PartitionName: p.Name,
				Value:         v,
				ExecutionID:   exec.ID,
				TS:            now,
			}
			if err := e.Repo.InsertBinding(ctx, tx, b); err != nil {
				return err
			}
			exec.Partitions = append(exec.Partitions, b)
		}
		return e.emit(ctx, tx, events.ExecutionRecorded, "execution", exec.ID, opts.ActorID, events.EventPayload{
			"table":      t.Name,
			"source":     exec.Source,
			"partitions": exec.Values(),
		})
	})
	if err != nil {
		return ExecutionResult{}, err
	}
	report, err := e.Cascade(ctx, exec.TableID)
	if err != nil {
		e.log().Error("cascade failed", zap.String("table_id", exec.TableID), zap.String("execution_id", exec.ID), zap.Error(err))
		report.Errors++
		report.Failures = append(report.Failures, err.Error())
	}
	return ExecutionResult{Execution: exec, Cascade: report}, nil
}

// bindValues resolves partition references to partition ids and checks that
// every required partition is covered.
func bindValues(t domain.Table, parts []domain.Partition, supplied map[string]string) (map[string]string, error) {
	byID := make(map[string]domain.Partition, len(parts))
	byName := make(map[string]domain.Partition, len(parts))
	for _, p := range parts {
		byID[p.ID] = p
		byName[p.Name] = p
	}
	refs := make([]string, 0, len(supplied))
	for ref := range supplied {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	values := map[string]string{}
	var unknown []string
	for _, ref := range refs {
		p, ok := byID[ref]
		if !ok {
			p, ok = byName[ref]
		}
		if !ok {
			unknown = append(unknown, ref)
			continue
		}
		if _, dup := values[p.ID]; dup {
			return nil, invalid("partitions", "partition %s supplied twice", p.Name)
		}
		values[p.ID] = supplied[ref]
	}
	if len(unknown) > 0 {
		return nil, &UnknownPartitionError{Table: t.Name, Partitions: unknown}
	}
	var missing []string
	for _, p := range parts {
		if _, ok := values[p.ID]; p.IsRequired && !ok {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingRequiredPartitionError{Table: t.Name, Partitions: missing}
	}
	return values, nil
}

// LatestExecution returns the newest active execution of a table, or nil.
func (e Engine) LatestExecution(ctx context.Context, tableRef string) (*domain.TableExecution, error) {
	t, err := e.tableByRef(ctx, e.Repo.DB, tableRef)
	if err != nil {
		return nil, err
	}
	exec, err := e.Repo.LatestExecution(ctx, e.Repo.DB, t.ID)
	return exec, persist("latest execution", err)
}

// LatestCompatibleExecution returns the newest execution of a table matching
// every constraint whose name the table declares. Constraints on undeclared
// partitions are ignored; with no overlap at all the latest execution is
// returned.
func (e Engine) LatestCompatibleExecution(ctx context.Context, tableRef string, constraints map[string]string) (*domain.TableExecution, error) {
	t, err := e.tableByRef(ctx, e.Repo.DB, tableRef)
	if err != nil {
		return nil, err
	}
	return e.latestCompatible(ctx, e.Repo.DB, t.ID, constraints)
}

func (e Engine) latestCompatible(ctx context.Context, q repo.Querier, tableID string, constraints map[string]string) (*domain.TableExecution, error) {
	parts, err := e.Repo.ListPartitions(ctx, q, tableID)
	if err != nil {
		return nil, persist("list partitions", err)
	}
	overlap := map[string]string{}
	for _, p := range parts {
		if v, ok := constraints[p.Name]; ok {
			overlap[p.Name] = v
		}
	}
	exec, err := e.Repo.LatestCompatibleExecution(ctx, q, tableID, overlap)
	return exec, persist("latest compatible execution", err)
}

// ListExecutions returns a table's executions newest first.
func (e Engine) ListExecutions(ctx context.Context, tableRef string, limit int) ([]domain.TableExecution, error) {
	t, err := e.tableByRef(ctx, e.Repo.DB, tableRef)
	if err != nil {
		return nil, err
	}
	res, err := e.Repo.ListExecutions(ctx, e.Repo.DB, t.ID, limit)
	return res, persist("list executions", err)
}

// DeleteExecution soft deletes one execution of a table. Resolution and
// compatibility lookups stop seeing it; schedules it already triggered keep
// their reference.
func (e Engine) DeleteExecution(ctx context.Context, tableRef, executionID, actorID string) error {
	return e.tx(ctx, "delete execution", func(ctx context.Context, tx *sqlx.Tx) error {
		t, err := e.tableByRef(ctx, tx, tableRef)
		if err != nil {
			return err
		}
		exec, err := e.Repo.GetExecution(ctx, tx, executionID)
		if err == nil && exec.TableID != t.ID {
			err = repo.ErrNotFound
		}
		if err != nil {
			return lookup("execution", executionID, err)
		}
		if err := e.Repo.SoftDeleteExecution(ctx, tx, exec.ID, e.stamp()); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.ExecutionDeleted, "execution", exec.ID, actorID, events.EventPayload{
			"table":      t.Name,
			"partitions": exec.Values(),
		})
	})
}

// Resolution is the readiness of a table for a set of seed partition values.
type Resolution struct {
	Ready bool `json:"ready"`
	// Dependencies holds the partition map of the compatible execution per
	// dependency table name; optional dependencies without one map to {}.
	Dependencies map[string]map[string]string `json:"dependencies"`
	// Executions holds the compatible execution id per dependency table name.
	Executions map[string]string `json:"executions,omitempty"`
	// Blocking names the required dependency that had no compatible execution.
	Blocking string `json:"blocking,omitempty"`
}

// Resolve reports whether every required dependency of a table has an
// execution compatible with seed.
func (e Engine) Resolve(ctx context.Context, tableRef string, seed map[string]string) (Resolution, error) {
	t, err := e.tableByRef(ctx, e.Repo.DB, tableRef)
	if err != nil {
		return Resolution{}, err
	}
	return e.resolve(ctx, e.Repo.DB, t.ID, seed)
}

func (e Engine) resolve(ctx context.Context, q repo.Querier, tableID string, seed map[string]string) (Resolution, error) {
	deps, err := e.Repo.ListDependencies(ctx, q, tableID)
	if err != nil {
		return Resolution{}, persist("list dependencies", err)
	}
	res := Resolution{Ready: true, Dependencies: map[string]map[string]string{}, Executions: map[string]string{}}
	for _, d := range deps {
		exec, err := e.latestCompatible(ctx, q, d.DependsOnTableID, seed)
		if err != nil {
			return Resolution{}, err
		}
		if exec == nil {
			if d.IsRequired {
				return Resolution{Blocking: d.DependsOnTableName}, nil
			}
			res.Dependencies[d.DependsOnTableName] = map[string]string{}
			continue
		}
		res.Dependencies[d.DependsOnTableName] = exec.Values()
		res.Executions[d.DependsOnTableName] = exec.ID
	}
	return res, nil
}

// mergePartitions flattens a snapshot into one map: dependency maps in table
// name order, then the seed on top.
func mergePartitions(s domain.PartitionSnapshot) map[string]string {
	out := map[string]string{}
	names := make([]string, 0, len(s.Dependencies))
	for n := range s.Dependencies {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		for k, v := range s.Dependencies[n] {
			out[k] = v
		}
	}
	for k, v := range s.Seed {
		out[k] = v
	}
	return out
}
