package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"tributary/internal/domain"
	"tributary/internal/events"
	"tributary/internal/repo"
)

type ExecutorSpec struct {
	Alias   string                `json:"alias"`
	Method  domain.DispatchMethod `json:"method"`
	Target  string                `json:"target"`
	RoleArn string                `json:"role_arn,omitempty"`
}

func validateExecutor(spec ExecutorSpec) error {
	if strings.TrimSpace(spec.Alias) == "" {
		return invalid("alias", "is required")
	}
	if !spec.Method.Valid() {
		return invalid("method", "unknown dispatch method %q", spec.Method)
	}
	if strings.TrimSpace(spec.Target) == "" {
		return invalid("target", "is required")
	}
	switch spec.Method {
	case domain.MethodHTTP:
		if !strings.HasPrefix(spec.Target, "http://") && !strings.HasPrefix(spec.Target, "https://") {
			return invalid("target", "http executors need an http(s) URL")
		}
	case domain.MethodBatchJob:
		if q, d, ok := strings.Cut(spec.Target, "|"); !ok || q == "" || d == "" {
			return invalid("target", "batch-job executors need <job queue>|<job definition>")
		}
	}
	return nil
}

func (e Engine) CreateTaskExecutor(ctx context.Context, spec ExecutorSpec, actorID string) (domain.TaskExecutor, error) {
	if err := validateExecutor(spec); err != nil {
		return domain.TaskExecutor{}, err
	}
	x := domain.TaskExecutor{
		ID:        newID(),
		Alias:     spec.Alias,
		Method:    spec.Method,
		Target:    spec.Target,
		RoleArn:   spec.RoleArn,
		CreatedAt: e.stamp(),
	}
	err := e.tx(ctx, "create task executor", func(ctx context.Context, tx *sqlx.Tx) error {
		if err := e.Repo.InsertTaskExecutor(ctx, tx, x); err != nil {
			if repo.IsUniqueViolation(err) {
				return invalid("alias", "task executor %s already exists", x.Alias)
			}
			return err
		}
		return e.emit(ctx, tx, events.ExecutorCreated, "executor", x.ID, actorID, events.EventPayload{
			"alias": x.Alias, "method": x.Method, "target": x.Target,
		})
	})
	return x, err
}

func (e Engine) ListTaskExecutors(ctx context.Context) ([]domain.TaskExecutor, error) {
	res, err := e.Repo.ListTaskExecutors(ctx, e.Repo.DB)
	return res, persist("list task executors", err)
}

type BindTaskOptions struct {
	// Table and Executor accept an id or a name/alias.
	Table           string
	Executor        string
	Alias           string
	PayloadTemplate string
	DebounceSeconds int
	ActorID         string
}

// BindTask attaches a downstream action to a table. The payload template is
// checked for syntax and JSON shape before anything is stored.
func (e Engine) BindTask(ctx context.Context, opts BindTaskOptions) (domain.TaskTable, error) {
	if strings.TrimSpace(opts.Alias) == "" {
		return domain.TaskTable{}, invalid("alias", "is required")
	}
	if opts.DebounceSeconds < 0 {
		return domain.TaskTable{}, invalid("debounce_seconds", "must not be negative")
	}
	if strings.TrimSpace(opts.PayloadTemplate) == "" {
		return domain.TaskTable{}, invalid("payload_template", "is required")
	}
	if err := e.Templater.Validate(opts.PayloadTemplate); err != nil {
		return domain.TaskTable{}, invalid("payload_template", "%v", err)
	}
	var tt domain.TaskTable
	err := e.tx(ctx, "bind task", func(ctx context.Context, tx *sqlx.Tx) error {
		t, err := e.tableByRef(ctx, tx, opts.Table)
		if err != nil {
			return err
		}
		x, err := e.Repo.GetTaskExecutorByAlias(ctx, tx, opts.Executor)
		if errors.Is(err, repo.ErrNotFound) {
			x, err = e.Repo.GetTaskExecutor(ctx, tx, opts.Executor)
		}
		if err != nil {
			return lookup("task executor", opts.Executor, err)
		}
		tt = domain.TaskTable{
			ID:              newID(),
			TableID:         t.ID,
			TaskExecutorID:  x.ID,
			Alias:           opts.Alias,
			PayloadTemplate: opts.PayloadTemplate,
			DebounceSeconds: opts.DebounceSeconds,
			CreatedAt:       e.stamp(),
		}
		if err := e.Repo.InsertTaskTable(ctx, tx, tt); err != nil {
			if repo.IsUniqueViolation(err) {
				return invalid("alias", "table %s already has a task %s", t.Name, opts.Alias)
			}
			return err
		}
		return e.emit(ctx, tx, events.TaskBound, "task", tt.ID, opts.ActorID, events.EventPayload{
			"table": t.Name, "alias": tt.Alias, "executor": x.Alias, "debounce_seconds": tt.DebounceSeconds,
		})
	})
	return tt, err
}

func (e Engine) ListTaskTables(ctx context.Context, tableRef string) ([]domain.TaskTable, error) {
	t, err := e.tableByRef(ctx, e.Repo.DB, tableRef)
	if err != nil {
		return nil, err
	}
	res, err := e.Repo.ListTaskTables(ctx, e.Repo.DB, t.ID)
	return res, persist("list task bindings", err)
}

func (e Engine) UnbindTask(ctx context.Context, tableRef, alias, actorID string) error {
	return e.tx(ctx, "unbind task", func(ctx context.Context, tx *sqlx.Tx) error {
		t, err := e.tableByRef(ctx, tx, tableRef)
		if err != nil {
			return err
		}
		tt, err := e.Repo.GetTaskTableByAlias(ctx, tx, t.ID, alias)
		if err != nil {
			return lookup("task", t.Name+"/"+alias, err)
		}
		if err := e.Repo.SoftDeleteTaskTable(ctx, tx, tt.ID, e.stamp()); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.TaskUnbound, "task", tt.ID, actorID, events.EventPayload{"table": t.Name, "alias": alias})
	})
}

type ScheduleQuery struct {
	Status domain.ScheduleStatus
	// Table is an id or name.
	Table       string
	TaskTableID string
	UniqueAlias string
	Limit       int
}

func (e Engine) ListSchedules(ctx context.Context, f ScheduleQuery) ([]domain.TaskSchedule, error) {
	switch f.Status {
	case "", domain.SchedulePending, domain.ScheduleWaitingApproval, domain.ScheduleInProgress, domain.ScheduleCompleted, domain.ScheduleFailed:
	default:
		return nil, invalid("status", "unknown schedule status %q", f.Status)
	}
	rf := repo.ScheduleFilters{Status: f.Status, TaskTableID: f.TaskTableID, UniqueAlias: f.UniqueAlias, Limit: f.Limit}
	if f.Table != "" {
		t, err := e.tableByRef(ctx, e.Repo.DB, f.Table)
		if err != nil {
			return nil, err
		}
		rf.TableID = t.ID
	}
	res, err := e.Repo.ListSchedules(ctx, e.Repo.DB, rf)
	return res, persist("list schedules", err)
}

type ScheduleDetail struct {
	domain.TaskSchedule
	Approval *domain.ApprovalStatus `json:"approval,omitempty"`
}

func (e Engine) GetSchedule(ctx context.Context, id string) (ScheduleDetail, error) {
	s, err := e.Repo.GetSchedule(ctx, e.Repo.DB, id)
	if err != nil {
		return ScheduleDetail{}, lookup("schedule", id, err)
	}
	d := ScheduleDetail{TaskSchedule: s}
	a, err := e.Repo.GetApprovalBySchedule(ctx, e.Repo.DB, id)
	switch {
	case err == nil:
		d.Approval = &a
	case !errors.Is(err, repo.ErrNotFound):
		return d, persist("load approval", err)
	}
	return d, nil
}

func (e Engine) ListApprovals(ctx context.Context, status domain.ApprovalState, limit int) ([]domain.ApprovalStatus, error) {
	switch status {
	case "", domain.ApprovalPending, domain.ApprovalApproved, domain.ApprovalRejected:
	default:
		return nil, invalid("status", "unknown approval status %q", status)
	}
	res, err := e.Repo.ListApprovals(ctx, e.Repo.DB, status, limit)
	return res, persist("list approvals", err)
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	res, err := e.Repo.ListEvents(ctx, e.Repo.DB, f)
	return res, persist("list events", err)
}
