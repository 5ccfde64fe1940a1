package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"tributary/internal/dispatch"
	"tributary/internal/domain"
	"tributary/internal/events"
	"tributary/internal/repo"
)

type FireResult struct {
	Schedule domain.TaskSchedule `json:"schedule"`
	// Fired is false when the schedule was no longer PENDING.
	Fired    bool             `json:"fired"`
	Dispatch *dispatch.Result `json:"dispatch,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// DispatchOnFire is the external scheduler callback. It claims a PENDING
// schedule, re-resolves readiness, renders the payload and dispatches it.
// Readiness, rendering and dispatch failures end the schedule FAILED and are
// reported in the result rather than returned.
func (e Engine) DispatchOnFire(ctx context.Context, scheduleID string) (FireResult, error) {
	var (
		res FireResult
		req *dispatch.Request
	)
	err := e.tx(ctx, "fire schedule", func(ctx context.Context, tx *sqlx.Tx) error {
		s, err := e.Repo.GetSchedule(ctx, tx, scheduleID)
		if err != nil {
			return lookup("schedule", scheduleID, err)
		}
		claimed, err := e.Repo.TransitionSchedule(ctx, tx, s.ID, domain.SchedulePending, domain.ScheduleInProgress, e.stamp())
		if err != nil {
			return err
		}
		res.Schedule = s
		if !claimed {
			e.log().Info("schedule not pending, fire ignored", zap.String("schedule_id", s.ID), zap.String("status", string(s.Status)))
			return nil
		}
		res.Fired = true
		s.Status = domain.ScheduleInProgress
		res.Schedule = s
		if err := e.emit(ctx, tx, events.ScheduleFired, "schedule", s.ID, "", nil); err != nil {
			return err
		}
		prepared, err := e.prepareDispatch(ctx, tx, s)
		var reason *fireFailure
		if errors.As(err, &reason) {
			res.Error = reason.msg
			res.Schedule, err = e.fail(ctx, tx, s, reason.msg)
			return err
		}
		if err != nil {
			return err
		}
		req = &prepared
		return nil
	})
	if err != nil || req == nil {
		return res, err
	}

	timeout := e.DispatchTimeout
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	result, derr := e.Dispatcher.Dispatch(dctx, *req)
	cancel()

	err = e.tx(ctx, "record dispatch", func(ctx context.Context, tx *sqlx.Tx) error {
		s, err := e.Repo.GetSchedule(ctx, tx, scheduleID)
		if err != nil {
			return err
		}
		if s.Status != domain.ScheduleInProgress {
			res.Schedule = s
			return nil
		}
		if derr != nil {
			de := &DispatchError{Method: string(req.Method), Destination: req.Destination, Err: derr}
			res.Error = de.Error()
			res.Schedule, err = e.fail(ctx, tx, s, de.Error())
			return err
		}
		res.Dispatch = &result
		s.DispatchRef = result.Identification
		s.UpdatedAt = e.stamp()
		if err := e.Repo.UpdateSchedule(ctx, tx, s); err != nil {
			return err
		}
		res.Schedule = s
		return e.emit(ctx, tx, events.ScheduleDispatched, "schedule", s.ID, "", events.EventPayload{
			"method":         req.Method,
			"destination":    req.Destination,
			"status_code":    result.StatusCode,
			"identification": result.Identification,
		})
	})
	return res, err
}

// fireFailure is a reason to fail the schedule rather than the call.
type fireFailure struct{ msg string }

func (f *fireFailure) Error() string { return f.msg }

func failf(format string, args ...any) error {
	return &fireFailure{msg: fmt.Sprintf(format, args...)}
}

func (e Engine) prepareDispatch(ctx context.Context, tx *sqlx.Tx, s domain.TaskSchedule) (dispatch.Request, error) {
	tt, err := e.Repo.GetTaskTable(ctx, tx, s.TaskTableID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && tt.DeletedAt != nil) {
		return dispatch.Request{}, failf("task binding %s no longer exists", s.TaskTableID)
	}
	if err != nil {
		return dispatch.Request{}, err
	}
	table, err := e.Repo.GetTable(ctx, tx, tt.TableID)
	if errors.Is(err, repo.ErrNotFound) {
		return dispatch.Request{}, failf("table %s no longer exists", tt.TableID)
	}
	if err != nil {
		return dispatch.Request{}, err
	}
	executor, err := e.Repo.GetTaskExecutor(ctx, tx, tt.TaskExecutorID)
	if errors.Is(err, repo.ErrNotFound) {
		return dispatch.Request{}, failf("task executor %s no longer exists", tt.TaskExecutorID)
	}
	if err != nil {
		return dispatch.Request{}, err
	}
	trigger, err := e.Repo.GetExecution(ctx, tx, s.TriggerExecutionID)
	if errors.Is(err, repo.ErrNotFound) {
		return dispatch.Request{}, failf("trigger execution %s no longer exists", s.TriggerExecutionID)
	}
	if err != nil {
		return dispatch.Request{}, err
	}
	var snapshot domain.PartitionSnapshot
	if err := json.Unmarshal([]byte(s.PartitionsJSON), &snapshot); err != nil {
		return dispatch.Request{}, failf("corrupt partition snapshot: %v", err)
	}

	res, err := e.resolve(ctx, tx, table.ID, snapshot.Seed)
	if err != nil {
		return dispatch.Request{}, err
	}
	if !res.Ready {
		return dispatch.Request{}, failf("not ready at fire time: no execution of %s compatible with %v", res.Blocking, snapshot.Seed)
	}
	fresh := domain.PartitionSnapshot{Seed: snapshot.Seed, Dependencies: res.Dependencies}
	payload, err := e.Templater.Render(tt.PayloadTemplate, renderContext(table, tt, executor, s, trigger, fresh))
	if err != nil {
		return dispatch.Request{}, failf("render payload: %v", err)
	}
	return dispatch.Request{
		Method:      executor.Method,
		Destination: executor.Target,
		RoleArn:     executor.RoleArn,
		Payload:     payload,
		Metadata: dispatch.Metadata{
			ExecutionID: trigger.ID,
			TableID:     table.ID,
			Source:      trigger.Source,
			Timestamp:   trigger.TS,
			ScheduleID:  s.ID,
		},
	}, nil
}

// renderContext is the data a payload template sees.
func renderContext(t domain.Table, tt domain.TaskTable, x domain.TaskExecutor, s domain.TaskSchedule, trigger domain.TableExecution, snap domain.PartitionSnapshot) map[string]any {
	deps := make(map[string]any, len(snap.Dependencies))
	for name, values := range snap.Dependencies {
		deps[name] = values
	}
	return map[string]any{
		"table": map[string]any{
			"id":                t.ID,
			"name":              t.Name,
			"description":       t.Description,
			"requires_approval": t.RequiresApproval,
		},
		"partitions":   mergePartitions(snap),
		"dependencies": deps,
		"execution": map[string]any{
			"id":         trigger.ID,
			"table_id":   trigger.TableID,
			"ts":         trigger.TS,
			"source":     trigger.Source,
			"partitions": trigger.Values(),
		},
		"task_executor": map[string]any{
			"alias":  x.Alias,
			"method": string(x.Method),
			"target": x.Target,
		},
		"task_table": map[string]any{
			"id":               tt.ID,
			"alias":            tt.Alias,
			"debounce_seconds": tt.DebounceSeconds,
		},
		"schedule": map[string]any{
			"id":           s.ID,
			"unique_alias": s.UniqueAlias,
			"fire_at":      s.FireAt,
		},
	}
}

func (e Engine) fail(ctx context.Context, q repo.Querier, s domain.TaskSchedule, msg string) (domain.TaskSchedule, error) {
	s.Status = domain.ScheduleFailed
	s.ErrorMessage = &msg
	s.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateSchedule(ctx, q, s); err != nil {
		return s, err
	}
	e.log().Warn("schedule failed", zap.String("schedule_id", s.ID), zap.String("error", msg))
	return s, e.emit(ctx, q, events.ScheduleFailed, "schedule", s.ID, "", events.EventPayload{"error": msg})
}

type FinishSuccessOptions struct {
	ScheduleID string
	// ResultExecutionID links an execution recorded elsewhere.
	ResultExecutionID string
	// ResultPartitions, when non-nil, records a new execution of the task's
	// table, cascading as RecordExecution does, and links it.
	ResultPartitions map[string]string
	Source           string
	ActorID          string
}

type FinishResult struct {
	// Applied is false when the schedule is unknown or not IN_PROGRESS.
	Applied   bool                 `json:"applied"`
	Schedule  *domain.TaskSchedule `json:"schedule,omitempty"`
	Execution *ExecutionResult     `json:"execution,omitempty"`
}

// FinishWithSuccess moves an IN_PROGRESS schedule to COMPLETED. Unknown or
// already finished schedules are a no-op.
func (e Engine) FinishWithSuccess(ctx context.Context, opts FinishSuccessOptions) (FinishResult, error) {
	s, ok, err := e.inProgress(ctx, opts.ScheduleID)
	if err != nil || !ok {
		return FinishResult{Schedule: s}, err
	}
	var out FinishResult
	resultID := opts.ResultExecutionID
	if opts.ResultPartitions != nil {
		tt, err := e.Repo.GetTaskTable(ctx, e.Repo.DB, s.TaskTableID)
		if err != nil {
			return out, lookup("task binding", s.TaskTableID, err)
		}
		source := opts.Source
		if source == "" {
			source = "tributary"
		}
		rec, err := e.RecordExecution(ctx, RecordExecutionOptions{Table: tt.TableID, Source: source, Partitions: opts.ResultPartitions, ActorID: opts.ActorID})
		if err != nil {
			return out, err
		}
		out.Execution = &rec
		resultID = rec.Execution.ID
	} else if resultID != "" {
		if _, err := e.Repo.GetExecution(ctx, e.Repo.DB, resultID); err != nil {
			return out, lookup("execution", resultID, err)
		}
	}
	err = e.tx(ctx, "finish schedule", func(ctx context.Context, tx *sqlx.Tx) error {
		cur, err := e.Repo.GetSchedule(ctx, tx, s.ID)
		if err != nil {
			return err
		}
		out.Schedule = &cur
		if cur.Status != domain.ScheduleInProgress {
			return nil
		}
		cur.Status = domain.ScheduleCompleted
		cur.ResultExecutionID = optionalString(resultID)
		cur.UpdatedAt = e.stamp()
		if err := e.Repo.UpdateSchedule(ctx, tx, cur); err != nil {
			return err
		}
		out.Applied = true
		return e.emit(ctx, tx, events.ScheduleCompleted, "schedule", cur.ID, opts.ActorID, events.EventPayload{"result_execution_id": resultID})
	})
	return out, err
}

// FinishWithError moves an IN_PROGRESS schedule to FAILED with message.
// Unknown or already finished schedules are a no-op.
func (e Engine) FinishWithError(ctx context.Context, scheduleID, message, actorID string) (FinishResult, error) {
	if message == "" {
		message = "task reported failure"
	}
	var out FinishResult
	err := e.tx(ctx, "finish schedule", func(ctx context.Context, tx *sqlx.Tx) error {
		s, err := e.Repo.GetSchedule(ctx, tx, scheduleID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out.Schedule = &s
		if s.Status != domain.ScheduleInProgress {
			return nil
		}
		s.Status = domain.ScheduleFailed
		s.ErrorMessage = &message
		s.UpdatedAt = e.stamp()
		if err := e.Repo.UpdateSchedule(ctx, tx, s); err != nil {
			return err
		}
		out.Applied = true
		return e.emit(ctx, tx, events.ScheduleFailed, "schedule", s.ID, actorID, events.EventPayload{"error": message})
	})
	return out, err
}

func (e Engine) inProgress(ctx context.Context, scheduleID string) (*domain.TaskSchedule, bool, error) {
	s, err := e.Repo.GetSchedule(ctx, e.Repo.DB, scheduleID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, persist("load schedule", err)
	}
	return &s, s.Status == domain.ScheduleInProgress, nil
}
