package engine

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"tributary/internal/domain"
	"tributary/internal/events"
	"tributary/internal/repo"
	"tributary/internal/scheduler"
)

const (
	noDependencyExecution = "None"
	supersededMessage     = "superseded: external schedule missing"
)

var nonAlphanumeric = regexp.MustCompile(`[^A-Za-z0-9]+`)

func sanitize(s string) string { return nonAlphanumeric.ReplaceAllString(s, "") }

// UniqueAlias is the deduplication key of a schedule. Partition entries are
// sorted by name so the key does not depend on map order.
func UniqueAlias(tableName, taskAlias, dependencyExecutionID string, partitions map[string]string) string {
	if dependencyExecutionID == "" {
		dependencyExecutionID = noDependencyExecution
	}
	keys := make([]string, 0, len(partitions))
	for k := range partitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := []string{sanitize(tableName), sanitize(taskAlias), dependencyExecutionID}
	for _, k := range keys {
		parts = append(parts, sanitize(k)+sanitize(partitions[k]))
	}
	return strings.Join(parts, "_")
}

type RegisterRequest struct {
	Table domain.Table
	Task  domain.TaskTable
	// Trigger is the upstream execution that made the table ready.
	Trigger domain.TableExecution
	// DependencyExecution is the table's own latest execution compatible
	// with the trigger partitions, if any.
	DependencyExecution *domain.TableExecution
	Partitions          domain.PartitionSnapshot
}

// RegisterOrPostpone creates the schedule for the request's alias or, when
// an active one exists, pushes its fire time out by the debounce window. A
// concurrent creator winning the alias index between lookup and insert gets
// its schedule postponed instead.
func (e Engine) RegisterOrPostpone(ctx context.Context, req RegisterRequest) (domain.TaskSchedule, error) {
	var s domain.TaskSchedule
	err := e.withExternal(ctx, "register schedule", func(ctx context.Context, tx *sqlx.Tx, track func(string)) error {
		var err error
		s, err = e.registerOrPostpone(ctx, tx, req, track)
		return err
	})
	return s, err
}

// withExternal runs fn in a transaction. External schedules fn reports
// through track are deleted again if the transaction does not commit.
func (e Engine) withExternal(ctx context.Context, op string, fn func(ctx context.Context, tx *sqlx.Tx, track func(string)) error) error {
	var created []string
	err := e.tx(ctx, op, func(ctx context.Context, tx *sqlx.Tx) error {
		return fn(ctx, tx, func(name string) { created = append(created, name) })
	})
	if err != nil {
		for _, name := range created {
			if derr := e.Scheduler.Delete(context.WithoutCancel(ctx), name); derr != nil && !errors.Is(derr, scheduler.ErrScheduleNotFound) {
				e.log().Warn("remove orphaned external schedule failed", zap.String("name", name), zap.Error(derr))
			}
		}
	}
	return err
}

func (e Engine) registerOrPostpone(ctx context.Context, tx *sqlx.Tx, req RegisterRequest, track func(string)) (domain.TaskSchedule, error) {
	depID := ""
	if req.DependencyExecution != nil {
		depID = req.DependencyExecution.ID
	}
	alias := UniqueAlias(req.Table.Name, req.Task.Alias, depID, mergePartitions(req.Partitions))
	snapshot, err := json.Marshal(req.Partitions)
	if err != nil {
		return domain.TaskSchedule{}, err
	}
	fireAt := e.now().Add(time.Duration(req.Task.DebounceSeconds) * time.Second)

	existing, err := e.Repo.GetActiveScheduleByAlias(ctx, tx, alias)
	switch {
	case err == nil:
		live, err := e.externalLive(ctx, existing)
		if err != nil {
			return existing, err
		}
		if live {
			return e.postpone(ctx, tx, req, existing, fireAt, string(snapshot), track)
		}
		msg := supersededMessage
		existing.Status = domain.ScheduleFailed
		existing.ErrorMessage = &msg
		existing.UpdatedAt = e.stamp()
		if err := e.Repo.UpdateSchedule(ctx, tx, existing); err != nil {
			return existing, err
		}
		if err := e.emit(ctx, tx, events.ScheduleSuperseded, "schedule", existing.ID, "", events.EventPayload{"unique_alias": alias}); err != nil {
			return existing, err
		}
	case errors.Is(err, repo.ErrNotFound):
	default:
		return existing, err
	}
	created, err := e.create(ctx, tx, req, alias, fireAt, string(snapshot), track)
	if !errors.Is(err, errAliasTaken) {
		return created, err
	}
	e.log().Info("schedule alias taken concurrently, postponing", zap.String("unique_alias", alias))
	winner, err := e.Repo.GetActiveScheduleByAlias(ctx, tx, alias)
	if err != nil {
		return winner, err
	}
	return e.postpone(ctx, tx, req, winner, fireAt, string(snapshot), track)
}

// errAliasTaken means another writer holds the alias's active slot.
var errAliasTaken = errors.New("schedule alias taken")

// testHookBeforeScheduleInsert runs between the alias lookup and the insert.
var testHookBeforeScheduleInsert func(ctx context.Context, tx *sqlx.Tx, alias string) error

// insertSchedule inserts s under a savepoint so that losing the active alias
// index leaves the transaction usable.
func (e Engine) insertSchedule(ctx context.Context, tx *sqlx.Tx, s domain.TaskSchedule) error {
	if testHookBeforeScheduleInsert != nil {
		if err := testHookBeforeScheduleInsert(ctx, tx, s.UniqueAlias); err != nil {
			return err
		}
	}
	err := repo.Savepoint(ctx, tx, "schedule_insert", func() error {
		return e.Repo.InsertSchedule(ctx, tx, s)
	})
	if repo.IsUniqueViolation(err) {
		return errAliasTaken
	}
	return err
}

// externalLive reports whether an active schedule still owns its timer. A
// schedule waiting for approval never has one and is always postponable.
func (e Engine) externalLive(ctx context.Context, s domain.TaskSchedule) (bool, error) {
	if s.Status == domain.ScheduleWaitingApproval {
		return true, nil
	}
	return e.Scheduler.Exists(ctx, e.externalName(s.ID))
}

func (e Engine) create(ctx context.Context, tx *sqlx.Tx, req RegisterRequest, alias string, fireAt time.Time, snapshot string, track func(string)) (domain.TaskSchedule, error) {
	now := e.stamp()
	s := domain.TaskSchedule{
		ID:                 newID(),
		TaskTableID:        req.Task.ID,
		UniqueAlias:        alias,
		Status:             domain.SchedulePending,
		FireAt:             domain.FormatTime(fireAt),
		TriggerExecutionID: req.Trigger.ID,
		PartitionsJSON:     snapshot,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if req.Table.RequiresApproval {
		s.Status = domain.ScheduleWaitingApproval
	}
	if err := e.insertSchedule(ctx, tx, s); err != nil {
		return s, err
	}
	if req.Table.RequiresApproval {
		if err := e.requestApproval(ctx, tx, s.ID); err != nil {
			return s, err
		}
	} else {
		name := e.externalName(s.ID)
		ref, err := e.Scheduler.Create(ctx, name, fireAt, scheduler.EncodePayload(s.ID))
		if err != nil {
			return s, err
		}
		track(name)
		s.ExternalRef = ref
		if err := e.Repo.UpdateSchedule(ctx, tx, s); err != nil {
			return s, err
		}
	}
	if err := e.emit(ctx, tx, events.ScheduleCreated, "schedule", s.ID, "", events.EventPayload{
		"unique_alias": alias,
		"table":        req.Table.Name,
		"task":         req.Task.Alias,
		"status":       s.Status,
		"fire_at":      s.FireAt,
	}); err != nil {
		return s, err
	}
	e.log().Info("schedule created", zap.String("schedule_id", s.ID), zap.String("unique_alias", alias),
		zap.String("status", string(s.Status)), zap.String("fire_at", s.FireAt))
	return s, nil
}

func (e Engine) postpone(ctx context.Context, tx *sqlx.Tx, req RegisterRequest, s domain.TaskSchedule, fireAt time.Time, snapshot string, track func(string)) (domain.TaskSchedule, error) {
	wasWaiting := s.Status == domain.ScheduleWaitingApproval
	s.FireAt = domain.FormatTime(fireAt)
	s.TriggerExecutionID = req.Trigger.ID
	s.PartitionsJSON = snapshot
	s.UpdatedAt = e.stamp()
	name := e.externalName(s.ID)

	if req.Table.RequiresApproval {
		if !wasWaiting {
			if err := e.Scheduler.Delete(ctx, name); err != nil && !errors.Is(err, scheduler.ErrScheduleNotFound) {
				return s, err
			}
			s.ExternalRef = ""
		}
		s.Status = domain.ScheduleWaitingApproval
		if err := e.requestApproval(ctx, tx, s.ID); err != nil {
			return s, err
		}
	} else {
		payload := scheduler.EncodePayload(s.ID)
		var ref string
		var err error
		if !wasWaiting {
			ref, err = e.Scheduler.Update(ctx, name, fireAt, payload)
		}
		if wasWaiting || errors.Is(err, scheduler.ErrScheduleNotFound) {
			ref, err = e.Scheduler.Create(ctx, name, fireAt, payload)
			if err == nil {
				track(name)
			}
		}
		if err != nil {
			return s, err
		}
		s.ExternalRef = ref
		s.Status = domain.SchedulePending
		if wasWaiting {
			if err := e.dropApproval(ctx, tx, s.ID); err != nil {
				return s, err
			}
		}
	}
	if err := e.Repo.UpdateSchedule(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.emit(ctx, tx, events.SchedulePostponed, "schedule", s.ID, "", events.EventPayload{
		"unique_alias":         s.UniqueAlias,
		"status":               s.Status,
		"fire_at":              s.FireAt,
		"trigger_execution_id": s.TriggerExecutionID,
	}); err != nil {
		return s, err
	}
	e.log().Info("schedule postponed", zap.String("schedule_id", s.ID), zap.String("fire_at", s.FireAt))
	return s, nil
}

// requestApproval creates the schedule's approval or resets it to pending,
// superseding any earlier review.
func (e Engine) requestApproval(ctx context.Context, tx *sqlx.Tx, scheduleID string) error {
	now := e.stamp()
	a, err := e.Repo.GetApprovalBySchedule(ctx, tx, scheduleID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		a = domain.ApprovalStatus{ID: newID(), TaskScheduleID: scheduleID, Status: domain.ApprovalPending, RequestedAt: now}
		if err := e.Repo.InsertApproval(ctx, tx, a); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		a.Status = domain.ApprovalPending
		a.RequestedAt = now
		a.ReviewedAt = nil
		a.Approver = nil
		if err := e.Repo.UpdateApproval(ctx, tx, a); err != nil {
			return err
		}
	}
	return e.emit(ctx, tx, events.ApprovalRequested, "approval", a.ID, "", events.EventPayload{"schedule_id": scheduleID})
}

// dropApproval closes a pending approval whose table stopped requiring one.
// It is recorded as rejected by the system actor.
func (e Engine) dropApproval(ctx context.Context, tx *sqlx.Tx, scheduleID string) error {
	a, err := e.Repo.GetApprovalBySchedule(ctx, tx, scheduleID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if a.Status != domain.ApprovalPending {
		return nil
	}
	stamp := e.stamp()
	system := actorOrSystem("")
	a.Status = domain.ApprovalRejected
	a.ReviewedAt = &stamp
	a.Approver = &system
	if err := e.Repo.UpdateApproval(ctx, tx, a); err != nil {
		return err
	}
	return e.emit(ctx, tx, events.ApprovalRejected, "approval", a.ID, system, events.EventPayload{
		"schedule_id": scheduleID,
		"reason":      "approval no longer required",
	})
}

type ApprovalResult struct {
	Approval domain.ApprovalStatus `json:"approval"`
	Schedule domain.TaskSchedule   `json:"schedule"`
}

func (e Engine) pendingApproval(ctx context.Context, tx *sqlx.Tx, approvalID string) (domain.ApprovalStatus, domain.TaskSchedule, error) {
	a, err := e.Repo.GetApproval(ctx, tx, approvalID)
	if err != nil {
		return a, domain.TaskSchedule{}, lookup("approval", approvalID, err)
	}
	if a.Status != domain.ApprovalPending {
		return a, domain.TaskSchedule{}, invalid("approval", "approval %s is already %s", a.ID, a.Status)
	}
	s, err := e.Repo.GetSchedule(ctx, tx, a.TaskScheduleID)
	if err != nil {
		return a, s, lookup("schedule", a.TaskScheduleID, err)
	}
	if s.Status != domain.ScheduleWaitingApproval {
		return a, s, invalid("approval", "schedule %s is %s, not waiting for approval", s.ID, s.Status)
	}
	return a, s, nil
}

// Approve registers the external schedule of a schedule waiting for approval
// and moves it to PENDING. A fire time already in the past becomes now.
func (e Engine) Approve(ctx context.Context, approvalID, approver string) (ApprovalResult, error) {
	if strings.TrimSpace(approver) == "" {
		return ApprovalResult{}, invalid("approver", "is required")
	}
	var res ApprovalResult
	err := e.withExternal(ctx, "approve", func(ctx context.Context, tx *sqlx.Tx, track func(string)) error {
		a, s, err := e.pendingApproval(ctx, tx, approvalID)
		if err != nil {
			return err
		}
		now := e.now()
		fireAt := now
		if t, err := domain.ParseTime(s.FireAt); err == nil && t.After(now) {
			fireAt = t
		}
		name := e.externalName(s.ID)
		payload := scheduler.EncodePayload(s.ID)
		ref, err := e.Scheduler.Update(ctx, name, fireAt, payload)
		if errors.Is(err, scheduler.ErrScheduleNotFound) {
			ref, err = e.Scheduler.Create(ctx, name, fireAt, payload)
			if err == nil {
				track(name)
			}
		}
		if err != nil {
			return err
		}
		stamp := domain.FormatTime(now)
		a.Status = domain.ApprovalApproved
		a.ReviewedAt = &stamp
		a.Approver = &approver
		if err := e.Repo.UpdateApproval(ctx, tx, a); err != nil {
			return err
		}
		s.Status = domain.SchedulePending
		s.ExternalRef = ref
		s.FireAt = domain.FormatTime(fireAt)
		s.UpdatedAt = stamp
		if err := e.Repo.UpdateSchedule(ctx, tx, s); err != nil {
			return err
		}
		res = ApprovalResult{Approval: a, Schedule: s}
		return e.emit(ctx, tx, events.ApprovalApproved, "approval", a.ID, approver, events.EventPayload{
			"schedule_id": s.ID,
			"fire_at":     s.FireAt,
		})
	})
	return res, err
}

// Reject closes the approval. The schedule stays WAITING_APPROVAL without an
// external schedule; a later upstream execution reopens the approval.
func (e Engine) Reject(ctx context.Context, approvalID, approver string) (ApprovalResult, error) {
	if strings.TrimSpace(approver) == "" {
		return ApprovalResult{}, invalid("approver", "is required")
	}
	var res ApprovalResult
	err := e.tx(ctx, "reject", func(ctx context.Context, tx *sqlx.Tx) error {
		a, s, err := e.pendingApproval(ctx, tx, approvalID)
		if err != nil {
			return err
		}
		if err := e.Scheduler.Delete(ctx, e.externalName(s.ID)); err != nil && !errors.Is(err, scheduler.ErrScheduleNotFound) {
			return err
		}
		stamp := e.stamp()
		a.Status = domain.ApprovalRejected
		a.ReviewedAt = &stamp
		a.Approver = &approver
		if err := e.Repo.UpdateApproval(ctx, tx, a); err != nil {
			return err
		}
		s.ExternalRef = ""
		s.UpdatedAt = stamp
		if err := e.Repo.UpdateSchedule(ctx, tx, s); err != nil {
			return err
		}
		res = ApprovalResult{Approval: a, Schedule: s}
		return e.emit(ctx, tx, events.ApprovalRejected, "approval", a.ID, approver, events.EventPayload{"schedule_id": s.ID})
	})
	return res, err
}
