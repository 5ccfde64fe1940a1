package repo

import (
	"context"

	"tributary/internal/domain"
)

const scheduleColumns = `id,task_table_id,unique_alias,external_ref,status,fire_at,trigger_execution_id,result_execution_id,dispatch_ref,partitions_json,error_message,created_at,updated_at`

func (r Repo) InsertSchedule(ctx context.Context, q Querier, s domain.TaskSchedule) error {
	_, err := exec(ctx, q, `INSERT INTO task_schedules(`+scheduleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TaskTableID, s.UniqueAlias, s.ExternalRef, s.Status, s.FireAt, s.TriggerExecutionID,
		nullableStringPtr(s.ResultExecutionID), s.DispatchRef, s.PartitionsJSON, nullableStringPtr(s.ErrorMessage),
		s.CreatedAt, s.UpdatedAt)
	return err
}

// UpdateSchedule writes every mutable column of s.
func (r Repo) UpdateSchedule(ctx context.Context, q Querier, s domain.TaskSchedule) error {
	return execOne(ctx, q, `UPDATE task_schedules SET external_ref=?, status=?, fire_at=?, trigger_execution_id=?,
		result_execution_id=?, dispatch_ref=?, partitions_json=?, error_message=?, updated_at=? WHERE id=?`,
		s.ExternalRef, s.Status, s.FireAt, s.TriggerExecutionID, nullableStringPtr(s.ResultExecutionID),
		s.DispatchRef, s.PartitionsJSON, nullableStringPtr(s.ErrorMessage), s.UpdatedAt, s.ID)
}

// TransitionSchedule moves a schedule from one status to another only if it
// is still in the expected status. It reports whether the row changed.
func (r Repo) TransitionSchedule(ctx context.Context, q Querier, id string, from, to domain.ScheduleStatus, ts string) (bool, error) {
	res, err := exec(ctx, q, `UPDATE task_schedules SET status=?, updated_at=? WHERE id=? AND status=?`, to, ts, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) GetSchedule(ctx context.Context, q Querier, id string) (domain.TaskSchedule, error) {
	var s domain.TaskSchedule
	err := get(ctx, q, &s, `SELECT `+scheduleColumns+` FROM task_schedules WHERE id=?`, id)
	return s, err
}

// GetActiveScheduleByAlias returns the PENDING or WAITING_APPROVAL schedule
// holding alias.
func (r Repo) GetActiveScheduleByAlias(ctx context.Context, q Querier, alias string) (domain.TaskSchedule, error) {
	var s domain.TaskSchedule
	err := get(ctx, q, &s, `SELECT `+scheduleColumns+` FROM task_schedules WHERE unique_alias=? AND status IN (?,?)`,
		alias, domain.SchedulePending, domain.ScheduleWaitingApproval)
	return s, err
}

type ScheduleFilters struct {
	Status      domain.ScheduleStatus
	TaskTableID string
	TableID     string
	UniqueAlias string
	Limit       int
}

// ListSchedules returns schedules newest first.
func (r Repo) ListSchedules(ctx context.Context, q Querier, f ScheduleFilters) ([]domain.TaskSchedule, error) {
	w := filter{}
	if f.Status != "" {
		w.add("s.status=?", f.Status)
	}
	if f.TaskTableID != "" {
		w.add("s.task_table_id=?", f.TaskTableID)
	}
	if f.TableID != "" {
		w.add("tt.table_id=?", f.TableID)
	}
	if f.UniqueAlias != "" {
		w.add("s.unique_alias=?", f.UniqueAlias)
	}
	args := append(w.args, normalizeLimit(f.Limit))
	var res []domain.TaskSchedule
	err := sel(ctx, q, &res, `SELECT `+prefixed("s", scheduleColumns)+` FROM task_schedules s
		JOIN task_tables tt ON tt.id = s.task_table_id `+w.where()+` ORDER BY s.created_at DESC, s.id DESC LIMIT ?`, args...)
	return res, err
}

const approvalColumns = `id,task_schedule_id,status,requested_at,reviewed_at,approver`

func (r Repo) InsertApproval(ctx context.Context, q Querier, a domain.ApprovalStatus) error {
	_, err := exec(ctx, q, `INSERT INTO approval_statuses(`+approvalColumns+`) VALUES (?,?,?,?,?,?)`,
		a.ID, a.TaskScheduleID, a.Status, a.RequestedAt, nullableStringPtr(a.ReviewedAt), nullableStringPtr(a.Approver))
	return err
}

func (r Repo) UpdateApproval(ctx context.Context, q Querier, a domain.ApprovalStatus) error {
	return execOne(ctx, q, `UPDATE approval_statuses SET status=?, requested_at=?, reviewed_at=?, approver=? WHERE id=?`,
		a.Status, a.RequestedAt, nullableStringPtr(a.ReviewedAt), nullableStringPtr(a.Approver), a.ID)
}

func (r Repo) GetApproval(ctx context.Context, q Querier, id string) (domain.ApprovalStatus, error) {
	var a domain.ApprovalStatus
	err := get(ctx, q, &a, `SELECT `+approvalColumns+` FROM approval_statuses WHERE id=?`, id)
	return a, err
}

func (r Repo) GetApprovalBySchedule(ctx context.Context, q Querier, scheduleID string) (domain.ApprovalStatus, error) {
	var a domain.ApprovalStatus
	err := get(ctx, q, &a, `SELECT `+approvalColumns+` FROM approval_statuses WHERE task_schedule_id=?`, scheduleID)
	return a, err
}

// ListApprovals returns approvals newest request first, optionally by status.
func (r Repo) ListApprovals(ctx context.Context, q Querier, status domain.ApprovalState, limit int) ([]domain.ApprovalStatus, error) {
	w := filter{}
	if status != "" {
		w.add("status=?", status)
	}
	args := append(w.args, normalizeLimit(limit))
	var res []domain.ApprovalStatus
	err := sel(ctx, q, &res, `SELECT `+approvalColumns+` FROM approval_statuses `+w.where()+` ORDER BY requested_at DESC, id DESC LIMIT ?`, args...)
	return res, err
}
