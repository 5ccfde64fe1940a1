package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"tributary/internal/domain"
)

const (
	TableDefined       = "table.defined"
	TableDeleted       = "table.deleted"
	ExecutionRecorded  = "execution.recorded"
	ExecutionDeleted   = "execution.deleted"
	CascadeCompleted   = "cascade.completed"
	ExecutorCreated    = "executor.created"
	TaskBound          = "task.bound"
	TaskUnbound        = "task.unbound"
	ScheduleCreated    = "schedule.created"
	SchedulePostponed  = "schedule.postponed"
	ScheduleSuperseded = "schedule.superseded"
	ScheduleFired      = "schedule.fired"
	ScheduleDispatched = "schedule.dispatched"
	ScheduleCompleted  = "schedule.completed"
	ScheduleFailed     = "schedule.failed"
	ApprovalRequested  = "approval.requested"
	ApprovalApproved   = "approval.approved"
	ApprovalRejected   = "approval.rejected"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event on q, normally the transaction carrying the change.
func (w Writer) Append(ctx context.Context, q sqlx.ExtContext, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = q.ExecContext(ctx, q.Rebind(`INSERT INTO events(id,ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`),
		uuid.Must(uuid.NewV7()).String(), domain.FormatTime(now()), evtType, entityKind, entityID, actorID, string(data))
	return err
}
