package domain

import "time"

// TimeLayout is the fixed-width UTC layout used for every stored timestamp so
// lexical order in the store matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout (or RFC3339) timestamp.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

type Table struct {
	ID               string       `json:"id" db:"id"`
	Name             string       `json:"name" db:"name"`
	Description      string       `json:"description,omitempty" db:"description"`
	RequiresApproval bool         `json:"requires_approval" db:"requires_approval"`
	CreatedBy        string       `json:"created_by" db:"created_by"`
	CreatedAt        string       `json:"created_at" format:"date-time" db:"created_at"`
	LastModifiedBy   string       `json:"last_modified_by" db:"last_modified_by"`
	LastModifiedAt   string       `json:"last_modified_at" format:"date-time" db:"last_modified_at"`
	DeletedAt        *string      `json:"deleted_at,omitempty" format:"date-time" db:"deleted_at"`
	Partitions       []Partition  `json:"partitions,omitempty" db:"-"`
	Dependencies     []Dependency `json:"dependencies,omitempty" db:"-"`
}

type Partition struct {
	ID         string  `json:"id" db:"id"`
	TableID    string  `json:"table_id" db:"table_id"`
	Name       string  `json:"name" db:"name"`
	Type       string  `json:"type,omitempty" db:"type"`
	IsRequired bool    `json:"is_required" db:"is_required"`
	SyncColumn bool    `json:"sync_column" db:"sync_column"`
	DeletedAt  *string `json:"deleted_at,omitempty" format:"date-time" db:"deleted_at"`
}

// Dependency is the edge TableID -> DependsOnTableID.
type Dependency struct {
	ID                 string  `json:"id" db:"id"`
	TableID            string  `json:"table_id" db:"table_id"`
	DependsOnTableID   string  `json:"depends_on_table_id" db:"depends_on_table_id"`
	DependsOnTableName string  `json:"depends_on_table_name,omitempty" db:"depends_on_table_name"`
	IsRequired         bool    `json:"is_required" db:"is_required"`
	OptativeWithID     *string `json:"optative_with_dependency_id,omitempty" db:"optative_with_dependency_id"`
	DeletedAt          *string `json:"deleted_at,omitempty" format:"date-time" db:"deleted_at"`
}

type TableExecution struct {
	ID         string             `json:"id" db:"id"`
	TableID    string             `json:"table_id" db:"table_id"`
	TS         string             `json:"ts" format:"date-time" db:"ts"`
	Source     string             `json:"source,omitempty" db:"source"`
	DeletedAt  *string            `json:"deleted_at,omitempty" format:"date-time" db:"deleted_at"`
	Partitions []PartitionBinding `json:"partitions,omitempty" db:"-"`
}

// Values returns the execution's partition signature keyed by partition name.
func (e TableExecution) Values() map[string]string {
	out := make(map[string]string, len(e.Partitions))
	for _, b := range e.Partitions {
		out[b.PartitionName] = b.Value
	}
	return out
}

type PartitionBinding struct {
	ID            string `json:"id" db:"id"`
	TableID       string `json:"table_id" db:"table_id"`
	PartitionID   string `json:"partition_id" db:"partition_id"`
	PartitionName string `json:"partition_name" db:"partition_name"`
	Value         string `json:"value" db:"value"`
	ExecutionID   string `json:"execution_id" db:"execution_id"`
	TS            string `json:"ts" format:"date-time" db:"ts"`
}

type DispatchMethod string

const (
	MethodStepFunction DispatchMethod = "step-function"
	MethodQueue        DispatchMethod = "queue"
	MethodBatchJob     DispatchMethod = "batch-job"
	MethodFunction     DispatchMethod = "function"
	MethodEventBus     DispatchMethod = "event-bus"
	MethodHTTP         DispatchMethod = "http"
)

// DispatchMethods lists every supported method tag.
var DispatchMethods = []DispatchMethod{
	MethodStepFunction, MethodQueue, MethodBatchJob, MethodFunction, MethodEventBus, MethodHTTP,
}

func (m DispatchMethod) Valid() bool {
	for _, known := range DispatchMethods {
		if m == known {
			return true
		}
	}
	return false
}

type TaskExecutor struct {
	ID        string         `json:"id" db:"id"`
	Alias     string         `json:"alias" db:"alias"`
	Method    DispatchMethod `json:"method" enum:"step-function,queue,batch-job,function,event-bus,http" db:"method"`
	Target    string         `json:"target" db:"target"`
	RoleArn   string         `json:"role_arn,omitempty" db:"role_arn"`
	CreatedAt string         `json:"created_at" format:"date-time" db:"created_at"`
}

type TaskTable struct {
	ID              string  `json:"id" db:"id"`
	TableID         string  `json:"table_id" db:"table_id"`
	TaskExecutorID  string  `json:"task_executor_id" db:"task_executor_id"`
	Alias           string  `json:"alias" db:"alias"`
	PayloadTemplate string  `json:"payload_template" db:"payload_template"`
	DebounceSeconds int     `json:"debounce_seconds" db:"debounce_seconds"`
	CreatedAt       string  `json:"created_at" format:"date-time" db:"created_at"`
	DeletedAt       *string `json:"deleted_at,omitempty" format:"date-time" db:"deleted_at"`
}

type ScheduleStatus string

const (
	SchedulePending         ScheduleStatus = "PENDING"
	ScheduleWaitingApproval ScheduleStatus = "WAITING_APPROVAL"
	ScheduleInProgress      ScheduleStatus = "IN_PROGRESS"
	ScheduleCompleted       ScheduleStatus = "COMPLETED"
	ScheduleFailed          ScheduleStatus = "FAILED"
)

// Active reports whether the status still participates in alias deduplication.
func (s ScheduleStatus) Active() bool {
	return s == SchedulePending || s == ScheduleWaitingApproval
}

type TaskSchedule struct {
	ID                 string         `json:"id" db:"id"`
	TaskTableID        string         `json:"task_table_id" db:"task_table_id"`
	UniqueAlias        string         `json:"unique_alias" db:"unique_alias"`
	ExternalRef        string         `json:"external_ref,omitempty" db:"external_ref"`
	Status             ScheduleStatus `json:"status" enum:"PENDING,WAITING_APPROVAL,IN_PROGRESS,COMPLETED,FAILED" db:"status"`
	FireAt             string         `json:"fire_at" format:"date-time" db:"fire_at"`
	TriggerExecutionID string         `json:"trigger_execution_id" db:"trigger_execution_id"`
	ResultExecutionID  *string        `json:"result_execution_id,omitempty" db:"result_execution_id"`
	DispatchRef        string         `json:"dispatch_ref,omitempty" db:"dispatch_ref"`
	PartitionsJSON     string         `json:"partitions_json" db:"partitions_json"`
	ErrorMessage       *string        `json:"error_message,omitempty" db:"error_message"`
	CreatedAt          string         `json:"created_at" format:"date-time" db:"created_at"`
	UpdatedAt          string         `json:"updated_at" format:"date-time" db:"updated_at"`
}

// PartitionSnapshot is the JSON stored on a TaskSchedule: the seed partition
// values of the triggering execution and the resolved partition map per
// dependency table.
type PartitionSnapshot struct {
	Seed         map[string]string            `json:"seed"`
	Dependencies map[string]map[string]string `json:"dependencies"`
}

type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

type ApprovalStatus struct {
	ID             string        `json:"id" db:"id"`
	TaskScheduleID string        `json:"task_schedule_id" db:"task_schedule_id"`
	Status         ApprovalState `json:"status" enum:"pending,approved,rejected" db:"status"`
	RequestedAt    string        `json:"requested_at" format:"date-time" db:"requested_at"`
	ReviewedAt     *string       `json:"reviewed_at,omitempty" format:"date-time" db:"reviewed_at"`
	Approver       *string       `json:"approver,omitempty" db:"approver"`
}

type Event struct {
	ID         string `json:"id" db:"id"`
	TS         string `json:"ts" format:"date-time" db:"ts"`
	Type       string `json:"type" db:"type"`
	EntityKind string `json:"entity_kind" db:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty" db:"entity_id"`
	ActorID    string `json:"actor_id" db:"actor_id"`
	Payload    string `json:"payload_json" db:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id" db:"id"`
	ActorID   string `json:"actor_id" db:"actor_id"`
	Name      string `json:"name,omitempty" db:"name"`
	KeyHash   string `json:"-" db:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time" db:"created_at"`
}

// LocalSchedule is a one-shot timer row owned by the local External
// Scheduler backend.
type LocalSchedule struct {
	Name      string `json:"name" db:"name"`
	FireAt    string `json:"fire_at" format:"date-time" db:"fire_at"`
	Payload   string `json:"payload" db:"payload"`
	CreatedAt string `json:"created_at" format:"date-time" db:"created_at"`
	UpdatedAt string `json:"updated_at" format:"date-time" db:"updated_at"`
}
