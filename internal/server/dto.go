package server

import (
	"tributary/internal/domain"
	"tributary/internal/engine"
)

// Request payloads

type DefineTablesRequest struct {
	Tables []engine.TableSpec `json:"tables"`
}

type RecordExecutionRequest struct {
	Source     string            `json:"source,omitempty"`
	Partitions map[string]string `json:"partitions,omitempty"`
}

type BindTaskRequest struct {
	Executor        string `json:"executor" doc:"Executor alias or id"`
	Alias           string `json:"alias"`
	PayloadTemplate string `json:"payload_template"`
	DebounceSeconds int    `json:"debounce_seconds,omitempty" minimum:"0"`
}

type FinishSuccessRequest struct {
	ResultExecutionID string            `json:"result_execution_id,omitempty"`
	ResultPartitions  map[string]string `json:"result_partitions,omitempty" doc:"Records a new execution of the task's table"`
	Source            string            `json:"source,omitempty"`
}

type FinishFailureRequest struct {
	Message string `json:"message,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Responses

type TablesResponse struct {
	Items []domain.Table `json:"items"`
}

type ExecutionsResponse struct {
	Items []domain.TableExecution `json:"items"`
}

type ExecutorsResponse struct {
	Items []domain.TaskExecutor `json:"items"`
}

type TasksResponse struct {
	Items []domain.TaskTable `json:"items"`
}

type SchedulesResponse struct {
	Items []domain.TaskSchedule `json:"items"`
}

type ApprovalsResponse struct {
	Items []domain.ApprovalStatus `json:"items"`
}

type APIKeysResponse struct {
	Items []domain.APIKey `json:"items"`
}

type EventsResponse struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// nonNil keeps empty lists serialized as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
