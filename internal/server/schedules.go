package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"tributary/internal/domain"
	"tributary/internal/engine"
	"tributary/internal/engine/auth"
	"tributary/internal/repo"
)

type SchedulePath struct {
	ID string `path:"id"`
}

type approvalPath struct {
	ID string `path:"id"`
}

func (h handlers) registerSchedules(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-schedules",
		Method:      http.MethodGet,
		Path:        "/schedules",
		Summary:     "List task schedules newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status" enum:"PENDING,WAITING_APPROVAL,IN_PROGRESS,COMPLETED,FAILED"`
		Table       string `query:"table"`
		TaskTableID string `query:"task_table_id"`
		UniqueAlias string `query:"unique_alias"`
		Limit       int    `query:"limit" default:"50"`
	}) (*out[SchedulesResponse], error) {
		if _, err := requirePerm(ctx, auth.PermRead); err != nil {
			return nil, h.handleError(err)
		}
		items, err := h.engine.ListSchedules(ctx, engine.ScheduleQuery{
			Status:      domain.ScheduleStatus(input.Status),
			Table:       input.Table,
			TaskTableID: input.TaskTableID,
			UniqueAlias: input.UniqueAlias,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(SchedulesResponse{Items: nonNil(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-schedule",
		Method:      http.MethodGet,
		Path:        "/schedules/{id}",
		Summary:     "Get a schedule and its approval",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *SchedulePath) (*out[engine.ScheduleDetail], error) {
		if _, err := requirePerm(ctx, auth.PermRead); err != nil {
			return nil, h.handleError(err)
		}
		d, err := h.engine.GetSchedule(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fire-schedule",
		Method:      http.MethodPost,
		Path:        "/schedules/{id}/fire",
		Summary:     "External scheduler callback",
		Description: "Claims a PENDING schedule and dispatches its task. Firing a schedule that is no longer PENDING is a no-op reported with fired=false.",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *SchedulePath) (*out[engine.FireResult], error) {
		if _, err := requirePerm(ctx, auth.PermSchedulesRun); err != nil {
			return nil, h.handleError(err)
		}
		res, err := h.engine.DispatchOnFire(ctx, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finish-schedule-success",
		Method:      http.MethodPost,
		Path:        "/schedules/{id}/success",
		Summary:     "Report task success",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		SchedulePath
		Body *FinishSuccessRequest `required:"false"`
	}) (*out[engine.FinishResult], error) {
		p, err := requirePerm(ctx, auth.PermSchedulesRun)
		if err != nil {
			return nil, h.handleError(err)
		}
		opts := engine.FinishSuccessOptions{ScheduleID: input.ID, ActorID: p.ActorID}
		if b := input.Body; b != nil {
			opts.ResultExecutionID = b.ResultExecutionID
			opts.ResultPartitions = b.ResultPartitions
			opts.Source = b.Source
		}
		res, err := h.engine.FinishWithSuccess(ctx, opts)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finish-schedule-failure",
		Method:      http.MethodPost,
		Path:        "/schedules/{id}/failure",
		Summary:     "Report task failure",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		SchedulePath
		Body *FinishFailureRequest `required:"false"`
	}) (*out[engine.FinishResult], error) {
		p, err := requirePerm(ctx, auth.PermSchedulesRun)
		if err != nil {
			return nil, h.handleError(err)
		}
		msg := ""
		if input.Body != nil {
			msg = input.Body.Message
		}
		res, err := h.engine.FinishWithError(ctx, input.ID, msg, p.ActorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(res), nil
	})
}

func (h handlers) registerApprovals(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approvals",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,approved,rejected"`
		Limit  int    `query:"limit" default:"50"`
	}) (*out[ApprovalsResponse], error) {
		if _, err := requirePerm(ctx, auth.PermRead); err != nil {
			return nil, h.handleError(err)
		}
		items, err := h.engine.ListApprovals(ctx, domain.ApprovalState(input.Status), normalizeLimit(input.Limit))
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(ApprovalsResponse{Items: nonNil(items)}), nil
	})

	review := func(id, summary string, fn func(ctx context.Context, approvalID, approver string) (engine.ApprovalResult, error)) {
		huma.Register(api, huma.Operation{
			OperationID: id,
			Method:      http.MethodPost,
			Path:        "/approvals/{id}/" + strings.TrimPrefix(id, "approval-"),
			Summary:     summary,
			Errors:      writeErrors,
		}, func(ctx context.Context, input *approvalPath) (*out[engine.ApprovalResult], error) {
			p, err := requirePerm(ctx, auth.PermApprovalsReview)
			if err != nil {
				return nil, h.handleError(err)
			}
			res, err := fn(ctx, input.ID, p.ActorID)
			if err != nil {
				return nil, h.handleError(err)
			}
			return reply(res), nil
		})
	}
	review("approval-approve", "Approve a gated schedule", h.engine.Approve)
	review("approval-reject", "Reject a gated schedule", h.engine.Reject)
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events newest first",
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"table,execution,executor,task,schedule,approval"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor" doc:"next_cursor of the previous page"`
	}) (*out[EventsResponse], error) {
		if _, err := requirePerm(ctx, auth.PermRead); err != nil {
			return nil, h.handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		items, err := h.engine.ListEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     input.Cursor,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := EventsResponse{Items: nonNil(items)}
		if len(items) > limit {
			resp.Items = items[:limit]
			resp.NextCursor = items[limit-1].ID
		}
		return reply(resp), nil
	})
}

func (h handlers) registerAPIKeys(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Issue an API key for a machine caller",
		Description:   "The key is returned once. API keys carry read, executions.record and schedules.run.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*out[auth.IssuedKey], error) {
		if _, err := requirePerm(ctx, auth.PermAdmin); err != nil {
			return nil, h.handleError(err)
		}
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		k, err := h.keys.IssueAPIKey(ctx, input.Body.ActorID, input.Body.Name)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(k), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys of an actor",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id" required:"true"`
	}) (*out[APIKeysResponse], error) {
		if _, err := requirePerm(ctx, auth.PermAdmin); err != nil {
			return nil, h.handleError(err)
		}
		items, err := h.keys.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(APIKeysResponse{Items: nonNil(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, err := requirePerm(ctx, auth.PermAdmin); err != nil {
			return nil, h.handleError(err)
		}
		if err := h.keys.RevokeAPIKey(ctx, input.ID); err != nil {
			return nil, h.handleError(err)
		}
		return nil, nil
	})
}
