package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"tributary/internal/domain"
	"tributary/internal/engine"
	"tributary/internal/engine/auth"
)

type TablePath struct {
	Name string `path:"name" doc:"Table name or id"`
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func (h handlers) registerTables(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "define-tables",
		Method:        http.MethodPost,
		Path:          "/tables",
		Summary:       "Create or update a batch of tables",
		Description:   "Tables are matched by name. Dependencies may reference tables defined in the same batch. The whole batch is rejected when it would introduce a cycle.",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body DefineTablesRequest
	}) (*out[TablesResponse], error) {
		p, err := requirePerm(ctx, auth.PermTablesWrite)
		if err != nil {
			return nil, h.handleError(err)
		}
		tables, err := h.engine.DefineTables(ctx, input.Body.Tables, p.ActorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(TablesResponse{Items: nonNil(tables)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tables",
		Method:      http.MethodGet,
		Path:        "/tables",
		Summary:     "List tables",
	}, func(ctx context.Context, _ *struct{}) (*out[TablesResponse], error) {
		if _, err := requirePerm(ctx, auth.PermRead); err != nil {
			return nil, h.handleError(err)
		}
		tables, err := h.engine.ListTables(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(TablesResponse{Items: nonNil(tables)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-table",
		Method:      http.MethodGet,
		Path:        "/tables/{name}",
		Summary:     "Get a table with its partitions and dependencies",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *TablePath) (*out[domain.Table], error) {
		if _, err := requirePerm(ctx, auth.PermRead); err != nil {
			return nil, h.handleError(err)
		}
		t, err := h.engine.GetTable(ctx, input.Name)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-table",
		Method:        http.MethodDelete,
		Path:          "/tables/{name}",
		Summary:       "Soft delete a table",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *TablePath) (*struct{}, error) {
		p, err := requirePerm(ctx, auth.PermTablesWrite)
		if err != nil {
			return nil, h.handleError(err)
		}
		if err := h.engine.DeleteTable(ctx, input.Name, p.ActorID); err != nil {
			return nil, h.handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-partition",
		Method:        http.MethodPost,
		Path:          "/tables/{name}/partitions",
		Summary:       "Declare a partition on a table",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		TablePath
		Body engine.PartitionSpec
	}) (*out[domain.Partition], error) {
		p, err := requirePerm(ctx, auth.PermTablesWrite)
		if err != nil {
			return nil, h.handleError(err)
		}
		part, err := h.engine.AddPartition(ctx, input.Name, input.Body, p.ActorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(part), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-dependency",
		Method:        http.MethodPost,
		Path:          "/tables/{name}/dependencies",
		Summary:       "Add a dependency edge",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		TablePath
		Body engine.DependencySpec
	}) (*out[domain.Dependency], error) {
		p, err := requirePerm(ctx, auth.PermTablesWrite)
		if err != nil {
			return nil, h.handleError(err)
		}
		d, err := h.engine.AddDependency(ctx, input.Name, input.Body, p.ActorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-table",
		Method:      http.MethodPost,
		Path:        "/tables/{name}/resolve",
		Summary:     "Check readiness for partition values",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TablePath
		Body RecordExecutionRequest
	}) (*out[engine.Resolution], error) {
		if _, err := requirePerm(ctx, auth.PermRead); err != nil {
			return nil, h.handleError(err)
		}
		res, err := h.engine.Resolve(ctx, input.Name, input.Body.Partitions)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(res), nil
	})
}

func (h handlers) registerExecutions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-execution",
		Method:        http.MethodPost,
		Path:          "/tables/{name}/executions",
		Summary:       "Record a table execution",
		Description:   "Appends the execution and cascades to dependent tables. The response carries the cascade report; cascade failures never fail the request.",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		TablePath
		Body RecordExecutionRequest
	}) (*out[engine.ExecutionResult], error) {
		p, err := requirePerm(ctx, auth.PermExecutionsRecord)
		if err != nil {
			return nil, h.handleError(err)
		}
		source := input.Body.Source
		if source == "" {
			source = p.ActorID
		}
		res, err := h.engine.RecordExecution(ctx, engine.RecordExecutionOptions{
			Table:      input.Name,
			Source:     source,
			Partitions: input.Body.Partitions,
			ActorID:    p.ActorID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/tables/{name}/executions",
		Summary:     "List executions newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TablePath
		Limit int `query:"limit" default:"50"`
	}) (*out[ExecutionsResponse], error) {
		if _, err := requirePerm(ctx, auth.PermRead); err != nil {
			return nil, h.handleError(err)
		}
		items, err := h.engine.ListExecutions(ctx, input.Name, normalizeLimit(input.Limit))
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(ExecutionsResponse{Items: nonNil(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-execution",
		Method:        http.MethodDelete,
		Path:          "/tables/{name}/executions/{id}",
		Summary:       "Soft delete an execution",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TablePath
		ID string `path:"id"`
	}) (*struct{}, error) {
		p, err := requirePerm(ctx, auth.PermTablesWrite)
		if err != nil {
			return nil, h.handleError(err)
		}
		if err := h.engine.DeleteExecution(ctx, input.Name, input.ID, p.ActorID); err != nil {
			return nil, h.handleError(err)
		}
		return nil, nil
	})
}

func (h handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-executor",
		Method:        http.MethodPost,
		Path:          "/executors",
		Summary:       "Register a task executor",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body engine.ExecutorSpec
	}) (*out[domain.TaskExecutor], error) {
		p, err := requirePerm(ctx, auth.PermTablesWrite)
		if err != nil {
			return nil, h.handleError(err)
		}
		x, err := h.engine.CreateTaskExecutor(ctx, input.Body, p.ActorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(x), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executors",
		Method:      http.MethodGet,
		Path:        "/executors",
		Summary:     "List task executors",
	}, func(ctx context.Context, _ *struct{}) (*out[ExecutorsResponse], error) {
		if _, err := requirePerm(ctx, auth.PermRead); err != nil {
			return nil, h.handleError(err)
		}
		items, err := h.engine.ListTaskExecutors(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(ExecutorsResponse{Items: nonNil(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "bind-task",
		Method:        http.MethodPost,
		Path:          "/tables/{name}/tasks",
		Summary:       "Bind a task to a table",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		TablePath
		Body BindTaskRequest
	}) (*out[domain.TaskTable], error) {
		p, err := requirePerm(ctx, auth.PermTablesWrite)
		if err != nil {
			return nil, h.handleError(err)
		}
		tt, err := h.engine.BindTask(ctx, engine.BindTaskOptions{
			Table:           input.Name,
			Executor:        input.Body.Executor,
			Alias:           input.Body.Alias,
			PayloadTemplate: input.Body.PayloadTemplate,
			DebounceSeconds: input.Body.DebounceSeconds,
			ActorID:         p.ActorID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(tt), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tables/{name}/tasks",
		Summary:     "List a table's task bindings",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *TablePath) (*out[TasksResponse], error) {
		if _, err := requirePerm(ctx, auth.PermRead); err != nil {
			return nil, h.handleError(err)
		}
		items, err := h.engine.ListTaskTables(ctx, input.Name)
		if err != nil {
			return nil, h.handleError(err)
		}
		return reply(TasksResponse{Items: nonNil(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "unbind-task",
		Method:        http.MethodDelete,
		Path:          "/tables/{name}/tasks/{alias}",
		Summary:       "Remove a task binding",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TablePath
		Alias string `path:"alias"`
	}) (*struct{}, error) {
		p, err := requirePerm(ctx, auth.PermTablesWrite)
		if err != nil {
			return nil, h.handleError(err)
		}
		if err := h.engine.UnbindTask(ctx, input.Name, input.Alias, p.ActorID); err != nil {
			return nil, h.handleError(err)
		}
		return nil, nil
	})
}
