package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"taskhub/internal/domain"
	"taskhub/internal/engine"
	"taskhub/internal/policy"
)

type taskPath struct {
	ID int64 `path:"id" doc:"Task id"`
}

type updateTaskInput struct {
	ID   int64             `path:"id" doc:"Task id"`
	Body UpdateTaskRequest `required:"false"`
}

func registerTasks(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest
	}) (*envelopeOutput[TaskResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := s.engine.CreateTask(ctx, actor, engine.CreateTaskInput{
			Title:        input.Body.Title,
			Description:  input.Body.Description,
			DueDate:      input.Body.DueDate,
			AssigneeID:   input.Body.AssigneeID,
			Dependencies: input.Body.Dependencies,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return ok("Task created successfully", taskResponse(task)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Description: "Users only ever see tasks assigned to them.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" doc:"pending, completed or cancelled"`
		AssigneeID int64  `query:"assignee_id"`
		DueFrom    string `query:"due_from" doc:"YYYY-MM-DD"`
		DueTo      string `query:"due_to" doc:"YYYY-MM-DD"`
		Page       int    `query:"page"`
	}) (*envelopeOutput[TaskPageResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		page, err := s.engine.FilterTasks(ctx, actor, domain.Criteria{
			Status:     domain.Status(input.Status),
			AssigneeID: input.AssigneeID,
			DueFrom:    input.DueFrom,
			DueTo:      input.DueTo,
			Page:       input.Page,
		})
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return ok("Tasks retrieved successfully", taskPageResponse(page)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get a task",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*envelopeOutput[TaskResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := s.engine.GetTask(ctx, actor, input.ID)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return ok("Task retrieved successfully", taskResponse(task)), nil
	})

	update := func(ctx context.Context, input *updateTaskInput) (*envelopeOutput[TaskResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := s.engine.UpdateTask(ctx, actor, input.ID, taskPatch(ctx, input.Body))
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return ok("Task updated successfully", taskResponse(task)), nil
	}
	for _, op := range []huma.Operation{
		{OperationID: "update-task", Method: http.MethodPut},
		{OperationID: "patch-task", Method: http.MethodPatch},
	} {
		op.Path = "/tasks/{id}"
		op.Summary = "Update a task"
		op.Description = "Managers may change any field. Users may only change the status of tasks assigned to them."
		op.Errors = []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity}
		huma.Register(api, op, update)
	}

	huma.Register(api, huma.Operation{
		OperationID: "add-task-dependencies",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/dependencies",
		Summary:     "Add dependencies to a task",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id" doc:"Task id"`
		Body AddDependenciesRequest
	}) (*envelopeOutput[TaskResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := s.engine.AddDependencies(ctx, actor, input.ID, input.Body.Dependencies)
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return ok("Dependencies added successfully", taskResponse(task)), nil
	})
}

// taskPatch converts the request body, recording every known key the client
// sent so explicit nulls still count as present.
func taskPatch(ctx context.Context, b UpdateTaskRequest) engine.TaskPatch {
	patch := engine.TaskPatch{
		Title:        b.Title,
		Description:  b.Description,
		DueDate:      b.DueDate,
		AssigneeID:   b.AssigneeID,
		Dependencies: b.Dependencies,
	}
	if b.Status != nil {
		st := domain.Status(*b.Status)
		patch.Status = &st
	}
	raw := rawBodyMap(ctx)
	for _, f := range policy.Fields {
		if _, sent := raw[f]; sent {
			patch.Fields = append(patch.Fields, f)
		}
	}
	return patch
}
