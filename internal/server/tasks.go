package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"agentboard/internal/app"
	"agentboard/internal/domain"
	"agentboard/internal/events"
	"agentboard/internal/repo"
	"agentboard/internal/router"
	"agentboard/internal/signature"
)

type CreateTaskRequest struct {
	Title       string `json:"title" minLength:"1"`
	Description string `json:"description,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	Priority    int    `json:"priority,omitempty" minimum:"1" maximum:"5"`
	// AutoAssign routes the task immediately after creation.
	AutoAssign bool `json:"auto_assign,omitempty"`
}

func registerTasks(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "title is required", nil)
		}
		priority := input.Body.Priority
		if priority == 0 {
			priority = 3
		}
		if priority < 1 || priority > 5 {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "priority must be between 1 and 5", nil)
		}
		now := repo.FormatTime(time.Now())
		task := domain.Task{
			ID:          uuid.NewString(),
			ProjectID:   a.Config.Project.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Prompt:      input.Body.Prompt,
			AssignedTo:  domain.Unassigned,
			Priority:    priority,
			Status:      domain.TaskStatusTodo,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := a.Repo.InsertTask(ctx, task); err != nil {
			return nil, handleError(err)
		}
		_ = a.Events.Append(ctx, nil, "task.created", task.ProjectID, "task", task.ID, "api",
			events.EventPayload{"title": task.Title})

		if input.Body.AutoAssign {
			if assigned, _, err := a.Router.Assign(ctx, task.ID, router.AssignOptions{}); err == nil {
				task = assigned
			} else if t, gerr := a.Repo.GetTask(ctx, task.ID); gerr == nil {
				// Routing may have blocked the task; return its real state.
				task = t
			}
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"todo,in_progress,done,blocked,"`
		AssignedTo string `query:"assigned_to"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		items, err := a.Repo.ListTasks(ctx, repo.TaskFilters{
			ProjectID:  a.Config.Project.ID,
			Status:     input.Status,
			AssignedTo: input.AssignedTo,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		task, err := a.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/assign",
		Summary:     "Assign task to the best available agent",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   struct {
			Type         string `json:"type,omitempty"`
			ExcludeAgent string `json:"exclude_agent,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			Task  domain.Task  `json:"task"`
			Agent domain.Agent `json:"agent"`
		} `json:"body"`
	}, error) {
		task, agent, err := a.Router.Assign(ctx, input.TaskID, router.AssignOptions{
			ForceType:    input.Body.Type,
			ExcludeAgent: input.Body.ExcludeAgent,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Task  domain.Task  `json:"task"`
				Agent domain.Agent `json:"agent"`
			} `json:"body"`
		}{}
		out.Body.Task = task
		out.Body.Agent = agent
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-tasks",
		Method:      http.MethodPost,
		Path:        "/tasks/sweep",
		Summary:     "Reassign or block tasks stuck past the threshold",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Results []router.SweepResult `json:"results"`
		} `json:"body"`
	}, error) {
		results, err := a.Router.SweepStuckTasks(ctx, a.Config.Project.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Results []router.SweepResult `json:"results"`
			} `json:"body"`
		}{}
		out.Body.Results = results
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/completion",
		Summary:     "Agent completion callback",
		Description: "Reports the outcome of an assigned task. The request body must carry an HMAC signature made with the agent's webhook secret.",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgentID   string         `path:"agent_id"`
		Signature string         `header:"X-Agentboard-Signature"`
		Body      app.Completion `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if input.Body.TaskID == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "task_id is required", nil)
		}
		// Verify the signature over the exact request bytes before any
		// state is read or written.
		cfg, err := a.Repo.GetWebhookConfig(ctx, input.AgentID)
		if err == repo.ErrNotFound {
			return nil, newAPIError(http.StatusUnauthorized, "signature_invalid", "agent has no webhook secret configured", nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		if !signature.Verify(bodyBytes(ctx), input.Signature, cfg.Secret) {
			return nil, newAPIError(http.StatusUnauthorized, "signature_invalid", "request signature did not verify", nil)
		}

		task, err := a.HandleCompletion(ctx, input.AgentID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})
}
