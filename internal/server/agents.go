package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"agentboard/internal/app"
	"agentboard/internal/domain"
	"agentboard/internal/events"
	"agentboard/internal/repo"
)

type RegisterAgentRequest struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name" minLength:"1"`
	Type         string   `json:"type" minLength:"1"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type RegisterAgentResponse struct {
	Agent domain.Agent `json:"agent"`
	// APIKey is the agent's credential, returned exactly once.
	APIKey string `json:"api_key"`
}

func newRawAPIKey() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random api key: %v", err))
	}
	return "ab_" + hex.EncodeToString(buf)
}

func registerAgents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*struct {
		Body RegisterAgentResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "name is required", nil)
		}
		if _, ok := a.Config.Profiles[input.Body.Type]; !ok {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "type has no profile in agentboard.yml", nil)
		}
		id := input.Body.ID
		if id == "" {
			id = uuid.NewString()
		}
		now := repo.FormatTime(time.Now())
		agent := domain.Agent{
			ID:           id,
			ProjectID:    a.Config.Project.ID,
			Name:         input.Body.Name,
			Type:         input.Body.Type,
			Status:       domain.AgentStatusIdle,
			Capabilities: input.Body.Capabilities,
			CreatedAt:    now,
		}
		if err := a.Repo.InsertAgent(ctx, agent); err != nil {
			return nil, handleError(err)
		}

		rawKey := newRawAPIKey()
		if err := a.Repo.InsertAPIKey(ctx, domain.APIKey{
			ID:        uuid.NewString(),
			AgentID:   agent.ID,
			Name:      agent.Name,
			KeyHash:   repo.HashAPIKey(rawKey),
			CreatedAt: now,
		}); err != nil {
			return nil, handleError(err)
		}
		_ = a.Events.Append(ctx, nil, "agent.registered", agent.ProjectID, "agent", agent.ID, "api",
			events.EventPayload{"type": agent.Type, "name": agent.Name})

		return &struct {
			Body RegisterAgentResponse `json:"body"`
		}{Body: RegisterAgentResponse{Agent: agent, APIKey: rawKey}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		Status string `query:"status" enum:"idle,active,offline,"`
	}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		items, err := a.Repo.ListAgents(ctx, repo.AgentFilters{
			ProjectID: a.Config.Project.ID,
			Type:      input.Type,
			Status:    input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		agent, err := a.Repo.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: agent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-status",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/status",
		Summary:     "Set agent status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Body    struct {
			Status string `json:"status" enum:"idle,active,offline"`
		} `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		if _, err := a.Repo.GetAgent(ctx, input.AgentID); err != nil {
			return nil, handleError(err)
		}
		if err := a.Repo.UpdateAgentStatus(ctx, input.AgentID, input.Body.Status); err != nil {
			return nil, handleError(err)
		}
		agent, err := a.Repo.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: agent}, nil
	})
}
