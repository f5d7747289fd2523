package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"agentboard/internal/app"
	"agentboard/internal/bus"
	"agentboard/internal/domain"
)

type SendMessageRequest struct {
	From     string `json:"from" minLength:"1"`
	To       string `json:"to" minLength:"1"`
	Type     string `json:"type" minLength:"1"`
	Payload  string `json:"payload,omitempty"`
	Priority string `json:"priority,omitempty" enum:"low,normal,high,"`
}

type BroadcastRequest struct {
	From      string `json:"from" minLength:"1"`
	Type      string `json:"type" minLength:"1"`
	Payload   string `json:"payload,omitempty"`
	Priority  string `json:"priority,omitempty" enum:"low,normal,high,"`
	AgentType string `json:"agent_type,omitempty"`
}

func registerMessages(api huma.API, a *app.App, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID:   "send-message",
		Method:        http.MethodPost,
		Path:          "/messages",
		Summary:       "Send a message to one agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SendMessageRequest `json:"body"`
	}) (*struct {
		Body bus.SendResult `json:"body"`
	}, error) {
		res, err := a.Bus.Send(ctx, bus.SendInput{
			ProjectID: a.Config.Project.ID,
			From:      input.Body.From,
			To:        input.Body.To,
			Type:      input.Body.Type,
			Payload:   input.Body.Payload,
			Priority:  input.Body.Priority,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body bus.SendResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "broadcast-message",
		Method:        http.MethodPost,
		Path:          "/messages/broadcast",
		Summary:       "Broadcast a message to every other agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body BroadcastRequest `json:"body"`
	}) (*struct {
		Body struct {
			Results []bus.SendResult `json:"results"`
		} `json:"body"`
	}, error) {
		results, err := a.Bus.Broadcast(ctx, bus.BroadcastInput{
			ProjectID: a.Config.Project.ID,
			From:      input.Body.From,
			Type:      input.Body.Type,
			Payload:   input.Body.Payload,
			Priority:  input.Body.Priority,
			AgentType: input.Body.AgentType,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Results []bus.SendResult `json:"results"`
			} `json:"body"`
		}{}
		out.Body.Results = results
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "poll-messages",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/messages",
		Summary:     "Drain an agent's message queue",
		Description: "Returns held messages oldest first and removes them; polling also refreshes the agent's liveness.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []domain.Message `json:"body"`
	}, error) {
		// Draining is destructive, so an authenticated caller may only
		// drain its own queue.
		if !auth.Disabled {
			caller, serr := callerAgentID(ctx)
			if serr != nil {
				return nil, serr
			}
			if caller != input.AgentID {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "agents can only poll their own messages", nil)
			}
		}
		msgs, err := a.Bus.Poll(ctx, a.Config.Project.ID, input.AgentID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Message `json:"body"`
		}{Body: msgs}, nil
	})
}
