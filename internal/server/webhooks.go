package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"agentboard/internal/app"
	"agentboard/internal/delivery"
	"agentboard/internal/domain"
)

type WebhookRequest struct {
	URL               string            `json:"url,omitempty"`
	Enabled           *bool             `json:"enabled,omitempty"`
	Events            []string          `json:"events,omitempty"`
	MaxAttempts       int               `json:"max_attempts,omitempty" minimum:"1"`
	BackoffMultiplier float64           `json:"backoff_multiplier,omitempty" minimum:"1"`
	InitialDelayMS    int               `json:"initial_delay_ms,omitempty" minimum:"1"`
	TimeoutSeconds    int               `json:"timeout_seconds,omitempty" minimum:"1"`
	Headers           map[string]string `json:"headers,omitempty"`
	RotateSecret      bool              `json:"rotate_secret,omitempty"`
}

type WebhookResponse struct {
	Config domain.WebhookConfig `json:"config"`
	// Secret is present only right after generation or rotation.
	Secret string `json:"secret,omitempty"`
}

// maskSecret hides the stored secret in read responses.
func maskSecret(cfg domain.WebhookConfig) domain.WebhookConfig {
	if cfg.Secret != "" {
		cfg.Secret = "********"
	}
	return cfg
}

func registerWebhooks(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "set-webhook",
		Method:      http.MethodPut,
		Path:        "/agents/{agent_id}/webhook",
		Summary:     "Create or update an agent's webhook",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string         `path:"agent_id"`
		Body    WebhookRequest `json:"body"`
	}) (*struct {
		Body WebhookResponse `json:"body"`
	}, error) {
		cfg, secret, err := a.Delivery.SetWebhook(ctx, delivery.SetWebhookInput{
			AgentID:           input.AgentID,
			URL:               input.Body.URL,
			Enabled:           input.Body.Enabled,
			Events:            input.Body.Events,
			MaxAttempts:       input.Body.MaxAttempts,
			BackoffMultiplier: input.Body.BackoffMultiplier,
			InitialDelayMS:    input.Body.InitialDelayMS,
			TimeoutSeconds:    input.Body.TimeoutSeconds,
			Headers:           input.Body.Headers,
			RotateSecret:      input.Body.RotateSecret,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WebhookResponse `json:"body"`
		}{Body: WebhookResponse{Config: maskSecret(cfg), Secret: secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-webhook",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/webhook",
		Summary:     "Get an agent's webhook configuration",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body WebhookResponse `json:"body"`
	}, error) {
		cfg, err := a.Delivery.GetWebhook(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WebhookResponse `json:"body"`
		}{Body: WebhookResponse{Config: maskSecret(cfg)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-webhook",
		Method:        http.MethodDelete,
		Path:          "/agents/{agent_id}/webhook",
		Summary:       "Delete an agent's webhook and cancel queued retries",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct{}, error) {
		if err := a.Delivery.DeleteWebhook(ctx, input.AgentID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deliveries",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/deliveries",
		Summary:     "List recent delivery attempts for an agent",
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []domain.DeliveryAttempt `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := a.Repo.ListDeliveryAttempts(ctx, input.AgentID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DeliveryAttempt `json:"body"`
		}{Body: items}, nil
	})
}
