package delivery

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"agentboard/internal/config"
	"agentboard/internal/domain"
	"agentboard/internal/events"
	"agentboard/internal/repo"
	"agentboard/internal/signature"
)

// SignatureHeader carries the HMAC of the request body on every outbound push.
const SignatureHeader = "X-Agentboard-Signature"

// Service owns webhook configuration and the outbound delivery pipeline.
// Deliveries are persisted as attempts first and pushed by the worker, so a
// crash between enqueue and send loses nothing.
type Service struct {
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Client *http.Client
	Now    func() time.Time
	NewID  func() string

	wake chan struct{}

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewService(r repo.Repo, ev events.Writer, cfg *config.Config) *Service {
	return &Service{
		Repo:   r,
		Events: ev,
		Config: cfg,
		Client: &http.Client{},
		wake:   make(chan struct{}, 1),
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func newSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random secret: %v", err))
	}
	return hex.EncodeToString(buf)
}

// SetWebhookInput carries a full or partial webhook configuration. Zero
// fields keep the existing value, or fall back to the project delivery
// defaults when no configuration exists yet.
type SetWebhookInput struct {
	AgentID           string
	URL               string
	Enabled           *bool
	Events            []string
	MaxAttempts       int
	BackoffMultiplier float64
	InitialDelayMS    int
	TimeoutSeconds    int
	Headers           map[string]string
	RotateSecret      bool
}

// SetWebhook creates or updates an agent's webhook configuration. The
// returned secret is non-empty only when one was just generated or rotated;
// it is shown once and stored server side after that.
func (s *Service) SetWebhook(ctx context.Context, in SetWebhookInput) (domain.WebhookConfig, string, error) {
	agent, err := s.Repo.GetAgent(ctx, in.AgentID)
	if err != nil {
		return domain.WebhookConfig{}, "", err
	}

	now := repo.FormatTime(s.now())
	cfg, err := s.Repo.GetWebhookConfig(ctx, in.AgentID)
	fresh := err == repo.ErrNotFound
	if err != nil && !fresh {
		return domain.WebhookConfig{}, "", err
	}
	if fresh {
		cfg = domain.WebhookConfig{
			AgentID:           in.AgentID,
			ProjectID:         agent.ProjectID,
			Enabled:           true,
			MaxAttempts:       s.Config.Delivery.MaxAttempts,
			BackoffMultiplier: s.Config.Delivery.BackoffMultiplier,
			InitialDelayMS:    s.Config.Delivery.InitialDelayMS,
			TimeoutSeconds:    s.Config.Delivery.TimeoutSeconds,
			CreatedAt:         now,
		}
	}

	if in.URL != "" {
		cfg.URL = in.URL
	}
	if cfg.URL == "" {
		return domain.WebhookConfig{}, "", fmt.Errorf("webhook url is required")
	}
	if in.Enabled != nil {
		cfg.Enabled = *in.Enabled
	}
	if in.Events != nil {
		cfg.Events = in.Events
	}
	if in.MaxAttempts > 0 {
		cfg.MaxAttempts = in.MaxAttempts
	}
	if in.BackoffMultiplier >= 1 {
		cfg.BackoffMultiplier = in.BackoffMultiplier
	}
	if in.InitialDelayMS > 0 {
		cfg.InitialDelayMS = in.InitialDelayMS
	}
	if in.TimeoutSeconds > 0 {
		cfg.TimeoutSeconds = in.TimeoutSeconds
	}
	if in.Headers != nil {
		cfg.Headers = in.Headers
	}

	raw := ""
	if cfg.Secret == "" || in.RotateSecret {
		raw = newSecret()
		cfg.Secret = raw
	}
	cfg.UpdatedAt = now

	if err := s.Repo.UpsertWebhookConfig(ctx, cfg); err != nil {
		return domain.WebhookConfig{}, "", err
	}
	if !cfg.Enabled {
		if _, err := s.Repo.CancelPendingAttempts(ctx, in.AgentID); err != nil {
			return domain.WebhookConfig{}, "", err
		}
	}
	_ = s.Events.Append(ctx, nil, "webhook.configured", cfg.ProjectID, "webhook", in.AgentID, "delivery",
		events.EventPayload{"url": cfg.URL, "enabled": cfg.Enabled})
	return cfg, raw, nil
}

func (s *Service) GetWebhook(ctx context.Context, agentID string) (domain.WebhookConfig, error) {
	return s.Repo.GetWebhookConfig(ctx, agentID)
}

// DeleteWebhook drops the configuration and any retries still queued for it.
func (s *Service) DeleteWebhook(ctx context.Context, agentID string) error {
	existed, err := s.Repo.DeleteWebhookConfig(ctx, agentID)
	if err != nil {
		return err
	}
	if !existed {
		return repo.ErrNotFound
	}
	_, err = s.Repo.CancelPendingAttempts(ctx, agentID)
	return err
}

// Notify enqueues a push of event to the agent's webhook. It is a no-op when
// the agent has no enabled configuration or does not subscribe to the event.
// The payload is serialized once here; retries resend the identical bytes.
func (s *Service) Notify(ctx context.Context, agentID, event string, data map[string]any) error {
	cfg, err := s.Repo.GetWebhookConfig(ctx, agentID)
	if err == repo.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if !cfg.Enabled || !cfg.SubscribesTo(event) {
		return nil
	}

	now := s.now()
	body := map[string]any{
		"event":     event,
		"agent_id":  agentID,
		"timestamp": now.UTC().Format(time.RFC3339),
		"data":      data,
	}
	if taskID, ok := data["task_id"].(string); ok && taskID != "" {
		body["task_id"] = taskID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	nowStr := repo.FormatTime(now)
	attempt := domain.DeliveryAttempt{
		ID:          s.newID(),
		AgentID:     agentID,
		ProjectID:   cfg.ProjectID,
		Event:       event,
		Payload:     string(payload),
		Attempt:     0,
		NextRetryAt: nowStr,
		Status:      domain.DeliveryPending,
		CreatedAt:   nowStr,
		UpdatedAt:   nowStr,
	}
	if err := s.Repo.InsertDeliveryAttempt(ctx, attempt); err != nil {
		return err
	}
	s.Wake()
	return nil
}

// Wake nudges the worker to rescan for due attempts.
func (s *Service) Wake() {
	if s.wake == nil {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// breaker returns the per-agent circuit breaker, creating it on first use.
// Five consecutive transport failures open the circuit; while open, attempts
// fail fast and reschedule without hitting the endpoint.
func (s *Service) breaker(agentID string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.breakers == nil {
		s.breakers = map[string]*gobreaker.CircuitBreaker{}
	}
	if cb, ok := s.breakers[agentID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentID,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})
	s.breakers[agentID] = cb
	return cb
}

// post signs and sends one payload. Any non-2xx response is a failure.
func (s *Service) post(ctx context.Context, cfg domain.WebhookConfig, payload []byte) error {
	_, err := s.breaker(cfg.AgentID).Execute(func() (any, error) {
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(SignatureHeader, signature.Sign(payload, cfg.Secret))
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := s.Client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("endpoint returned %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}
