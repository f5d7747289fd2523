package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentboard/internal/config"
	"agentboard/internal/db"
	"agentboard/internal/domain"
	"agentboard/internal/events"
	"agentboard/internal/migrate"
	"agentboard/internal/repo"
	"agentboard/internal/signature"
)

func newTestService(t *testing.T) (*Service, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	r := repo.Repo{DB: conn}
	ctx := context.Background()
	now := repo.FormatTime(time.Now())
	require.NoError(t, r.InsertProject(ctx, domain.Project{ID: "proj-1", Name: "proj-1", Status: "active", CreatedAt: now}))
	require.NoError(t, r.InsertAgent(ctx, domain.Agent{
		ID: "ag-1", ProjectID: "proj-1", Name: "ag-1", Type: "Backend",
		Status: domain.AgentStatusIdle, CreatedAt: now,
	}))

	s := NewService(r, events.Writer{DB: conn}, config.Default("proj-1"))
	return s, r
}

type capture struct {
	mu        sync.Mutex
	bodies    [][]byte
	sigs      []string
	responses []int
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.sigs = append(c.sigs, r.Header.Get(SignatureHeader))
		code := http.StatusOK
		if len(c.responses) > 0 {
			code = c.responses[0]
			c.responses = c.responses[1:]
		}
		c.mu.Unlock()
		w.WriteHeader(code)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRetryDelaySchedule(t *testing.T) {
	require.Equal(t, time.Second, retryDelay(time.Second, 2, 1))
	require.Equal(t, 2*time.Second, retryDelay(time.Second, 2, 2))
	require.Equal(t, 4*time.Second, retryDelay(time.Second, 2, 3))
	require.Equal(t, 500*time.Millisecond, retryDelay(500*time.Millisecond, 3, 1))
	require.Equal(t, 1500*time.Millisecond, retryDelay(500*time.Millisecond, 3, 2))
}

func TestSetWebhookGeneratesSecretOnce(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	cfg, raw, err := s.SetWebhook(ctx, SetWebhookInput{AgentID: "ag-1", URL: "http://example.test/hook"})
	require.NoError(t, err)
	require.Len(t, raw, 64)
	require.Equal(t, raw, cfg.Secret)
	require.True(t, cfg.Enabled)
	require.Equal(t, s.Config.Delivery.MaxAttempts, cfg.MaxAttempts)

	// A follow-up update keeps the stored secret and returns nothing new.
	cfg2, raw2, err := s.SetWebhook(ctx, SetWebhookInput{AgentID: "ag-1", URL: "http://example.test/hook2"})
	require.NoError(t, err)
	require.Empty(t, raw2)
	require.Equal(t, raw, cfg2.Secret)
	require.Equal(t, "http://example.test/hook2", cfg2.URL)

	_, raw3, err := s.SetWebhook(ctx, SetWebhookInput{AgentID: "ag-1", RotateSecret: true})
	require.NoError(t, err)
	require.Len(t, raw3, 64)
	require.NotEqual(t, raw, raw3)
}

func TestNotifyDeliversSignedPayload(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	rec := &capture{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	_, secret, err := s.SetWebhook(ctx, SetWebhookInput{AgentID: "ag-1", URL: srv.URL})
	require.NoError(t, err)

	require.NoError(t, s.Notify(ctx, "ag-1", "task.assigned", map[string]any{"task_id": "t-1", "title": "fix api"}))
	s.sweepDue(ctx)

	require.Equal(t, 1, rec.count())
	require.True(t, signature.Verify(rec.bodies[0], rec.sigs[0], secret))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.bodies[0], &body))
	require.Equal(t, "task.assigned", body["event"])
	require.Equal(t, "ag-1", body["agent_id"])
	require.Equal(t, "t-1", body["task_id"])
	require.NotEmpty(t, body["timestamp"])
	data, ok := body["data"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "fix api", data["title"])
}

func TestNotifyNoopWithoutSubscription(t *testing.T) {
	s, r := newTestService(t)
	ctx := context.Background()

	// No configuration at all.
	require.NoError(t, s.Notify(ctx, "ag-1", "task.assigned", nil))

	_, _, err := s.SetWebhook(ctx, SetWebhookInput{
		AgentID: "ag-1", URL: "http://example.test/hook", Events: []string{"task.completed"},
	})
	require.NoError(t, err)
	require.NoError(t, s.Notify(ctx, "ag-1", "task.assigned", nil))

	disabled := false
	_, _, err = s.SetWebhook(ctx, SetWebhookInput{AgentID: "ag-1", Enabled: &disabled})
	require.NoError(t, err)
	require.NoError(t, s.Notify(ctx, "ag-1", "task.completed", nil))

	due, err := r.DueDeliveryAttempts(ctx, repo.FormatTime(time.Now().Add(time.Hour)), 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestRetryThenSuccess(t *testing.T) {
	s, r := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &capture{responses: []int{500, 502, 200}}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	s.NewID = func() string { return "att-1" }
	_, _, err := s.SetWebhook(ctx, SetWebhookInput{
		AgentID: "ag-1", URL: srv.URL, MaxAttempts: 5, InitialDelayMS: 10, BackoffMultiplier: 2,
	})
	require.NoError(t, err)

	go func() { _ = s.Run(ctx) }()
	require.NoError(t, s.Notify(ctx, "ag-1", "task.assigned", map[string]any{"task_id": "t-1"}))

	waitFor(t, func() bool {
		a, err := r.GetDeliveryAttempt(ctx, "att-1")
		return err == nil && a.Status == domain.DeliverySucceeded
	})
	a, err := r.GetDeliveryAttempt(ctx, "att-1")
	require.NoError(t, err)
	require.Equal(t, 3, a.Attempt)
	require.Equal(t, 3, rec.count())
}

func TestSlowEndpointDoesNotDelayOthers(t *testing.T) {
	s, r := newTestService(t)
	ctx := context.Background()
	now := repo.FormatTime(time.Now())
	require.NoError(t, r.InsertAgent(ctx, domain.Agent{
		ID: "ag-2", ProjectID: "proj-1", Name: "ag-2", Type: "Backend",
		Status: domain.AgentStatusIdle, CreatedAt: now,
	}))

	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		<-release
	}))
	defer slow.Close()
	fast := &capture{}
	fastSrv := httptest.NewServer(fast.handler())
	defer fastSrv.Close()

	ids := []string{"att-slow", "att-fast"}
	s.NewID = func() string { id := ids[0]; ids = ids[1:]; return id }
	_, _, err := s.SetWebhook(ctx, SetWebhookInput{AgentID: "ag-1", URL: slow.URL})
	require.NoError(t, err)
	_, _, err = s.SetWebhook(ctx, SetWebhookInput{AgentID: "ag-2", URL: fastSrv.URL})
	require.NoError(t, err)

	require.NoError(t, s.Notify(ctx, "ag-1", "task.assigned", nil))
	require.NoError(t, s.Notify(ctx, "ag-2", "task.assigned", nil))

	done := make(chan struct{})
	go func() {
		s.sweepDue(ctx)
		close(done)
	}()

	// The fast endpoint finishes while the slow one is still hanging.
	waitFor(t, func() bool {
		a, err := r.GetDeliveryAttempt(ctx, "att-fast")
		return err == nil && a.Status == domain.DeliverySucceeded
	})
	require.Equal(t, 1, fast.count())

	close(release)
	<-done
	a, err := r.GetDeliveryAttempt(ctx, "att-slow")
	require.NoError(t, err)
	require.Equal(t, domain.DeliverySucceeded, a.Status)
}

func TestFailsAfterMaxAttempts(t *testing.T) {
	s, r := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &capture{responses: []int{500, 500, 500, 500}}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	s.NewID = func() string { return "att-1" }
	_, _, err := s.SetWebhook(ctx, SetWebhookInput{
		AgentID: "ag-1", URL: srv.URL, MaxAttempts: 2, InitialDelayMS: 10, BackoffMultiplier: 2,
	})
	require.NoError(t, err)

	go func() { _ = s.Run(ctx) }()
	require.NoError(t, s.Notify(ctx, "ag-1", "task.assigned", nil))

	waitFor(t, func() bool {
		a, err := r.GetDeliveryAttempt(ctx, "att-1")
		return err == nil && a.Status == domain.DeliveryFailed
	})
	a, err := r.GetDeliveryAttempt(ctx, "att-1")
	require.NoError(t, err)
	require.Equal(t, 2, a.Attempt)
	require.Contains(t, a.LastError, "500")
	require.Equal(t, 2, rec.count())
}

func TestDeleteWebhookCancelsPending(t *testing.T) {
	s, r := newTestService(t)
	ctx := context.Background()

	s.NewID = func() string { return "att-1" }
	_, _, err := s.SetWebhook(ctx, SetWebhookInput{AgentID: "ag-1", URL: "http://example.test/hook"})
	require.NoError(t, err)
	require.NoError(t, s.Notify(ctx, "ag-1", "task.assigned", nil))

	require.NoError(t, s.DeleteWebhook(ctx, "ag-1"))
	_, err = r.GetDeliveryAttempt(ctx, "att-1")
	require.ErrorIs(t, err, repo.ErrNotFound)

	require.ErrorIs(t, s.DeleteWebhook(ctx, "ag-1"), repo.ErrNotFound)
}
