package bus

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentboard/internal/config"
	"agentboard/internal/db"
	"agentboard/internal/delivery"
	"agentboard/internal/domain"
	"agentboard/internal/events"
	"agentboard/internal/migrate"
	"agentboard/internal/repo"
)

func newTestBus(t *testing.T) (*Bus, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	r := repo.Repo{DB: conn}
	cfg := config.Default("proj-1")
	ev := events.Writer{DB: conn}
	ctx := context.Background()
	now := repo.FormatTime(time.Now())
	require.NoError(t, r.InsertProject(ctx, domain.Project{ID: "proj-1", Name: "proj-1", Status: "active", CreatedAt: now}))
	for _, id := range []string{"ag-1", "ag-2", "ag-3"} {
		require.NoError(t, r.InsertAgent(ctx, domain.Agent{
			ID: id, ProjectID: "proj-1", Name: id, Type: "Backend",
			Status: domain.AgentStatusIdle, CreatedAt: now,
		}))
	}

	b := &Bus{
		Repo:     r,
		Events:   ev,
		Config:   cfg,
		Delivery: delivery.NewService(r, ev, cfg),
	}
	return b, r
}

func TestSendHeldUntilPoll(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	res, err := b.Send(ctx, SendInput{
		ProjectID: "proj-1", From: "ag-1", To: "ag-2",
		Type: "status_update", Payload: `{"progress":40}`,
	})
	require.NoError(t, err)
	require.False(t, res.Pushed)
	require.NotZero(t, res.Message.Seq)

	// Another recipient's poll sees nothing.
	msgs, err := b.Poll(ctx, "proj-1", "ag-3", 10)
	require.NoError(t, err)
	require.Empty(t, msgs)

	msgs, err = b.Poll(ctx, "proj-1", "ag-2", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "ag-1", msgs[0].From)
	require.Equal(t, `{"progress":40}`, msgs[0].Payload)

	// Consumed on first poll.
	msgs, err = b.Poll(ctx, "proj-1", "ag-2", 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestSendPreservesPerSenderOrder(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := b.Send(ctx, SendInput{
			ProjectID: "proj-1", From: "ag-1", To: "ag-2",
			Type: "status_update", Payload: fmt.Sprintf(`{"n":%d}`, i),
		})
		require.NoError(t, err)
	}

	msgs, err := b.Poll(ctx, "proj-1", "ag-2", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		require.Equal(t, fmt.Sprintf(`{"n":%d}`, i), m.Payload)
		if i > 0 {
			require.Greater(t, m.Seq, msgs[i-1].Seq)
		}
	}
}

func TestSendPushesToSubscribedWebhook(t *testing.T) {
	b, r := newTestBus(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		mu.Lock()
		got = body
		mu.Unlock()
	}))
	defer srv.Close()

	_, _, err := b.Delivery.SetWebhook(ctx, delivery.SetWebhookInput{
		AgentID: "ag-2", URL: srv.URL, Events: []string{EventPrefix + "status_update"},
	})
	require.NoError(t, err)

	res, err := b.Send(ctx, SendInput{
		ProjectID: "proj-1", From: "ag-1", To: "ag-2",
		Type: "status_update", Payload: `{"progress":80}`,
	})
	require.NoError(t, err)
	require.True(t, res.Pushed)

	// Pushed messages never reach the poll queue.
	msgs, err := b.Poll(ctx, "proj-1", "ag-2", 10)
	require.NoError(t, err)
	require.Empty(t, msgs)

	// The delivery worker sends it out.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = b.Delivery.Run(runCtx) }()
	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("webhook push never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, string(got), `"ag-2"`)
	require.Contains(t, string(got), EventPrefix+"status_update")

	// A type outside the subscription is held instead.
	res, err = b.Send(ctx, SendInput{
		ProjectID: "proj-1", From: "ag-1", To: "ag-2",
		Type: "question", Payload: `{"q":"which branch?"}`,
	})
	require.NoError(t, err)
	require.False(t, res.Pushed)
	count, err := r.PendingMessageCount(ctx, "proj-1", "ag-2")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestBroadcastSkipsSender(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	results, err := b.Broadcast(ctx, BroadcastInput{
		ProjectID: "proj-1", From: "ag-1", Type: "announce", Payload: `{"msg":"deploy at 5"}`,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	msgs, err := b.Poll(ctx, "proj-1", "ag-1", 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
	for _, id := range []string{"ag-2", "ag-3"} {
		msgs, err := b.Poll(ctx, "proj-1", id, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1, "recipient %s", id)
	}
}

func TestBroadcastIsolatesRecipientFailure(t *testing.T) {
	b, r := newTestBus(t)
	ctx := context.Background()

	// Make ag-2's webhook push fail at enqueue time: a colliding attempt id
	// already occupies the delivery store.
	_, _, err := b.Delivery.SetWebhook(ctx, delivery.SetWebhookInput{
		AgentID: "ag-2", URL: "http://example.test/hook", Events: []string{EventPrefix + "announce"},
	})
	require.NoError(t, err)
	b.Delivery.NewID = func() string { return "att-dup" }
	now := repo.FormatTime(time.Now())
	require.NoError(t, r.InsertDeliveryAttempt(ctx, domain.DeliveryAttempt{
		ID: "att-dup", AgentID: "ag-2", ProjectID: "proj-1", Event: EventPrefix + "announce",
		Payload: "{}", NextRetryAt: now, Status: domain.DeliveryPending, CreatedAt: now, UpdatedAt: now,
	}))

	results, err := b.Broadcast(ctx, BroadcastInput{
		ProjectID: "proj-1", From: "ag-1", Type: "announce", Payload: `{"msg":"deploy at 5"}`,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	byTo := map[string]SendResult{}
	for _, res := range results {
		byTo[res.Message.To] = res
	}
	require.NotEmpty(t, byTo["ag-2"].Error)
	require.Empty(t, byTo["ag-3"].Error)

	// The healthy recipient still got the message.
	msgs, err := b.Poll(ctx, "proj-1", "ag-3", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, `{"msg":"deploy at 5"}`, msgs[0].Payload)
}

func TestSendUnknownRecipient(t *testing.T) {
	b, _ := newTestBus(t)
	_, err := b.Send(context.Background(), SendInput{
		ProjectID: "proj-1", From: "ag-1", To: "ghost", Type: "status_update",
	})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestExpiredMessagesNotDelivered(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	past := time.Now().Add(-2 * time.Hour)
	b.Now = func() time.Time { return past }
	_, err := b.Send(ctx, SendInput{
		ProjectID: "proj-1", From: "ag-1", To: "ag-2", Type: "status_update", Payload: `{}`,
	})
	require.NoError(t, err)

	b.Now = nil
	msgs, err := b.Poll(ctx, "proj-1", "ag-2", 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestPollTouchesAgentLiveness(t *testing.T) {
	b, r := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, r.UpdateAgentStatus(ctx, "ag-2", domain.AgentStatusOffline))
	_, err := b.Poll(ctx, "proj-1", "ag-2", 10)
	require.NoError(t, err)

	a, err := r.GetAgent(ctx, "ag-2")
	require.NoError(t, err)
	require.Equal(t, domain.AgentStatusIdle, a.Status)
	require.NotEmpty(t, a.LastPollAt)
}
