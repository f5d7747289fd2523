package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agentboard/internal/app"
	"agentboard/internal/config"
	"agentboard/internal/db"
	"agentboard/internal/domain"
	"agentboard/internal/migrate"
	"agentboard/internal/signature"
)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("proj-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	a := app.FromConn(conn, cfg)
	if err := a.EnsureProject(context.Background()); err != nil {
		t.Fatalf("ensure project: %v", err)
	}
	handler, err := New(Config{App: a, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func registerTestAgent(t *testing.T, srv *testServer, name, agentType string) (string, string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agents", map[string]any{
		"name": name,
		"type": agentType,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register agent: %d %s", res.StatusCode, string(data))
	}
	var out RegisterAgentResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal agent: %v", err)
	}
	return out.Agent.ID, out.APIKey
}

func setTestWebhook(t *testing.T, srv *testServer, agentID, url string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/agents/"+agentID+"/webhook", map[string]any{
		"url": url,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set webhook: %d %s", res.StatusCode, string(data))
	}
	var out WebhookResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal webhook: %v", err)
	}
	if out.Secret == "" {
		t.Fatal("expected fresh webhook secret")
	}
	return out.Secret
}

func createAndAssignTask(t *testing.T, srv *testServer, title string) (string, string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":       title,
		"auto_assign": true,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.Status != domain.TaskStatusInProgress {
		t.Fatalf("expected auto-assigned task, got %s", task.Status)
	}
	return task.ID, task.AssignedTo
}

func postCompletion(t *testing.T, srv *testServer, agentID, secret string, body map[string]any) (*http.Response, []byte) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal completion: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v0/agents/"+agentID+"/completion", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agentboard-Signature", signature.Sign(payload, secret))
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	return res, data
}

func TestCompletionHappyPath(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{Disabled: true})
	defer cleanup()
	ctx := context.Background()

	agentID, _ := registerTestAgent(t, srv, "builder", "Backend")
	peerID, _ := registerTestAgent(t, srv, "reviewer", "Frontend")
	secret := setTestWebhook(t, srv, agentID, "http://127.0.0.1:1/unreachable")

	taskID, assignedTo := createAndAssignTask(t, srv, "Fix login API bug")
	if assignedTo != agentID {
		t.Fatalf("task assigned to %s", assignedTo)
	}

	res, data := postCompletion(t, srv, agentID, secret, map[string]any{
		"task_id":   taskID,
		"success":   true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"result": map[string]any{
			"summary":       "patched the session check",
			"files_changed": []string{"auth/login.go"},
			"cost_usd":      0.42,
		},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("completion: %d %s", res.StatusCode, string(data))
	}
	var done domain.Task
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal done: %v", err)
	}
	if done.Status != domain.TaskStatusDone {
		t.Fatalf("expected done, got %s", done.Status)
	}
	if done.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}

	entries, err := srv.App.Repo.ListKnowledgeEntries(ctx, "proj-1", 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("knowledge entries: %v %d", err, len(entries))
	}
	if entries[0].Summary != "patched the session check" {
		t.Fatalf("unexpected summary %q", entries[0].Summary)
	}
	total, err := srv.App.Repo.ProjectCostTotal(ctx, "proj-1")
	if err != nil || total != 0.42 {
		t.Fatalf("cost total: %v %f", err, total)
	}

	agent, err := srv.App.Repo.GetAgent(ctx, agentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.TasksCompleted != 1 || agent.TasksInProgress != 0 {
		t.Fatalf("agent counters: completed=%d in_progress=%d", agent.TasksCompleted, agent.TasksInProgress)
	}

	// The completion broadcast lands in the peer's queue.
	msgs, err := srv.App.Bus.Poll(ctx, "proj-1", peerID, 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Type != "task_complete" {
		t.Fatalf("expected completion broadcast, got %+v", msgs)
	}
}

func TestCompletionFailureBlocksAndEscalates(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{Disabled: true})
	defer cleanup()
	ctx := context.Background()

	agentID, _ := registerTestAgent(t, srv, "builder", "Backend")
	supID, _ := registerTestAgent(t, srv, "supervisor", "Security")
	secret := setTestWebhook(t, srv, agentID, "http://127.0.0.1:1/unreachable")
	taskID, _ := createAndAssignTask(t, srv, "Fix login API bug")

	res, data := postCompletion(t, srv, agentID, secret, map[string]any{
		"task_id":   taskID,
		"success":   false,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"error":     map[string]any{"message": "build kept failing"},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("completion: %d %s", res.StatusCode, string(data))
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.Status != domain.TaskStatusBlocked {
		t.Fatalf("expected blocked, got %s", task.Status)
	}
	if task.BlockedReason == nil || *task.BlockedReason != "build kept failing" {
		t.Fatalf("unexpected reason %v", task.BlockedReason)
	}

	agent, err := srv.App.Repo.GetAgent(ctx, agentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.TasksFailed != 1 || agent.TasksInProgress != 0 {
		t.Fatalf("agent counters: failed=%d in_progress=%d", agent.TasksFailed, agent.TasksInProgress)
	}

	// The supervisor gets the error report on its next poll.
	msgs, err := srv.App.Bus.Poll(ctx, "proj-1", supID, 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Type != "error_report" {
		t.Fatalf("expected error report, got %+v", msgs)
	}
}

func TestCompletionRejectsTamperedBody(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{Disabled: true})
	defer cleanup()
	ctx := context.Background()

	agentID, _ := registerTestAgent(t, srv, "builder", "Backend")
	secret := setTestWebhook(t, srv, agentID, "http://127.0.0.1:1/unreachable")
	taskID, _ := createAndAssignTask(t, srv, "Fix login API bug")

	payload, _ := json.Marshal(map[string]any{"task_id": taskID, "success": true})
	sig := signature.Sign(payload, secret)
	tampered := bytes.Replace(payload, []byte("true"), []byte("false"), 1)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v0/agents/"+agentID+"/completion", bytes.NewReader(tampered))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agentboard-Signature", sig)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	data, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "signature_invalid" {
		t.Fatalf("expected signature_invalid, got %q", envelope.Error.Code)
	}

	// Nothing changed.
	task, err := srv.App.Repo.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.TaskStatusInProgress {
		t.Fatalf("task state changed to %s", task.Status)
	}
}

func TestAssignConflict(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{Disabled: true})
	defer cleanup()

	registerTestAgent(t, srv, "builder", "Backend")
	taskID, _ := createAndAssignTask(t, srv, "Fix login API bug")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+taskID+"/assign", map[string]any{}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "assignment_failed" {
		t.Fatalf("expected assignment_failed, got %q", envelope.Error.Code)
	}
}

func TestAssignNoAgentBlocksTask(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{Disabled: true})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title": "Fix login API bug",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var task domain.Task
	_ = json.Unmarshal(data, &task)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/assign", map[string]any{}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/"+task.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task: %d", res.StatusCode)
	}
	_ = json.Unmarshal(data, &task)
	if task.Status != domain.TaskStatusBlocked {
		t.Fatalf("expected blocked, got %s", task.Status)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "topsecret"})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}

	// Health stays open.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "operator"})
	signed, err := token.SignedString([]byte("topsecret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authed list tasks: %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{Disabled: true})
	defer cleanup()

	_, rawKey := registerTestAgent(t, srv, "builder", "Backend")

	// Reuse the open server's store but with auth enforced.
	handler, err := New(Config{App: srv.App, BasePath: "/v0", Auth: AuthConfig{JWTSecret: "topsecret"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	authSrv := &http.Server{Handler: handler}
	go authSrv.Serve(ln)
	defer func() {
		authSrv.Shutdown(context.Background())
		ln.Close()
	}()
	base := "http://" + ln.Addr().String()

	res, data := doJSON(t, srv.Client(), http.MethodGet, base+"/v0/agents", nil, map[string]string{
		"X-Api-Key": rawKey,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key list agents: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, base+"/v0/agents", nil, map[string]string{
		"X-Api-Key": "ab_wrong",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d", res.StatusCode)
	}
}

func TestPollScopedToAuthenticatedAgent(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{Disabled: true})
	defer cleanup()

	builderID, builderKey := registerTestAgent(t, srv, "builder", "Backend")
	reviewerID, _ := registerTestAgent(t, srv, "reviewer", "Frontend")

	// Reuse the open server's store but with auth enforced.
	handler, err := New(Config{App: srv.App, BasePath: "/v0", Auth: AuthConfig{JWTSecret: "topsecret"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	authSrv := &http.Server{Handler: handler}
	go authSrv.Serve(ln)
	defer func() {
		authSrv.Shutdown(context.Background())
		ln.Close()
	}()
	base := "http://" + ln.Addr().String()

	res, data := doJSON(t, srv.Client(), http.MethodGet, base+"/v0/agents/"+reviewerID+"/messages", nil, map[string]string{
		"X-Api-Key": builderKey,
	})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 polling another queue, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden, got %q", envelope.Error.Code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/v0/agents/"+builderID+"/messages", nil, map[string]string{
		"X-Api-Key": builderKey,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("poll own queue: %d %s", res.StatusCode, string(data))
	}
}

func TestWebhookSecretMasked(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{Disabled: true})
	defer cleanup()

	agentID, _ := registerTestAgent(t, srv, "builder", "Backend")
	secret := setTestWebhook(t, srv, agentID, "http://127.0.0.1:1/unreachable")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/agents/"+agentID+"/webhook", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get webhook: %d %s", res.StatusCode, string(data))
	}
	if bytes.Contains(data, []byte(secret)) {
		t.Fatal("stored secret leaked in read response")
	}
}
