package agentboardsdk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Agentboard HTTP API client for agent processes.
type Client struct {
	BaseURL     string
	AgentID     string
	APIKey      string
	BearerToken string
	// WebhookSecret signs completion callbacks. It is the secret issued
	// when the agent's webhook was configured.
	WebhookSecret string
	HTTPClient    *http.Client
	Timeout       time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, agentID string) *Client {
	return &Client{
		BaseURL: baseURL,
		AgentID: agentID,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Prompt       string `json:"prompt"`
	AssignedTo   string `json:"assigned_to"`
	AssignedType string `json:"assigned_type"`
	Priority     int    `json:"priority"`
	Status       string `json:"status"`
}

// Message is one bus message drained by Poll.
type Message struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	From      string `json:"from"`
	To        string `json:"to"`
	Type      string `json:"type"`
	Payload   string `json:"payload"`
	Priority  string `json:"priority"`
	CreatedAt string `json:"created_at"`
}

// CompletionResult reports what a successful run produced.
type CompletionResult struct {
	Summary      string   `json:"summary"`
	FilesChanged []string `json:"files_changed,omitempty"`
	CostUSD      float64  `json:"cost_usd,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Poll drains the agent's message queue. Messages are removed on return.
func (c *Client) Poll(ctx context.Context, limit int) ([]Message, error) {
	endpoint := fmt.Sprintf("v0/agents/%s/messages", url.PathEscape(c.AgentID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Message
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Send delivers a message to another agent.
func (c *Client) Send(ctx context.Context, to, msgType, payload string) error {
	body := map[string]any{
		"from":    c.AgentID,
		"to":      to,
		"type":    msgType,
		"payload": payload,
	}
	return c.do(ctx, http.MethodPost, "v0/messages", body, nil)
}

// Broadcast delivers a message to every other agent in the project.
func (c *Client) Broadcast(ctx context.Context, msgType, payload string) error {
	body := map[string]any{
		"from":    c.AgentID,
		"type":    msgType,
		"payload": payload,
	}
	return c.do(ctx, http.MethodPost, "v0/messages/broadcast", body, nil)
}

// ReportCompletion posts the signed completion callback for a task. The body
// is signed with the webhook secret; the server rejects anything whose
// signature does not match the exact bytes sent.
func (c *Client) ReportCompletion(ctx context.Context, taskID string, success bool, result *CompletionResult, failure string) (Task, error) {
	if c.WebhookSecret == "" {
		return Task{}, fmt.Errorf("webhook secret required to sign completion")
	}
	payload := map[string]any{
		"task_id":   taskID,
		"success":   success,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if success && result != nil {
		payload["result"] = result
	}
	if !success && failure != "" {
		payload["error"] = map[string]string{"message": failure}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, err
	}

	endpoint := fmt.Sprintf("%s/v0/agents/%s/completion", c.base(), url.PathEscape(c.AgentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return Task{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agentboard-Signature", signPayload(raw, c.WebhookSecret))
	c.setAuth(req)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return Task{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return Task{}, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var task Task
	err = json.NewDecoder(resp.Body).Decode(&task)
	return task, err
}

// SetStatus updates the agent's availability.
func (c *Client) SetStatus(ctx context.Context, status string) error {
	endpoint := fmt.Sprintf("v0/agents/%s/status", url.PathEscape(c.AgentID))
	return c.do(ctx, http.MethodPost, endpoint, map[string]string{"status": status}, nil)
}

// Tasks lists tasks currently assigned to the agent.
func (c *Client) Tasks(ctx context.Context) ([]Task, error) {
	endpoint := fmt.Sprintf("v0/tasks?assigned_to=%s", url.QueryEscape(c.AgentID))
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// VerifyWebhook checks the signature header on an incoming webhook push
// against the payload bytes. Agents should reject pushes that fail this.
func (c *Client) VerifyWebhook(payload []byte, signatureHeader string) bool {
	if c.WebhookSecret == "" {
		return false
	}
	return hmac.Equal([]byte(signPayload(payload, c.WebhookSecret)), []byte(signatureHeader))
}

func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) setAuth(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
