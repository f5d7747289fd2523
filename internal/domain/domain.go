package domain

// Task statuses.
const (
	TaskStatusTodo       = "todo"
	TaskStatusInProgress = "in_progress"
	TaskStatusDone       = "done"
	TaskStatusBlocked    = "blocked"
)

// Agent statuses.
const (
	AgentStatusIdle    = "idle"
	AgentStatusActive  = "active"
	AgentStatusOffline = "offline"
)

// Delivery attempt statuses.
const (
	DeliveryPending   = "pending"
	DeliveryInFlight  = "in_flight"
	DeliverySucceeded = "succeeded"
	DeliveryFailed    = "failed"
)

// Unassigned is the sentinel value for a task without an agent.
const Unassigned = "unassigned"

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	Prompt        string  `json:"prompt,omitempty"`
	AssignedTo    string  `json:"assigned_to"`
	AssignedType  string  `json:"assigned_type,omitempty"`
	Priority      int     `json:"priority"`
	Status        string  `json:"status" enum:"todo,in_progress,done,blocked"`
	BlockedReason *string `json:"blocked_reason,omitempty"`
	StartedAt     *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type Agent struct {
	ID              string   `json:"id"`
	ProjectID       string   `json:"project_id"`
	Name            string   `json:"name"`
	Type            string   `json:"type"`
	Status          string   `json:"status" enum:"idle,active,offline"`
	Capabilities    []string `json:"capabilities,omitempty"`
	TasksCompleted  int      `json:"tasks_completed"`
	TasksInProgress int      `json:"tasks_in_progress"`
	TasksFailed     int      `json:"tasks_failed"`
	AvgTaskSeconds  float64  `json:"avg_task_seconds"`
	LastPollAt      string   `json:"last_poll_at,omitempty" format:"date-time"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

// SuccessRate derives completed/(completed+failed) from the counters so a
// stored value can never disagree with them. No history counts as 1.0.
func (a Agent) SuccessRate() float64 {
	total := a.TasksCompleted + a.TasksFailed
	if total == 0 {
		return 1.0
	}
	return float64(a.TasksCompleted) / float64(total)
}

// TypeProfile is one row of the static agent-type table: the capability labels
// an agent of that type advertises and the keyword patterns that pull work
// toward it. Rank breaks scoring ties (lower wins).
type TypeProfile struct {
	Type         string   `json:"type"`
	Rank         int      `json:"rank"`
	Capabilities []string `json:"capabilities"`
	Keywords     []string `json:"keywords"`
}

type WebhookConfig struct {
	AgentID           string            `json:"agent_id"`
	ProjectID         string            `json:"project_id"`
	URL               string            `json:"url"`
	Secret            string            `json:"secret,omitempty"`
	Enabled           bool              `json:"enabled"`
	Events            []string          `json:"events,omitempty"`
	MaxAttempts       int               `json:"max_attempts"`
	BackoffMultiplier float64           `json:"backoff_multiplier"`
	InitialDelayMS    int               `json:"initial_delay_ms"`
	Headers           map[string]string `json:"headers,omitempty"`
	TimeoutSeconds    int               `json:"timeout_seconds"`
	CreatedAt         string            `json:"created_at" format:"date-time"`
	UpdatedAt         string            `json:"updated_at" format:"date-time"`
}

// SubscribesTo reports whether the configuration wants the named event.
// An empty subscription set means all events.
func (w WebhookConfig) SubscribesTo(event string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

type DeliveryAttempt struct {
	ID          string `json:"id"`
	AgentID     string `json:"agent_id"`
	ProjectID   string `json:"project_id"`
	Event       string `json:"event"`
	Payload     string `json:"payload"`
	Attempt     int    `json:"attempt"`
	NextRetryAt string `json:"next_retry_at,omitempty"`
	Status      string `json:"status" enum:"pending,in_flight,succeeded,failed"`
	LastError   string `json:"last_error,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Message struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	ProjectID string `json:"project_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Type      string `json:"type"`
	Payload   string `json:"payload"`
	Priority  string `json:"priority,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	ExpiresAt string `json:"expires_at,omitempty" format:"date-time"`
}

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

type Alert struct {
	Severity  string  `json:"severity" enum:"info,warning,critical"`
	Kind      string  `json:"kind"`
	Message   string  `json:"message"`
	AgentType string  `json:"agent_type,omitempty"`
	Value     float64 `json:"value,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Bottleneck struct {
	Type        string  `json:"type"`
	Utilization float64 `json:"utilization"`
	Queued      int     `json:"queued"`
	InProgress  int     `json:"in_progress"`
	IdleAgents  int     `json:"idle_agents"`
	TotalAgents int     `json:"total_agents"`
}

type SpawnRecommendation struct {
	Type       string `json:"type"`
	Additional int    `json:"additional"`
	Reason     string `json:"reason"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type KnowledgeEntry struct {
	ID        string   `json:"id"`
	ProjectID string   `json:"project_id"`
	TaskID    string   `json:"task_id,omitempty"`
	AgentID   string   `json:"agent_id,omitempty"`
	Summary   string   `json:"summary"`
	Files     []string `json:"files,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type CostEntry struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	TaskID    string  `json:"task_id,omitempty"`
	AgentID   string  `json:"agent_id,omitempty"`
	AmountUSD float64 `json:"amount_usd"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}
