package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"agentboard/internal/domain"
)

const webhookColumns = `agent_id,project_id,url,secret,enabled,events_json,max_attempts,backoff_multiplier,initial_delay_ms,headers_json,timeout_seconds,created_at,updated_at`

func scanWebhook(scan func(...any) error) (domain.WebhookConfig, error) {
	var w domain.WebhookConfig
	var events, headers sql.NullString
	var enabled int
	err := scan(&w.AgentID, &w.ProjectID, &w.URL, &w.Secret, &enabled, &events,
		&w.MaxAttempts, &w.BackoffMultiplier, &w.InitialDelayMS, &headers, &w.TimeoutSeconds,
		&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return w, err
	}
	w.Enabled = enabled != 0
	w.Events = unmarshalStrings(events)
	if headers.Valid && headers.String != "" {
		_ = json.Unmarshal([]byte(headers.String), &w.Headers)
	}
	return w, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalHeaders(h map[string]string) any {
	if len(h) == 0 {
		return nil
	}
	b, _ := json.Marshal(h)
	return string(b)
}

// UpsertWebhookConfig writes the full configuration row for an agent.
// Partial-merge semantics live in the delivery service; by the time a config
// reaches the repo it is complete.
func (r Repo) UpsertWebhookConfig(ctx context.Context, w domain.WebhookConfig) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_configs(`+webhookColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(agent_id) DO UPDATE SET
  project_id=excluded.project_id, url=excluded.url, secret=excluded.secret,
  enabled=excluded.enabled, events_json=excluded.events_json,
  max_attempts=excluded.max_attempts, backoff_multiplier=excluded.backoff_multiplier,
  initial_delay_ms=excluded.initial_delay_ms, headers_json=excluded.headers_json,
  timeout_seconds=excluded.timeout_seconds, updated_at=excluded.updated_at`,
		w.AgentID, w.ProjectID, w.URL, w.Secret, boolToInt(w.Enabled), marshalStrings(w.Events),
		w.MaxAttempts, w.BackoffMultiplier, w.InitialDelayMS, marshalHeaders(w.Headers), w.TimeoutSeconds,
		w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) GetWebhookConfig(ctx context.Context, agentID string) (domain.WebhookConfig, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhook_configs WHERE agent_id=?`, agentID)
	w, err := scanWebhook(row.Scan)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) ListWebhookConfigs(ctx context.Context, projectID string) ([]domain.WebhookConfig, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+webhookColumns+` FROM webhook_configs WHERE project_id=? ORDER BY agent_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WebhookConfig
	for rows.Next() {
		w, err := scanWebhook(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// DeleteWebhookConfig removes the row and reports whether one existed.
func (r Repo) DeleteWebhookConfig(ctx context.Context, agentID string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM webhook_configs WHERE agent_id=?`, agentID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- delivery attempts ---

const attemptColumns = `id,agent_id,project_id,event,payload_json,attempt,next_retry_at,status,last_error,created_at,updated_at`

func scanAttempt(scan func(...any) error) (domain.DeliveryAttempt, error) {
	var a domain.DeliveryAttempt
	var nextRetry, lastError sql.NullString
	err := scan(&a.ID, &a.AgentID, &a.ProjectID, &a.Event, &a.Payload, &a.Attempt,
		&nextRetry, &a.Status, &lastError, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	if nextRetry.Valid {
		a.NextRetryAt = nextRetry.String
	}
	if lastError.Valid {
		a.LastError = lastError.String
	}
	return a, nil
}

func (r Repo) InsertDeliveryAttempt(ctx context.Context, a domain.DeliveryAttempt) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO delivery_attempts(`+attemptColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.AgentID, a.ProjectID, a.Event, a.Payload, a.Attempt,
		nullable(a.NextRetryAt), a.Status, nullable(a.LastError), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetDeliveryAttempt(ctx context.Context, id string) (domain.DeliveryAttempt, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM delivery_attempts WHERE id=?`, id)
	a, err := scanAttempt(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// DueDeliveryAttempts returns pending attempts whose retry time has passed.
func (r Repo) DueDeliveryAttempts(ctx context.Context, now string, limit int) ([]domain.DeliveryAttempt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+attemptColumns+` FROM delivery_attempts
WHERE status=? AND next_retry_at <= ? ORDER BY next_retry_at ASC LIMIT ?`,
		domain.DeliveryPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListDeliveryAttempts returns an agent's attempts, newest first.
func (r Repo) ListDeliveryAttempts(ctx context.Context, agentID string, limit int) ([]domain.DeliveryAttempt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+attemptColumns+` FROM delivery_attempts
WHERE agent_id=? ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// NextDeliveryDue returns the earliest pending retry time, if any.
func (r Repo) NextDeliveryDue(ctx context.Context) (string, bool, error) {
	var next sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT MIN(next_retry_at) FROM delivery_attempts WHERE status=?`,
		domain.DeliveryPending).Scan(&next)
	if err != nil {
		return "", false, err
	}
	if !next.Valid {
		return "", false, nil
	}
	return next.String, true, nil
}

// MarkAttemptInFlight claims a pending attempt. The conditional update keeps
// retries for one attempt strictly sequential.
func (r Repo) MarkAttemptInFlight(ctx context.Context, id, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE delivery_attempts
SET status=?, updated_at=? WHERE id=? AND status=?`,
		domain.DeliveryInFlight, now, id, domain.DeliveryPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) MarkAttemptSucceeded(ctx context.Context, id string, attempt int, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE delivery_attempts
SET status=?, attempt=?, next_retry_at=NULL, last_error=NULL, updated_at=? WHERE id=?`,
		domain.DeliverySucceeded, attempt, now, id)
	return err
}

func (r Repo) RescheduleAttempt(ctx context.Context, id string, attempt int, nextRetryAt, lastError, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE delivery_attempts
SET status=?, attempt=?, next_retry_at=?, last_error=?, updated_at=? WHERE id=?`,
		domain.DeliveryPending, attempt, nextRetryAt, lastError, now, id)
	return err
}

func (r Repo) MarkAttemptFailed(ctx context.Context, id string, attempt int, lastError, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE delivery_attempts
SET status=?, attempt=?, next_retry_at=NULL, last_error=?, updated_at=? WHERE id=?`,
		domain.DeliveryFailed, attempt, lastError, now, id)
	return err
}

// CancelPendingAttempts drops scheduled retries for an agent, used when its
// configuration is disabled or deleted.
func (r Repo) CancelPendingAttempts(ctx context.Context, agentID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM delivery_attempts WHERE agent_id=? AND status=?`,
		agentID, domain.DeliveryPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountRecentDeliveryFailures counts attempts exhausted since the given time.
func (r Repo) CountRecentDeliveryFailures(ctx context.Context, projectID, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_attempts
WHERE project_id=? AND status=? AND updated_at >= ?`,
		projectID, domain.DeliveryFailed, since).Scan(&n)
	return n, err
}
