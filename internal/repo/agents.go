package repo

import (
	"context"
	"database/sql"
	"strings"

	"agentboard/internal/domain"
)

const agentColumns = `id,project_id,name,type,status,capabilities_json,tasks_completed,tasks_in_progress,tasks_failed,avg_task_seconds,last_poll_at,created_at`

func scanAgent(scan func(...any) error) (domain.Agent, error) {
	var a domain.Agent
	var caps, lastPoll sql.NullString
	err := scan(&a.ID, &a.ProjectID, &a.Name, &a.Type, &a.Status, &caps,
		&a.TasksCompleted, &a.TasksInProgress, &a.TasksFailed, &a.AvgTaskSeconds, &lastPoll, &a.CreatedAt)
	if err != nil {
		return a, err
	}
	a.Capabilities = unmarshalStrings(caps)
	if lastPoll.Valid {
		a.LastPollAt = lastPoll.String
	}
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, a domain.Agent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agents(id,project_id,name,type,status,capabilities_json,tasks_completed,tasks_in_progress,tasks_failed,avg_task_seconds,last_poll_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.Name, a.Type, a.Status, marshalStrings(a.Capabilities),
		a.TasksCompleted, a.TasksInProgress, a.TasksFailed, a.AvgTaskSeconds, nullable(a.LastPollAt), a.CreatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id)
	a, err := scanAgent(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

type AgentFilters struct {
	ProjectID string
	Type      string
	Status    string
}

func (r Repo) ListAgents(ctx context.Context, f AgentFilters) ([]domain.Agent, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAgentStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE agents SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAgentPoll refreshes the last-poll timestamp and revives an offline
// agent to idle.
func (r Repo) TouchAgentPoll(ctx context.Context, id, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE agents SET last_poll_at=?,
status = CASE WHEN status=? THEN ? ELSE status END WHERE id=?`,
		now, domain.AgentStatusOffline, domain.AgentStatusIdle, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AgentTaskStarted bumps the in-progress counter and marks the agent active.
func (r Repo) AgentTaskStarted(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE agents
SET tasks_in_progress = tasks_in_progress + 1, status=?
WHERE id=?`, domain.AgentStatusActive, id)
	return err
}

// AgentTaskCompleted settles counters after a successful completion and folds
// the task duration into the running average.
func (r Repo) AgentTaskCompleted(ctx context.Context, id string, durationSeconds float64) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE agents
SET avg_task_seconds = (avg_task_seconds * tasks_completed + ?) / (tasks_completed + 1),
    tasks_completed = tasks_completed + 1,
    tasks_in_progress = MAX(tasks_in_progress - 1, 0),
    status = CASE WHEN tasks_in_progress <= 1 THEN ? ELSE status END
WHERE id=?`, durationSeconds, domain.AgentStatusIdle, id)
	return err
}

// AgentTaskFailed settles counters after a failure or a stuck-task
// reassignment away from this agent.
func (r Repo) AgentTaskFailed(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE agents
SET tasks_failed = tasks_failed + 1,
    tasks_in_progress = MAX(tasks_in_progress - 1, 0),
    status = CASE WHEN tasks_in_progress <= 1 THEN ? ELSE status END
WHERE id=?`, domain.AgentStatusIdle, id)
	return err
}
