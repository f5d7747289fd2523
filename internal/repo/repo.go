package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"agentboard/internal/domain"
)

// Repo is the persistence layer. All orchestration state (tasks, agents,
// webhook configurations, delivery attempts, messages) lives here so it
// survives restarts and is shared by concurrent instances.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,description,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Status, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const taskColumns = `id,project_id,title,COALESCE(description,''),COALESCE(prompt,''),assigned_to,COALESCE(assigned_type,''),priority,status,blocked_reason,started_at,completed_at,created_at,updated_at`

func scanTask(scan func(...any) error) (domain.Task, error) {
	var t domain.Task
	var blockedReason, startedAt, completedAt sql.NullString
	err := scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Prompt, &t.AssignedTo, &t.AssignedType,
		&t.Priority, &t.Status, &blockedReason, &startedAt, &completedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	if blockedReason.Valid {
		t.BlockedReason = &blockedReason.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(id,project_id,title,description,prompt,assigned_to,assigned_type,priority,status,blocked_reason,started_at,completed_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), nullable(t.Prompt), t.AssignedTo, nullable(t.AssignedType),
		t.Priority, t.Status, nullableStringPtr(t.BlockedReason), nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt),
		t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

type TaskFilters struct {
	ProjectID  string
	Status     string
	AssignedTo string
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY priority ASC, created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListStuckTasks returns in-progress tasks whose started timestamp is older
// than cutoff.
func (r Repo) ListStuckTasks(ctx context.Context, projectID, cutoff string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE project_id=? AND status=? AND started_at IS NOT NULL AND started_at < ?
ORDER BY started_at ASC`, projectID, domain.TaskStatusInProgress, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ClaimTaskForAssignment transitions a task out of {todo, blocked} into
// in_progress for the given agent. The conditional update is the mutual
// exclusion point: when two callers race, exactly one sees a row affected
// and the loser must treat the task as already taken.
func (r Repo) ClaimTaskForAssignment(ctx context.Context, taskID, agentID, agentType, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks
SET assigned_to=?, assigned_type=?, status=?, blocked_reason=NULL,
    started_at=?, updated_at=?
WHERE id=? AND status IN (?,?)`,
		agentID, agentType, domain.TaskStatusInProgress, now, now,
		taskID, domain.TaskStatusTodo, domain.TaskStatusBlocked)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReassignTask moves an in-progress task to a new agent, refreshing the
// started timestamp so an immediately following sweep does not reprocess it.
func (r Repo) ReassignTask(ctx context.Context, taskID, agentID, agentType, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks
SET assigned_to=?, assigned_type=?, status=?, blocked_reason=NULL, started_at=?, updated_at=?
WHERE id=? AND status=?`,
		agentID, agentType, domain.TaskStatusInProgress, now, now,
		taskID, domain.TaskStatusInProgress)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompleteTask marks an in-progress task done. Returns false when the task
// was not in progress (for example a duplicate callback).
func (r Repo) CompleteTask(ctx context.Context, taskID, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks
SET status=?, completed_at=?, blocked_reason=NULL, updated_at=?
WHERE id=? AND status=?`,
		domain.TaskStatusDone, now, now, taskID, domain.TaskStatusInProgress)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// BlockTask moves a task to blocked with a reason. fromStatus guards the
// transition; pass the status the caller observed.
func (r Repo) BlockTask(ctx context.Context, taskID, reason, fromStatus, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks
SET status=?, blocked_reason=?, assigned_to=?, assigned_type=NULL, updated_at=?
WHERE id=? AND status=?`,
		domain.TaskStatusBlocked, reason, domain.Unassigned, now, taskID, fromStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailTask moves an in-progress task to blocked keeping the assignment
// fields for diagnosis.
func (r Repo) FailTask(ctx context.Context, taskID, reason, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks
SET status=?, blocked_reason=?, updated_at=?
WHERE id=? AND status=?`,
		domain.TaskStatusBlocked, reason, now, taskID, domain.TaskStatusInProgress)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func marshalStrings(in []string) any {
	if len(in) == 0 {
		return nil
	}
	b, _ := json.Marshal(in)
	return string(b)
}

func unmarshalStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(raw.String), &out)
	return out
}

// TimeFormat is fixed-width RFC 3339 with milliseconds so stored timestamps
// compare correctly as strings in SQL.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders timestamps the way every table stores them.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime reads timestamps written by FormatTime (and plain RFC3339).
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
