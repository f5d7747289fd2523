package repo

import (
	"context"
	"database/sql"

	"agentboard/internal/domain"
)

const messageColumns = `seq,id,project_id,from_id,to_id,type,payload_json,priority,expires_at,created_at`

func scanMessage(scan func(...any) error) (domain.Message, error) {
	var m domain.Message
	var priority, expires sql.NullString
	err := scan(&m.Seq, &m.ID, &m.ProjectID, &m.From, &m.To, &m.Type,
		&m.Payload, &priority, &expires, &m.CreatedAt)
	if err != nil {
		return m, err
	}
	if priority.Valid {
		m.Priority = priority.String
	}
	if expires.Valid {
		m.ExpiresAt = expires.String
	}
	return m, nil
}

func (r Repo) InsertMessage(ctx context.Context, m domain.Message) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO messages(id,project_id,from_id,to_id,type,payload_json,priority,expires_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.From, m.To, m.Type, m.Payload, m.Priority,
		nullable(m.ExpiresAt), m.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PollMessages returns the backlog for a recipient in arrival order and
// deletes what it returned, so each message is consumed exactly once.
// Expired messages are purged rather than delivered.
func (r Repo) PollMessages(ctx context.Context, projectID, toID, now string, limit int) ([]domain.Message, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at <= ?`, now); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
WHERE project_id=? AND to_id=? ORDER BY seq ASC LIMIT ?`, projectID, toID, limit)
	if err != nil {
		return nil, err
	}
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, m := range res {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE seq=?`, m.Seq); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

// PendingMessageCount reports held messages for a recipient, without consuming.
func (r Repo) PendingMessageCount(ctx context.Context, projectID, toID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE project_id=? AND to_id=?`,
		projectID, toID).Scan(&n)
	return n, err
}

// PurgeExpiredMessages removes messages past their TTL.
func (r Repo) PurgeExpiredMessages(ctx context.Context, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
