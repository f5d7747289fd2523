package repo

import (
	"context"
	"database/sql"

	"agentboard/internal/domain"
)

// Knowledge base and cost ledger rows produced by completion callbacks.

func (r Repo) InsertKnowledgeEntry(ctx context.Context, e domain.KnowledgeEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO kb_entries(id,project_id,task_id,agent_id,summary,files_json,created_at)
VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.ProjectID, e.TaskID, e.AgentID, e.Summary, marshalStrings(e.Files), e.CreatedAt)
	return err
}

func (r Repo) ListKnowledgeEntries(ctx context.Context, projectID string, limit int) ([]domain.KnowledgeEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,task_id,agent_id,summary,files_json,created_at
FROM kb_entries WHERE project_id=? ORDER BY created_at DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.KnowledgeEntry
	for rows.Next() {
		var e domain.KnowledgeEntry
		var files sql.NullString
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.TaskID, &e.AgentID, &e.Summary, &files, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Files = unmarshalStrings(files)
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertCostEntry(ctx context.Context, e domain.CostEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO cost_entries(id,project_id,task_id,agent_id,amount_usd,created_at)
VALUES (?,?,?,?,?,?)`,
		e.ID, e.ProjectID, e.TaskID, e.AgentID, e.AmountUSD, e.CreatedAt)
	return err
}

func (r Repo) ListCostEntries(ctx context.Context, projectID string, limit int) ([]domain.CostEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,task_id,agent_id,amount_usd,created_at
FROM cost_entries WHERE project_id=? ORDER BY created_at DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CostEntry
	for rows.Next() {
		var e domain.CostEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.TaskID, &e.AgentID, &e.AmountUSD, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) ProjectCostTotal(ctx context.Context, projectID string) (float64, error) {
	var total float64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount_usd),0) FROM cost_entries WHERE project_id=?`,
		projectID).Scan(&total)
	return total, err
}
