package repo

import (
	"context"
	"database/sql"

	"agentboard/internal/domain"
)

func scanEvent(scan func(...any) error) (domain.Event, error) {
	var e domain.Event
	var projectID, entityID sql.NullString
	err := scan(&e.ID, &e.TS, &e.Type, &projectID, &e.EntityKind, &entityID, &e.ActorID, &e.Payload)
	if err != nil {
		return e, err
	}
	if projectID.Valid {
		e.ProjectID = projectID.String
	}
	if entityID.Valid {
		e.EntityID = entityID.String
	}
	return e, nil
}

// EventsAfter returns events with id greater than after, oldest first.
func (r Repo) EventsAfter(ctx context.Context, projectID string, after int64, limit int) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json
FROM events WHERE project_id=? AND id > ? ORDER BY id ASC LIMIT ?`, projectID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns the most recent events, newest first.
func (r Repo) LatestEvents(ctx context.Context, projectID string, limit int) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json
FROM events WHERE project_id=? ORDER BY id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
