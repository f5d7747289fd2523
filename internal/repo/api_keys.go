package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	"agentboard/internal/domain"
)

// HashAPIKey returns the hex sha256 of a raw key. Only hashes are stored.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (r Repo) InsertAPIKey(ctx context.Context, k domain.APIKey) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id,agent_id,name,key_hash,created_at)
VALUES (?,?,?,?,?)`,
		k.ID, k.AgentID, nullable(k.Name), k.KeyHash, k.CreatedAt)
	return err
}

func scanAPIKey(scan func(...any) error) (domain.APIKey, error) {
	var k domain.APIKey
	var name sql.NullString
	err := scan(&k.ID, &k.AgentID, &name, &k.KeyHash, &k.CreatedAt)
	if err != nil {
		return k, err
	}
	if name.Valid {
		k.Name = name.String
	}
	return k, nil
}

func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,agent_id,name,key_hash,created_at
FROM api_keys WHERE key_hash=?`, hash)
	k, err := scanAPIKey(row.Scan)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	return k, err
}

func (r Repo) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,agent_id,name,key_hash,created_at
FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}

func (r Repo) DeleteAPIKey(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
