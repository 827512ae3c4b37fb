package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"secretvault/internal/domain"
)

// HashAPIToken returns a stable SHA-256 hex digest for the provided token.
func HashAPIToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIToken stores a hashed API token. TokenHash must already contain
// the hashed value; the opaque token itself is never persisted.
func (r Repo) InsertAPIToken(ctx context.Context, t domain.APIToken) error {
	if t.ID == "" {
		return errors.New("id required")
	}
	if t.ProjectID == "" {
		return errors.New("project_id required")
	}
	if t.TokenHash == "" {
		return errors.New("token_hash required")
	}
	var envID any
	if t.EnvironmentID != nil {
		envID = *t.EnvironmentID
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_tokens(id, project_id, environment_id, name, token_hash, created_by, created_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, envID, nullable(t.Name), t.TokenHash, nullable(t.CreatedBy), t.CreatedAt)
	return err
}

// GetAPITokenByHash returns an API token by its hashed value.
func (r Repo) GetAPITokenByHash(ctx context.Context, hash string) (domain.APIToken, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, project_id, environment_id, COALESCE(name,''), token_hash, COALESCE(created_by,''), created_at
FROM api_tokens WHERE token_hash=? LIMIT 1`, hash)
	var t domain.APIToken
	var envID sql.NullString
	err := row.Scan(&t.ID, &t.ProjectID, &envID, &t.Name, &t.TokenHash, &t.CreatedBy, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.APIToken{}, ErrNotFound
	}
	if err != nil {
		return domain.APIToken{}, err
	}
	if envID.Valid {
		t.EnvironmentID = &envID.String
	}
	return t, nil
}

// ListAPITokens returns tokens for a project.
func (r Repo) ListAPITokens(ctx context.Context, projectID string) ([]domain.APIToken, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, project_id, environment_id, COALESCE(name,''), token_hash, COALESCE(created_by,''), created_at
FROM api_tokens WHERE project_id=? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tokens []domain.APIToken
	for rows.Next() {
		var t domain.APIToken
		var envID sql.NullString
		if err := rows.Scan(&t.ID, &t.ProjectID, &envID, &t.Name, &t.TokenHash, &t.CreatedBy, &t.CreatedAt); err != nil {
			return nil, err
		}
		if envID.Valid {
			t.EnvironmentID = &envID.String
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// DeleteAPIToken deletes an API token by ID.
func (r Repo) DeleteAPIToken(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_tokens WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
