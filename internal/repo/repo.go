package repo

import (
	"context"
	"database/sql"
	"errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"secretvault/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// IsUniqueViolation reports whether err is a SQLite unique-constraint
// failure. Concurrent writers can race past an existence pre-check and hit
// the constraint instead; callers map this onto their conflict error.
func IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

const secretColumns = `id, environment_id, key, encrypted_value, iv, auth_tag, COALESCE(description,'') AS description, is_sensitive, version, COALESCE(created_by,'') AS created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSecret(row rowScanner) (domain.Secret, error) {
	var s domain.Secret
	err := row.Scan(&s.ID, &s.EnvironmentID, &s.Key,
		&s.Encrypted.Ciphertext, &s.Encrypted.IV, &s.Encrypted.AuthTag,
		&s.Description, &s.IsSensitive, &s.Version, &s.CreatedBy,
		&s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) InsertSecret(ctx context.Context, s domain.Secret) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO secrets(id,environment_id,key,encrypted_value,iv,auth_tag,description,is_sensitive,version,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.EnvironmentID, s.Key, s.Encrypted.Ciphertext, s.Encrypted.IV, s.Encrypted.AuthTag,
		nullable(s.Description), s.IsSensitive, s.Version, nullable(s.CreatedBy), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSecret(ctx context.Context, environmentID, key string) (domain.Secret, error) {
	return scanSecret(r.DB.QueryRowContext(ctx,
		`SELECT `+secretColumns+` FROM secrets WHERE environment_id=? AND key=?`, environmentID, key))
}

// GetSecretTx reads a secret inside an open transaction, for the
// read-modify-write update path.
func (r Repo) GetSecretTx(ctx context.Context, tx *sql.Tx, environmentID, key string) (domain.Secret, error) {
	return scanSecret(tx.QueryRowContext(ctx,
		`SELECT `+secretColumns+` FROM secrets WHERE environment_id=? AND key=?`, environmentID, key))
}

func (r Repo) ListSecrets(ctx context.Context, environmentID string) ([]domain.Secret, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+secretColumns+` FROM secrets WHERE environment_id=? ORDER BY key`, environmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Secret
	for rows.Next() {
		s, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SecretPatch enumerates the optional fields of a secret update. Each
// present field maps to exactly one column assignment; absent fields are
// passed as NULL and left untouched via COALESCE, so no SQL is assembled
// at runtime.
type SecretPatch struct {
	Encrypted   *domain.EncryptedValue
	Description *string
	IsSensitive *bool
	UpdatedAt   string
}

// UpdateSecretTx applies a patch to a secret row. The version is bumped by
// exactly one when the patch carries a new encrypted value.
func (r Repo) UpdateSecretTx(ctx context.Context, tx *sql.Tx, environmentID, key string, patch SecretPatch) error {
	var ciphertext, iv, authTag any
	bump := 0
	if patch.Encrypted != nil {
		ciphertext = patch.Encrypted.Ciphertext
		iv = patch.Encrypted.IV
		authTag = patch.Encrypted.AuthTag
		bump = 1
	}
	var description any
	if patch.Description != nil {
		description = *patch.Description
	}
	var isSensitive any
	if patch.IsSensitive != nil {
		isSensitive = *patch.IsSensitive
	}
	res, err := tx.ExecContext(ctx, `UPDATE secrets SET
encrypted_value=COALESCE(?, encrypted_value),
iv=COALESCE(?, iv),
auth_tag=COALESCE(?, auth_tag),
description=COALESCE(?, description),
is_sensitive=COALESCE(?, is_sensitive),
version=version+?,
updated_at=?
WHERE environment_id=? AND key=?`,
		ciphertext, iv, authTag, description, isSensitive, bump, patch.UpdatedAt, environmentID, key)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteSecret(ctx context.Context, environmentID, key string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM secrets WHERE environment_id=? AND key=?`, environmentID, key)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertSecretVersionTx appends a pre-update snapshot to the history.
func (r Repo) InsertSecretVersionTx(ctx context.Context, tx *sql.Tx, v domain.SecretVersion) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO secret_history(id,secret_id,encrypted_value,iv,auth_tag,version,changed_by,changed_at)
VALUES (?,?,?,?,?,?,?,?)`,
		v.ID, v.SecretID, v.Encrypted.Ciphertext, v.Encrypted.IV, v.Encrypted.AuthTag,
		v.Version, nullable(v.ChangedBy), v.ChangedAt)
	return err
}

func (r Repo) ListSecretHistory(ctx context.Context, secretID string) ([]domain.SecretVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, secret_id, encrypted_value, iv, auth_tag, version, COALESCE(changed_by,''), changed_at
FROM secret_history WHERE secret_id=? ORDER BY version DESC`, secretID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SecretVersion
	for rows.Next() {
		var v domain.SecretVersion
		if err := rows.Scan(&v.ID, &v.SecretID, &v.Encrypted.Ciphertext, &v.Encrypted.IV, &v.Encrypted.AuthTag,
			&v.Version, &v.ChangedBy, &v.ChangedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
