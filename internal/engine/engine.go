package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"secretvault/internal/cipher"
	"secretvault/internal/domain"
	"secretvault/internal/engine/auth"
	"secretvault/internal/repo"
)

// Engine owns the secret lifecycle and the team/project lifecycle around
// it. All multi-statement operations run in a single transaction.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Auth   auth.Service
	Cipher *cipher.Engine
	Now    func() time.Time
}

func New(db *sql.DB, c *cipher.Engine) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Auth:   auth.Service{DB: db},
		Cipher: c,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// SecretCreateOptions are parameters for creating a secret.
type SecretCreateOptions struct {
	EnvironmentID string
	ProjectID     string
	Key           string
	Value         string
	Description   string
	IsSensitive   bool
	ActorID       string
}

// CreateSecret validates and encrypts a new secret at version 1. The value
// is never decrypted back on the write path.
func (e Engine) CreateSecret(ctx context.Context, opts SecretCreateOptions) (domain.Secret, error) {
	if opts.EnvironmentID == "" {
		return domain.Secret{}, ValidationError{Msg: "environment id is required"}
	}
	if opts.ProjectID == "" {
		return domain.Secret{}, ValidationError{Msg: "project id is required"}
	}
	if !domain.SecretKeyPattern.MatchString(opts.Key) {
		return domain.Secret{}, ValidationError{Msg: "secret key must start with a letter and contain only uppercase letters, numbers, and underscores"}
	}
	_, err := e.Repo.GetSecret(ctx, opts.EnvironmentID, opts.Key)
	if err == nil {
		return domain.Secret{}, ConflictError{Msg: "a secret with this key already exists in this environment"}
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Secret{}, err
	}
	encrypted, err := e.Cipher.Encrypt(opts.Value, opts.ProjectID)
	if err != nil {
		return domain.Secret{}, err
	}
	now := e.nowString()
	s := domain.Secret{
		ID:            uuid.NewString(),
		EnvironmentID: opts.EnvironmentID,
		Key:           opts.Key,
		Encrypted:     encrypted,
		Description:   opts.Description,
		IsSensitive:   opts.IsSensitive,
		Version:       1,
		CreatedBy:     opts.ActorID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertSecret(ctx, s); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Secret{}, ConflictError{Msg: "a secret with this key already exists in this environment"}
		}
		return domain.Secret{}, err
	}
	return s, nil
}

// GetSecrets lists an environment's secrets ordered by key. With
// includeValues, every value is decrypted; a non-matching or corrupted
// ciphertext fails the whole call rather than being skipped.
func (e Engine) GetSecrets(ctx context.Context, environmentID, projectID string, includeValues bool) ([]domain.Secret, error) {
	secrets, err := e.Repo.ListSecrets(ctx, environmentID)
	if err != nil {
		return nil, err
	}
	if !includeValues {
		return secrets, nil
	}
	for i := range secrets {
		plaintext, err := e.Cipher.Decrypt(secrets[i].Encrypted, projectID)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", secrets[i].Key, err)
		}
		secrets[i].Value = plaintext
	}
	return secrets, nil
}

// GetSecret looks up one secret by key and decrypts it. The second return
// is false when no such secret exists.
func (e Engine) GetSecret(ctx context.Context, environmentID, projectID, key string) (domain.Secret, bool, error) {
	s, err := e.Repo.GetSecret(ctx, environmentID, key)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Secret{}, false, nil
	}
	if err != nil {
		return domain.Secret{}, false, err
	}
	plaintext, err := e.Cipher.Decrypt(s.Encrypted, projectID)
	if err != nil {
		return domain.Secret{}, false, err
	}
	s.Value = plaintext
	return s, true, nil
}

// SecretUpdateOptions enumerate the optional fields of an update. Nil means
// "leave unchanged". ExpectedVersion, when set, must match the current row
// version or the update fails with a conflict.
type SecretUpdateOptions struct {
	EnvironmentID   string
	ProjectID       string
	Key             string
	Value           *string
	Description     *string
	IsSensitive     *bool
	ExpectedVersion *int
	ActorID         string
}

// UpdateSecret runs read, history append, and write as one transaction.
// When the value changes, the pre-update ciphertext is snapshotted into the
// history and the version is bumped by exactly one; metadata-only updates
// leave the version alone.
func (e Engine) UpdateSecret(ctx context.Context, opts SecretUpdateOptions) (domain.Secret, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Secret{}, err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetSecretTx(ctx, tx, opts.EnvironmentID, opts.Key)
	if err != nil {
		return domain.Secret{}, err
	}
	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != current.Version {
		return domain.Secret{}, ConflictError{Msg: fmt.Sprintf("secret version changed: expected %d, found %d", *opts.ExpectedVersion, current.Version)}
	}

	now := e.nowString()
	patch := repo.SecretPatch{
		Description: opts.Description,
		IsSensitive: opts.IsSensitive,
		UpdatedAt:   now,
	}
	if opts.Value != nil {
		snapshot := domain.SecretVersion{
			ID:        uuid.NewString(),
			SecretID:  current.ID,
			Encrypted: current.Encrypted,
			Version:   current.Version,
			ChangedBy: opts.ActorID,
			ChangedAt: now,
		}
		if err := e.Repo.InsertSecretVersionTx(ctx, tx, snapshot); err != nil {
			return domain.Secret{}, err
		}
		encrypted, err := e.Cipher.Encrypt(*opts.Value, opts.ProjectID)
		if err != nil {
			return domain.Secret{}, err
		}
		patch.Encrypted = &encrypted
	}
	if err := e.Repo.UpdateSecretTx(ctx, tx, opts.EnvironmentID, opts.Key, patch); err != nil {
		return domain.Secret{}, err
	}
	updated, err := e.Repo.GetSecretTx(ctx, tx, opts.EnvironmentID, opts.Key)
	if err != nil {
		return domain.Secret{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Secret{}, err
	}
	plaintext, err := e.Cipher.Decrypt(updated.Encrypted, opts.ProjectID)
	if err != nil {
		return domain.Secret{}, err
	}
	updated.Value = plaintext
	return updated, nil
}

// DeleteSecret removes a secret; history rows cascade with it.
func (e Engine) DeleteSecret(ctx context.Context, environmentID, key string) error {
	return e.Repo.DeleteSecret(ctx, environmentID, key)
}

// GetSecretHistory returns snapshots ordered by descending version.
func (e Engine) GetSecretHistory(ctx context.Context, secretID string) ([]domain.SecretVersion, error) {
	return e.Repo.ListSecretHistory(ctx, secretID)
}

// ExportEnv renders an environment's secrets as KEY=value lines. Values are
// emitted verbatim; escaping is the caller's concern.
func (e Engine) ExportEnv(ctx context.Context, environmentID, projectID string) (string, error) {
	secrets, err := e.GetSecrets(ctx, environmentID, projectID, true)
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(secrets))
	for _, s := range secrets {
		lines = append(lines, s.Key+"="+s.Value)
	}
	return strings.Join(lines, "\n"), nil
}

var envLinePattern = regexp.MustCompile(`^([A-Z][A-Z0-9_]*)=(.*)$`)

// ImportEnv creates a secret per well-formed KEY=value line, skipping blank
// lines, comments, and keys that already exist. It returns the number of
// secrets actually created. Imported values are marked sensitive.
func (e Engine) ImportEnv(ctx context.Context, environmentID, projectID, content, actorID string) (int, error) {
	imported := 0
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := envLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		_, err := e.CreateSecret(ctx, SecretCreateOptions{
			EnvironmentID: environmentID,
			ProjectID:     projectID,
			Key:           m[1],
			Value:         m[2],
			IsSensitive:   true,
			ActorID:       actorID,
		})
		if err != nil {
			var conflict ConflictError
			if errors.As(err, &conflict) {
				continue
			}
			return imported, err
		}
		imported++
	}
	return imported, nil
}
