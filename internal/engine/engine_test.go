package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"secretvault/internal/cipher"
	"secretvault/internal/db"
	"secretvault/internal/domain"
	"secretvault/internal/engine"
	"secretvault/internal/migrate"
	"secretvault/internal/repo"
)

const testMasterKey = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Team    domain.Team
	Project domain.Project
	EnvID   string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	c, err := cipher.New(testMasterKey)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	eng := engine.New(conn, c)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	team, err := eng.CreateTeam(ctx, "Platform", "", "alice")
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	project, envs, err := eng.CreateProject(ctx, team.ID, "Billing", "", "alice")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if len(envs) != 3 {
		t.Fatalf("expected 3 default environments, got %d", len(envs))
	}
	return testEnv{Engine: eng, Ctx: ctx, Team: team, Project: project, EnvID: envs[0].ID}
}

func (env testEnv) createSecret(t *testing.T, key, value string) domain.Secret {
	t.Helper()
	s, err := env.Engine.CreateSecret(env.Ctx, engine.SecretCreateOptions{
		EnvironmentID: env.EnvID,
		ProjectID:     env.Project.ID,
		Key:           key,
		Value:         value,
		IsSensitive:   true,
		ActorID:       "alice",
	})
	if err != nil {
		t.Fatalf("create secret %s: %v", key, err)
	}
	return s
}

func TestCreateSecretKeyValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateSecret(env.Ctx, engine.SecretCreateOptions{
		EnvironmentID: env.EnvID, ProjectID: env.Project.ID,
		Key: "db_password", Value: "x", ActorID: "alice",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for lowercase key, got %v", err)
	}
	env.createSecret(t, "DB_PASSWORD", "x")
	env.createSecret(t, "DB_PASSWORD_2", "y")
}

func TestCreateSecretDuplicateKey(t *testing.T) {
	env := newTestEnv(t)
	env.createSecret(t, "API_KEY", "one")
	_, err := env.Engine.CreateSecret(env.Ctx, engine.SecretCreateOptions{
		EnvironmentID: env.EnvID, ProjectID: env.Project.ID,
		Key: "API_KEY", Value: "two", ActorID: "alice",
	})
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestGetSecretRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.createSecret(t, "TOKEN", "s3cr3t")
	s, found, err := env.Engine.GetSecret(env.Ctx, env.EnvID, env.Project.ID, "TOKEN")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if !found {
		t.Fatalf("expected secret to exist")
	}
	if s.Value != "s3cr3t" {
		t.Fatalf("decrypted value mismatch: %q", s.Value)
	}
	_, found, err = env.Engine.GetSecret(env.Ctx, env.EnvID, env.Project.ID, "MISSING")
	if err != nil || found {
		t.Fatalf("expected missing secret without error, found=%v err=%v", found, err)
	}
}

func TestGetSecretsOrderedByKey(t *testing.T) {
	env := newTestEnv(t)
	env.createSecret(t, "ZULU", "z")
	env.createSecret(t, "ALPHA", "a")
	env.createSecret(t, "MIKE", "m")
	secrets, err := env.Engine.GetSecrets(env.Ctx, env.EnvID, env.Project.ID, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var keys []string
	for _, s := range secrets {
		keys = append(keys, s.Key)
	}
	if strings.Join(keys, ",") != "ALPHA,MIKE,ZULU" {
		t.Fatalf("unexpected order: %v", keys)
	}
	if secrets[0].Value != "a" {
		t.Fatalf("expected decrypted values, got %q", secrets[0].Value)
	}
}

func TestCrossProjectDecryptFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	env.createSecret(t, "KEY", "value")
	other, _, err := env.Engine.CreateProject(env.Ctx, env.Team.ID, "Other", "", "alice")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	_, err = env.Engine.GetSecrets(env.Ctx, env.EnvID, other.ID, true)
	var ie cipher.IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IntegrityError under wrong project id, got %v", err)
	}
}

func TestUpdateSecretVersioningAndHistory(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSecret(t, "DB_URL", "v1")
	firstCipher := created.Encrypted.Ciphertext

	v2 := "v2"
	updated, err := env.Engine.UpdateSecret(env.Ctx, engine.SecretUpdateOptions{
		EnvironmentID: env.EnvID, ProjectID: env.Project.ID, Key: "DB_URL",
		Value: &v2, ActorID: "bob",
	})
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if updated.Version != 2 || updated.Value != "v2" {
		t.Fatalf("after first update: version=%d value=%q", updated.Version, updated.Value)
	}
	secondCipher := updated.Encrypted.Ciphertext

	v3 := "v3"
	updated, err = env.Engine.UpdateSecret(env.Ctx, engine.SecretUpdateOptions{
		EnvironmentID: env.EnvID, ProjectID: env.Project.ID, Key: "DB_URL",
		Value: &v3, ActorID: "bob",
	})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if updated.Version != 3 {
		t.Fatalf("expected version 3, got %d", updated.Version)
	}

	history, err := env.Engine.GetSecretHistory(env.Ctx, created.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(history))
	}
	if history[0].Version != 2 || history[1].Version != 1 {
		t.Fatalf("expected descending versions 2,1; got %d,%d", history[0].Version, history[1].Version)
	}
	if history[1].Encrypted.Ciphertext != firstCipher {
		t.Fatalf("version 1 snapshot does not hold the pre-update ciphertext")
	}
	if history[0].Encrypted.Ciphertext != secondCipher {
		t.Fatalf("version 2 snapshot does not hold the pre-update ciphertext")
	}
}

func TestUpdateSecretMetadataOnlyKeepsVersion(t *testing.T) {
	env := newTestEnv(t)
	env.createSecret(t, "KEY", "value")
	desc := "rotated quarterly"
	sensitive := false
	updated, err := env.Engine.UpdateSecret(env.Ctx, engine.SecretUpdateOptions{
		EnvironmentID: env.EnvID, ProjectID: env.Project.ID, Key: "KEY",
		Description: &desc, IsSensitive: &sensitive, ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 1 {
		t.Fatalf("metadata update must not bump version, got %d", updated.Version)
	}
	if updated.Description != desc || updated.IsSensitive {
		t.Fatalf("metadata not applied: %+v", updated)
	}
	history, err := env.Engine.GetSecretHistory(env.Ctx, updated.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("metadata update must not append history, got %d rows", len(history))
	}
}

func TestUpdateSecretExpectedVersionMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.createSecret(t, "KEY", "value")
	stale := 5
	v := "new"
	_, err := env.Engine.UpdateSecret(env.Ctx, engine.SecretUpdateOptions{
		EnvironmentID: env.EnvID, ProjectID: env.Project.ID, Key: "KEY",
		Value: &v, ExpectedVersion: &stale, ActorID: "alice",
	})
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError on version mismatch, got %v", err)
	}
	// nothing changed
	s, _, err := env.Engine.GetSecret(env.Ctx, env.EnvID, env.Project.ID, "KEY")
	if err != nil {
		t.Fatal(err)
	}
	if s.Version != 1 || s.Value != "value" {
		t.Fatalf("conflicting update must leave the row untouched: %+v", s)
	}
	history, _ := env.Engine.GetSecretHistory(env.Ctx, s.ID)
	if len(history) != 0 {
		t.Fatalf("conflicting update must not leave history rows, got %d", len(history))
	}
}

func TestUpdateSecretNotFound(t *testing.T) {
	env := newTestEnv(t)
	v := "x"
	_, err := env.Engine.UpdateSecret(env.Ctx, engine.SecretUpdateOptions{
		EnvironmentID: env.EnvID, ProjectID: env.Project.ID, Key: "MISSING",
		Value: &v, ActorID: "alice",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteSecret(t *testing.T) {
	env := newTestEnv(t)
	env.createSecret(t, "KEY", "value")
	if err := env.Engine.DeleteSecret(env.Ctx, env.EnvID, "KEY"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := env.Engine.DeleteSecret(env.Ctx, env.EnvID, "KEY"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestExportEnv(t *testing.T) {
	env := newTestEnv(t)
	env.createSecret(t, "B_KEY", "two")
	env.createSecret(t, "A_KEY", "one")
	out, err := env.Engine.ExportEnv(env.Ctx, env.EnvID, env.Project.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if out != "A_KEY=one\nB_KEY=two" {
		t.Fatalf("unexpected export:\n%s", out)
	}
}

func TestImportEnvIdempotent(t *testing.T) {
	env := newTestEnv(t)
	content := "# comment line\nDB_HOST=localhost\n\nDB_PORT=5432\nbadkey=skipped\nDB_NAME=app\n"
	n, err := env.Engine.ImportEnv(env.Ctx, env.EnvID, env.Project.ID, content, "alice")
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 imported, got %d", n)
	}
	n, err = env.Engine.ImportEnv(env.Ctx, env.EnvID, env.Project.ID, content, "alice")
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 on re-import, got %d", n)
	}
	s, found, _ := env.Engine.GetSecret(env.Ctx, env.EnvID, env.Project.ID, "DB_PORT")
	if !found || s.Value != "5432" || !s.IsSensitive {
		t.Fatalf("imported secret wrong: found=%v %+v", found, s)
	}
}

func TestLastOwnerCannotBeDemotedOrRemoved(t *testing.T) {
	env := newTestEnv(t)
	var ce engine.ConflictError
	if err := env.Engine.UpdateTeamMemberRole(env.Ctx, env.Team.ID, "alice", domain.RoleAdmin); !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError on demoting last owner, got %v", err)
	}
	if err := env.Engine.RemoveTeamMember(env.Ctx, env.Team.ID, "alice"); !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError on removing last owner, got %v", err)
	}
	// with a second owner both mutations succeed
	if _, err := env.Engine.AddTeamMember(env.Ctx, env.Team.ID, "bob", domain.RoleOwner); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := env.Engine.UpdateTeamMemberRole(env.Ctx, env.Team.ID, "alice", domain.RoleMember); err != nil {
		t.Fatalf("demote with second owner: %v", err)
	}
	members, err := env.Engine.Repo.ListTeamMembers(env.Ctx, env.Team.ID)
	if err != nil {
		t.Fatal(err)
	}
	owners := 0
	for _, m := range members {
		if m.Role == domain.RoleOwner {
			owners++
		}
	}
	if owners < 1 {
		t.Fatalf("team lost its last owner")
	}
	if err := env.Engine.RemoveTeamMember(env.Ctx, env.Team.ID, "bob"); !errors.As(err, &ce) {
		t.Fatalf("bob is now the last owner; removal must fail, got %v", err)
	}
}

func TestAddTeamMemberDuplicate(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AddTeamMember(env.Ctx, env.Team.ID, "bob", domain.RoleViewer); err != nil {
		t.Fatalf("add: %v", err)
	}
	var ce engine.ConflictError
	if _, err := env.Engine.AddTeamMember(env.Ctx, env.Team.ID, "bob", domain.RoleAdmin); !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError for duplicate membership, got %v", err)
	}
}

func TestCreateProjectDuplicateSlug(t *testing.T) {
	env := newTestEnv(t)
	var ce engine.ConflictError
	if _, _, err := env.Engine.CreateProject(env.Ctx, env.Team.ID, "Billing", "", "alice"); !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	env := newTestEnv(t)
	env.createSecret(t, "KEY", "value")
	if err := env.Engine.DeleteProject(env.Ctx, env.Project.ID); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	if _, err := env.Engine.Repo.GetProject(env.Ctx, env.Project.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected project gone, got %v", err)
	}
	if _, err := env.Engine.Repo.GetEnvironment(env.Ctx, env.EnvID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected environments to cascade, got %v", err)
	}
	if _, err := env.Engine.Repo.GetSecret(env.Ctx, env.EnvID, "KEY"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected secrets to cascade, got %v", err)
	}
	if err := env.Engine.DeleteProject(env.Ctx, env.Project.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestDeleteTeamCascades(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.DeleteTeam(env.Ctx, env.Team.ID); err != nil {
		t.Fatalf("delete team: %v", err)
	}
	if _, err := env.Engine.Repo.GetTeam(env.Ctx, env.Team.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected team gone, got %v", err)
	}
	if _, err := env.Engine.Repo.GetProject(env.Ctx, env.Project.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected projects to cascade, got %v", err)
	}
	if _, err := env.Engine.Repo.GetTeamMember(env.Ctx, env.Team.ID, "alice"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected memberships to cascade, got %v", err)
	}
}

func TestUniqueViolationDetection(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSecret(t, "KEY", "value")

	// A second insert under a fresh id hits the (environment_id, key)
	// constraint, the path taken when two creators race past the
	// existence check.
	dup := created
	dup.ID = created.ID + "-dup"
	err := env.Engine.Repo.InsertSecret(env.Ctx, dup)
	if err == nil {
		t.Fatal("expected duplicate insert to fail")
	}
	if !repo.IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	member := domain.TeamMember{TeamID: env.Team.ID, UserID: "alice", Role: domain.RoleViewer, CreatedAt: "2024-01-01T00:00:00Z"}
	err = env.Engine.Repo.InsertTeamMemberTx(env.Ctx, tx, member)
	if !repo.IsUniqueViolation(err) {
		t.Fatalf("expected primary key violation for duplicate membership, got %v", err)
	}

	if repo.IsUniqueViolation(repo.ErrNotFound) {
		t.Fatal("unrelated errors must not look like unique violations")
	}
}

func TestAPITokenRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	tok, plaintext, err := env.Engine.CreateAPIToken(env.Ctx, env.Project.ID, nil, "ci", "alice")
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	if !strings.HasPrefix(plaintext, "sv_") {
		t.Fatalf("token missing prefix: %q", plaintext)
	}
	got, err := env.Engine.Repo.GetAPITokenByHash(env.Ctx, repo.HashAPIToken(plaintext))
	if err != nil {
		t.Fatalf("lookup by hash: %v", err)
	}
	if got.ID != tok.ID || got.ProjectID != env.Project.ID {
		t.Fatalf("token mismatch: %+v", got)
	}
}
