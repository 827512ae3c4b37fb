package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"secretvault/internal/domain"
	"secretvault/internal/repo"
)

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(text string) string {
	slug := strings.ToLower(text)
	slug = slugStrip.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "team-" + uuid.NewString()[:8]
	}
	return slug
}

// CreateTeam creates a team and adds the creator as its first owner in the
// same transaction, so a team is never observable without an owner.
func (e Engine) CreateTeam(ctx context.Context, name, description, actorID string) (domain.Team, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Team{}, ValidationError{Msg: "team name is required"}
	}
	slug := slugify(name)
	_, err := e.Repo.GetTeamBySlug(ctx, slug)
	if err == nil {
		return domain.Team{}, ConflictError{Msg: "a team with this name already exists"}
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Team{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Team{}, err
	}
	defer tx.Rollback()

	now := e.nowString()
	t := domain.Team{
		ID:          uuid.NewString(),
		Name:        name,
		Slug:        slug,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertTeamTx(ctx, tx, t); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Team{}, ConflictError{Msg: "a team with this name already exists"}
		}
		return domain.Team{}, fmt.Errorf("insert team: %w", err)
	}
	owner := domain.TeamMember{
		TeamID:    t.ID,
		UserID:    actorID,
		Role:      domain.RoleOwner,
		CreatedAt: now,
	}
	if err := e.Repo.InsertTeamMemberTx(ctx, tx, owner); err != nil {
		return domain.Team{}, fmt.Errorf("insert owner membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Team{}, err
	}
	return t, nil
}

// AddTeamMember adds a user to a team with the given role.
func (e Engine) AddTeamMember(ctx context.Context, teamID, userID string, role domain.TeamRole) (domain.TeamMember, error) {
	if _, ok := domain.TeamRoleLevel[role]; !ok {
		return domain.TeamMember{}, ValidationError{Msg: fmt.Sprintf("invalid team role %q", role)}
	}
	if _, err := e.Repo.GetTeam(ctx, teamID); err != nil {
		return domain.TeamMember{}, err
	}
	_, err := e.Repo.GetTeamMember(ctx, teamID, userID)
	if err == nil {
		return domain.TeamMember{}, ConflictError{Msg: "user is already a member of this team"}
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.TeamMember{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TeamMember{}, err
	}
	defer tx.Rollback()

	m := domain.TeamMember{
		TeamID:    teamID,
		UserID:    userID,
		Role:      role,
		CreatedAt: e.nowString(),
	}
	if err := e.Repo.InsertTeamMemberTx(ctx, tx, m); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.TeamMember{}, ConflictError{Msg: "user is already a member of this team"}
		}
		return domain.TeamMember{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TeamMember{}, err
	}
	return m, nil
}

// UpdateTeamMemberRole changes a member's role, refusing to demote a team's
// last owner. The check and the write share one transaction.
func (e Engine) UpdateTeamMemberRole(ctx context.Context, teamID, userID string, newRole domain.TeamRole) error {
	if _, ok := domain.TeamRoleLevel[newRole]; !ok {
		return ValidationError{Msg: fmt.Sprintf("invalid team role %q", newRole)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetTeamMemberTx(ctx, tx, teamID, userID)
	if err != nil {
		return err
	}
	if current.Role == domain.RoleOwner && newRole != domain.RoleOwner {
		others, err := e.Repo.CountTeamOwnersTx(ctx, tx, teamID, userID)
		if err != nil {
			return err
		}
		if others == 0 {
			return ConflictError{Msg: "cannot demote the last owner"}
		}
	}
	if err := e.Repo.UpdateTeamMemberRoleTx(ctx, tx, teamID, userID, newRole); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveTeamMember deletes a membership, refusing to remove a team's last
// owner.
func (e Engine) RemoveTeamMember(ctx context.Context, teamID, userID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetTeamMemberTx(ctx, tx, teamID, userID)
	if err != nil {
		return err
	}
	if current.Role == domain.RoleOwner {
		owners, err := e.Repo.CountTeamOwnersTx(ctx, tx, teamID, "")
		if err != nil {
			return err
		}
		if owners <= 1 {
			return ConflictError{Msg: "cannot remove the last owner"}
		}
	}
	if err := e.Repo.DeleteTeamMemberTx(ctx, tx, teamID, userID); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteTeam removes a team. Projects, environments, secrets, memberships,
// and tokens cascade with it.
func (e Engine) DeleteTeam(ctx context.Context, teamID string) error {
	return e.Repo.DeleteTeam(ctx, teamID)
}

// CreateProject creates a project and its default environments in one
// transaction.
func (e Engine) CreateProject(ctx context.Context, teamID, name, description, actorID string) (domain.Project, []domain.Environment, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Project{}, nil, ValidationError{Msg: "project name is required"}
	}
	if _, err := e.Repo.GetTeam(ctx, teamID); err != nil {
		return domain.Project{}, nil, err
	}
	slug := slugify(name)
	_, err := e.Repo.GetProjectBySlug(ctx, teamID, slug)
	if err == nil {
		return domain.Project{}, nil, ConflictError{Msg: "a project with this name already exists in this team"}
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, nil, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, nil, err
	}
	defer tx.Rollback()

	now := e.nowString()
	p := domain.Project{
		ID:          uuid.NewString(),
		TeamID:      teamID,
		Name:        name,
		Slug:        slug,
		Description: description,
		CreatedBy:   actorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Project{}, nil, ConflictError{Msg: "a project with this name already exists in this team"}
		}
		return domain.Project{}, nil, fmt.Errorf("insert project: %w", err)
	}
	envs := make([]domain.Environment, 0, len(domain.DefaultEnvironments))
	for _, def := range domain.DefaultEnvironments {
		env := domain.Environment{
			ID:         uuid.NewString(),
			ProjectID:  p.ID,
			Name:       def.Name,
			Slug:       def.Slug,
			Color:      def.Color,
			OrderIndex: def.OrderIndex,
			CreatedAt:  now,
		}
		if err := e.Repo.InsertEnvironmentTx(ctx, tx, env); err != nil {
			return domain.Project{}, nil, fmt.Errorf("insert environment %s: %w", def.Slug, err)
		}
		envs = append(envs, env)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, nil, err
	}
	return p, envs, nil
}

// DeleteProject removes a project and everything under it.
func (e Engine) DeleteProject(ctx context.Context, projectID string) error {
	return e.Repo.DeleteProject(ctx, projectID)
}

// CreateEnvironment adds an environment to a project.
func (e Engine) CreateEnvironment(ctx context.Context, projectID, name, color string) (domain.Environment, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Environment{}, ValidationError{Msg: "environment name is required"}
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Environment{}, err
	}
	slug := slugify(name)
	_, err := e.Repo.GetEnvironmentBySlug(ctx, projectID, slug)
	if err == nil {
		return domain.Environment{}, ConflictError{Msg: "an environment with this name already exists in this project"}
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Environment{}, err
	}
	existing, err := e.Repo.ListEnvironments(ctx, projectID)
	if err != nil {
		return domain.Environment{}, err
	}
	env := domain.Environment{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Name:       name,
		Slug:       slug,
		Color:      color,
		OrderIndex: len(existing),
		CreatedAt:  e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Environment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEnvironmentTx(ctx, tx, env); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Environment{}, ConflictError{Msg: "an environment with this name already exists in this project"}
		}
		return domain.Environment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Environment{}, err
	}
	return env, nil
}

// SetProjectPermission upserts an explicit permission override for a user,
// optionally scoped to one environment.
func (e Engine) SetProjectPermission(ctx context.Context, projectID, userID string, environmentID *string, permission domain.ProjectPermission) (domain.PermissionOverride, error) {
	if _, ok := domain.ProjectPermissionLevel[permission]; !ok {
		return domain.PermissionOverride{}, ValidationError{Msg: fmt.Sprintf("invalid permission %q", permission)}
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.PermissionOverride{}, err
	}
	o := domain.PermissionOverride{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		UserID:        userID,
		EnvironmentID: environmentID,
		Permission:    permission,
	}
	if err := e.Repo.UpsertPermissionOverride(ctx, o); err != nil {
		return domain.PermissionOverride{}, err
	}
	return o, nil
}

// CreateAPIToken mints an opaque project token. The plaintext token is
// returned once and only its hash is stored.
func (e Engine) CreateAPIToken(ctx context.Context, projectID string, environmentID *string, name, actorID string) (domain.APIToken, string, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.APIToken{}, "", err
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return domain.APIToken{}, "", fmt.Errorf("generate token: %w", err)
	}
	token := "sv_" + hex.EncodeToString(raw)
	t := domain.APIToken{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		EnvironmentID: environmentID,
		Name:          name,
		TokenHash:     repo.HashAPIToken(token),
		CreatedBy:     actorID,
		CreatedAt:     e.nowString(),
	}
	if err := e.Repo.InsertAPIToken(ctx, t); err != nil {
		return domain.APIToken{}, "", err
	}
	return t, token, nil
}
