package auth

import (
	"context"
	"database/sql"
	"fmt"

	"secretvault/internal/domain"
)

// UnauthorizedError indicates a missing caller identity.
type UnauthorizedError struct{}

func (UnauthorizedError) Error() string { return "authentication required" }

// ForbiddenError indicates insufficient role or permission.
type ForbiddenError struct {
	Reason string
}

func (e ForbiddenError) Error() string { return e.Reason }

// BadRequestError indicates a missing required path identifier.
type BadRequestError struct {
	Field string
}

func (e BadRequestError) Error() string {
	return fmt.Sprintf("%s is required", e.Field)
}

// Service resolves effective access levels backed by SQL.
type Service struct {
	DB *sql.DB
}

// RequireTeamRole checks the caller's membership role on a team against the
// minimum of the allowed roles and returns the resolved role.
func (s Service) RequireTeamRole(ctx context.Context, callerID, teamID string, allowed ...domain.TeamRole) (domain.TeamRole, error) {
	if callerID == "" {
		return "", UnauthorizedError{}
	}
	if teamID == "" {
		return "", BadRequestError{Field: "team id"}
	}
	var role string
	err := s.DB.QueryRowContext(ctx, `SELECT role FROM team_members WHERE team_id=? AND user_id=?`, teamID, callerID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ForbiddenError{Reason: "not a member of this team"}
	}
	if err != nil {
		return "", err
	}
	userRole := domain.TeamRole(role)
	if domain.TeamRoleLevel[userRole] < minTeamLevel(allowed) {
		return "", ForbiddenError{Reason: "insufficient permissions"}
	}
	return userRole, nil
}

// RequireProjectPermission computes the caller's effective permission on a
// project (optionally scoped to an environment) and checks it against the
// minimum of the allowed permissions.
func (s Service) RequireProjectPermission(ctx context.Context, callerID, projectID, environmentID string, allowed ...domain.ProjectPermission) (domain.ProjectPermission, error) {
	if callerID == "" {
		return "", UnauthorizedError{}
	}
	if projectID == "" {
		return "", BadRequestError{Field: "project id"}
	}
	permission, err := s.ResolveProjectPermission(ctx, callerID, projectID, environmentID)
	if err != nil {
		return "", err
	}
	if domain.ProjectPermissionLevel[permission] < minPermissionLevel(allowed) {
		return "", ForbiddenError{Reason: "insufficient permissions"}
	}
	return permission, nil
}

// ResolveProjectPermission returns the effective permission: a baseline from
// the caller's team role, raised (never lowered) by an explicit override.
// An environment-scoped override wins over the project-wide one.
func (s Service) ResolveProjectPermission(ctx context.Context, callerID, projectID, environmentID string) (domain.ProjectPermission, error) {
	permission, err := s.baselinePermission(ctx, callerID, projectID)
	if err != nil {
		return "", err
	}
	override, ok, err := s.lookupOverride(ctx, callerID, projectID, environmentID)
	if err != nil {
		return "", err
	}
	if ok && domain.ProjectPermissionLevel[override] > domain.ProjectPermissionLevel[permission] {
		permission = override
	}
	return permission, nil
}

// baselinePermission maps the caller's team role on the project's owning
// team to a project permission. A caller with no membership row at all
// still falls through to read, so any authenticated caller can read any
// project. Change the fallthrough below to deny instead if that ever
// needs tightening.
func (s Service) baselinePermission(ctx context.Context, callerID, projectID string) (domain.ProjectPermission, error) {
	var role string
	err := s.DB.QueryRowContext(ctx, `SELECT tm.role FROM team_members tm
JOIN projects p ON p.team_id=tm.team_id
WHERE p.id=? AND tm.user_id=?`, projectID, callerID).Scan(&role)
	if err != nil && err != sql.ErrNoRows {
		return "", err
	}
	switch domain.TeamRole(role) {
	case domain.RoleOwner, domain.RoleAdmin:
		return domain.PermissionAdmin, nil
	case domain.RoleMember:
		return domain.PermissionWrite, nil
	default:
		return domain.PermissionRead, nil
	}
}

func (s Service) lookupOverride(ctx context.Context, callerID, projectID, environmentID string) (domain.ProjectPermission, bool, error) {
	var envID any
	if environmentID != "" {
		envID = environmentID
	}
	var perm string
	err := s.DB.QueryRowContext(ctx, `SELECT permission FROM project_permissions
WHERE project_id=? AND user_id=? AND (environment_id IS NULL OR environment_id=?)
ORDER BY CASE WHEN environment_id IS NOT NULL THEN 0 ELSE 1 END
LIMIT 1`, projectID, callerID, envID).Scan(&perm)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return domain.ProjectPermission(perm), true, nil
}

func minTeamLevel(allowed []domain.TeamRole) int {
	min := domain.TeamRoleLevel[domain.RoleOwner] + 1
	for _, r := range allowed {
		if l := domain.TeamRoleLevel[r]; l < min {
			min = l
		}
	}
	return min
}

func minPermissionLevel(allowed []domain.ProjectPermission) int {
	min := domain.ProjectPermissionLevel[domain.PermissionAdmin] + 1
	for _, p := range allowed {
		if l := domain.ProjectPermissionLevel[p]; l < min {
			min = l
		}
	}
	return min
}
