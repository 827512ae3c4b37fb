package repo

import (
	"context"
	"database/sql"

	"secretvault/internal/domain"
)

func scanTeam(row rowScanner) (domain.Team, error) {
	var t domain.Team
	err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.Description, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

const teamColumns = `id, name, slug, COALESCE(description,'') AS description, created_at, updated_at`

func (r Repo) InsertTeamTx(ctx context.Context, tx *sql.Tx, t domain.Team) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO teams(id,name,slug,description,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.Name, t.Slug, nullable(t.Description), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTeam(ctx context.Context, id string) (domain.Team, error) {
	return scanTeam(r.DB.QueryRowContext(ctx, `SELECT `+teamColumns+` FROM teams WHERE id=?`, id))
}

func (r Repo) GetTeamBySlug(ctx context.Context, slug string) (domain.Team, error) {
	return scanTeam(r.DB.QueryRowContext(ctx, `SELECT `+teamColumns+` FROM teams WHERE slug=?`, slug))
}

func (r Repo) ListTeamsByUser(ctx context.Context, userID string) ([]domain.Team, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT t.id, t.name, t.slug, COALESCE(t.description,''), t.created_at, t.updated_at
FROM teams t JOIN team_members tm ON tm.team_id=t.id
WHERE tm.user_id=? ORDER BY t.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) DeleteTeam(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM teams WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- memberships ---

func (r Repo) InsertTeamMemberTx(ctx context.Context, tx *sql.Tx, m domain.TeamMember) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO team_members(team_id,user_id,role,created_at) VALUES (?,?,?,?)`,
		m.TeamID, m.UserID, string(m.Role), m.CreatedAt)
	return err
}

func (r Repo) GetTeamMember(ctx context.Context, teamID, userID string) (domain.TeamMember, error) {
	var m domain.TeamMember
	var role string
	err := r.DB.QueryRowContext(ctx, `SELECT team_id, user_id, role, created_at FROM team_members WHERE team_id=? AND user_id=?`,
		teamID, userID).Scan(&m.TeamID, &m.UserID, &role, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	m.Role = domain.TeamRole(role)
	return m, err
}

// GetTeamMemberTx reads a membership row inside an open transaction, for
// the ownership-guard mutations.
func (r Repo) GetTeamMemberTx(ctx context.Context, tx *sql.Tx, teamID, userID string) (domain.TeamMember, error) {
	var m domain.TeamMember
	var role string
	err := tx.QueryRowContext(ctx, `SELECT team_id, user_id, role, created_at FROM team_members WHERE team_id=? AND user_id=?`,
		teamID, userID).Scan(&m.TeamID, &m.UserID, &role, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	m.Role = domain.TeamRole(role)
	return m, err
}

func (r Repo) ListTeamMembers(ctx context.Context, teamID string) ([]domain.TeamMember, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT team_id, user_id, role, created_at FROM team_members WHERE team_id=? ORDER BY role, user_id`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TeamMember
	for rows.Next() {
		var m domain.TeamMember
		var role string
		if err := rows.Scan(&m.TeamID, &m.UserID, &role, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = domain.TeamRole(role)
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTeamMemberRoleTx(ctx context.Context, tx *sql.Tx, teamID, userID string, role domain.TeamRole) error {
	res, err := tx.ExecContext(ctx, `UPDATE team_members SET role=? WHERE team_id=? AND user_id=?`, string(role), teamID, userID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteTeamMemberTx(ctx context.Context, tx *sql.Tx, teamID, userID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM team_members WHERE team_id=? AND user_id=?`, teamID, userID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountTeamOwnersTx counts owner rows for a team inside a transaction,
// optionally excluding one user.
func (r Repo) CountTeamOwnersTx(ctx context.Context, tx *sql.Tx, teamID, excludeUserID string) (int, error) {
	var n int
	var err error
	if excludeUserID == "" {
		err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM team_members WHERE team_id=? AND role='owner'`, teamID).Scan(&n)
	} else {
		err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM team_members WHERE team_id=? AND role='owner' AND user_id!=?`, teamID, excludeUserID).Scan(&n)
	}
	return n, err
}

// --- projects ---

const projectColumns = `id, team_id, name, slug, COALESCE(description,'') AS description, COALESCE(created_by,'') AS created_by, created_at, updated_at`

func scanProjectRow(row rowScanner) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.TeamID, &p.Name, &p.Slug, &p.Description, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,team_id,name,slug,description,created_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.TeamID, p.Name, p.Slug, nullable(p.Description), nullable(p.CreatedBy), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProjectRow(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectBySlug(ctx context.Context, teamID, slug string) (domain.Project, error) {
	return scanProjectRow(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE team_id=? AND slug=?`, teamID, slug))
}

func (r Repo) ListProjectsByTeam(ctx context.Context, teamID string) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE team_id=? ORDER BY name`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProjectRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- environments ---

func scanEnvironment(row rowScanner) (domain.Environment, error) {
	var e domain.Environment
	err := row.Scan(&e.ID, &e.ProjectID, &e.Name, &e.Slug, &e.Color, &e.OrderIndex, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

const environmentColumns = `id, project_id, name, slug, COALESCE(color,'') AS color, order_index, created_at`

func (r Repo) InsertEnvironmentTx(ctx context.Context, tx *sql.Tx, e domain.Environment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO environments(id,project_id,name,slug,color,order_index,created_at) VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.ProjectID, e.Name, e.Slug, nullable(e.Color), e.OrderIndex, e.CreatedAt)
	return err
}

func (r Repo) GetEnvironment(ctx context.Context, id string) (domain.Environment, error) {
	return scanEnvironment(r.DB.QueryRowContext(ctx, `SELECT `+environmentColumns+` FROM environments WHERE id=?`, id))
}

func (r Repo) GetEnvironmentBySlug(ctx context.Context, projectID, slug string) (domain.Environment, error) {
	return scanEnvironment(r.DB.QueryRowContext(ctx, `SELECT `+environmentColumns+` FROM environments WHERE project_id=? AND slug=?`, projectID, slug))
}

func (r Repo) ListEnvironments(ctx context.Context, projectID string) ([]domain.Environment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+environmentColumns+` FROM environments WHERE project_id=? ORDER BY order_index`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Environment
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- permission overrides ---

func (r Repo) UpsertPermissionOverride(ctx context.Context, o domain.PermissionOverride) error {
	var envID any
	if o.EnvironmentID != nil {
		envID = *o.EnvironmentID
	}
	// One row per (project, user, environment-or-null) scope.
	res, err := r.DB.ExecContext(ctx, `UPDATE project_permissions SET permission=?
WHERE project_id=? AND user_id=? AND environment_id IS ?`,
		string(o.Permission), o.ProjectID, o.UserID, envID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO project_permissions(id,project_id,user_id,environment_id,permission) VALUES (?,?,?,?,?)`,
		o.ID, o.ProjectID, o.UserID, envID, string(o.Permission))
	return err
}

func (r Repo) ListPermissionOverrides(ctx context.Context, projectID string) ([]domain.PermissionOverride, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, project_id, user_id, environment_id, permission FROM project_permissions WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PermissionOverride
	for rows.Next() {
		var o domain.PermissionOverride
		var envID sql.NullString
		var perm string
		if err := rows.Scan(&o.ID, &o.ProjectID, &o.UserID, &envID, &perm); err != nil {
			return nil, err
		}
		if envID.Valid {
			o.EnvironmentID = &envID.String
		}
		o.Permission = domain.ProjectPermission(perm)
		res = append(res, o)
	}
	return res, rows.Err()
}
