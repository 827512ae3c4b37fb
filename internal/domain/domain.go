package domain

import "regexp"

// TeamRole is the team-level access role.
type TeamRole string

const (
	RoleOwner  TeamRole = "owner"
	RoleAdmin  TeamRole = "admin"
	RoleMember TeamRole = "member"
	RoleViewer TeamRole = "viewer"
)

// TeamRoleLevel orders team roles; higher means more access.
var TeamRoleLevel = map[TeamRole]int{
	RoleOwner:  4,
	RoleAdmin:  3,
	RoleMember: 2,
	RoleViewer: 1,
}

// ProjectPermission is the project/environment-level access grant.
type ProjectPermission string

const (
	PermissionRead  ProjectPermission = "read"
	PermissionWrite ProjectPermission = "write"
	PermissionAdmin ProjectPermission = "admin"
)

// ProjectPermissionLevel orders project permissions; higher means more access.
var ProjectPermissionLevel = map[ProjectPermission]int{
	PermissionAdmin: 3,
	PermissionWrite: 2,
	PermissionRead:  1,
}

// SecretKeyPattern constrains secret keys to env-var style names.
var SecretKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

type Team struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type TeamMember struct {
	TeamID    string   `json:"team_id"`
	UserID    string   `json:"user_id"`
	Role      TeamRole `json:"role" enum:"owner,admin,member,viewer"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          string `json:"id"`
	TeamID      string `json:"team_id"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description,omitempty"`
	CreatedBy   string `json:"created_by,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Environment struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	Color      string `json:"color,omitempty"`
	OrderIndex int    `json:"order_index"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// EncryptedValue is the at-rest form of a secret value: base64 ciphertext
// plus hex-encoded IV and GCM authentication tag. The algorithm is fixed
// (AES-256-GCM, 12-byte IV, 16-byte tag) and therefore not stored per row.
type EncryptedValue struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"auth_tag"`
}

type Secret struct {
	ID            string         `json:"id"`
	EnvironmentID string         `json:"environment_id"`
	Key           string         `json:"key"`
	Encrypted     EncryptedValue `json:"-"`
	Value         string         `json:"value,omitempty"`
	Description   string         `json:"description,omitempty"`
	IsSensitive   bool           `json:"is_sensitive"`
	Version       int            `json:"version"`
	CreatedBy     string         `json:"created_by,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

// SecretVersion is an immutable pre-update snapshot of a secret value.
type SecretVersion struct {
	ID        string         `json:"id"`
	SecretID  string         `json:"secret_id"`
	Encrypted EncryptedValue `json:"-"`
	Version   int            `json:"version"`
	ChangedBy string         `json:"changed_by,omitempty"`
	ChangedAt string         `json:"changed_at" format:"date-time"`
}

// PermissionOverride grants a user an explicit permission on a project,
// optionally scoped to a single environment. An environment-scoped row
// takes precedence over the project-wide row for the same user.
type PermissionOverride struct {
	ID            string            `json:"id"`
	ProjectID     string            `json:"project_id"`
	UserID        string            `json:"user_id"`
	EnvironmentID *string           `json:"environment_id,omitempty"`
	Permission    ProjectPermission `json:"permission" enum:"read,write,admin"`
}

// APIToken is a project-scoped access token. Only the SHA-256 hash of the
// token is stored; the opaque value is shown once at creation.
type APIToken struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	EnvironmentID *string `json:"environment_id,omitempty"`
	Name          string  `json:"name,omitempty"`
	TokenHash     string  `json:"token_hash"`
	CreatedBy     string  `json:"created_by,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

// DefaultEnvironment seeds new projects.
type DefaultEnvironment struct {
	Name       string
	Slug       string
	Color      string
	OrderIndex int
}

// DefaultEnvironments are created for every new project.
var DefaultEnvironments = []DefaultEnvironment{
	{Name: "Development", Slug: "development", Color: "#22c55e", OrderIndex: 0},
	{Name: "Staging", Slug: "staging", Color: "#f59e0b", OrderIndex: 1},
	{Name: "Production", Slug: "production", Color: "#ef4444", OrderIndex: 2},
}
