package server

import (
	"secretvault/internal/domain"
)

// Request payloads

type CreateTeamRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

type AddTeamMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role" enum:"owner,admin,member,viewer"`
}

type UpdateTeamMemberRequest struct {
	Role string `json:"role" enum:"owner,admin,member,viewer"`
}

type CreateProjectRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

type CreateEnvironmentRequest struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type SetPermissionRequest struct {
	UserID        string  `json:"user_id"`
	EnvironmentID *string `json:"environment_id,omitempty"`
	Permission    string  `json:"permission" enum:"read,write,admin"`
}

type CreateTokenRequest struct {
	Name          string  `json:"name,omitempty"`
	EnvironmentID *string `json:"environment_id,omitempty"`
}

type CreateSecretRequest struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
	IsSensitive bool   `json:"is_sensitive,omitempty"`
}

type UpdateSecretRequest struct {
	Value           *string `json:"value,omitempty"`
	Description     *string `json:"description,omitempty"`
	IsSensitive     *bool   `json:"is_sensitive,omitempty"`
	ExpectedVersion *int    `json:"expected_version,omitempty"`
}

type ImportEnvRequest struct {
	Content string `json:"content"`
}

// Response payloads

type ProjectCreateResponse struct {
	Project      domain.Project       `json:"project"`
	Environments []domain.Environment `json:"environments"`
}

type PermissionResolveResponse struct {
	UserID        string `json:"user_id"`
	ProjectID     string `json:"project_id"`
	EnvironmentID string `json:"environment_id,omitempty"`
	Permission    string `json:"permission" enum:"read,write,admin"`
}

type TokenCreateResponse struct {
	Token domain.APIToken `json:"token"`
	// Secret is the opaque token value, shown only in this response.
	Secret string `json:"secret"`
}

type ExportEnvResponse struct {
	Content string `json:"content"`
}

type ImportEnvResponse struct {
	Created int `json:"created"`
}
