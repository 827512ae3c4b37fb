package secretvaultsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Secret Vault HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Secret represents the API secret model.
type Secret struct {
	ID            string `json:"id"`
	EnvironmentID string `json:"environment_id"`
	Key           string `json:"key"`
	Value         string `json:"value,omitempty"`
	Description   string `json:"description,omitempty"`
	IsSensitive   bool   `json:"is_sensitive"`
	Version       int    `json:"version"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// SecretVersion is a historical snapshot entry.
type SecretVersion struct {
	ID        string `json:"id"`
	SecretID  string `json:"secret_id"`
	Version   int    `json:"version"`
	ChangedBy string `json:"changed_by,omitempty"`
	ChangedAt string `json:"changed_at"`
}

// Team represents the API team model.
type Team struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Project represents the API project model.
type Project struct {
	ID     string `json:"id"`
	TeamID string `json:"team_id"`
	Name   string `json:"name"`
	Slug   string `json:"slug"`
}

// Environment represents the API environment model.
type Environment struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Slug      string `json:"slug"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateSecretOptions are parameters for CreateSecret.
type CreateSecretOptions struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
	IsSensitive bool   `json:"is_sensitive,omitempty"`
}

// UpdateSecretOptions are parameters for UpdateSecret. Nil fields are left
// unchanged; ExpectedVersion makes the update conditional.
type UpdateSecretOptions struct {
	Value           *string `json:"value,omitempty"`
	Description     *string `json:"description,omitempty"`
	IsSensitive     *bool   `json:"is_sensitive,omitempty"`
	ExpectedVersion *int    `json:"expected_version,omitempty"`
}

// ListTeams returns the caller's teams.
func (c *Client) ListTeams(ctx context.Context) ([]Team, error) {
	var resp []Team
	err := c.do(ctx, http.MethodGet, "v1/teams", nil, &resp)
	return resp, err
}

// ListProjects returns a team's projects.
func (c *Client) ListProjects(ctx context.Context, teamID string) ([]Project, error) {
	var resp []Project
	endpoint := fmt.Sprintf("v1/teams/%s/projects", url.PathEscape(teamID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListEnvironments returns a project's environments.
func (c *Client) ListEnvironments(ctx context.Context, projectID string) ([]Environment, error) {
	var resp []Environment
	endpoint := fmt.Sprintf("v1/projects/%s/environments", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateSecret creates a secret in an environment.
func (c *Client) CreateSecret(ctx context.Context, environmentID string, opts CreateSecretOptions) (Secret, error) {
	var resp Secret
	err := c.do(ctx, http.MethodPost, c.envPath(environmentID, "secrets"), opts, &resp)
	return resp, err
}

// GetSecret fetches a secret with its decrypted value.
func (c *Client) GetSecret(ctx context.Context, environmentID, key string) (Secret, error) {
	var resp Secret
	endpoint := c.envPath(environmentID, "secrets/"+url.PathEscape(key))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListSecrets lists an environment's secrets. Values are only decrypted
// when includeValues is set.
func (c *Client) ListSecrets(ctx context.Context, environmentID string, includeValues bool) ([]Secret, error) {
	endpoint := c.envPath(environmentID, "secrets")
	if includeValues {
		endpoint += "?include_values=true"
	}
	var resp []Secret
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateSecret applies a partial update.
func (c *Client) UpdateSecret(ctx context.Context, environmentID, key string, opts UpdateSecretOptions) (Secret, error) {
	var resp Secret
	endpoint := c.envPath(environmentID, "secrets/"+url.PathEscape(key))
	err := c.do(ctx, http.MethodPatch, endpoint, opts, &resp)
	return resp, err
}

// DeleteSecret removes a secret and its history.
func (c *Client) DeleteSecret(ctx context.Context, environmentID, key string) error {
	endpoint := c.envPath(environmentID, "secrets/"+url.PathEscape(key))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// SecretHistory returns version snapshots, newest first.
func (c *Client) SecretHistory(ctx context.Context, environmentID, key string) ([]SecretVersion, error) {
	var resp []SecretVersion
	endpoint := c.envPath(environmentID, "secrets/"+url.PathEscape(key)+"/history")
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ExportEnv returns the environment's secrets as dotenv content.
func (c *Client) ExportEnv(ctx context.Context, environmentID string) (string, error) {
	var resp struct {
		Content string `json:"content"`
	}
	err := c.do(ctx, http.MethodGet, c.envPath(environmentID, "export"), nil, &resp)
	return resp.Content, err
}

// ImportEnv uploads dotenv content and returns the number of secrets created.
func (c *Client) ImportEnv(ctx context.Context, environmentID, content string) (int, error) {
	var resp struct {
		Created int `json:"created"`
	}
	body := map[string]string{"content": content}
	err := c.do(ctx, http.MethodPost, c.envPath(environmentID, "import"), body, &resp)
	return resp.Created, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) envPath(environmentID, p string) string {
	env := url.PathEscape(environmentID)
	return fmt.Sprintf("v1/environments/%s/%s", env, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
