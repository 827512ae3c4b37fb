package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"secretvault/internal/cipher"
	"secretvault/internal/domain"
	"secretvault/internal/engine"
	"secretvault/internal/engine/auth"
	"secretvault/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"insufficient permissions"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Secret Vault API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Secret Vault API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTeams(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerSecrets(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ue auth.UnauthorizedError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var be auth.BadRequestError
	if errors.As(err, &be) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ie cipher.IntegrityError
	if errors.As(err, &ie) {
		// Decryption failures stay opaque to callers.
		return newAPIError(http.StatusInternalServerError, "integrity_error", "unable to decrypt secret value", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Secret Vault API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTeams(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-team",
		Method:        http.MethodPost,
		Path:          "/teams",
		Summary:       "Create team",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTeamRequest `json:"body"`
	}) (*struct {
		Body domain.Team `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		team, err := e.CreateTeam(ctx, input.Body.Name, desc, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Team `json:"body"`
		}{Body: team}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-teams",
		Method:      http.MethodGet,
		Path:        "/teams",
		Summary:     "List teams for the caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Team `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		teams, err := e.Repo.ListTeamsByUser(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Team `json:"body"`
		}{Body: teams}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-team",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}",
		Summary:     "Get team",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
	}) (*struct {
		Body domain.Team `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Auth.RequireTeamRole(ctx, userID, input.TeamID, domain.RoleViewer); err != nil {
			return nil, handleError(err)
		}
		team, err := e.Repo.GetTeam(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Team `json:"body"`
		}{Body: team}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-team",
		Method:      http.MethodDelete,
		Path:        "/teams/{team_id}",
		Summary:     "Delete team",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
	}) (*struct{}, error) {
		callerID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Auth.RequireTeamRole(ctx, callerID, input.TeamID, domain.RoleOwner); err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteTeam(ctx, input.TeamID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-team-members",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/members",
		Summary:     "List team members",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
	}) (*struct {
		Body []domain.TeamMember `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Auth.RequireTeamRole(ctx, userID, input.TeamID, domain.RoleViewer); err != nil {
			return nil, handleError(err)
		}
		members, err := e.Repo.ListTeamMembers(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TeamMember `json:"body"`
		}{Body: members}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-team-member",
		Method:        http.MethodPost,
		Path:          "/teams/{team_id}/members",
		Summary:       "Add team member",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TeamID string               `path:"team_id"`
		Body   AddTeamMemberRequest `json:"body"`
	}) (*struct {
		Body domain.TeamMember `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Auth.RequireTeamRole(ctx, userID, input.TeamID, domain.RoleOwner, domain.RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		member, err := e.AddTeamMember(ctx, input.TeamID, input.Body.UserID, domain.TeamRole(input.Body.Role))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TeamMember `json:"body"`
		}{Body: member}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-team-member",
		Method:      http.MethodPatch,
		Path:        "/teams/{team_id}/members/{user_id}",
		Summary:     "Change a member's role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TeamID string                  `path:"team_id"`
		UserID string                  `path:"user_id"`
		Body   UpdateTeamMemberRequest `json:"body"`
	}) (*struct {
		Body domain.TeamMember `json:"body"`
	}, error) {
		callerID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Auth.RequireTeamRole(ctx, callerID, input.TeamID, domain.RoleOwner, domain.RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		if err := e.UpdateTeamMemberRole(ctx, input.TeamID, input.UserID, domain.TeamRole(input.Body.Role)); err != nil {
			return nil, handleError(err)
		}
		member, err := e.Repo.GetTeamMember(ctx, input.TeamID, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TeamMember `json:"body"`
		}{Body: member}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-team-member",
		Method:      http.MethodDelete,
		Path:        "/teams/{team_id}/members/{user_id}",
		Summary:     "Remove team member",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
		UserID string `path:"user_id"`
	}) (*struct{}, error) {
		callerID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Auth.RequireTeamRole(ctx, callerID, input.TeamID, domain.RoleOwner, domain.RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		if err := e.RemoveTeamMember(ctx, input.TeamID, input.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/teams/{team_id}/projects",
		Summary:       "Create project with default environments",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TeamID string               `path:"team_id"`
		Body   CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectCreateResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Auth.RequireTeamRole(ctx, userID, input.TeamID, domain.RoleOwner, domain.RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		project, envs, err := e.CreateProject(ctx, input.TeamID, input.Body.Name, desc, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectCreateResponse `json:"body"`
		}{Body: ProjectCreateResponse{Project: project, Environments: envs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/projects",
		Summary:     "List team projects",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
	}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Auth.RequireTeamRole(ctx, userID, input.TeamID, domain.RoleViewer); err != nil {
			return nil, handleError(err)
		}
		projects, err := e.Repo.ListProjectsByTeam(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: projects}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if _, authErr := projectScope(ctx, e, input.ProjectID, domain.PermissionRead); authErr != nil {
			return nil, authErr
		}
		project, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: project}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Delete project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct{}, error) {
		if _, authErr := projectScope(ctx, e, input.ProjectID, domain.PermissionAdmin); authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-environments",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/environments",
		Summary:     "List environments",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.Environment `json:"body"`
	}, error) {
		if _, authErr := projectScope(ctx, e, input.ProjectID, domain.PermissionRead); authErr != nil {
			return nil, authErr
		}
		envs, err := e.Repo.ListEnvironments(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Environment `json:"body"`
		}{Body: envs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-environment",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/environments",
		Summary:       "Create environment",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                   `path:"project_id"`
		Body      CreateEnvironmentRequest `json:"body"`
	}) (*struct {
		Body domain.Environment `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if _, authErr := projectScope(ctx, e, input.ProjectID, domain.PermissionAdmin); authErr != nil {
			return nil, authErr
		}
		env, err := e.CreateEnvironment(ctx, input.ProjectID, input.Body.Name, input.Body.Color)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Environment `json:"body"`
		}{Body: env}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-permissions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/permissions",
		Summary:     "List permission overrides",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.PermissionOverride `json:"body"`
	}, error) {
		if _, authErr := projectScope(ctx, e, input.ProjectID, domain.PermissionAdmin); authErr != nil {
			return nil, authErr
		}
		overrides, err := e.Repo.ListPermissionOverrides(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PermissionOverride `json:"body"`
		}{Body: overrides}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-permission",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/permissions",
		Summary:     "Grant or update a permission override",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      SetPermissionRequest `json:"body"`
	}) (*struct {
		Body domain.PermissionOverride `json:"body"`
	}, error) {
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		if _, authErr := projectScope(ctx, e, input.ProjectID, domain.PermissionAdmin); authErr != nil {
			return nil, authErr
		}
		override, err := e.SetProjectPermission(ctx, input.ProjectID, input.Body.UserID, input.Body.EnvironmentID, domain.ProjectPermission(input.Body.Permission))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PermissionOverride `json:"body"`
		}{Body: override}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-permission",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/permissions/me",
		Summary:     "Resolve the caller's effective permission",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID     string `path:"project_id"`
		EnvironmentID string `query:"environment_id"`
	}) (*struct {
		Body PermissionResolveResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if scopeErr := checkTokenScope(ctx, input.ProjectID, input.EnvironmentID); scopeErr != nil {
			return nil, scopeErr
		}
		perm, err := e.Auth.ResolveProjectPermission(ctx, userID, input.ProjectID, input.EnvironmentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PermissionResolveResponse `json:"body"`
		}{Body: PermissionResolveResponse{
			UserID:        userID,
			ProjectID:     input.ProjectID,
			EnvironmentID: input.EnvironmentID,
			Permission:    string(perm),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-token",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tokens",
		Summary:       "Create API token",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      CreateTokenRequest `json:"body"`
	}) (*struct {
		Body TokenCreateResponse `json:"body"`
	}, error) {
		userID, authErr := projectScope(ctx, e, input.ProjectID, domain.PermissionAdmin)
		if authErr != nil {
			return nil, authErr
		}
		token, secret, err := e.CreateAPIToken(ctx, input.ProjectID, input.Body.EnvironmentID, input.Body.Name, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TokenCreateResponse `json:"body"`
		}{Body: TokenCreateResponse{Token: token, Secret: secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tokens",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tokens",
		Summary:     "List API tokens",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.APIToken `json:"body"`
	}, error) {
		if _, authErr := projectScope(ctx, e, input.ProjectID, domain.PermissionAdmin); authErr != nil {
			return nil, authErr
		}
		tokens, err := e.Repo.ListAPITokens(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		for i := range tokens {
			tokens[i].TokenHash = ""
		}
		return &struct {
			Body []domain.APIToken `json:"body"`
		}{Body: tokens}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-token",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/tokens/{token_id}",
		Summary:     "Revoke API token",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		TokenID   string `path:"token_id"`
	}) (*struct{}, error) {
		if _, authErr := projectScope(ctx, e, input.ProjectID, domain.PermissionAdmin); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIToken(ctx, input.TokenID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// projectScope checks the caller's effective permission on a project and,
// for API-token principals, that the token was minted for this project. It
// returns the caller's user id.
func projectScope(ctx context.Context, e engine.Engine, projectID string, required domain.ProjectPermission) (string, huma.StatusError) {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return "", authErr
	}
	if scopeErr := checkTokenScope(ctx, projectID, ""); scopeErr != nil {
		return "", scopeErr
	}
	if _, err := e.Auth.RequireProjectPermission(ctx, userID, projectID, "", required); err != nil {
		return "", handleError(err)
	}
	return userID, nil
}

// environmentScope resolves an environment to its project and checks the
// caller's effective permission for that environment, including any API
// token scope restriction.
func environmentScope(ctx context.Context, e engine.Engine, environmentID string, required domain.ProjectPermission) (domain.Environment, huma.StatusError) {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return domain.Environment{}, authErr
	}
	env, err := e.Repo.GetEnvironment(ctx, environmentID)
	if err != nil {
		return domain.Environment{}, handleError(err)
	}
	if scopeErr := checkTokenScope(ctx, env.ProjectID, env.ID); scopeErr != nil {
		return domain.Environment{}, scopeErr
	}
	if _, err := e.Auth.RequireProjectPermission(ctx, userID, env.ProjectID, env.ID, required); err != nil {
		return domain.Environment{}, handleError(err)
	}
	return env, nil
}

func registerSecrets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-secret",
		Method:        http.MethodPost,
		Path:          "/environments/{environment_id}/secrets",
		Summary:       "Create secret",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		EnvironmentID string              `path:"environment_id"`
		Body          CreateSecretRequest `json:"body"`
	}) (*struct {
		Body domain.Secret `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		env, authErr := environmentScope(ctx, e, input.EnvironmentID, domain.PermissionWrite)
		if authErr != nil {
			return nil, authErr
		}
		userID, _ := userIDFromContext(ctx)
		secret, err := e.CreateSecret(ctx, engine.SecretCreateOptions{
			EnvironmentID: env.ID,
			ProjectID:     env.ProjectID,
			Key:           input.Body.Key,
			Value:         input.Body.Value,
			Description:   input.Body.Description,
			IsSensitive:   input.Body.IsSensitive,
			ActorID:       userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Secret `json:"body"`
		}{Body: secret}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-secrets",
		Method:      http.MethodGet,
		Path:        "/environments/{environment_id}/secrets",
		Summary:     "List secrets",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EnvironmentID string `path:"environment_id"`
		IncludeValues bool   `query:"include_values"`
	}) (*struct {
		Body []domain.Secret `json:"body"`
	}, error) {
		env, authErr := environmentScope(ctx, e, input.EnvironmentID, domain.PermissionRead)
		if authErr != nil {
			return nil, authErr
		}
		secrets, err := e.GetSecrets(ctx, env.ID, env.ProjectID, input.IncludeValues)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Secret `json:"body"`
		}{Body: secrets}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-secret",
		Method:      http.MethodGet,
		Path:        "/environments/{environment_id}/secrets/{key}",
		Summary:     "Get secret with decrypted value",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EnvironmentID string `path:"environment_id"`
		Key           string `path:"key"`
	}) (*struct {
		Body domain.Secret `json:"body"`
	}, error) {
		env, authErr := environmentScope(ctx, e, input.EnvironmentID, domain.PermissionRead)
		if authErr != nil {
			return nil, authErr
		}
		secret, ok, err := e.GetSecret(ctx, env.ID, env.ProjectID, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "secret not found", nil)
		}
		return &struct {
			Body domain.Secret `json:"body"`
		}{Body: secret}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-secret",
		Method:      http.MethodPatch,
		Path:        "/environments/{environment_id}/secrets/{key}",
		Summary:     "Update secret",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		EnvironmentID string              `path:"environment_id"`
		Key           string              `path:"key"`
		Body          UpdateSecretRequest `json:"body"`
	}) (*struct {
		Body domain.Secret `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		env, authErr := environmentScope(ctx, e, input.EnvironmentID, domain.PermissionWrite)
		if authErr != nil {
			return nil, authErr
		}
		userID, _ := userIDFromContext(ctx)
		secret, err := e.UpdateSecret(ctx, engine.SecretUpdateOptions{
			EnvironmentID:   env.ID,
			ProjectID:       env.ProjectID,
			Key:             input.Key,
			Value:           input.Body.Value,
			Description:     input.Body.Description,
			IsSensitive:     input.Body.IsSensitive,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Secret `json:"body"`
		}{Body: secret}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-secret",
		Method:      http.MethodDelete,
		Path:        "/environments/{environment_id}/secrets/{key}",
		Summary:     "Delete secret",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EnvironmentID string `path:"environment_id"`
		Key           string `path:"key"`
	}) (*struct{}, error) {
		env, authErr := environmentScope(ctx, e, input.EnvironmentID, domain.PermissionWrite)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteSecret(ctx, env.ID, input.Key); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "secret-history",
		Method:      http.MethodGet,
		Path:        "/environments/{environment_id}/secrets/{key}/history",
		Summary:     "Secret version history",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EnvironmentID string `path:"environment_id"`
		Key           string `path:"key"`
	}) (*struct {
		Body []domain.SecretVersion `json:"body"`
	}, error) {
		env, authErr := environmentScope(ctx, e, input.EnvironmentID, domain.PermissionRead)
		if authErr != nil {
			return nil, authErr
		}
		secret, err := e.Repo.GetSecret(ctx, env.ID, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		history, err := e.GetSecretHistory(ctx, secret.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SecretVersion `json:"body"`
		}{Body: history}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-env",
		Method:      http.MethodGet,
		Path:        "/environments/{environment_id}/export",
		Summary:     "Export secrets as dotenv content",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EnvironmentID string `path:"environment_id"`
	}) (*struct {
		Body ExportEnvResponse `json:"body"`
	}, error) {
		env, authErr := environmentScope(ctx, e, input.EnvironmentID, domain.PermissionRead)
		if authErr != nil {
			return nil, authErr
		}
		content, err := e.ExportEnv(ctx, env.ID, env.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExportEnvResponse `json:"body"`
		}{Body: ExportEnvResponse{Content: content}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-env",
		Method:      http.MethodPost,
		Path:        "/environments/{environment_id}/import",
		Summary:     "Import dotenv content",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		EnvironmentID string           `path:"environment_id"`
		Body          ImportEnvRequest `json:"body"`
	}) (*struct {
		Body ImportEnvResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		env, authErr := environmentScope(ctx, e, input.EnvironmentID, domain.PermissionWrite)
		if authErr != nil {
			return nil, authErr
		}
		userID, _ := userIDFromContext(ctx)
		created, err := e.ImportEnv(ctx, env.ID, env.ProjectID, input.Body.Content, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ImportEnvResponse `json:"body"`
		}{Body: ImportEnvResponse{Created: created}}, nil
	})
}
