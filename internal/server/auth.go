package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"secretvault/internal/repo"
)

type AuthConfig struct {
	JWTSecret             string
	AllowLegacyUserHeader bool
	Logger                *log.Logger
}

type Principal struct {
	UserID string
	Source string

	// Set for api_token principals. TokenProjectID confines the token to
	// one project; TokenEnvironmentID, when non-empty, to one environment.
	TokenProjectID     string
	TokenEnvironmentID string
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func userIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.UserID != "" {
		return p.UserID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{UserID: claims.Subject, Source: "jwt"}, nil
}

func authenticateAPIToken(ctx context.Context, r repo.Repo, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, errors.New("api token required")
	}
	if !strings.HasPrefix(token, "sv_") {
		return Principal{}, errors.New("unrecognized token format")
	}
	hash := repo.HashAPIToken(token)
	apiToken, err := r.GetAPITokenByHash(ctx, hash)
	if err != nil {
		return Principal{}, err
	}
	if apiToken.CreatedBy == "" {
		return Principal{}, errors.New("api token missing user")
	}
	p := Principal{
		UserID:         apiToken.CreatedBy,
		Source:         "api_token",
		TokenProjectID: apiToken.ProjectID,
	}
	if apiToken.EnvironmentID != nil {
		p.TokenEnvironmentID = *apiToken.EnvironmentID
	}
	return p, nil
}

// checkTokenScope rejects api_token principals whose stored scope does not
// cover the requested project or environment. Principals from other sources
// pass through.
func checkTokenScope(ctx context.Context, projectID, environmentID string) huma.StatusError {
	p, ok := principalFromContext(ctx)
	if !ok || p.Source != "api_token" {
		return nil
	}
	if p.TokenProjectID != "" && p.TokenProjectID != projectID {
		return newAPIError(http.StatusForbidden, "forbidden", "api token is not valid for this project", nil)
	}
	if p.TokenEnvironmentID != "" && environmentID != "" && p.TokenEnvironmentID != environmentID {
		return newAPIError(http.StatusForbidden, "forbidden", "api token is not valid for this environment", nil)
	}
	return nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			tokenHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			legacyUser := strings.TrimSpace(req.Header.Get("X-User-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				ctx := withPrincipal(req.Context(), principal)
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			if tokenHeader != "" {
				principal, err := authenticateAPIToken(req.Context(), r, tokenHeader)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				ctx := withPrincipal(req.Context(), principal)
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			if legacyUser != "" && cfg.AllowLegacyUserHeader {
				cfg.logger().Printf("WARNING: using legacy X-User-Id header without auth; ignored when Authorization or X-Api-Key is present (user_id=%s)", legacyUser)
				ctx := withPrincipal(req.Context(), Principal{
					UserID: legacyUser,
					Source: "legacy_header",
				})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
