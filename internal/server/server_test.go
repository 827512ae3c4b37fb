package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"secretvault/internal/cipher"
	"secretvault/internal/db"
	"secretvault/internal/domain"
	"secretvault/internal/engine"
	"secretvault/internal/migrate"
)

const testMasterKey = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
const testJWTSecret = "test-jwt-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	c, err := cipher.New(testMasterKey)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	e := engine.New(conn, c)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:             testJWTSecret,
			AllowLegacyUserHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asUser(userID string) map[string]string {
	return map[string]string{"X-User-Id": userID}
}

func seedProject(t *testing.T, srv *testServer) (domain.Project, []domain.Environment) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/teams", map[string]any{
		"name": "Platform",
	}, asUser("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create team: %d %s", res.StatusCode, string(data))
	}
	var team domain.Team
	if err := json.Unmarshal(data, &team); err != nil {
		t.Fatalf("unmarshal team: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/teams/"+team.ID+"/projects", map[string]any{
		"name": "Billing",
	}, asUser("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var created ProjectCreateResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if len(created.Environments) != 3 {
		t.Fatalf("expected 3 default environments, got %d", len(created.Environments))
	}
	return created.Project, created.Environments
}

func TestSecretLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, envs := seedProject(t, srv)
	envID := envs[0].ID

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/environments/"+envID+"/secrets", map[string]any{
		"key":   "DATABASE_URL",
		"value": "postgres://localhost/billing",
	}, asUser("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create secret: %d %s", res.StatusCode, string(data))
	}
	var created domain.Secret
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal secret: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("expected version 1, got %d", created.Version)
	}
	if created.Value != "" {
		t.Fatalf("create response must not echo the plaintext value")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/environments/"+envID+"/secrets/DATABASE_URL", nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get secret: %d %s", res.StatusCode, string(data))
	}
	var fetched domain.Secret
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal secret: %v", err)
	}
	if fetched.Value != "postgres://localhost/billing" {
		t.Fatalf("expected decrypted value, got %q", fetched.Value)
	}

	// Listing without include_values keeps values out of the payload.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/environments/"+envID+"/secrets", nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list secrets: %d %s", res.StatusCode, string(data))
	}
	var listed []domain.Secret
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(listed) != 1 || listed[0].Value != "" {
		t.Fatalf("list should omit values: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/environments/"+envID+"/secrets/DATABASE_URL", map[string]any{
		"value": "postgres://prod/billing",
	}, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update secret: %d %s", res.StatusCode, string(data))
	}
	var updated domain.Secret
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatalf("unmarshal updated: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/environments/"+envID+"/secrets/DATABASE_URL/history", nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", res.StatusCode, string(data))
	}
	var history []domain.SecretVersion
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 1 || history[0].Version != 1 {
		t.Fatalf("expected one snapshot at version 1: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/environments/"+envID+"/secrets/DATABASE_URL", nil, asUser("alice"))
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("delete secret: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/environments/"+envID+"/secrets/DATABASE_URL", nil, asUser("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d %s", res.StatusCode, string(data))
	}
}

func TestDuplicateSecretConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, envs := seedProject(t, srv)
	envID := envs[0].ID

	body := map[string]any{"key": "API_KEY", "value": "one"}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/environments/"+envID+"/secrets", body, asUser("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/environments/"+envID+"/secrets", body, asUser("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
}

func TestSecretKeyRejectedWithBadRequest(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, envs := seedProject(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/environments/"+envs[0].ID+"/secrets", map[string]any{
		"key":   "database_url",
		"value": "x",
	}, asUser("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for lowercase key, got %d %s", res.StatusCode, string(data))
	}
}

func TestWriteForbiddenForNonMember(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, envs := seedProject(t, srv)
	envID := envs[0].ID

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/environments/"+envID+"/secrets", map[string]any{
		"key":   "TOKEN",
		"value": "v",
	}, asUser("mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/teams", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	// Health stays open.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}
}

func TestJWTAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/teams", map[string]any{
		"name": "Signed Team",
	}, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("jwt create team: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/teams", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}
}

func TestAPITokenAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	project, envs := seedProject(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+project.ID+"/tokens", map[string]any{
		"name": "ci",
	}, asUser("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create token: %d %s", res.StatusCode, string(data))
	}
	var created TokenCreateResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if created.Secret == "" {
		t.Fatal("expected plaintext token in create response")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/environments/"+envs[0].ID+"/secrets", nil, map[string]string{"X-Api-Key": created.Secret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api token list secrets: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/environments/"+envs[0].ID+"/secrets", nil, map[string]string{"X-Api-Key": "sv_deadbeef"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d %s", res.StatusCode, string(data))
	}
}

func TestAPITokenConfinedToItsProject(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	project, _ := seedProject(t, srv)

	// Second project under the same team, with a secret of its own.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/teams/"+project.TeamID+"/projects", map[string]any{
		"name": "Analytics",
	}, asUser("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create second project: %d %s", res.StatusCode, string(data))
	}
	var other ProjectCreateResponse
	if err := json.Unmarshal(data, &other); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	otherEnv := other.Environments[0].ID
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/environments/"+otherEnv+"/secrets", map[string]any{
		"key":   "OTHER_SECRET",
		"value": "hidden",
	}, asUser("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create secret: %d %s", res.StatusCode, string(data))
	}

	// Token minted for the first project.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+project.ID+"/tokens", map[string]any{
		"name": "ci",
	}, asUser("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create token: %d %s", res.StatusCode, string(data))
	}
	var created TokenCreateResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	key := map[string]string{"X-Api-Key": created.Secret}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/environments/"+otherEnv+"/secrets?include_values=true", nil, key)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("token crossed project boundary: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+other.Project.ID, nil, key)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("token read foreign project: %d %s", res.StatusCode, string(data))
	}
}

func TestAPITokenConfinedToItsEnvironment(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	project, envs := seedProject(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/"+project.ID+"/tokens", map[string]any{
		"name":           "deploy",
		"environment_id": envs[0].ID,
	}, asUser("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create token: %d %s", res.StatusCode, string(data))
	}
	var created TokenCreateResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	key := map[string]string{"X-Api-Key": created.Secret}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/environments/"+envs[0].ID+"/secrets", nil, key)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("token rejected in its own environment: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/environments/"+envs[1].ID+"/secrets", nil, key)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("token crossed environment boundary: %d %s", res.StatusCode, string(data))
	}
}

func TestDeleteTeamAndProjectOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	project, envs := seedProject(t, srv)

	// Only owners may delete a team; viewers are refused.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/teams/"+project.TeamID+"/members", map[string]any{
		"user_id": "victor", "role": "viewer",
	}, asUser("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add viewer: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/teams/"+project.TeamID, nil, asUser("victor"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer deleted team: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/environments/"+envs[0].ID+"/secrets", map[string]any{
		"key": "KEY", "value": "v",
	}, asUser("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create secret: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/projects/"+project.ID, nil, asUser("alice"))
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("delete project: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/"+project.ID, nil, asUser("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after project delete, got %d %s", res.StatusCode, string(data))
	}
	// Environments cascade with the project.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/environments/"+envs[0].ID+"/secrets", nil, asUser("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for cascaded environment, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/teams/"+project.TeamID, nil, asUser("alice"))
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("delete team: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/teams/"+project.TeamID, nil, asUser("alice"))
	if res.StatusCode != http.StatusForbidden && res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected team gone after delete, got %d %s", res.StatusCode, string(data))
	}
}

func TestOptimisticConcurrencyConflictOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, envs := seedProject(t, srv)
	envID := envs[0].ID

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/environments/"+envID+"/secrets", map[string]any{
		"key":   "STRIPE_KEY",
		"value": "sk_test",
	}, asUser("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/environments/"+envID+"/secrets/STRIPE_KEY", map[string]any{
		"value":            "sk_live",
		"expected_version": 7,
	}, asUser("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on stale expected_version, got %d %s", res.StatusCode, string(data))
	}
}

func TestExportImportOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, envs := seedProject(t, srv)
	envID := envs[0].ID

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/environments/"+envID+"/import", map[string]any{
		"content": "# comment\nALPHA=1\nBETA=2\n\nbadline\n",
	}, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("import: %d %s", res.StatusCode, string(data))
	}
	var imported ImportEnvResponse
	if err := json.Unmarshal(data, &imported); err != nil {
		t.Fatalf("unmarshal import: %v", err)
	}
	if imported.Created != 2 {
		t.Fatalf("expected 2 created, got %d", imported.Created)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/environments/"+envID+"/export", nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export: %d %s", res.StatusCode, string(data))
	}
	var exported ExportEnvResponse
	if err := json.Unmarshal(data, &exported); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if exported.Content != "ALPHA=1\nBETA=2" {
		t.Fatalf("unexpected export content: %q", exported.Content)
	}
}
