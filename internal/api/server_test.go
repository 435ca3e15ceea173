//go:build unix

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oktsec/warden/internal/config"
	"github.com/oktsec/warden/internal/encryption"
	"github.com/oktsec/warden/internal/engine"
	"github.com/oktsec/warden/internal/gateway"
	"github.com/oktsec/warden/internal/sandbox"
)

const testAdminKey = "test-admin-key"

type testEnv struct {
	gw  *gateway.Gateway
	srv *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Keys.Dir = filepath.Join(dir, "keys")
	cfg.Keys.RSABits = 1024
	cfg.Keys.PBKDF2Iterations = 1000
	cfg.Audit.File = filepath.Join(dir, "audit.log")
	cfg.Sessions.GrantsDB = ""
	cfg.Sandbox.Root = filepath.Join(dir, "sandboxes")
	cfg.Executor.RateLimit.PerSecond = 0
	cfg.Scanner.ContentRules = false

	hash, salt, err := encryption.HashPassword(testAdminKey, "", cfg.Keys.PBKDF2Iterations)
	require.NoError(t, err)
	cfg.API.AdminKeyHash, cfg.API.AdminKeySalt = hash, salt

	gw, err := gateway.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })

	srv := httptest.NewServer(NewServer(gw, nil).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{gw: gw, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, headers map[string]string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(context.Background(), method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) session(t *testing.T, role string, restrictions ...string) SessionResponse {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/v1/sessions", map[string]string{AdminKeyHeader: testAdminKey}, SessionRequest{
		UserID:       "u-" + role,
		Role:         role,
		AgentID:      "agent-" + role,
		Restrictions: restrictions,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Token)
	return out
}

func auth(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.session(t, "developer")
	resp := e.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "warden_audit_events_total")
}

func TestCreateSession_RequiresAdminKey(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, http.MethodPost, "/v1/sessions", nil, SessionRequest{UserID: "x", Role: "developer"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/sessions", map[string]string{AdminKeyHeader: "wrong"}, SessionRequest{UserID: "x", Role: "developer"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/sessions", map[string]string{AdminKeyHeader: testAdminKey}, SessionRequest{UserID: "x", Role: "nope"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestCommand_EndToEnd(t *testing.T) {
	e := newTestEnv(t)
	s := e.session(t, "developer")

	resp := e.do(t, http.MethodPost, "/v1/commands", auth(s.Token), CommandRequest{Command: "echo hello", Dir: t.TempDir()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[gateway.CommandResult](t, resp)
	assert.True(t, res.Success)
	assert.Equal(t, "hello\n", res.Stdout)

	resp = e.do(t, http.MethodPost, "/v1/commands", auth(s.Token), CommandRequest{Command: "rm -rf /"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "validation", decode[errorBody](t, resp).Kind)
}

func TestCommand_AuthErrors(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/v1/commands", nil, CommandRequest{Command: "true"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/commands", auth("not-a-jwt"), CommandRequest{Command: "true"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	user := e.session(t, "user")
	resp = e.do(t, http.MethodPost, "/v1/commands", auth(user.Token), CommandRequest{Command: "true"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	dev := e.session(t, "developer")
	resp = e.do(t, http.MethodDelete, "/v1/sessions/"+dev.SessionID, map[string]string{AdminKeyHeader: testAdminKey}, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/v1/commands", auth(dev.Token), CommandRequest{Command: "true"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodDelete, "/v1/sessions/"+dev.SessionID, map[string]string{AdminKeyHeader: testAdminKey}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCommand_RejectsUnknownFields(t *testing.T) {
	e := newTestEnv(t)
	s := e.session(t, "developer")
	resp := e.do(t, http.MethodPost, "/v1/commands", auth(s.Token), map[string]any{"command": "true", "sudo": true})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestPermissions(t *testing.T) {
	e := newTestEnv(t)
	admin := map[string]string{AdminKeyHeader: testAdminKey}

	resp := e.do(t, http.MethodPost, "/v1/permissions", admin, PermissionRequest{UserID: "u-user", Permission: "execute", Effect: "allow"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	s := e.session(t, "user")
	resp = e.do(t, http.MethodPost, "/v1/commands", auth(s.Token), CommandRequest{Command: "true"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/permissions", admin, PermissionRequest{UserID: "u-user", Permission: "execute", Effect: "deny"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/v1/commands", auth(s.Token), CommandRequest{Command: "true"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/permissions", admin, PermissionRequest{UserID: "u", Permission: "x", Effect: "maybe"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestEditAndScan(t *testing.T) {
	e := newTestEnv(t)
	s := e.session(t, "developer")
	path := filepath.Join(t.TempDir(), "app.py")

	resp := e.do(t, http.MethodPost, "/v1/edits", auth(s.Token), map[string]any{
		"operation": "create",
		"path":      path,
		"content":   "print('hi')\n",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[EditResponse](t, resp).Success)
	assert.FileExists(t, path)

	resp = e.do(t, http.MethodPost, "/v1/scan", auth(s.Token), ScanRequest{Code: "eval(x)\n", Language: "python"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rep := decode[engine.Report](t, resp)
	assert.NotEmpty(t, rep.Vulnerabilities)
}

func TestSandboxLifecycle(t *testing.T) {
	e := newTestEnv(t)
	s := e.session(t, "developer")

	resp := e.do(t, http.MethodPost, "/v1/sandboxes", auth(s.Token), sandbox.Request{Isolation: sandbox.IsolationProcess})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	info := decode[sandbox.Info](t, resp)
	assert.Equal(t, s.AgentID, info.AgentID)

	resp = e.do(t, http.MethodPost, "/v1/commands", auth(s.Token), CommandRequest{Command: "echo inside", SandboxID: info.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "inside\n", decode[gateway.CommandResult](t, resp).Stdout)

	resp = e.do(t, http.MethodGet, "/v1/sandboxes", auth(s.Token), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]sandbox.Info](t, resp), 1)

	resp = e.do(t, http.MethodGet, "/v1/sandboxes/"+info.ID, auth(s.Token), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodDelete, "/v1/sandboxes/"+info.ID, auth(s.Token), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/v1/sandboxes/"+info.ID, auth(s.Token), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/sandboxes", auth(s.Token), sandbox.Request{Isolation: sandbox.IsolationVM})
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestStatusAndAudit(t *testing.T) {
	e := newTestEnv(t)
	dev := e.session(t, "developer")
	admin := e.session(t, "admin")

	resp := e.do(t, http.MethodGet, "/v1/status", auth(dev.Token), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/v1/status", auth(admin.Token), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[gateway.Status](t, resp)
	assert.Equal(t, 2, st.ActiveSessions)

	resp = e.do(t, http.MethodGet, "/v1/audit/events?event_type=session_created&limit=1", map[string]string{AdminKeyHeader: testAdminKey}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decode[[]map[string]any](t, resp)
	require.Len(t, events, 1)
	assert.Equal(t, "u-admin", events[0]["user_id"])

	resp = e.do(t, http.MethodGet, "/v1/audit/events?threat_level=extreme", map[string]string{AdminKeyHeader: testAdminKey}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestListenAutoPort(t *testing.T) {
	ln, port, err := listenAutoPort("127.0.0.1", 0, nil)
	require.NoError(t, err)
	defer ln.Close()
	assert.Positive(t, port)

	ln2, port2, err := listenAutoPort("127.0.0.1", port, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer ln2.Close()
	assert.Greater(t, port2, port)
}
