// Package sdk provides a Go client for the warden HTTP API.
//
// Basic usage:
//
//	c := sdk.NewClient("http://127.0.0.1:8420", sdk.WithAdminKey(key))
//	if _, err := c.Authenticate(ctx, sdk.SessionRequest{UserID: "ci", Role: "developer"}); err != nil {
//		return err
//	}
//	res, err := c.Execute(ctx, sdk.CommandRequest{Command: "go test ./..."})
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// SessionRequest is sent to POST /v1/sessions.
type SessionRequest struct {
	UserID          string   `json:"user_id"`
	Role            string   `json:"role"`
	AgentID         string   `json:"agent_id,omitempty"`
	DurationSeconds int      `json:"duration_seconds,omitempty"`
	Restrictions    []string `json:"restrictions,omitempty"`
}

// Session is an opened security context and its bearer token.
type Session struct {
	SessionID    string    `json:"session_id"`
	Token        string    `json:"token"`
	UserID       string    `json:"user_id"`
	Role         string    `json:"role"`
	AgentID      string    `json:"agent_id,omitempty"`
	Permissions  []string  `json:"permissions"`
	Restrictions []string  `json:"restrictions"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// CommandRequest is sent to POST /v1/commands.
type CommandRequest struct {
	Command        string            `json:"command"`
	WorkingDir     string            `json:"working_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds float64           `json:"timeout_seconds,omitempty"`
	SandboxID      string            `json:"sandbox_id,omitempty"`
}

// CommandResult is the outcome of an executed command. A timeout is a
// result with exit code 124, not an error.
type CommandResult struct {
	Command       string        `json:"command"`
	Success       bool          `json:"success"`
	ExitCode      int           `json:"exit_code"`
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	ExecutionTime time.Duration `json:"execution_time"`
	TimedOut      bool          `json:"timed_out"`
	Truncated     bool          `json:"truncated,omitempty"`
	SandboxID     string        `json:"sandbox_id,omitempty"`
}

// EditRequest is sent to POST /v1/edits.
type EditRequest struct {
	Operation  string `json:"operation"`
	Path       string `json:"path"`
	Content    string `json:"content,omitempty"`
	Line       int    `json:"line,omitempty"`
	EndLine    int    `json:"end_line,omitempty"`
	OldContent string `json:"old_content,omitempty"`
	NewPath    string `json:"new_path,omitempty"`
	SandboxID  string `json:"sandbox_id,omitempty"`
}

// ScanRequest is sent to POST /v1/scan.
type ScanRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Target   string `json:"target,omitempty"`
}

// Finding is one vulnerability in a ScanReport.
type Finding struct {
	RuleID         string `json:"rule_id"`
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation,omitempty"`
	Line           int    `json:"line"`
	Match          string `json:"match,omitempty"`
	Source         string `json:"source"`
}

// ScanReport is returned by POST /v1/scan.
type ScanReport struct {
	ScanID          string    `json:"scan_id"`
	Target          string    `json:"target"`
	Language        string    `json:"language"`
	Vulnerabilities []Finding `json:"vulnerabilities"`
	RiskScore       float64   `json:"risk_score"`
	Recommendations []string  `json:"recommendations"`
}

// SandboxRequest is sent to POST /v1/sandboxes.
type SandboxRequest struct {
	AgentID           string             `json:"agent_id,omitempty"`
	Isolation         string             `json:"isolation_level,omitempty"`
	Limits            map[string]float64 `json:"resource_limits,omitempty"`
	AllowedOperations []string           `json:"allowed_operations,omitempty"`
	BlockedOperations []string           `json:"blocked_operations,omitempty"`
	Env               map[string]string  `json:"environment_variables,omitempty"`
	NetworkAccess     bool               `json:"network_access"`
}

// Sandbox describes an isolated working area.
type Sandbox struct {
	ID               string             `json:"sandbox_id"`
	AgentID          string             `json:"agent_id"`
	Isolation        string             `json:"isolation_level"`
	WorkingDirectory string             `json:"working_directory"`
	Limits           map[string]float64 `json:"resource_limits"`
	NetworkAccess    bool               `json:"network_access"`
	CreatedAt        time.Time          `json:"created_at"`
	Active           bool               `json:"is_active"`
	Violations       []string           `json:"violations,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// APIError is a non-2xx response. Kind is permission, validation,
// resource_exceeded, timeout, integrity, unsupported or internal.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Kind       string `json:"kind"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("warden: %s (HTTP %d, kind=%s)", e.Message, e.StatusCode, e.Kind)
}

// Client talks to a warden server.
type Client struct {
	baseURL    string
	adminKey   string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithAdminKey sets the key used for session and grant management.
func WithAdminKey(key string) Option { return func(c *Client) { c.adminKey = key } }

// WithToken uses an existing session bearer token.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// NewClient creates a client for the warden API at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Token returns the bearer token in use.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Authenticate opens a session with the admin key and uses its token for
// later calls.
func (c *Client) Authenticate(ctx context.Context, req SessionRequest) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", true, req, &s); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.token = s.Token
	c.mu.Unlock()
	return &s, nil
}

// CloseSession invalidates a session.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+sessionID, true, nil, nil)
}

// Execute runs a command through the gateway.
func (c *Client) Execute(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	var res CommandResult
	if err := c.do(ctx, http.MethodPost, "/v1/commands", false, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Edit applies a file edit.
func (c *Client) Edit(ctx context.Context, req EditRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/edits", false, req, nil)
}

// Scan checks code for vulnerabilities.
func (c *Client) Scan(ctx context.Context, req ScanRequest) (*ScanReport, error) {
	var rep ScanReport
	if err := c.do(ctx, http.MethodPost, "/v1/scan", false, req, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// CreateSandbox creates a sandbox for the session's agent.
func (c *Client) CreateSandbox(ctx context.Context, req SandboxRequest) (*Sandbox, error) {
	var sb Sandbox
	if err := c.do(ctx, http.MethodPost, "/v1/sandboxes", false, req, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// ListSandboxes returns the sandboxes visible to the session.
func (c *Client) ListSandboxes(ctx context.Context) ([]Sandbox, error) {
	var out []Sandbox
	if err := c.do(ctx, http.MethodGet, "/v1/sandboxes", false, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DestroySandbox tears a sandbox down.
func (c *Client) DestroySandbox(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sandboxes/"+id, false, nil, nil)
}

// Status returns the raw gateway status document.
func (c *Client) Status(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/v1/status", false, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Health checks the server health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", false, nil, &resp); err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, admin bool, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if admin {
		httpReq.Header.Set("X-Warden-Admin-Key", c.adminKey)
	} else if tok := c.Token(); tok != "" {
		httpReq.Header.Set("Authorization", "Bearer "+tok)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: httpResp.StatusCode}
		if err := json.NewDecoder(httpResp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(httpResp.StatusCode)
		}
		return apiErr
	}
	if out == nil || httpResp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response (HTTP %d): %w", httpResp.StatusCode, err)
	}
	return nil
}
