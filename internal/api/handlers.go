package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/oktsec/warden/internal/audit"
	"github.com/oktsec/warden/internal/fileedit"
	"github.com/oktsec/warden/internal/gateway"
	"github.com/oktsec/warden/internal/sandbox"
	"github.com/oktsec/warden/internal/secerr"
)

// SessionRequest opens a security context.
type SessionRequest struct {
	UserID          string   `json:"user_id"`
	Role            string   `json:"role"`
	AgentID         string   `json:"agent_id,omitempty"`
	DurationSeconds int      `json:"duration_seconds,omitempty"` // 0 = configured default
	Restrictions    []string `json:"restrictions,omitempty"`
}

// SessionResponse carries the bearer token for a new session.
type SessionResponse struct {
	SessionID    string    `json:"session_id"`
	Token        string    `json:"token"`
	UserID       string    `json:"user_id"`
	Role         string    `json:"role"`
	AgentID      string    `json:"agent_id,omitempty"`
	Permissions  []string  `json:"permissions"`
	Restrictions []string  `json:"restrictions"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// PermissionRequest grants or revokes a permission override.
type PermissionRequest struct {
	UserID     string `json:"user_id"`
	Permission string `json:"permission"`
	Resource   string `json:"resource,omitempty"`
	Effect     string `json:"effect"` // allow or deny
}

// CommandRequest runs a command.
type CommandRequest struct {
	Command        string            `json:"command"`
	Dir            string            `json:"working_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds float64           `json:"timeout_seconds,omitempty"`
	SandboxID      string            `json:"sandbox_id,omitempty"`
}

// EditRequest applies a file edit.
type EditRequest struct {
	fileedit.Edit
	SandboxID string `json:"sandbox_id,omitempty"`
}

// EditResponse reports an applied edit.
type EditResponse struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
}

// ScanRequest scans a snippet.
type ScanRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Target   string `json:"target,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d := time.Duration(req.DurationSeconds) * time.Second
	if req.DurationSeconds <= 0 {
		d = s.gw.DefaultSessionDuration()
	}
	sc, err := s.gw.CreateSecurityContext(r.Context(), req.UserID, req.Role, req.AgentID, d, req.Restrictions...)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	token, err := s.gw.IssueToken(sc)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusCreated, SessionResponse{
		SessionID:    sc.SessionID,
		Token:        token,
		UserID:       sc.UserID,
		Role:         sc.Role,
		AgentID:      sc.AgentID,
		Permissions:  sc.Permissions,
		Restrictions: sc.Restrictions,
		ExpiresAt:    sc.ExpiresAt,
	})
}

func (s *Server) handleInvalidateSession(w http.ResponseWriter, r *http.Request) {
	if !s.gw.InvalidateSession(r.Context(), r.PathValue("id")) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "session not found", Kind: "validation"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	var req PermissionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Permission == "" {
		writeError(w, secerr.Validation("user_id and permission are required"), 0)
		return
	}
	var err error
	switch req.Effect {
	case "allow":
		err = s.gw.GrantPermission(r.Context(), req.UserID, req.Permission, req.Resource)
	case "deny":
		err = s.gw.RevokePermission(r.Context(), req.UserID, req.Permission, req.Resource)
	default:
		err = secerr.Validation("effect must be allow or deny, got %q", req.Effect)
	}
	if err != nil {
		writeError(w, err, 0)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := audit.QueryOpts{
		UserID:    q.Get("user_id"),
		EventType: q.Get("event_type"),
	}
	if lvl := q.Get("threat_level"); lvl != "" {
		parsed, err := audit.ParseThreatLevel(lvl)
		if err != nil {
			writeError(w, secerr.Validation("%v", err), 0)
			return
		}
		opts.ThreatLevel = parsed
	}
	if lim := q.Get("limit"); lim != "" {
		n, err := strconv.Atoi(lim)
		if err != nil || n < 0 {
			writeError(w, secerr.Validation("invalid limit %q", lim), 0)
			return
		}
		opts.Limit = n
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, secerr.Validation("invalid since %q", since), 0)
			return
		}
		opts.Start = t
	}
	writeJSON(w, http.StatusOK, s.gw.QueryEvents(opts))
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.gw.ExecuteCommand(r.Context(), req.Command, sessionFrom(r.Context()), gateway.ExecOptions{
		Dir:       req.Dir,
		Env:       req.Env,
		Timeout:   time.Duration(req.TimeoutSeconds * float64(time.Second)),
		SandboxID: req.SandboxID,
		SourceIP:  r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ok, err := s.gw.EditFile(r.Context(), req.Edit, sessionFrom(r.Context()), req.SandboxID)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, EditResponse{Success: ok, Path: req.Path})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Code == "" {
		writeError(w, secerr.Validation("code is required"), 0)
		return
	}
	target := req.Target
	if target == "" {
		target = "snippet"
	}
	writeJSON(w, http.StatusOK, s.gw.ScanCode(r.Context(), req.Code, req.Language, target))
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.ListSandboxes(sessionFrom(r.Context())))
}

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	var req sandbox.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	info, err := s.gw.CreateSandbox(r.Context(), sessionFrom(r.Context()), req)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleSandboxStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.gw.SandboxStatus(sessionFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		status := 0
		if secerr.KindOf(err) == "validation" {
			status = http.StatusNotFound
		}
		writeError(w, err, status)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDestroySandbox(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.DestroySandbox(r.Context(), sessionFrom(r.Context()), r.PathValue("id")); err != nil {
		writeError(w, err, 0)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusPermission is required to read the gateway-wide status.
const statusPermission = "manage_agents"

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.gw.CheckPermission(sessionFrom(r.Context()), statusPermission, "") {
		writeError(w, secerr.Permission("permission denied: %s", statusPermission), 0)
		return
	}
	writeJSON(w, http.StatusOK, s.gw.SecurityStatus())
}
