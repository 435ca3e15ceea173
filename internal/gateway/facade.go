package gateway

import (
	"context"
	"time"

	"github.com/oktsec/warden/internal/access"
	"github.com/oktsec/warden/internal/audit"
	"github.com/oktsec/warden/internal/encryption"
	"github.com/oktsec/warden/internal/engine"
	"github.com/oktsec/warden/internal/sandbox"
	"github.com/oktsec/warden/internal/secerr"
)

// CreateSecurityContext opens a session. A non-positive duration yields a
// context that is already expired; callers wanting the configured default
// use DefaultSessionDuration.
func (g *Gateway) CreateSecurityContext(ctx context.Context, userID, role, agentID string, duration time.Duration, restrictions ...string) (*access.SecurityContext, error) {
	sc, err := g.access.CreateContext(userID, role, agentID, duration, restrictions...)
	if err != nil {
		g.log(ctx, audit.Event{
			EventType:   "session_denied",
			UserID:      userID,
			AgentID:     agentID,
			Action:      "create_session",
			Result:      "denied",
			ThreatLevel: audit.ThreatLow,
			Details:     map[string]any{"role": role, "reason": err.Error()},
		})
		return nil, secerr.Validation("%v", err)
	}
	g.log(ctx, audit.Event{
		EventType:   "session_created",
		UserID:      sc.UserID,
		AgentID:     sc.AgentID,
		Resource:    sc.SessionID,
		Action:      "create_session",
		Result:      "success",
		ThreatLevel: audit.ThreatInfo,
		Details: map[string]any{
			"role":         sc.Role,
			"expires_at":   sc.ExpiresAt,
			"restrictions": sc.Restrictions,
		},
	})
	g.metrics.ActiveSessions.Set(float64(g.access.ActiveSessions()))
	return sc, nil
}

// DefaultSessionDuration is the configured session lifetime.
func (g *Gateway) DefaultSessionDuration() time.Duration {
	return g.cfg.Sessions.DefaultDuration
}

// ValidateContext returns the live context for sessionID.
func (g *Gateway) ValidateContext(sessionID string) (*access.SecurityContext, bool) {
	return g.access.ValidateContext(sessionID)
}

// CheckPermission reports whether sc holds permission on resource.
func (g *Gateway) CheckPermission(sc *access.SecurityContext, permission, resource string) bool {
	return g.access.CheckPermission(sc, permission, resource)
}

// InvalidateSession ends a session early.
func (g *Gateway) InvalidateSession(ctx context.Context, sessionID string) bool {
	ok := g.access.InvalidateSession(sessionID)
	if ok {
		g.log(ctx, audit.Event{
			EventType:   "session_invalidated",
			Resource:    sessionID,
			Action:      "invalidate_session",
			Result:      "success",
			ThreatLevel: audit.ThreatInfo,
		})
		g.metrics.ActiveSessions.Set(float64(g.access.ActiveSessions()))
	}
	return ok
}

// GrantPermission adds permission on resource to userID's future sessions.
func (g *Gateway) GrantPermission(ctx context.Context, userID, permission, resource string) error {
	if err := g.access.GrantPermission(userID, permission, resource); err != nil {
		return err
	}
	g.log(ctx, audit.Event{
		EventType:   "permission_granted",
		UserID:      userID,
		Resource:    resource,
		Action:      permission,
		Result:      "success",
		ThreatLevel: audit.ThreatLow,
	})
	return nil
}

// RevokePermission removes permission on resource from userID, including
// the user's live sessions.
func (g *Gateway) RevokePermission(ctx context.Context, userID, permission, resource string) error {
	if err := g.access.RevokePermission(userID, permission, resource); err != nil {
		return err
	}
	g.log(ctx, audit.Event{
		EventType:   "permission_revoked",
		UserID:      userID,
		Resource:    resource,
		Action:      permission,
		Result:      "success",
		ThreatLevel: audit.ThreatLow,
	})
	return nil
}

// IssueToken signs a bearer token for sc.
func (g *Gateway) IssueToken(sc *access.SecurityContext) (string, error) {
	return g.access.IssueToken(sc)
}

// ParseToken returns the live session named by a bearer token.
func (g *Gateway) ParseToken(token string) (*access.SecurityContext, error) {
	return g.access.ParseToken(token)
}

// VerifyAdminKey checks key against the configured admin key hash, using
// the iteration count stored with it. Hashes saved without one fall back to
// keys.pbkdf2_iterations. With no hash configured every key is rejected.
func (g *Gateway) VerifyAdminKey(key string) bool {
	api := g.cfg.API
	if api.AdminKeyHash == "" || key == "" {
		return false
	}
	if api.AdminKeyIterations > 0 {
		return encryption.VerifyPassword(key, api.AdminKeyHash, api.AdminKeySalt, api.AdminKeyIterations)
	}
	return g.enc.VerifyPassword(key, api.AdminKeyHash, api.AdminKeySalt)
}

// CreateSandbox creates a sandbox for sc's agent. Privileged contexts may
// create sandboxes for other agents.
func (g *Gateway) CreateSandbox(ctx context.Context, sc *access.SecurityContext, req sandbox.Request) (sandbox.Info, error) {
	live, ok := g.validContext(sc)
	if !ok {
		return sandbox.Info{}, secerr.Permission("invalid or expired security context")
	}
	if req.AgentID == "" {
		req.AgentID = live.AgentID
	}
	if req.AgentID != live.AgentID && !live.Privileged() {
		g.log(ctx, audit.Event{
			EventType:   "sandbox_denied",
			UserID:      live.UserID,
			AgentID:     live.AgentID,
			Resource:    req.AgentID,
			Action:      "create_sandbox",
			Result:      "denied",
			ThreatLevel: audit.ThreatMedium,
		})
		return sandbox.Info{}, secerr.Permission("cannot create a sandbox for agent %s", req.AgentID)
	}
	if err := checkEnv(req.Env); err != nil {
		g.log(ctx, audit.Event{
			EventType:   "sandbox_denied",
			UserID:      live.UserID,
			AgentID:     live.AgentID,
			Resource:    req.AgentID,
			Action:      "create_sandbox",
			Result:      "invalid",
			ThreatLevel: audit.ThreatMedium,
			Details:     map[string]any{"reason": secerr.Reason(err)},
		})
		return sandbox.Info{}, err
	}
	return g.sandboxes.CreateSandbox(ctx, req)
}

// DestroySandbox tears down a sandbox owned by sc's agent.
func (g *Gateway) DestroySandbox(ctx context.Context, sc *access.SecurityContext, id string) error {
	live, ok := g.validContext(sc)
	if !ok {
		return secerr.Permission("invalid or expired security context")
	}
	info, found := g.sandboxes.Status(id)
	if !found {
		return nil
	}
	if info.AgentID != live.AgentID && !live.Privileged() {
		return secerr.Permission("sandbox %s belongs to another agent", id)
	}
	return g.sandboxes.DestroySandbox(ctx, id)
}

// ListSandboxes returns the sandboxes sc may see: its agent's, or all of
// them for privileged contexts.
func (g *Gateway) ListSandboxes(sc *access.SecurityContext) []sandbox.Info {
	live, ok := g.validContext(sc)
	if !ok {
		return nil
	}
	all := g.sandboxes.List()
	if live.Privileged() {
		return all
	}
	out := all[:0]
	for _, info := range all {
		if info.AgentID == live.AgentID {
			out = append(out, info)
		}
	}
	return out
}

// SandboxStatus returns one sandbox with fresh disk usage.
func (g *Gateway) SandboxStatus(sc *access.SecurityContext, id string) (sandbox.Info, error) {
	live, ok := g.validContext(sc)
	if !ok {
		return sandbox.Info{}, secerr.Permission("invalid or expired security context")
	}
	info, found := g.sandboxes.Status(id)
	if !found {
		return sandbox.Info{}, secerr.Validation("sandbox %s not found", id)
	}
	if info.AgentID != live.AgentID && !live.Privileged() {
		return sandbox.Info{}, secerr.Permission("sandbox %s belongs to another agent", id)
	}
	if usage, err := g.sandboxes.Usage(id); err == nil {
		info.Usage = usage
	}
	return info, nil
}

// ScanCode runs the vulnerability scanner over code.
func (g *Gateway) ScanCode(ctx context.Context, code, language, target string) *engine.Report {
	return g.scanCode(ctx, code, language, target)
}

func (g *Gateway) scanCode(ctx context.Context, code, language, target string) *engine.Report {
	rep := g.scanner.ScanCode(ctx, code, language, target)
	for _, v := range rep.Vulnerabilities {
		g.metrics.ScanFindings.WithLabelValues(string(v.Severity)).Inc()
	}
	return rep
}

// QueryEvents filters the in-memory audit trail.
func (g *Gateway) QueryEvents(q audit.QueryOpts) []audit.Event {
	return g.audit.Query(q)
}

// AuditSummary aggregates the last hours of audit events.
func (g *Gateway) AuditSummary(hours int) audit.Summary {
	return g.audit.Summary(hours)
}

// PolicyStatus describes the active policy.
type PolicyStatus struct {
	Version       string   `json:"version"`
	Source        string   `json:"source"`
	Roles         []string `json:"roles"`
	BlocklistSize int      `json:"blocklist_size"`
	Validators    []string `json:"validators"`
}

// Status is a point-in-time view of the whole gateway.
type Status struct {
	ActiveSessions int               `json:"active_sessions"`
	AuditSummary   audit.Summary     `json:"audit_summary"`
	AuditStats     audit.Stats       `json:"audit_stats"`
	Encryption     encryption.Status `json:"encryption_status"`
	Sandboxes      []sandbox.Info    `json:"sandboxes"`
	Policy         PolicyStatus      `json:"policy"`
	ScannerRules   int               `json:"scanner_rules"`
	GeneratedAt    time.Time         `json:"generated_at"`
}

// SecurityStatus reports sessions, the last day of audit activity, key
// material and every sandbox.
func (g *Gateway) SecurityStatus() Status {
	ev := g.evaluator.Load()
	p := ev.Policy()
	source := g.cfg.PolicyFile
	if source == "" {
		source = "built-in"
	}
	active := g.access.ActiveSessions()
	sbs := g.sandboxes.List()
	g.metrics.ActiveSessions.Set(float64(active))
	g.metrics.ActiveSandboxes.Set(float64(len(sbs)))
	stats := g.audit.Stats()
	g.metrics.AuditInMemory.Set(float64(stats.InMemory))
	return Status{
		ActiveSessions: active,
		AuditSummary:   g.audit.Summary(24),
		AuditStats:     stats,
		Encryption:     g.enc.Status(),
		Sandboxes:      sbs,
		Policy: PolicyStatus{
			Version:       p.Version,
			Source:        source,
			Roles:         p.RoleNames(),
			BlocklistSize: len(p.Blocklist),
			Validators:    ev.ValidatorNames(),
		},
		ScannerRules: g.scanner.RulesCount(),
		GeneratedAt:  time.Now().UTC(),
	}
}
