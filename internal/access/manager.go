// Package access issues and validates security contexts and answers
// permission checks. Sessions live in memory; per-user permission
// overrides are persisted through a GrantStore.
package access

import (
	"crypto/rsa"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/oktsec/warden/internal/encryption"
	"github.com/oktsec/warden/internal/policy"
)

// SystemRole is the only role whose contexts carry the literal wildcard.
const SystemRole = "system"

const sessionIDBytes = 32

// Manager owns the session table. It is safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	roles    map[string]policy.Role
	known    []string
	sessions map[string]*SecurityContext

	grants GrantStore
	signer *rsa.PrivateKey
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithGrantStore persists overrides in s instead of process memory.
func WithGrantStore(s GrantStore) Option {
	return func(m *Manager) { m.grants = s }
}

// WithSigningKey enables IssueToken and ParseToken.
func WithSigningKey(k *rsa.PrivateKey) Option {
	return func(m *Manager) { m.signer = k }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager using the roles of p.
func NewManager(p *policy.Policy, opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*SecurityContext),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.grants == nil {
		m.grants = newMemoryGrants()
	}
	m.SetRoles(p)
	return m
}

// SetRoles replaces the role table. Existing sessions keep the permissions
// they were created with.
func (m *Manager) SetRoles(p *policy.Policy) {
	roles := make(map[string]policy.Role, len(p.Roles))
	for name, r := range p.Roles {
		roles[name] = r
	}
	known := p.KnownPermissions()

	m.mu.Lock()
	m.roles = roles
	m.known = known
	m.mu.Unlock()
}

// CreateContext starts a session for userID with the given role. A
// non-positive duration yields a context that is already expired.
func (m *Manager) CreateContext(userID, role, agentID string, duration time.Duration, restrictions ...string) (*SecurityContext, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	m.mu.RLock()
	def, ok := m.roles[role]
	known := m.known
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	perms := make(map[string]struct{})
	for _, p := range def.Permissions {
		if p == policy.Wildcard && role != SystemRole {
			for _, k := range known {
				perms[k] = struct{}{}
			}
			continue
		}
		perms[p] = struct{}{}
	}

	overrides, err := m.grants.Overrides(userID)
	if err != nil {
		return nil, fmt.Errorf("loading permission overrides: %w", err)
	}
	for _, o := range overrides {
		switch o.Effect {
		case EffectAllow:
			perms[o.Permission] = struct{}{}
		case EffectDeny:
			delete(perms, o.Permission)
		}
	}

	id, err := encryption.SecureToken(sessionIDBytes)
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}

	now := m.now()
	sc := &SecurityContext{
		UserID:        userID,
		SessionID:     id,
		AgentID:       agentID,
		Role:          role,
		AccessLevel:   def.AccessLevel,
		SecurityLevel: def.SecurityLevel,
		Permissions:   sortedKeys(perms),
		Restrictions:  mergeRestrictions(def.Restrictions, restrictions),
		CreatedAt:     now,
		ExpiresAt:     now.Add(duration),
	}

	m.mu.Lock()
	m.sessions[id] = sc
	m.mu.Unlock()

	m.logger.Debug("session created", "user", userID, "role", role, "agent", agentID, "expires_at", sc.ExpiresAt)
	return sc.Clone(), nil
}

// ValidateContext returns the live context for sessionID. Expired sessions
// are evicted and reported as invalid.
func (m *Manager) ValidateContext(sessionID string) (*SecurityContext, bool) {
	now := m.now()

	m.mu.RLock()
	sc, ok := m.sessions[sessionID]
	valid := ok && sc.ValidAt(now)
	var out *SecurityContext
	if valid {
		out = sc.Clone()
	}
	m.mu.RUnlock()

	if ok && !valid {
		m.mu.Lock()
		if cur, still := m.sessions[sessionID]; still && !cur.ValidAt(now) {
			delete(m.sessions, sessionID)
		}
		m.mu.Unlock()
	}
	return out, valid
}

// CheckPermission reports whether sc holds permission, either through the
// wildcard, the bare permission, or the resource-qualified form. Expired
// contexts hold nothing.
func (m *Manager) CheckPermission(sc *SecurityContext, permission, resource string) bool {
	if sc == nil || !sc.ValidAt(m.now()) {
		return false
	}
	if sc.Has(policy.Wildcard) || sc.Has(permission) {
		return true
	}
	return resource != "" && sc.Has(Qualify(permission, resource))
}

// GrantPermission records an allow override for userID. It applies to
// sessions created afterwards; live sessions are unchanged.
func (m *Manager) GrantPermission(userID, permission, resource string) error {
	return m.grants.SetOverride(Override{
		UserID:     userID,
		Permission: Qualify(permission, resource),
		Effect:     EffectAllow,
		UpdatedAt:  m.now(),
	})
}

// RevokePermission records a deny override for userID and removes the
// permission from the user's live sessions immediately.
func (m *Manager) RevokePermission(userID, permission, resource string) error {
	key := Qualify(permission, resource)
	if err := m.grants.SetOverride(Override{
		UserID:     userID,
		Permission: key,
		Effect:     EffectDeny,
		UpdatedAt:  m.now(),
	}); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stripped := 0
	for _, sc := range m.sessions {
		if sc.UserID != userID {
			continue
		}
		if i := slices.Index(sc.Permissions, key); i >= 0 {
			sc.Permissions = slices.Delete(slices.Clone(sc.Permissions), i, i+1)
			stripped++
		}
	}
	if stripped > 0 {
		m.logger.Info("permission revoked from live sessions", "user", userID, "permission", key, "sessions", stripped)
	}
	return nil
}

// InvalidateSession ends a session early. It reports whether the session existed.
func (m *Manager) InvalidateSession(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	return ok
}

// CleanupExpiredSessions evicts every expired session and returns the count.
func (m *Manager) CleanupExpiredSessions() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, sc := range m.sessions {
		if !sc.ValidAt(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// ActiveSessions counts sessions that have not expired.
func (m *Manager) ActiveSessions() int {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sc := range m.sessions {
		if sc.ValidAt(now) {
			n++
		}
	}
	return n
}

// Close releases the grant store.
func (m *Manager) Close() error {
	return m.grants.Close()
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func mergeRestrictions(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		for _, r := range l {
			if r != "" && !slices.Contains(out, r) {
				out = append(out, r)
			}
		}
	}
	return out
}
