package access

import (
	"slices"
	"time"

	"github.com/oktsec/warden/internal/policy"
)

// SecurityContext is an authenticated session's authority. Callers receive
// copies; only the Manager mutates the live session.
type SecurityContext struct {
	UserID        string    `json:"user_id"`
	SessionID     string    `json:"session_id"`
	AgentID       string    `json:"agent_id,omitempty"`
	Role          string    `json:"role"`
	AccessLevel   string    `json:"access_level"`
	SecurityLevel string    `json:"security_level"`
	Permissions   []string  `json:"permissions"`
	Restrictions  []string  `json:"restrictions,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ValidAt reports whether the context has not expired at t.
func (sc *SecurityContext) ValidAt(t time.Time) bool {
	return sc != nil && t.Before(sc.ExpiresAt)
}

// Has reports whether the literal permission string is held.
func (sc *SecurityContext) Has(permission string) bool {
	return slices.Contains(sc.Permissions, permission)
}

// Privileged reports whether the context holds the wildcard permission.
func (sc *SecurityContext) Privileged() bool {
	return sc.Has(policy.Wildcard)
}

// HasRestriction reports whether r applies to the context.
func (sc *SecurityContext) HasRestriction(r string) bool {
	return slices.Contains(sc.Restrictions, r)
}

// Clone returns a deep copy.
func (sc *SecurityContext) Clone() *SecurityContext {
	if sc == nil {
		return nil
	}
	c := *sc
	c.Permissions = slices.Clone(sc.Permissions)
	c.Restrictions = slices.Clone(sc.Restrictions)
	return &c
}

// Qualify joins a permission and optional resource into the stored form.
func Qualify(permission, resource string) string {
	if resource == "" {
		return permission
	}
	return permission + ":" + resource
}
