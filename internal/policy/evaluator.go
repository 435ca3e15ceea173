package policy

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Decision represents the outcome of a policy check.
type Decision struct {
	Allowed   bool
	Reason    string
	Validator string
	Pattern   string
}

func allow() Decision { return Decision{Allowed: true} }

// Env is the execution context a validator judges a command against.
type Env struct {
	Sandboxed     bool
	NetworkAccess bool
	// Privileged contexts may run system administration commands.
	Privileged   bool
	Restrictions []string
}

// HasRestriction reports whether r is present in the environment.
func (e Env) HasRestriction(r string) bool {
	for _, have := range e.Restrictions {
		if have == r {
			return true
		}
	}
	return false
}

// Restriction names understood by the validators and the gateway.
const (
	RestrictNoNetwork   = "no_network"
	RestrictSandboxOnly = "sandbox_only"
)

// Validator is a named command check.
type Validator interface {
	Name() string
	Check(cmd Command, env Env) Decision
}

// Evaluator applies a Policy. It never mutates the policy it was built from.
type Evaluator struct {
	policy     *Policy
	blocklist  []string
	validators []Validator
}

// NewEvaluator builds an evaluator with the file, network and system
// validators configured by p.
func NewEvaluator(p *Policy) *Evaluator {
	e := &Evaluator{policy: p}
	for _, pattern := range p.Blocklist {
		e.blocklist = append(e.blocklist, Normalize(pattern))
	}
	e.validators = []Validator{
		fileValidator{rules: p.Validators.File},
		networkValidator{rules: p.Validators.Network},
		systemValidator{rules: p.Validators.System},
	}
	return e
}

// Policy returns the policy backing the evaluator. Callers must not modify it.
func (e *Evaluator) Policy() *Policy { return e.policy }

// CheckBlocklist rejects commands containing any blocklisted pattern. The
// check is independent of role.
func (e *Evaluator) CheckBlocklist(command string) Decision {
	norm := Normalize(command)
	for _, pattern := range e.blocklist {
		if strings.Contains(norm, pattern) {
			return Decision{
				Reason:    fmt.Sprintf("command matches blocked pattern %q", pattern),
				Validator: "blocklist",
				Pattern:   pattern,
			}
		}
	}
	return allow()
}

// Validate runs every validator in order and returns the first rejection.
func (e *Evaluator) Validate(command string, env Env) Decision {
	cmd := ParseCommand(command)
	for _, v := range e.validators {
		if d := v.Check(cmd, env); !d.Allowed {
			d.Validator = v.Name()
			return d
		}
	}
	return allow()
}

// ValidatorNames lists the validators in evaluation order.
func (e *Evaluator) ValidatorNames() []string {
	names := make([]string, len(e.validators))
	for i, v := range e.validators {
		names[i] = v.Name()
	}
	return names
}

// CheckPath judges a file edit target against the file validator's
// secret and protected path lists.
func (e *Evaluator) CheckPath(path string) Decision {
	clean := filepath.Clean(path)
	rules := e.policy.Validators.File
	for _, pattern := range append(append([]string(nil), rules.SecretPaths...), rules.ProtectedPaths...) {
		if matchPath(clean, pattern) {
			return Decision{
				Reason:    fmt.Sprintf("path %s is protected (%s)", clean, pattern),
				Validator: "file",
				Pattern:   pattern,
			}
		}
	}
	return allow()
}

type fileValidator struct{ rules FileRules }

func (fileValidator) Name() string { return "file" }

func (v fileValidator) Check(cmd Command, _ Env) Decision {
	for _, tok := range cmd.Tokens() {
		for _, pattern := range v.rules.SecretPaths {
			if matchPath(tok, pattern) {
				return Decision{Reason: fmt.Sprintf("references protected path %s", tok), Pattern: pattern}
			}
		}
	}

	var written []string
	written = append(written, cmd.RedirectTargets...)
	for _, seg := range cmd.Segments {
		if contains(v.rules.WriteCommands, seg.Name) {
			written = append(written, seg.Args...)
		}
	}
	for _, tok := range written {
		for _, pattern := range v.rules.ProtectedPaths {
			if matchPath(tok, pattern) {
				return Decision{Reason: fmt.Sprintf("writes to protected path %s", tok), Pattern: pattern}
			}
		}
	}
	return allow()
}

type networkValidator struct{ rules NetworkRules }

func (networkValidator) Name() string { return "network" }

func (v networkValidator) Check(cmd Command, env Env) Decision {
	var why string
	switch {
	case env.HasRestriction(RestrictNoNetwork):
		why = "context is restricted from network access"
	case env.Sandboxed && !env.NetworkAccess:
		why = "sandbox has network access disabled"
	case !env.Sandboxed && !v.rules.AllowWithoutSandbox:
		why = "network access requires a sandbox"
	default:
		return allow()
	}

	for _, seg := range cmd.Segments {
		if contains(v.rules.Commands, seg.Name) {
			return Decision{Reason: fmt.Sprintf("%s: %s", why, seg.Name), Pattern: seg.Name}
		}
	}
	for _, pattern := range v.rules.InstallPatterns {
		if strings.Contains(cmd.Normalized, Normalize(pattern)) {
			return Decision{Reason: fmt.Sprintf("%s: %s", why, pattern), Pattern: pattern}
		}
	}
	return allow()
}

type systemValidator struct{ rules SystemRules }

func (systemValidator) Name() string { return "system" }

func (v systemValidator) Check(cmd Command, env Env) Decision {
	if env.Privileged {
		return allow()
	}
	for _, seg := range cmd.Segments {
		if contains(v.rules.Commands, seg.Name) {
			return Decision{
				Reason:  fmt.Sprintf("system command %s requires a privileged context", seg.Name),
				Pattern: seg.Name,
			}
		}
	}
	return allow()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
