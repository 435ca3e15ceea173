// Package policy holds the gateway's rule tables: the role to permission
// table, the command blocklist and the named command validators. Tables are
// loaded from YAML and treated as immutable once parsed; hot reload swaps
// whole values.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oktsec/warden/internal/safefile"
	"github.com/oktsec/warden/rules"
)

// Wildcard grants every permission.
const Wildcard = "*"

const maxPolicySize = 1 << 20

// Policy is the parsed policy file.
type Policy struct {
	Version    string          `yaml:"version"`
	Roles      map[string]Role `yaml:"roles"`
	Blocklist  []string        `yaml:"blocklist"`
	Validators Validators      `yaml:"validators"`
}

// Role describes the permissions a security context of that role receives.
type Role struct {
	AccessLevel   string   `yaml:"access_level"`
	SecurityLevel string   `yaml:"security_level"`
	Permissions   []string `yaml:"permissions"`
	Restrictions  []string `yaml:"restrictions,omitempty"`
}

// Validators configures the named command validators.
type Validators struct {
	File    FileRules    `yaml:"file"`
	Network NetworkRules `yaml:"network"`
	System  SystemRules  `yaml:"system"`
}

// FileRules configures the file validator. Entries starting with "/" match
// as path prefixes; anything else matches as a substring.
type FileRules struct {
	SecretPaths    []string `yaml:"secret_paths"`
	ProtectedPaths []string `yaml:"protected_paths"`
	WriteCommands  []string `yaml:"write_commands"`
}

// NetworkRules configures the network validator.
type NetworkRules struct {
	Commands            []string `yaml:"commands"`
	InstallPatterns     []string `yaml:"install_patterns"`
	AllowWithoutSandbox bool     `yaml:"allow_without_sandbox"`
}

// SystemRules configures the system validator.
type SystemRules struct {
	Commands []string `yaml:"commands"`
}

// Parse decodes and validates a policy document.
func Parse(data []byte) (*Policy, error) {
	p := &Policy{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Load reads a policy file from disk. An empty path returns the built-in policy.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := safefile.ReadFileMax(path, maxPolicySize)
	if err != nil {
		return nil, fmt.Errorf("reading policy: %w", err)
	}
	return Parse(data)
}

// Default returns the embedded policy.
func Default() *Policy {
	p, err := Parse(rules.DefaultPolicy())
	if err != nil {
		panic("policy: embedded default is invalid: " + err.Error())
	}
	return p
}

// Validate checks that the policy is usable.
func (p *Policy) Validate() error {
	if len(p.Roles) == 0 {
		return fmt.Errorf("policy defines no roles")
	}
	for name, role := range p.Roles {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("policy has a role with an empty name")
		}
		for _, perm := range role.Permissions {
			if strings.TrimSpace(perm) == "" {
				return fmt.Errorf("role %q has an empty permission", name)
			}
			if strings.Contains(perm, ":") {
				return fmt.Errorf("role %q: permission %q must not be resource-qualified", name, perm)
			}
		}
	}
	for i, pattern := range p.Blocklist {
		if strings.TrimSpace(pattern) == "" {
			return fmt.Errorf("blocklist entry %d is empty", i)
		}
	}
	return nil
}

// KnownPermissions returns every concrete permission named by any role,
// sorted. The wildcard is excluded.
func (p *Policy) KnownPermissions() []string {
	seen := make(map[string]struct{})
	for _, role := range p.Roles {
		for _, perm := range role.Permissions {
			if perm != Wildcard {
				seen[perm] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for perm := range seen {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}

// RoleNames returns the configured role names, sorted.
func (p *Policy) RoleNames() []string {
	out := make([]string, 0, len(p.Roles))
	for name := range p.Roles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
