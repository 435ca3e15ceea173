package engine

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oktsec/warden/internal/safefile"
	"github.com/oktsec/warden/rules"
)

// Severity grades a finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight is the severity's contribution to the risk score.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 10
	case SeverityHigh:
		return 7
	case SeverityMedium:
		return 3
	default:
		return 1
	}
}

// AnyLanguage makes a rule apply to every language.
const AnyLanguage = "*"

// Rule is one pattern-based vulnerability check.
type Rule struct {
	ID             string   `yaml:"id"`
	Languages      []string `yaml:"languages"`
	Pattern        string   `yaml:"pattern"`
	Severity       Severity `yaml:"severity"`
	Description    string   `yaml:"description"`
	Recommendation string   `yaml:"recommendation"`

	re *regexp.Regexp
}

func (r *Rule) appliesTo(language string) bool {
	return slices.Contains(r.Languages, AnyLanguage) || slices.Contains(r.Languages, language)
}

type ruleFile struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// ParseRules decodes and compiles a rule file. Patterns are compiled in
// multi-line mode so ^ and $ anchor at line boundaries.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	seen := make(map[string]bool, len(f.Rules))
	for i := range f.Rules {
		r := &f.Rules[i]
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d has no id", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		switch r.Severity {
		case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		default:
			return nil, fmt.Errorf("rule %s: invalid severity %q", r.ID, r.Severity)
		}
		if len(r.Languages) == 0 {
			return nil, fmt.Errorf("rule %s: no languages", r.ID)
		}
		for j, l := range r.Languages {
			r.Languages[j] = strings.ToLower(l)
		}
		re, err := regexp.Compile("(?m)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		r.re = re
	}
	return f.Rules, nil
}

// LoadRules reads a rule file from disk. An empty path returns the built-in rules.
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := safefile.ReadFileMax(path, 1<<20)
	if err != nil {
		return nil, fmt.Errorf("reading rules: %w", err)
	}
	return ParseRules(data)
}

// DefaultRules returns the embedded rule set.
func DefaultRules() []Rule {
	r, err := ParseRules(rules.DefaultVulnerabilities())
	if err != nil {
		panic("engine: embedded rules are invalid: " + err.Error())
	}
	return r
}
