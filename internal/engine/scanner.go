// Package engine scans agent-authored code for vulnerabilities. Pattern
// rules produce line-numbered findings and a risk score; an optional
// content pass flags prompt-injection and credential leaks.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/garagon/aguara"
	"github.com/google/uuid"
)

// Finding sources.
const (
	SourcePattern = "pattern"
	SourceContent = "content"
	SourceScanner = "scanner"
)

// Vulnerability is one finding.
type Vulnerability struct {
	RuleID         string   `json:"rule_id"`
	Severity       Severity `json:"severity"`
	Description    string   `json:"description"`
	Recommendation string   `json:"recommendation,omitempty"`
	Line           int      `json:"line"`
	Match          string   `json:"match,omitempty"`
	Source         string   `json:"source"`
}

// Report is the result of one scan.
type Report struct {
	ScanID          string          `json:"scan_id"`
	Target          string          `json:"target"`
	Language        string          `json:"language"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	RiskScore       float64         `json:"risk_score"`
	Recommendations []string        `json:"recommendations"`
	ScannedAt       time.Time       `json:"scanned_at"`
}

// MaxSeverity returns the most severe finding, or "" when clean.
func (r *Report) MaxSeverity() Severity {
	var max Severity
	for _, v := range r.Vulnerabilities {
		if max == "" || v.Severity.Weight() > max.Weight() {
			max = v.Severity
		}
	}
	return max
}

// Count returns the number of findings at sev.
func (r *Report) Count(sev Severity) int {
	n := 0
	for _, v := range r.Vulnerabilities {
		if v.Severity == sev {
			n++
		}
	}
	return n
}

// Scanner is safe for concurrent use.
type Scanner struct {
	rules       []Rule
	content     bool
	contentOpts []aguara.Option
	logger      *slog.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithContentRules enables the content pass using Aguara's built-in rules
// plus any rules in customDir.
func WithContentRules(customDir string) Option {
	return func(s *Scanner) {
		s.content = true
		if customDir != "" {
			s.contentOpts = append(s.contentOpts, aguara.WithCustomRules(customDir))
		}
	}
}

// WithLogger sets the scanner's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) { s.logger = l }
}

// NewScanner creates a scanner over the given compiled rules.
func NewScanner(rules []Rule, opts ...Option) *Scanner {
	s := &Scanner{rules: rules, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RulesCount returns the number of pattern rules.
func (s *Scanner) RulesCount() int { return len(s.rules) }

// ScanCode scans code written in language. target names the code in the
// report (a path or a label).
func (s *Scanner) ScanCode(ctx context.Context, code, language, target string) *Report {
	language = strings.ToLower(language)
	rep := &Report{
		ScanID:    uuid.NewString(),
		Target:    target,
		Language:  language,
		ScannedAt: time.Now().UTC(),
	}

	lines := newLineIndex(code)
	for i := range s.rules {
		r := &s.rules[i]
		if !r.appliesTo(language) {
			continue
		}
		for _, loc := range r.re.FindAllStringIndex(code, -1) {
			rep.Vulnerabilities = append(rep.Vulnerabilities, Vulnerability{
				RuleID:         r.ID,
				Severity:       r.Severity,
				Description:    r.Description,
				Recommendation: r.Recommendation,
				Line:           lines.lineAt(loc[0]),
				Match:          truncate(code[loc[0]:loc[1]], 200),
				Source:         SourcePattern,
			})
		}
	}

	if s.content && code != "" {
		rep.Vulnerabilities = append(rep.Vulnerabilities, s.scanContent(ctx, code, target, lines)...)
	}

	s.finish(rep)
	return rep
}

// ScanFile scans the file at path. An empty language is inferred from the
// extension. A read failure yields a report with a single low "scan_error"
// finding.
func (s *Scanner) ScanFile(ctx context.Context, path, language string) *Report {
	if language == "" {
		language = DetectLanguage(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		rep := &Report{
			ScanID:    uuid.NewString(),
			Target:    path,
			Language:  language,
			ScannedAt: time.Now().UTC(),
			Vulnerabilities: []Vulnerability{{
				RuleID:      "scan_error",
				Severity:    SeverityLow,
				Description: fmt.Sprintf("could not read file: %v", err),
				Line:        1,
				Source:      SourceScanner,
			}},
		}
		s.finish(rep)
		return rep
	}
	return s.ScanCode(ctx, string(data), language, path)
}

func (s *Scanner) scanContent(ctx context.Context, code, target string, lines lineIndex) []Vulnerability {
	name := "code.md"
	if target != "" {
		name = filepath.Base(target) + ".md"
	}
	result, err := aguara.ScanContent(ctx, code, name, s.contentOpts...)
	if err != nil {
		s.logger.Warn("content scan failed", "target", target, "error", err)
		return nil
	}
	out := make([]Vulnerability, 0, len(result.Findings))
	for _, f := range result.Findings {
		line := 1
		if f.MatchedText != "" {
			if idx := strings.Index(code, f.MatchedText); idx >= 0 {
				line = lines.lineAt(idx)
			}
		}
		sev := SeverityLow
		switch {
		case f.Severity >= aguara.SeverityCritical:
			sev = SeverityCritical
		case f.Severity >= aguara.SeverityHigh:
			sev = SeverityHigh
		case f.Severity >= aguara.SeverityMedium:
			sev = SeverityMedium
		}
		out = append(out, Vulnerability{
			RuleID:      f.RuleID,
			Severity:    sev,
			Description: f.RuleName,
			Line:        line,
			Match:       truncate(f.MatchedText, 200),
			Source:      SourceContent,
		})
	}
	return out
}

func (s *Scanner) finish(rep *Report) {
	rep.RiskScore = RiskScore(rep.Vulnerabilities)
	seen := make(map[string]bool)
	for _, v := range rep.Vulnerabilities {
		if v.Recommendation != "" && !seen[v.Recommendation] {
			seen[v.Recommendation] = true
			rep.Recommendations = append(rep.Recommendations, v.Recommendation)
		}
	}
	if rep.Vulnerabilities == nil {
		rep.Vulnerabilities = []Vulnerability{}
	}
	if rep.Recommendations == nil {
		rep.Recommendations = []string{}
	}
}

// RiskScore is the summed severity weight divided by the maximum possible
// for that many findings, as a percentage in [0, 100].
func RiskScore(vulns []Vulnerability) float64 {
	if len(vulns) == 0 {
		return 0
	}
	total := 0
	for _, v := range vulns {
		total += v.Severity.Weight()
	}
	score := float64(total) / float64(len(vulns)*10) * 100
	return min(max(score, 0), 100)
}

var extLanguages = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".mjs":  "javascript",
	".cjs":  "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".sh":   "shell",
	".bash": "bash",
	".sql":  "sql",
	".go":   "go",
}

// DetectLanguage maps a file extension to a rule language, or "" if unknown.
func DetectLanguage(path string) string {
	return extLanguages[strings.ToLower(filepath.Ext(path))]
}

// lineIndex maps byte offsets to 1-based line numbers.
type lineIndex []int

func newLineIndex(s string) lineIndex {
	idx := lineIndex{0}
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			idx = append(idx, i+1)
		}
	}
	return idx
}

func (li lineIndex) lineAt(offset int) int {
	lo, hi := 0, len(li)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if li[mid] <= offset {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo + 1
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
