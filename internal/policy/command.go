package policy

import (
	"path/filepath"
	"strings"
)

// Command is a shell command split into the pieces the validators inspect.
// The split is lexical: it does not expand variables or subshells.
type Command struct {
	Raw        string
	Normalized string
	Segments   []Segment
	// RedirectTargets are the operands of > and >> redirections.
	RedirectTargets []string
}

// Segment is one simple command between shell separators.
type Segment struct {
	Name string
	Args []string
}

// ParseCommand splits raw on shell separators and redirections.
func ParseCommand(raw string) Command {
	c := Command{Raw: raw, Normalized: Normalize(raw)}

	spaced := spaceRedirects(raw)
	for _, part := range splitSegments(spaced) {
		fields := strings.Fields(part)
		var seg Segment
		for i := 0; i < len(fields); i++ {
			tok := unquote(fields[i])
			if tok == ">" || tok == ">>" {
				if i+1 < len(fields) {
					c.RedirectTargets = append(c.RedirectTargets, unquote(fields[i+1]))
					i++
				}
				continue
			}
			if seg.Name == "" {
				if isAssignment(tok) {
					continue
				}
				seg.Name = filepath.Base(tok)
				continue
			}
			seg.Args = append(seg.Args, tok)
		}
		if seg.Name != "" {
			c.Segments = append(c.Segments, seg)
		}
	}
	return c
}

// Normalize lowercases s and collapses whitespace runs to single spaces.
func Normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Tokens returns every argument and redirect target across all segments.
func (c Command) Tokens() []string {
	var out []string
	for _, seg := range c.Segments {
		out = append(out, seg.Args...)
	}
	return append(out, c.RedirectTargets...)
}

func splitSegments(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case ';', '|', '&', '\n', '(', ')', '`':
			return true
		}
		return false
	})
}

// spaceRedirects surrounds redirection operators with spaces so "a>b" and
// "2>>log" split into separate fields.
func spaceRedirects(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		if s[i] != '>' {
			b.WriteByte(s[i])
			continue
		}
		b.WriteByte(' ')
		b.WriteByte('>')
		if i+1 < len(s) && s[i+1] == '>' {
			b.WriteByte('>')
			i++
		}
		// >& and >| are fd duplication or clobber forms, not file targets.
		if i+1 < len(s) && (s[i+1] == '&' || s[i+1] == '|') {
			b.WriteByte(s[i+1])
			i++
		}
		b.WriteByte(' ')
	}
	return b.String()
}

func unquote(tok string) string {
	return strings.Trim(tok, `"'`)
}

func isAssignment(tok string) bool {
	eq := strings.IndexByte(tok, '=')
	return eq > 0 && !strings.ContainsAny(tok[:eq], "/-.")
}

// matchPath reports whether p matches a configured path pattern.
func matchPath(p, pattern string) bool {
	if strings.HasPrefix(pattern, "/") {
		clean := filepath.Clean(p)
		if strings.HasSuffix(pattern, "/") {
			return strings.HasPrefix(clean+"/", pattern)
		}
		return clean == pattern || strings.HasPrefix(clean, pattern+"/")
	}
	return strings.Contains(p, pattern)
}
