// Package fileedit applies line-oriented edits to files. It performs no
// authorization; callers go through the gateway.
package fileedit

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/oktsec/warden/internal/safefile"
	"github.com/oktsec/warden/internal/secerr"
)

// Operation is an edit kind.
type Operation string

const (
	OpInsert  Operation = "insert"
	OpDelete  Operation = "delete"
	OpReplace Operation = "replace"
	OpCreate  Operation = "create"
	OpMove    Operation = "move"
)

// MaxFileSize bounds files read for editing.
const MaxFileSize = 10 << 20

// Edit is one requested change. Line and EndLine are 1-based and inclusive.
type Edit struct {
	Operation  Operation `json:"operation"`
	Path       string    `json:"path"`
	Content    string    `json:"content,omitempty"`
	Line       int       `json:"line,omitempty"`
	EndLine    int       `json:"end_line,omitempty"`
	OldContent string    `json:"old_content,omitempty"`
	NewPath    string    `json:"new_path,omitempty"`
}

// Validate checks the edit's shape without touching the filesystem.
func (e Edit) Validate() error {
	if e.Path == "" {
		return secerr.Validation("edit path is required")
	}
	switch e.Operation {
	case OpInsert:
	case OpDelete:
		if e.Line < 1 {
			return secerr.Validation("delete requires a line number")
		}
	case OpReplace:
		if e.OldContent == "" && e.Line < 1 {
			return secerr.Validation("replace requires old_content or a line number")
		}
	case OpCreate:
	case OpMove:
		if e.NewPath == "" {
			return secerr.Validation("move requires new_path")
		}
	default:
		return secerr.Validation("unknown edit operation %q", e.Operation)
	}
	if e.EndLine != 0 && e.EndLine < e.Line {
		return secerr.Validation("end_line %d before line %d", e.EndLine, e.Line)
	}
	return nil
}

// Targets returns every path the edit writes to.
func (e Edit) Targets() []string {
	if e.Operation == OpMove {
		return []string{e.Path, e.NewPath}
	}
	return []string{e.Path}
}

// NewContent is the text the edit introduces, for scanning.
func (e Edit) NewContent() string {
	switch e.Operation {
	case OpInsert, OpReplace, OpCreate:
		return e.Content
	}
	return ""
}

// Result summarizes an applied edit.
type Result struct {
	Path         string    `json:"path"`
	Operation    Operation `json:"operation"`
	LinesChanged int       `json:"lines_changed"`
	Bytes        int       `json:"bytes"`
}

// Apply performs the edit. Writes replace the file atomically.
func Apply(e Edit) (*Result, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	switch e.Operation {
	case OpCreate:
		return create(e)
	case OpMove:
		return move(e)
	}

	data, mode, err := read(e.Path)
	if err != nil {
		return nil, err
	}
	lines := splitLines(string(data))

	var changed int
	switch e.Operation {
	case OpInsert:
		lines, changed, err = insert(lines, e.Line, e.Content)
	case OpDelete:
		lines, changed, err = deleteLines(lines, e.Line, endLine(e))
	case OpReplace:
		if e.OldContent != "" {
			text := strings.Join(lines, "")
			if !strings.Contains(text, e.OldContent) {
				return nil, secerr.Validation("old_content not found in %s", e.Path)
			}
			text = strings.Replace(text, e.OldContent, e.Content, 1)
			changed = strings.Count(e.OldContent, "\n") + 1
			lines = splitLines(text)
		} else {
			lines, changed, err = replaceLines(lines, e.Line, endLine(e), e.Content)
		}
	}
	if err != nil {
		return nil, err
	}

	out := strings.Join(lines, "")
	if err := safefile.WriteFileAtomic(e.Path, []byte(out), mode); err != nil {
		return nil, fmt.Errorf("writing %s: %w", e.Path, err)
	}
	return &Result{Path: e.Path, Operation: e.Operation, LinesChanged: changed, Bytes: len(out)}, nil
}

func endLine(e Edit) int {
	if e.EndLine == 0 {
		return e.Line
	}
	return e.EndLine
}

func read(path string) ([]byte, fs.FileMode, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, 0, fmt.Errorf("reading %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, 0, secerr.Validation("%s is not a regular file", path)
	}
	data, err := safefile.ReadFileMax(path, MaxFileSize)
	if err != nil {
		return nil, 0, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, info.Mode().Perm(), nil
}

// create writes the file under a temporary name and hard-links it into
// place, which fails if the target already exists.
func create(e Edit) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(e.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating parent of %s: %w", e.Path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(e.Path), ".warden-create-*")
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", e.Path, err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // temp name only
	if _, err := tmp.WriteString(e.Content); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("writing %s: %w", e.Path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("writing %s: %w", e.Path, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("writing %s: %w", e.Path, err)
	}
	if err := os.Link(tmp.Name(), e.Path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, secerr.Validation("%s already exists", e.Path)
		}
		return nil, fmt.Errorf("creating %s: %w", e.Path, err)
	}
	return &Result{
		Path:         e.Path,
		Operation:    OpCreate,
		LinesChanged: len(splitLines(e.Content)),
		Bytes:        len(e.Content),
	}, nil
}

func move(e Edit) (*Result, error) {
	if _, err := os.Lstat(e.Path); err != nil {
		return nil, fmt.Errorf("moving %s: %w", e.Path, err)
	}
	if _, err := os.Lstat(e.NewPath); err == nil {
		return nil, secerr.Validation("%s already exists", e.NewPath)
	}
	if err := os.MkdirAll(filepath.Dir(e.NewPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating parent of %s: %w", e.NewPath, err)
	}
	if err := os.Rename(e.Path, e.NewPath); err != nil {
		return nil, fmt.Errorf("moving %s: %w", e.Path, err)
	}
	return &Result{Path: e.NewPath, Operation: OpMove}, nil
}

// splitLines keeps line terminators so joining restores the input exactly.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func terminated(s string) string {
	if s != "" && !strings.HasSuffix(s, "\n") {
		return s + "\n"
	}
	return s
}

// insert places content before line; line 0 or len+1 appends.
func insert(lines []string, line int, content string) ([]string, int, error) {
	if line == 0 {
		line = len(lines) + 1
	}
	if line < 1 || line > len(lines)+1 {
		return nil, 0, secerr.Validation("line %d out of range (1-%d)", line, len(lines)+1)
	}
	block := splitLines(terminated(content))
	idx := line - 1
	if idx == len(lines) && idx > 0 {
		lines[idx-1] = terminated(lines[idx-1])
	}
	out := make([]string, 0, len(lines)+len(block))
	out = append(out, lines[:idx]...)
	out = append(out, block...)
	out = append(out, lines[idx:]...)
	return out, len(block), nil
}

func checkRange(lines []string, start, end int) error {
	if start < 1 || end > len(lines) {
		return secerr.Validation("lines %d-%d out of range (file has %d)", start, end, len(lines))
	}
	return nil
}

func deleteLines(lines []string, start, end int) ([]string, int, error) {
	if err := checkRange(lines, start, end); err != nil {
		return nil, 0, err
	}
	out := append(lines[:start-1:start-1], lines[end:]...)
	return out, end - start + 1, nil
}

func replaceLines(lines []string, start, end int, content string) ([]string, int, error) {
	if err := checkRange(lines, start, end); err != nil {
		return nil, 0, err
	}
	block := splitLines(content)
	if end == len(lines) && !strings.HasSuffix(lines[end-1], "\n") {
		// keep the file's missing final newline
		if n := len(block); n > 0 {
			block[n-1] = strings.TrimSuffix(block[n-1], "\n")
		}
	} else if n := len(block); n > 0 {
		block[n-1] = terminated(block[n-1])
	}
	out := make([]string, 0, len(lines)-(end-start+1)+len(block))
	out = append(out, lines[:start-1]...)
	out = append(out, block...)
	out = append(out, lines[end:]...)
	return out, end - start + 1, nil
}
