package mcp

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/oktsec/warden/internal/engine"
	"github.com/oktsec/warden/internal/fileedit"
	"github.com/oktsec/warden/internal/gateway"
	"github.com/oktsec/warden/internal/mcputil"
)

// --- Tool definitions ---

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func executeCommandTool() *mcp.Tool {
	return &mcp.Tool{
		Name: "execute_command",
		Description: "Run a shell command through the gateway. The command is checked against " +
			"the blocklist and validators, rate limited and audited. Timeouts return exit code 124.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command":         prop("string", "Shell command to run"),
				"working_dir":     prop("string", "Working directory; relative to the sandbox when sandbox_id is set"),
				"timeout_seconds": prop("number", "Timeout in seconds (default from config)"),
				"sandbox_id":      prop("string", "Run inside this sandbox"),
				"env": map[string]any{
					"type":                 "object",
					"description":          "Extra environment variables",
					"additionalProperties": map[string]any{"type": "string"},
				},
			},
			"required": []string{"command"},
		},
	}
}

func editFileTool() *mcp.Tool {
	return &mcp.Tool{
		Name: "edit_file",
		Description: "Apply a line-oriented file edit through the gateway. New content is scanned " +
			"for vulnerabilities before it is written.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"operation": map[string]any{
					"type":        "string",
					"enum":        []string{"insert", "delete", "replace", "create", "move"},
					"description": "Edit kind",
				},
				"path":        prop("string", "File to edit"),
				"content":     prop("string", "Text to insert, replace with, or create"),
				"line":        prop("integer", "1-based line; 0 appends for insert"),
				"end_line":    prop("integer", "Last line of a delete or replace range"),
				"old_content": prop("string", "Text to replace (first occurrence)"),
				"new_path":    prop("string", "Destination for move"),
				"sandbox_id":  prop("string", "Edit inside this sandbox"),
			},
			"required": []string{"operation", "path"},
		},
	}
}

func scanCodeTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "scan_code",
		Description: "Scan source code for vulnerabilities and embedded secrets. Returns findings with a 0-100 risk score.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code":     prop("string", "Source code to scan"),
				"language": prop("string", "python, javascript, typescript, shell, sql or go; inferred from path when empty"),
				"path":     prop("string", "File name the code belongs to"),
			},
			"required": []string{"code"},
		},
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}
}

func securityStatusTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "security_status",
		Description: "Report active sessions, the last 24 hours of audit activity, key material and sandboxes.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}
}

// --- Handlers ---

func (s *Server) handleExecuteCommand(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := mcputil.ParseArgs(req.Params.Arguments)
	if err != nil {
		return mcputil.Error(err), nil
	}
	command := args.String("command", "")
	if command == "" {
		return mcputil.Errorf("command is required"), nil
	}
	sc, err := s.session(ctx)
	if err != nil {
		return mcputil.Error(err), nil
	}
	res, err := s.gw.ExecuteCommand(ctx, command, sc, gateway.ExecOptions{
		Dir:       args.String("working_dir", ""),
		Env:       args.StringMap("env"),
		Timeout:   time.Duration(args.Float("timeout_seconds", 0) * float64(time.Second)),
		SandboxID: args.String("sandbox_id", s.cfg.SandboxID),
		UserAgent: "mcp",
	})
	if err != nil {
		return mcputil.Error(err), nil
	}
	return mcputil.JSON(res), nil
}

func (s *Server) handleEditFile(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := mcputil.ParseArgs(req.Params.Arguments)
	if err != nil {
		return mcputil.Error(err), nil
	}
	edit := fileedit.Edit{
		Operation:  fileedit.Operation(args.String("operation", "")),
		Path:       args.String("path", ""),
		Content:    args.String("content", ""),
		Line:       args.Int("line", 0),
		EndLine:    args.Int("end_line", 0),
		OldContent: args.String("old_content", ""),
		NewPath:    args.String("new_path", ""),
	}
	sc, err := s.session(ctx)
	if err != nil {
		return mcputil.Error(err), nil
	}
	if _, err := s.gw.EditFile(ctx, edit, sc, args.String("sandbox_id", s.cfg.SandboxID)); err != nil {
		return mcputil.Error(err), nil
	}
	return mcputil.JSON(map[string]any{"success": true, "operation": edit.Operation, "path": edit.Path}), nil
}

func (s *Server) handleScanCode(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := mcputil.ParseArgs(req.Params.Arguments)
	if err != nil {
		return mcputil.Error(err), nil
	}
	code := args.String("code", "")
	if code == "" {
		return mcputil.Errorf("code is required"), nil
	}
	path := args.String("path", "snippet")
	lang := args.String("language", "")
	if lang == "" {
		lang = engine.DetectLanguage(path)
	}
	return mcputil.JSON(s.gw.ScanCode(ctx, code, lang, path)), nil
}

func (s *Server) handleSecurityStatus(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := s.session(ctx); err != nil {
		return mcputil.Error(err), nil
	}
	return mcputil.JSON(s.gw.SecurityStatus()), nil
}
