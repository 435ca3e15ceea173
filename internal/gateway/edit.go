package gateway

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/oktsec/warden/internal/access"
	"github.com/oktsec/warden/internal/audit"
	"github.com/oktsec/warden/internal/engine"
	"github.com/oktsec/warden/internal/fileedit"
	"github.com/oktsec/warden/internal/policy"
	"github.com/oktsec/warden/internal/safefile"
	"github.com/oktsec/warden/internal/secerr"
	"github.com/oktsec/warden/internal/telemetry"
)

// fileWriteOp is the sandbox operation that covers file edits.
const fileWriteOp = "file_write"

// EditFile authorizes and applies edit. Inside a sandbox every path is
// resolved against the sandbox tree and may not escape it. New content is
// scanned when scan_edits is on; critical findings block the edit only when
// block_on_critical is set.
func (g *Gateway) EditFile(ctx context.Context, edit fileedit.Edit, sc *access.SecurityContext, sandboxID string) (ok bool, err error) {
	ctx, span := telemetry.StartSpan(ctx, "gateway.edit_file", "operation", string(edit.Operation), "sandbox_id", sandboxID)
	defer func() { telemetry.EndSpan(span, err) }()

	base := audit.Event{Resource: edit.Path, Action: "edit:" + string(edit.Operation)}
	if sc != nil {
		base.UserID, base.AgentID = sc.UserID, sc.AgentID
	}
	deny := func(eventType string, level audit.ThreatLevel, details map[string]any, e error) (bool, error) {
		ev := base
		ev.EventType = eventType
		ev.Result = "denied"
		ev.ThreatLevel = level
		if details == nil {
			details = map[string]any{}
		}
		details["reason"] = secerr.Reason(e)
		ev.Details = details
		g.log(ctx, ev)
		g.metrics.Decisions.WithLabelValues("edit", "denied").Inc()
		return false, e
	}

	live, valid := g.validContext(sc)
	if !valid {
		return deny("authentication_failed", audit.ThreatMedium, nil,
			secerr.Permission("invalid or expired security context"))
	}
	base.UserID, base.AgentID = live.UserID, live.AgentID

	if err := edit.Validate(); err != nil {
		return deny("file_edit_validation_failed", audit.ThreatLow, nil, err)
	}

	// Resolve every target to an absolute path. checked also holds the
	// link-resolved destinations, which must pass the same checks.
	targets := edit.Targets()
	var checked []string
	if sandboxID != "" {
		info, err := g.sandboxFor(live, sandboxID)
		if err != nil {
			return deny("file_edit_denied", audit.ThreatMedium, map[string]any{"sandbox_id": sandboxID}, err)
		}
		if !slices.Contains(info.AllowedOperations, fileWriteOp) || slices.Contains(info.BlockedOperations, fileWriteOp) {
			return deny("file_edit_denied", audit.ThreatMedium, map[string]any{"sandbox_id": sandboxID},
				secerr.Permission("operation %q is not allowed in sandbox %s", fileWriteOp, sandboxID))
		}
		for i, p := range targets {
			resolved, err := g.sandboxes.ResolvePath(sandboxID, p)
			if err != nil {
				return deny("file_edit_denied", audit.ThreatHigh, map[string]any{"sandbox_id": sandboxID, "path": p}, err)
			}
			targets[i] = resolved
		}
		checked = append(checked, targets...)
	} else {
		if live.HasRestriction(policy.RestrictSandboxOnly) {
			return deny("file_edit_denied", audit.ThreatMedium, nil,
				secerr.Permission("context is restricted to sandboxed execution"))
		}
		for i, p := range targets {
			abs, err := filepath.Abs(p)
			if err != nil {
				return deny("file_edit_validation_failed", audit.ThreatLow, nil, secerr.Validation("invalid path %q", p))
			}
			targets[i] = abs
			checked = append(checked, abs)
			real, err := safefile.ResolveExisting(abs)
			if err != nil {
				return deny("file_edit_validation_failed", audit.ThreatLow, map[string]any{"path": abs},
					secerr.Validation("resolving %s: %v", abs, err))
			}
			if real != abs {
				checked = append(checked, real)
			}
		}
	}

	for _, p := range checked {
		if !g.access.CheckPermission(live, "write", p) {
			return deny("file_edit_denied", audit.ThreatMedium, map[string]any{"path": p, "role": live.Role},
				secerr.Permission("permission denied: write on %s", p))
		}
	}
	ev := g.evaluator.Load()
	for _, p := range checked {
		if d := ev.CheckPath(p); !d.Allowed {
			return deny("file_edit_validation_failed", audit.ThreatMedium, map[string]any{"path": p, "pattern": d.Pattern},
				secerr.Validation("%s", d.Reason))
		}
	}

	resolved := edit
	resolved.Path = targets[0]
	if edit.Operation == fileedit.OpMove {
		resolved.NewPath = targets[1]
	}

	if content := edit.NewContent(); content != "" && g.cfg.Scanner.ScanEdits {
		rep := g.scanCode(ctx, content, engine.DetectLanguage(resolved.Path), resolved.Path)
		if len(rep.Vulnerabilities) > 0 {
			block := g.cfg.Scanner.BlockOnCritical && rep.MaxSeverity() == engine.SeverityCritical
			result := "warned"
			if block {
				result = "blocked"
			}
			vev := base
			vev.EventType = "vulnerable_code_detected"
			vev.Result = result
			vev.ThreatLevel = audit.ThreatHigh
			vev.Details = map[string]any{
				"scan_id":         rep.ScanID,
				"risk_score":      rep.RiskScore,
				"findings":        len(rep.Vulnerabilities),
				"max_severity":    string(rep.MaxSeverity()),
				"recommendations": rep.Recommendations,
			}
			g.log(ctx, vev)
			if block {
				g.metrics.Decisions.WithLabelValues("edit", "blocked").Inc()
				return false, secerr.Validation("edit introduces %d critical finding(s)", rep.Count(engine.SeverityCritical))
			}
		}
	}

	start := base
	start.Resource = resolved.Path
	start.EventType = "file_edit_start"
	start.Result = "started"
	start.ThreatLevel = audit.ThreatInfo
	start.Details = map[string]any{"sandbox_id": sandboxID}
	g.log(ctx, start)
	g.metrics.Decisions.WithLabelValues("edit", "allowed").Inc()

	began := time.Now()
	res, err := fileedit.Apply(resolved)
	if sandboxID != "" {
		g.sandboxes.RecordFileOperation(sandboxID)
	}

	done := base
	done.Resource = resolved.Path
	done.EventType = "file_edit_complete"
	done.ThreatLevel = audit.ThreatInfo
	details := map[string]any{"sandbox_id": sandboxID, "duration_ms": time.Since(began).Milliseconds()}
	if err != nil {
		done.Result = "error"
		done.ThreatLevel = audit.ThreatLow
		details["error"] = err.Error()
	} else {
		done.Result = "success"
		details["lines_changed"] = res.LinesChanged
		details["bytes"] = res.Bytes
	}
	done.Details = details
	g.log(context.WithoutCancel(ctx), done)

	if err != nil {
		return false, fmt.Errorf("applying %s edit: %w", edit.Operation, err)
	}
	return true, nil
}
