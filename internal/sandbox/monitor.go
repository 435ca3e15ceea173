package sandbox

import (
	"context"
	"time"
)

// SweepResult lists what one monitor pass did.
type SweepResult struct {
	IdleDestroyed      []string
	Flagged            []string
	ViolationDestroyed []string
}

// Start runs the health monitor until ctx is cancelled or Stop is called.
// Calling Start while running is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.monMu.Lock()
	defer m.monMu.Unlock()
	if m.monStop != nil {
		return
	}
	interval := m.cfg.MonitorInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	m.monStop = cancel
	m.monWG.Add(1)
	go func() {
		defer m.monWG.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the monitor and waits for it to exit. It can be restarted.
func (m *Manager) Stop() {
	m.monMu.Lock()
	cancel := m.monStop
	m.monStop = nil
	m.monMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.monWG.Wait()
}

// Sweep destroys idle sandboxes and flags those over their limits. With
// enforce_limits, violators are destroyed too.
func (m *Manager) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := m.now()
	for _, info := range m.List() {
		if m.cfg.IdleTimeout > 0 && now.Sub(info.LastActivity) > m.cfg.IdleTimeout {
			_ = m.destroy(ctx, info.ID, EventIdleDestroyed, map[string]any{
				"idle_seconds": int(now.Sub(info.LastActivity).Seconds()),
			})
			res.IdleDestroyed = append(res.IdleDestroyed, info.ID)
			continue
		}

		usage, err := m.Usage(info.ID)
		if err != nil {
			m.logger.Warn("sandbox usage sample failed", "sandbox", info.ID, "error", err)
			continue
		}
		violations := usage.Violations(info.Limits)

		m.mu.Lock()
		if sb, ok := m.sandboxes[info.ID]; ok {
			sb.violations = violations
		}
		m.mu.Unlock()
		if len(violations) == 0 {
			continue
		}

		details := map[string]any{"violations": violations, "enforced": m.cfg.EnforceLimits}
		m.logger.Warn("sandbox over resource limits", "sandbox", info.ID, "violations", violations)
		m.emit(Event{Type: EventResourceViolation, SandboxID: info.ID, AgentID: info.AgentID, Details: details})
		res.Flagged = append(res.Flagged, info.ID)
		if m.cfg.EnforceLimits {
			_ = m.destroy(ctx, info.ID, EventDestroyed, map[string]any{"reason": "resource_violation"})
			res.ViolationDestroyed = append(res.ViolationDestroyed, info.ID)
		}
	}
	return res
}
