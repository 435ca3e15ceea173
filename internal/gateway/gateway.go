// Package gateway is the single choke point through which agent-initiated
// commands and file edits reach the shell and filesystem. It composes
// access control, command policy, audit, scanning and sandboxing.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oktsec/warden/internal/access"
	"github.com/oktsec/warden/internal/alert"
	"github.com/oktsec/warden/internal/audit"
	"github.com/oktsec/warden/internal/config"
	"github.com/oktsec/warden/internal/encryption"
	"github.com/oktsec/warden/internal/engine"
	"github.com/oktsec/warden/internal/policy"
	"github.com/oktsec/warden/internal/sandbox"
	"github.com/oktsec/warden/internal/telemetry"
)

// Gateway wires every security component together. It is safe for
// concurrent use; there is no global execution lock.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	enc       *encryption.Manager
	access    *access.Manager
	audit     *audit.Logger
	scanner   *engine.Scanner
	sandboxes *sandbox.Manager
	evaluator atomic.Pointer[policy.Evaluator]
	limiter   *rateLimiter
	metrics   *telemetry.Metrics

	webhook *alert.Webhook
	redis   *alert.Redis

	loopMu   sync.Mutex
	loopStop context.CancelFunc
	loopWG   sync.WaitGroup

	closeOnce sync.Once
}

type options struct {
	registry   *prometheus.Registry
	sandboxOps []sandbox.Option
	accessOps  []access.Option
	notifiers  []audit.Notifier
}

// Option configures a Gateway.
type Option func(*options)

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithSandboxOptions passes options through to the sandbox manager.
func WithSandboxOptions(opts ...sandbox.Option) Option {
	return func(o *options) { o.sandboxOps = append(o.sandboxOps, opts...) }
}

// WithAccessOptions passes options through to the access manager.
func WithAccessOptions(opts ...access.Option) Option {
	return func(o *options) { o.accessOps = append(o.accessOps, opts...) }
}

// WithNotifier adds an audit alert receiver.
func WithNotifier(n audit.Notifier) Option {
	return func(o *options) { o.notifiers = append(o.notifiers, n) }
}

// New builds every component from cfg. Key material, the audit log and the
// grant database are created on first use.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	g := &Gateway{cfg: cfg, logger: logger}
	g.metrics = telemetry.NewMetrics(o.registry)

	enc, err := encryption.NewManager(cfg.Keys.Dir,
		encryption.WithRSABits(cfg.Keys.RSABits),
		encryption.WithPBKDF2Iterations(cfg.Keys.PBKDF2Iterations),
		encryption.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("loading keys: %w", err)
	}
	g.enc = enc

	pol, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("loading policy: %w", err)
	}
	g.evaluator.Store(policy.NewEvaluator(pol))

	accessOpts := []access.Option{
		access.WithSigningKey(enc.RSAPrivateKey()),
		access.WithLogger(logger),
	}
	if cfg.Sessions.GrantsDB != "" {
		grants, err := access.OpenSQLiteGrants(cfg.Sessions.GrantsDB)
		if err != nil {
			return nil, fmt.Errorf("opening grant store: %w", err)
		}
		accessOpts = append(accessOpts, access.WithGrantStore(grants))
	}
	g.access = access.NewManager(pol, append(accessOpts, o.accessOps...)...)

	notifiers := append([]audit.Notifier(nil), o.notifiers...)
	if len(cfg.Alerts.Webhooks) > 0 {
		g.webhook = alert.NewWebhook(cfg.Alerts.Webhooks, logger)
		notifiers = append(notifiers, g.webhook)
	}
	if cfg.Alerts.Redis.Addr != "" {
		g.redis = alert.NewRedis(cfg.Alerts.Redis)
		notifiers = append(notifiers, g.redis)
	}
	g.audit, err = audit.NewLogger(audit.Options{
		Path:       cfg.Audit.File,
		Encrypter:  enc,
		RingSize:   cfg.Audit.RingSize,
		BufferSize: cfg.Audit.BufferSize,
		Notifiers:  notifiers,
		Observer: func(ev audit.Event) {
			g.metrics.AuditEvents.WithLabelValues(ev.EventType, string(ev.ThreatLevel)).Inc()
		},
		Logger: logger,
	})
	if err != nil {
		_ = g.access.Close()
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	rules, err := engine.LoadRules(cfg.Scanner.RulesFile)
	if err != nil {
		g.closePartial()
		return nil, fmt.Errorf("loading scanner rules: %w", err)
	}
	scanOpts := []engine.Option{engine.WithLogger(logger)}
	if cfg.Scanner.ContentRules {
		scanOpts = append(scanOpts, engine.WithContentRules(cfg.Scanner.CustomRulesDir))
	}
	g.scanner = engine.NewScanner(rules, scanOpts...)

	sbOpts := []sandbox.Option{
		sandbox.WithLogger(logger),
		sandbox.WithEventHook(g.onSandboxEvent),
		sandbox.WithMaxOutput(cfg.Executor.MaxOutputBytes),
	}
	g.sandboxes, err = sandbox.NewManager(cfg.Sandbox, append(sbOpts, o.sandboxOps...)...)
	if err != nil {
		g.closePartial()
		return nil, fmt.Errorf("creating sandbox manager: %w", err)
	}

	g.limiter = newRateLimiter(cfg.Executor.RateLimit.PerSecond, cfg.Executor.RateLimit.Burst)
	return g, nil
}

func (g *Gateway) closePartial() {
	_ = g.audit.Close()
	_ = g.access.Close()
}

// Metrics returns the gateway's collectors.
func (g *Gateway) Metrics() *telemetry.Metrics { return g.metrics }

// Config returns the configuration the gateway was built from.
func (g *Gateway) Config() *config.Config { return g.cfg }

// Encryption returns the key manager.
func (g *Gateway) Encryption() *encryption.Manager { return g.enc }

func (g *Gateway) log(ctx context.Context, ev audit.Event) string {
	return g.audit.LogEvent(ctx, ev)
}

func (g *Gateway) onSandboxEvent(ev sandbox.Event) {
	level := audit.ThreatInfo
	switch ev.Type {
	case sandbox.EventIdleDestroyed:
		level = audit.ThreatLow
	case sandbox.EventResourceViolation:
		level = audit.ThreatHigh
	}
	g.log(context.Background(), audit.Event{
		EventType:   ev.Type,
		UserID:      "system",
		AgentID:     ev.AgentID,
		Resource:    ev.SandboxID,
		Action:      "sandbox",
		Result:      "success",
		ThreatLevel: level,
		Details:     ev.Details,
	})
	if g.sandboxes != nil {
		g.metrics.ActiveSandboxes.Set(float64(len(g.sandboxes.List())))
	}
}

// Start launches the session cleanup loop, the sandbox monitor and, when a
// policy file is configured, the policy watcher. It is a no-op while
// already running.
func (g *Gateway) Start(ctx context.Context) {
	g.loopMu.Lock()
	defer g.loopMu.Unlock()
	if g.loopStop != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	g.loopStop = cancel

	g.sandboxes.Start(ctx)

	interval := g.cfg.Sessions.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	g.loopWG.Add(1)
	go func() {
		defer g.loopWG.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := g.access.CleanupExpiredSessions(); n > 0 {
					g.logger.Debug("expired sessions removed", "count", n)
				}
				g.metrics.ActiveSessions.Set(float64(g.access.ActiveSessions()))
			}
		}
	}()

	if g.cfg.PolicyFile != "" {
		w, err := policy.NewWatcher(g.cfg.PolicyFile, g.logger, g.SetPolicy)
		if err != nil {
			g.logger.Warn("policy hot reload disabled", "error", err)
			return
		}
		g.loopWG.Add(1)
		go func() {
			defer g.loopWG.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				g.logger.Error("policy watcher stopped", "error", err)
			}
		}()
	}
}

// Stop halts the background loops and waits for them. Start may be called
// again afterwards.
func (g *Gateway) Stop() {
	g.loopMu.Lock()
	cancel := g.loopStop
	g.loopStop = nil
	g.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	g.sandboxes.Stop()
	g.loopWG.Wait()
}

// Close stops background work, destroys sandboxes, drains alert deliveries
// and closes the audit log and grant store.
func (g *Gateway) Close() error {
	var errs []error
	g.closeOnce.Do(func() {
		g.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := g.sandboxes.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		// Flush the audit trail before alert senders go away.
		g.audit.Flush()
		if g.webhook != nil {
			g.webhook.Close()
		}
		if err := g.audit.Close(); err != nil {
			errs = append(errs, err)
		}
		if g.redis != nil {
			if err := g.redis.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := g.access.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// SetPolicy swaps the command policy and role table. Sessions already
// issued keep their permissions.
func (g *Gateway) SetPolicy(p *policy.Policy) {
	g.evaluator.Store(policy.NewEvaluator(p))
	g.access.SetRoles(p)
	g.log(context.Background(), audit.Event{
		EventType:   "policy_reloaded",
		UserID:      "system",
		Action:      "reload",
		Result:      "success",
		ThreatLevel: audit.ThreatInfo,
		Details:     map[string]any{"roles": p.RoleNames(), "blocklist_size": len(p.Blocklist)},
	})
}

// Policy returns the active policy.
func (g *Gateway) Policy() *policy.Policy { return g.evaluator.Load().Policy() }

func workingDir(dir string) string {
	if dir != "" {
		return dir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
