// Package agent assembles the daemon: audit log, policy, guard, session
// registry, threat engine, metrics and the HTTP surface, and runs them
// until shutdown.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/tinkerbelle-io/tb-shellguard/internal/audit"
	"github.com/tinkerbelle-io/tb-shellguard/internal/bridge"
	"github.com/tinkerbelle-io/tb-shellguard/internal/config"
	"github.com/tinkerbelle-io/tb-shellguard/internal/guard"
	"github.com/tinkerbelle-io/tb-shellguard/internal/metrics"
	"github.com/tinkerbelle-io/tb-shellguard/internal/policy"
	"github.com/tinkerbelle-io/tb-shellguard/internal/ratelimit"
	"github.com/tinkerbelle-io/tb-shellguard/internal/session"
	"github.com/tinkerbelle-io/tb-shellguard/internal/signing"
	"github.com/tinkerbelle-io/tb-shellguard/internal/threat"
)

const (
	shutdownTimeout = 15 * time.Second
	alertBuffer     = 1024
)

// Config actions recorded in config-change entries.
const (
	ActionStartup      = "startup"
	ActionPolicyReload = "policy-reload"
	ActionShutdown     = "shutdown"
)

// Agent is a running tb-shellguard daemon.
type Agent struct {
	cfg     *config.Config
	version string

	store     audit.Store
	writer    *audit.Writer
	verifier  audit.SignatureVerifier
	validator *policy.Validator
	limiter   *ratelimit.Limiter
	guard     *guard.Guard
	registry  *session.Registry
	engine    *threat.Engine
	metrics   *metrics.Metrics
	bridge    *bridge.Server
	router    chi.Router

	closeOnce sync.Once
	logger    *slog.Logger
	now       func() time.Time
}

// New builds every component from cfg and writes the startup entry. The
// audit log is opened first: if it cannot be written, nothing else starts.
func New(cfg *config.Config, version string) (*Agent, error) {
	a := &Agent{
		cfg:     cfg,
		version: version,
		metrics: metrics.New(),
		logger:  slog.Default().With("component", "agent"),
		now:     time.Now,
	}

	minSev, err := threat.ParseSeverity(cfg.Threat.MinSeverity)
	if err != nil {
		return nil, err
	}
	rules, err := policy.Load(cfg.Policy.RulesFile)
	if err != nil {
		return nil, err
	}
	a.validator = policy.NewValidator(rules, cfg.Policy.BlockThreshold)

	if err := os.MkdirAll(filepath.Dir(cfg.Audit.Path), 0o700); err != nil {
		return nil, fmt.Errorf("agent: audit dir: %w", err)
	}
	store, err := audit.Open(cfg.Audit.Backend, cfg.Audit.Path)
	if err != nil {
		return nil, err
	}
	a.store = store

	opts := audit.Options{CheckpointInterval: cfg.Audit.CheckpointInterval, Observer: a.metrics}
	if cfg.Audit.SigningKey != "" {
		key, err := signing.LoadPrivateKey(cfg.Audit.SigningKey)
		if err != nil {
			store.Close()
			return nil, err
		}
		signer := signing.NewSigner(key)
		opts.Signer = signer
		a.verifier = signing.NewVerifier(signer.Public())
	}
	a.writer, err = audit.NewWriter(store, opts)
	if err != nil {
		store.Close()
		return nil, err
	}

	if err := a.recordConfig(context.Background(), ActionStartup, a.validator.Version(), "", sourceOf(cfg.Policy.RulesFile)); err != nil {
		a.writer.Close()
		return nil, err
	}

	a.limiter = ratelimit.New(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond)
	a.guard = guard.New(a.limiter, a.validator, a.writer, a.metrics)
	a.registry = session.NewRegistry(session.Options{
		DefaultShell:      cfg.Sessions.DefaultShell,
		AllowedShells:     cfg.Sessions.AllowedShells,
		MaxPerClient:      cfg.Sessions.MaxPerClient,
		IdleAfter:         cfg.Sessions.IdleAfter,
		IdleTimeout:       cfg.Sessions.IdleTimeout,
		HardCeiling:       cfg.Sessions.HardCeiling,
		GracePeriod:       cfg.Sessions.GracePeriod,
		OutputBufferBytes: cfg.Sessions.OutputBufferBytes,
		Observer:          a.metrics,
	}, a.guard, a.writer)

	sinks := []threat.Sink{threat.LogSink{}, a.metrics}
	if cfg.Threat.WebhookURL != "" {
		sinks = append(sinks, threat.NewWebhookSink(cfg.Threat.WebhookURL))
	}
	a.engine = threat.NewEngine(threat.DefaultRules(threat.Thresholds{
		Window:      cfg.Threat.Window,
		Blocks:      cfg.Threat.BlockThreshold,
		RateLimited: cfg.Threat.RateLimitedBurst,
		Crashes:     cfg.Threat.CrashThreshold,
	}), minSev, cfg.Threat.Window, sinks...)

	a.bridge = bridge.NewServer(a.registry, a.writer, bridge.Options{
		Tokens:         cfg.Auth.Tokens,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		OnDisconnect:   cfg.Sessions.OnDisconnect,
		MaxFrameBytes:  cfg.Server.MaxFrameBytes,
		Observer:       a.metrics,
	})
	a.router = a.routes()
	return a, nil
}

func loopback(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	return ok && tcp.IP.IsLoopback()
}

func sourceOf(rulesFile string) string {
	if rulesFile == "" {
		return "embedded"
	}
	return rulesFile
}

func (a *Agent) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", a.metrics.Handler())
	r.Get(a.cfg.Server.WSPath, a.bridge.ServeHTTP)
	r.Route("/audit", func(r chi.Router) {
		r.Use(a.requireToken)
		r.Get("/verify", a.handleVerify)
		r.Get("/proof/{seq}", a.handleProof)
	})
	return r
}

// Handler returns the daemon's HTTP handler.
func (a *Agent) Handler() http.Handler { return a.router }

// Writer returns the audit writer.
func (a *Agent) Writer() *audit.Writer { return a.writer }

// Registry returns the session registry.
func (a *Agent) Registry() *session.Registry { return a.registry }

func (a *Agent) recordConfig(ctx context.Context, action, version, previous, source string) error {
	_, err := a.writer.Append(ctx, audit.Event{Type: audit.EventConfigChange, Payload: audit.ConfigPayload{
		Action:        action,
		PolicyVersion: version,
		Previous:      previous,
		Source:        source,
	}})
	return err
}

// Run serves until ctx is cancelled, then shuts down: the listener stops
// accepting, every session is terminated and audited, and the log is
// sealed and closed.
func (a *Agent) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Listen)
	if err != nil {
		a.Close()
		return fmt.Errorf("agent: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	defer a.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	sub := a.writer.Subscribe(alertBuffer)
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.engine.Run(ctx, sub.C())
	}()

	if a.cfg.Policy.Watch && a.cfg.Policy.RulesFile != "" {
		// The reload is recorded before the new rules take effect; if it
		// cannot be recorded the old rules stay.
		w := policy.NewWatcher(a.cfg.Policy.RulesFile, a.validator, func(prev, next string) error {
			return a.recordConfig(ctx, ActionPolicyReload, next, prev, a.cfg.Policy.RulesFile)
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				a.logger.Error("policy watcher stopped", "error", err)
			}
		}()
	}

	sched, err := a.schedule()
	if err != nil {
		sub.Close()
		return err
	}
	sched.Start()

	srv := &http.Server{Handler: a.router, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	a.logger.Info("listening", "addr", ln.Addr().String(), "ws", a.cfg.Server.WSPath,
		"auth", a.cfg.Auth.Enabled(), "policy", a.validator.Version(), "version", a.version)
	if !a.cfg.Auth.Enabled() && !loopback(ln.Addr()) {
		a.logger.Warn("authentication disabled on a non-loopback listener; all clients from one host share sessions",
			"addr", ln.Addr().String())
	}

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	a.logger.Info("shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	<-sched.Stop().Done()
	srv.Shutdown(shutdownCtx)
	a.bridge.Close()
	if err := a.registry.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("sessions did not stop cleanly", "error", err)
	}
	if err := a.recordConfig(shutdownCtx, ActionShutdown, a.validator.Version(), "", ""); err != nil {
		a.logger.Error("shutdown not audited", "error", err)
	}
	if _, _, err := a.writer.Seal(shutdownCtx); err != nil {
		a.logger.Error("final checkpoint failed", "error", err)
	}

	cancel()
	sub.Close()
	wg.Wait()
	return err
}

// Close releases the audit log. It is safe to call more than once.
func (a *Agent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		// The writer closes the store.
		err = a.writer.Close()
	})
	return err
}

// schedule registers the periodic jobs. A job still running when its next
// tick fires is skipped.
func (a *Agent) schedule() (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{a.logger}), cron.SkipIfStillRunning(cronLogger{a.logger})))
	jobs := []struct {
		spec string
		name string
		fn   func()
	}{
		{a.cfg.Audit.VerifySchedule, "verify", func() { a.VerifyChain(context.Background()) }},
		{"@every 5m", "seal", func() { a.sealPartial(context.Background()) }},
		{"@every 1m", "prune", a.prune},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := c.AddFunc(j.spec, j.fn); err != nil {
			return nil, fmt.Errorf("agent: schedule %s %q: %w", j.name, j.spec, err)
		}
	}
	return c, nil
}

// VerifyChain replays the audit log. A new violation is quarantined and
// recorded as an integrity-violation access entry, which the threat engine
// turns into an alert.
func (a *Agent) VerifyChain(ctx context.Context) (audit.Report, error) {
	rep, err := audit.Verify(a.store, audit.VerifyOptions{Verifier: a.verifier})
	if err != nil {
		a.logger.Error("audit verification failed", "error", err)
		return rep, err
	}
	if rep.OK() {
		a.logger.Debug("audit chain verified", "entries", rep.Entries, "checkpoints", rep.Checkpoints)
		return rep, nil
	}

	v := rep.Violation
	a.logger.Error("audit integrity violation", "from", v.FromSeq, "to", v.ToSeq, "reason", v.Reason)
	fresh, err := audit.QuarantineViolation(a.store, v, a.now())
	if err != nil {
		return rep, err
	}
	if fresh {
		_, err = a.writer.Append(ctx, audit.Event{Type: audit.EventLogAccess, Payload: audit.AccessPayload{
			Action: "scheduled-verify",
			Result: audit.AccessIntegrityViolation,
			Detail: v.Error(),
		}})
	}
	return rep, err
}

func (a *Agent) sealPartial(ctx context.Context) {
	cp, ok, err := a.writer.Seal(ctx)
	switch {
	case err != nil:
		a.logger.Error("seal checkpoint failed", "error", err)
	case ok:
		a.logger.Debug("sealed checkpoint", "index", cp.Index, "from", cp.FromSeq, "to", cp.ToSeq)
	}
}

func (a *Agent) prune() {
	n := a.limiter.Prune()
	a.engine.Sweep(a.now())
	if n > 0 {
		a.logger.Debug("pruned rate-limit buckets", "count", n)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug(msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(msg, append(kv, "error", err)...)
}
