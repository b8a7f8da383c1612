package threat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinkerbelle-io/tb-shellguard/internal/audit"
)

// Sink receives alerts. Sinks must not block for long; the engine calls
// them from its own goroutine, never from the command path.
type Sink interface {
	Emit(ctx context.Context, a Alert) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, a Alert) error

func (f SinkFunc) Emit(ctx context.Context, a Alert) error { return f(ctx, a) }

// Engine runs every rule over the audit stream.
type Engine struct {
	rules       []Rule
	minSeverity Severity
	sinks       []Sink
	cooldown    time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time // fingerprint -> last alert time

	log *slog.Logger
}

// NewEngine creates an engine. Alerts below minSeverity are dropped, and an
// alert whose fingerprint fired within cooldown is suppressed.
func NewEngine(rules []Rule, minSeverity Severity, cooldown time.Duration, sinks ...Sink) *Engine {
	return &Engine{
		rules:       rules,
		minSeverity: minSeverity,
		sinks:       sinks,
		cooldown:    cooldown,
		lastSeen:    make(map[string]time.Time),
		log:         slog.Default().With("component", "threat"),
	}
}

// Run consumes entries until the channel closes or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, entries <-chan audit.Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			e.Process(ctx, entry)
		}
	}
}

// Process evaluates one entry and delivers the resulting alerts.
func (e *Engine) Process(ctx context.Context, entry audit.Entry) []Alert {
	ev, err := Decode(entry)
	if err != nil {
		e.log.Warn("skipping undecodable audit entry", "seq", entry.Seq, "error", err)
		return nil
	}

	var out []Alert
	for _, r := range e.rules {
		for _, a := range r.Evaluate(ev) {
			if !a.Severity.AtLeast(e.minSeverity) || e.suppressed(a) {
				continue
			}
			a.ID = uuid.NewString()
			out = append(out, a)
		}
	}
	for _, a := range out {
		for _, s := range e.sinks {
			if err := s.Emit(ctx, a); err != nil {
				e.log.Warn("alert sink failed", "alert", a.ID, "rule", a.Rule, "error", err)
			}
		}
	}
	return out
}

func (e *Engine) suppressed(a Alert) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastSeen[a.Fingerprint]; ok && a.CreatedAt.Sub(last) < e.cooldown {
		return true
	}
	e.lastSeen[a.Fingerprint] = a.CreatedAt
	return false
}

// Sweep forgets fingerprints older than the cooldown.
func (e *Engine) Sweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for fp, t := range e.lastSeen {
		if now.Sub(t) >= e.cooldown {
			delete(e.lastSeen, fp)
		}
	}
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, a Alert) error {
	l := s.Logger
	if l == nil {
		l = slog.Default().With("component", "threat")
	}
	lvl := slog.LevelWarn
	if a.Severity.AtLeast(SeverityCritical) {
		lvl = slog.LevelError
	}
	l.Log(ctx, lvl, "threat alert",
		"id", a.ID, "rule", a.Rule, "severity", a.Severity, "title", a.Title,
		"client", a.ClientID, "session", a.SessionID, "seqs", a.Seqs,
		"fingerprint", a.Fingerprint, "action", a.RecommendedAction)
	return nil
}
