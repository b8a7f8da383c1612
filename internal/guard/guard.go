// Package guard is the gate every command passes before it reaches a shell:
// rate limit, then policy validation, then a synchronous audit append. If
// the audit append fails the command is treated as blocked.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinkerbelle-io/tb-shellguard/internal/audit"
	"github.com/tinkerbelle-io/tb-shellguard/internal/policy"
)

var (
	ErrValidationBlocked = errors.New("command blocked by policy")
	ErrRateLimited       = errors.New("rate limited")
	ErrAuditWriteFailed  = errors.New("audit write failed")
)

// RuleRateLimit is the verdict rule for commands refused by the rate limiter.
const RuleRateLimit = "rate-limit"

// Limiter is the per-client rate limiter.
type Limiter interface {
	TryAcquire(clientID string) (bool, time.Duration)
}

// Validator classifies commands.
type Validator interface {
	Validate(command string, c policy.Context) (policy.Verdict, error)
	Version() string
}

// Appender commits audit events.
type Appender interface {
	Append(ctx context.Context, ev audit.Event) (audit.Entry, error)
}

// Observer is told about every decision that was audited.
type Observer interface {
	VerdictObserved(v policy.Verdict)
}

// Request is one command submitted to a session.
type Request struct {
	SessionID   string
	ClientID    string
	Principal   string
	Command     string
	AIGenerated bool
	SubmittedAt time.Time
}

// Decision is the audited outcome of a Request.
type Decision struct {
	Verdict    policy.Verdict
	RetryAfter time.Duration
	Entry      audit.Entry
}

// Allowed reports whether the command may be forwarded to the shell.
func (d Decision) Allowed() bool { return d.Verdict.Allowed() }

// Err returns nil for an allowed command and a *BlockedError otherwise.
func (d Decision) Err() error {
	if d.Allowed() {
		return nil
	}
	cause := ErrValidationBlocked
	if d.Verdict.Reason == policy.ReasonRateLimited {
		cause = ErrRateLimited
	}
	return &BlockedError{Verdict: d.Verdict, RetryAfter: d.RetryAfter, cause: cause}
}

// BlockedError carries the verdict of a refused command.
type BlockedError struct {
	Verdict    policy.Verdict
	RetryAfter time.Duration
	cause      error
}

func (e *BlockedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v: retry after %s", e.cause, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("%v: %s (%s, risk %.2f)", e.cause, e.Verdict.Reason, e.Verdict.Rule, e.Verdict.Risk)
}

func (e *BlockedError) Unwrap() error { return e.cause }

// Guard combines the rate limiter, the validator and the audit writer.
type Guard struct {
	limiter   Limiter
	validator Validator
	audit     Appender
	observer  Observer
	logger    *slog.Logger
}

// New creates a Guard. observer may be nil.
func New(l Limiter, v Validator, a Appender, observer Observer) *Guard {
	return &Guard{
		limiter:   l,
		validator: v,
		audit:     a,
		observer:  observer,
		logger:    slog.Default().With("component", "guard"),
	}
}

// Check decides whether req may run and records the decision. Exactly one
// command-execution entry is appended per call. A nil error with a
// non-allowed Decision is a normal refusal; a non-nil error means the
// decision could not be audited and the command must not run.
func (g *Guard) Check(ctx context.Context, req Request) (Decision, error) {
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}
	pctx := policy.Context{SessionID: req.SessionID, ClientID: req.ClientID, AIGenerated: req.AIGenerated}

	verdict, err := g.validator.Validate(req.Command, pctx)
	if err != nil {
		return Decision{}, fmt.Errorf("guard: %w", err)
	}

	var d Decision
	// Interrupts and other control input are never rate limited so that a
	// user can always stop a runaway command.
	if verdict.Rule == policy.RuleControlInput {
		d.Verdict = verdict
	} else if ok, retry := g.limiter.TryAcquire(req.ClientID); !ok {
		d.Verdict = policy.Verdict{
			Decision:      policy.Block,
			Rule:          RuleRateLimit,
			Reason:        policy.ReasonRateLimited,
			PolicyVersion: verdict.PolicyVersion,
		}
		d.RetryAfter = retry
	} else {
		d.Verdict = verdict
	}

	payload := audit.CommandPayload{
		SessionID:     req.SessionID,
		ClientID:      req.ClientID,
		Principal:     req.Principal,
		Command:       req.Command,
		AIGenerated:   req.AIGenerated,
		SubmittedAt:   req.SubmittedAt.UTC().Format(audit.TimeFormat),
		Verdict:       string(d.Verdict.Decision),
		Risk:          d.Verdict.Risk,
		Rule:          d.Verdict.Rule,
		Reason:        d.Verdict.Reason,
		Detail:        d.Verdict.Detail,
		PolicyVersion: d.Verdict.PolicyVersion,
		RetryAfterMs:  d.RetryAfter.Milliseconds(),
	}
	entry, err := g.audit.Append(ctx, audit.Event{Type: audit.EventCommand, Payload: payload})
	if err != nil {
		g.logger.Error("command refused: audit write failed",
			"session", req.SessionID, "client", req.ClientID, "error", err)
		d.Verdict.Decision = policy.Block
		return d, fmt.Errorf("%w: %w", ErrAuditWriteFailed, err)
	}
	d.Entry = entry

	if g.observer != nil {
		g.observer.VerdictObserved(d.Verdict)
	}

	attrs := []any{
		"session", req.SessionID, "client", req.ClientID,
		"verdict", d.Verdict.Decision, "rule", d.Verdict.Rule,
		"risk", d.Verdict.Risk, "seq", entry.Seq,
	}
	switch {
	case d.Allowed():
		g.logger.Info("command allowed", attrs...)
	case d.RetryAfter > 0:
		g.logger.Warn("command rate limited", append(attrs, "retry_after", d.RetryAfter)...)
	default:
		g.logger.Warn("command blocked", append(attrs, "reason", d.Verdict.Reason)...)
	}
	g.logger.Debug("command text", "session", req.SessionID, "seq", entry.Seq, "command", req.Command)
	return d, nil
}

// PolicyVersion returns the active policy version.
func (g *Guard) PolicyVersion() string { return g.validator.Version() }
