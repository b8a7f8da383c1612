package threat

import (
	"fmt"
	"net"
	"time"

	"github.com/tinkerbelle-io/tb-shellguard/internal/audit"
	"github.com/tinkerbelle-io/tb-shellguard/internal/policy"
)

// Event is a decoded audit entry.
type Event struct {
	Entry     audit.Entry
	Time      time.Time
	Command   *audit.CommandPayload
	Lifecycle *audit.LifecyclePayload
	Auth      *audit.AuthPayload
	Access    *audit.AccessPayload
}

// Decode unpacks the payload of e.
func Decode(e audit.Entry) (Event, error) {
	t, err := e.Time()
	if err != nil {
		return Event{}, fmt.Errorf("threat: entry %d: %w", e.Seq, err)
	}
	ev := Event{Entry: e, Time: t}
	switch e.EventType {
	case audit.EventCommand:
		ev.Command = &audit.CommandPayload{}
		err = e.Decode(ev.Command)
	case audit.EventSessionLifecycle:
		ev.Lifecycle = &audit.LifecyclePayload{}
		err = e.Decode(ev.Lifecycle)
	case audit.EventAuthentication:
		ev.Auth = &audit.AuthPayload{}
		err = e.Decode(ev.Auth)
	case audit.EventLogAccess:
		ev.Access = &audit.AccessPayload{}
		err = e.Decode(ev.Access)
	}
	if err != nil {
		return Event{}, fmt.Errorf("threat: entry %d: %w", e.Seq, err)
	}
	return ev, nil
}

// Rule inspects one event. Rules that count events keep a bounded Window
// per client.
type Rule interface {
	Name() string
	Evaluate(ev Event) []Alert
}

// Thresholds tunes the windowed rules.
type Thresholds struct {
	Window       time.Duration
	Blocks       int
	RateLimited  int
	Crashes      int
	AuthFailures int
	AIRisk       float64
}

// DefaultRules returns the built-in rules.
func DefaultRules(th Thresholds) []Rule {
	if th.AIRisk <= 0 {
		th.AIRisk = 0.6
	}
	if th.AuthFailures <= 0 {
		th.AuthFailures = 5
	}
	return []Rule{
		&dangerousCommandRule{},
		&privilegeEscalationRule{},
		newRepeatedBlocksRule(th.Window, th.Blocks),
		newRateLimitAbuseRule(th.Window, th.RateLimited),
		&aiHighRiskRule{threshold: th.AIRisk},
		&integrityViolationRule{},
		newCrashLoopRule(th.Window, th.Crashes),
		newAuthFailureRule(th.Window, th.AuthFailures),
	}
}

func alertFor(rule string, ev Event, sev Severity, clientID, sessionID, subject string) Alert {
	return Alert{
		Rule:        rule,
		Severity:    sev,
		ClientID:    clientID,
		SessionID:   sessionID,
		Seqs:        []uint64{ev.Entry.Seq},
		Fingerprint: MakeFingerprint(rule, clientID, subject),
		CreatedAt:   ev.Time,
	}
}

type dangerousCommandRule struct{}

func (r *dangerousCommandRule) Name() string { return "dangerous-command" }

func (r *dangerousCommandRule) Evaluate(ev Event) []Alert {
	c := ev.Command
	if c == nil || c.Reason != policy.ReasonDangerous || c.Rule == privilegeEscalation {
		return nil
	}
	a := alertFor(r.Name(), ev, SeverityHigh, c.ClientID, c.SessionID, c.Rule)
	a.Title = fmt.Sprintf("Dangerous command blocked (%s)", c.Rule)
	a.Description = fmt.Sprintf("Client %s submitted a command matching %q in session %s.", c.ClientID, c.Rule, c.SessionID)
	a.RecommendedAction = ActionReview
	return []Alert{a}
}

const privilegeEscalation = "privilege-escalation"

type privilegeEscalationRule struct{}

func (r *privilegeEscalationRule) Name() string { return privilegeEscalation }

func (r *privilegeEscalationRule) Evaluate(ev Event) []Alert {
	c := ev.Command
	if c == nil || c.Rule != privilegeEscalation {
		return nil
	}
	a := alertFor(r.Name(), ev, SeverityCritical, c.ClientID, c.SessionID, c.SessionID)
	a.Title = "Privilege escalation attempt"
	a.Description = fmt.Sprintf("Client %s tried to escalate privileges in session %s (%s).", c.ClientID, c.SessionID, c.Detail)
	a.RecommendedAction = ActionSuspendClient
	return []Alert{a}
}

// windowRule fires when a per-client count reaches threshold within span.
type windowRule struct {
	name      string
	threshold int
	window    *Window
}

func newWindowRule(name string, span time.Duration, threshold int) windowRule {
	if threshold < 1 {
		threshold = 1
	}
	return windowRule{name: name, threshold: threshold, window: NewWindow(span, threshold)}
}

func (r *windowRule) Name() string { return r.name }

// hit records an event for key and reports whether the threshold was reached.
// The window is cleared when it fires so each burst alerts once.
func (r *windowRule) hit(key string, t time.Time) (int, bool) {
	n := r.window.Record(key, t)
	if n < r.threshold {
		return n, false
	}
	r.window.Reset(key)
	return n, true
}

type repeatedBlocksRule struct{ windowRule }

func newRepeatedBlocksRule(span time.Duration, n int) *repeatedBlocksRule {
	return &repeatedBlocksRule{newWindowRule("repeated-blocks", span, n)}
}

func (r *repeatedBlocksRule) Evaluate(ev Event) []Alert {
	c := ev.Command
	if c == nil || c.Verdict != string(policy.Block) || c.Reason == policy.ReasonRateLimited {
		return nil
	}
	n, fired := r.hit(c.ClientID, ev.Time)
	if !fired {
		return nil
	}
	a := alertFor(r.name, ev, SeverityHigh, c.ClientID, c.SessionID, "")
	a.Title = "Repeated blocked commands"
	a.Description = fmt.Sprintf("Client %s had %d commands blocked within %s.", c.ClientID, n, r.window.span)
	a.RecommendedAction = ActionSuspendClient
	return []Alert{a}
}

type rateLimitAbuseRule struct{ windowRule }

func newRateLimitAbuseRule(span time.Duration, n int) *rateLimitAbuseRule {
	return &rateLimitAbuseRule{newWindowRule("rate-limit-abuse", span, n)}
}

func (r *rateLimitAbuseRule) Evaluate(ev Event) []Alert {
	c := ev.Command
	if c == nil || c.Reason != policy.ReasonRateLimited {
		return nil
	}
	n, fired := r.hit(c.ClientID, ev.Time)
	if !fired {
		return nil
	}
	a := alertFor(r.name, ev, SeverityWarning, c.ClientID, c.SessionID, "")
	a.Title = "Client keeps hitting the rate limit"
	a.Description = fmt.Sprintf("Client %s was rate limited %d times within %s.", c.ClientID, n, r.window.span)
	a.RecommendedAction = ActionSuspendClient
	return []Alert{a}
}

type aiHighRiskRule struct{ threshold float64 }

func (r *aiHighRiskRule) Name() string { return "ai-high-risk" }

func (r *aiHighRiskRule) Evaluate(ev Event) []Alert {
	c := ev.Command
	if c == nil || !c.AIGenerated || c.Risk < r.threshold || c.Reason == policy.ReasonRateLimited {
		return nil
	}
	sev := SeverityWarning
	if c.Verdict == string(policy.Block) {
		sev = SeverityHigh
	}
	a := alertFor(r.Name(), ev, sev, c.ClientID, c.SessionID, c.SessionID)
	a.Title = "High-risk AI-generated command"
	a.Description = fmt.Sprintf("AI-originated command in session %s scored %.2f (%s, %s).", c.SessionID, c.Risk, c.Verdict, c.Rule)
	a.RecommendedAction = ActionReview
	return []Alert{a}
}

type integrityViolationRule struct{}

func (r *integrityViolationRule) Name() string { return "integrity-violation" }

func (r *integrityViolationRule) Evaluate(ev Event) []Alert {
	acc := ev.Access
	if acc == nil || acc.Result != audit.AccessIntegrityViolation {
		return nil
	}
	a := alertFor(r.Name(), ev, SeverityCritical, "", "", acc.Detail)
	a.Title = "Audit log integrity violation"
	a.Description = "Verification of the audit chain failed: " + acc.Detail
	a.RecommendedAction = ActionInvestigate
	return []Alert{a}
}

// reasonCrashed matches the lifecycle reason for a shell that exited non-zero
// on its own.
const reasonCrashed = "crashed"

type crashLoopRule struct{ windowRule }

func newCrashLoopRule(span time.Duration, n int) *crashLoopRule {
	return &crashLoopRule{newWindowRule("session-crash-loop", span, n)}
}

func (r *crashLoopRule) Evaluate(ev Event) []Alert {
	l := ev.Lifecycle
	if l == nil || l.Reason != reasonCrashed {
		return nil
	}
	n, fired := r.hit(l.ClientID, ev.Time)
	if !fired {
		return nil
	}
	a := alertFor(r.name, ev, SeverityHigh, l.ClientID, l.SessionID, "")
	a.Title = "Sessions crashing repeatedly"
	a.Description = fmt.Sprintf("Client %s had %d sessions exit abnormally within %s.", l.ClientID, n, r.window.span)
	a.RecommendedAction = ActionReview
	return []Alert{a}
}

type authFailureRule struct{ windowRule }

func newAuthFailureRule(span time.Duration, n int) *authFailureRule {
	return &authFailureRule{newWindowRule("auth-failures", span, n)}
}

func (r *authFailureRule) Evaluate(ev Event) []Alert {
	au := ev.Auth
	if au == nil || au.Success {
		return nil
	}
	host := remoteHost(au.RemoteAddr)
	n, fired := r.hit(host, ev.Time)
	if !fired {
		return nil
	}
	a := alertFor(r.name, ev, SeverityHigh, au.ClientID, "", host)
	a.Title = "Repeated authentication failures"
	a.Description = fmt.Sprintf("%d failed bridge authentications from %s within %s.", n, host, r.window.span)
	a.RecommendedAction = ActionRotateCreds
	return []Alert{a}
}

// remoteHost strips the port so reconnects from one host share a window.
func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
