package guard

import (
	"context"
	"errors"
	"testing"

	"github.com/tinkerbelle-io/tb-shellguard/internal/audit"
	"github.com/tinkerbelle-io/tb-shellguard/internal/audit/audittest"
	"github.com/tinkerbelle-io/tb-shellguard/internal/policy"
	"github.com/tinkerbelle-io/tb-shellguard/internal/ratelimit"
)

type recorder struct{ verdicts []policy.Verdict }

func (r *recorder) VerdictObserved(v policy.Verdict) { r.verdicts = append(r.verdicts, v) }

func newGuard(t *testing.T, capacity int) (*Guard, *audittest.Store, *recorder) {
	t.Helper()
	rules, err := policy.DefaultRules()
	if err != nil {
		t.Fatal(err)
	}
	store := audittest.NewStore()
	w, err := audit.NewWriter(store, audit.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })
	rec := &recorder{}
	g := New(ratelimit.New(capacity, 0.001), policy.NewValidator(rules, 0), w, rec)
	return g, store, rec
}

func decodeCommand(t *testing.T, e audit.Entry) audit.CommandPayload {
	t.Helper()
	if e.EventType != audit.EventCommand {
		t.Fatalf("event type = %s, want %s", e.EventType, audit.EventCommand)
	}
	var p audit.CommandPayload
	if err := e.Decode(&p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestCheckAuditsEveryVerdict(t *testing.T) {
	g, store, rec := newGuard(t, 10)
	ctx := context.Background()

	tests := []struct {
		command string
		allowed bool
	}{
		{"ls -la\n", true},
		{"rm -rf /\n", false},
		{"sudo reboot\n", false},
		{"echo hello\n", true},
	}
	for i, tt := range tests {
		d, err := g.Check(ctx, Request{SessionID: "s1", ClientID: "c1", Command: tt.command})
		if err != nil {
			t.Fatalf("Check(%q): %v", tt.command, err)
		}
		if d.Allowed() != tt.allowed {
			t.Errorf("Check(%q) allowed = %v, want %v (%+v)", tt.command, d.Allowed(), tt.allowed, d.Verdict)
		}
		if d.Entry.Seq != uint64(i) {
			t.Errorf("Check(%q) seq = %d, want %d", tt.command, d.Entry.Seq, i)
		}
		if !tt.allowed && !errors.Is(d.Err(), ErrValidationBlocked) {
			t.Errorf("Check(%q) Err = %v, want ErrValidationBlocked", tt.command, d.Err())
		}
	}

	entries := store.Entries()
	if len(entries) != len(tests) {
		t.Fatalf("audit entries = %d, want %d", len(entries), len(tests))
	}
	for i, e := range entries {
		p := decodeCommand(t, e)
		if p.Command != tests[i].command {
			t.Errorf("entry %d command = %q, want %q", i, p.Command, tests[i].command)
		}
		if p.SessionID != "s1" || p.ClientID != "c1" {
			t.Errorf("entry %d ids = %s/%s", i, p.SessionID, p.ClientID)
		}
		wantVerdict := string(policy.Allow)
		if !tests[i].allowed {
			wantVerdict = string(policy.Block)
		}
		if p.Verdict != wantVerdict {
			t.Errorf("entry %d verdict = %s, want %s", i, p.Verdict, wantVerdict)
		}
	}
	if len(rec.verdicts) != len(tests) {
		t.Errorf("observer saw %d verdicts, want %d", len(rec.verdicts), len(tests))
	}
}

func TestCheckRateLimited(t *testing.T) {
	g, store, _ := newGuard(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := g.Check(ctx, Request{ClientID: "c1", Command: "ls\n"})
		if err != nil || !d.Allowed() {
			t.Fatalf("command %d: allowed=%v err=%v", i, d.Allowed(), err)
		}
	}
	d, err := g.Check(ctx, Request{ClientID: "c1", Command: "ls\n"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed() {
		t.Fatal("third command should be rate limited")
	}
	if d.Verdict.Reason != policy.ReasonRateLimited || d.Verdict.Rule != RuleRateLimit {
		t.Errorf("verdict = %+v", d.Verdict)
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", d.RetryAfter)
	}
	var be *BlockedError
	if !errors.As(d.Err(), &be) || !errors.Is(d.Err(), ErrRateLimited) {
		t.Errorf("Err = %v, want BlockedError wrapping ErrRateLimited", d.Err())
	}

	entries := store.Entries()
	if len(entries) != 3 {
		t.Fatalf("audit entries = %d, want 3", len(entries))
	}
	p := decodeCommand(t, entries[2])
	if p.Reason != policy.ReasonRateLimited || p.RetryAfterMs <= 0 {
		t.Errorf("rate-limited payload = %+v", p)
	}

	// Other clients have their own bucket.
	d, err = g.Check(ctx, Request{ClientID: "c2", Command: "ls\n"})
	if err != nil || !d.Allowed() {
		t.Errorf("other client: allowed=%v err=%v", d.Allowed(), err)
	}
}

func TestControlInputBypassesRateLimit(t *testing.T) {
	g, store, _ := newGuard(t, 1)
	ctx := context.Background()

	if _, err := g.Check(ctx, Request{ClientID: "c1", Command: "ls\n"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		d, err := g.Check(ctx, Request{ClientID: "c1", Command: "\x03"})
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed() || d.Verdict.Rule != policy.RuleControlInput {
			t.Fatalf("interrupt %d: %+v", i, d.Verdict)
		}
	}
	if n := len(store.Entries()); n != 6 {
		t.Errorf("audit entries = %d, want 6", n)
	}
}

func TestCheckFailsClosedOnAuditFailure(t *testing.T) {
	g, store, rec := newGuard(t, 10)
	store.SetFailure(errors.New("disk full"))

	d, err := g.Check(context.Background(), Request{SessionID: "s1", ClientID: "c1", Command: "ls\n"})
	if !errors.Is(err, ErrAuditWriteFailed) {
		t.Fatalf("err = %v, want ErrAuditWriteFailed", err)
	}
	if !errors.Is(err, audit.ErrWriteFailed) {
		t.Errorf("err = %v, want to wrap audit.ErrWriteFailed", err)
	}
	if d.Allowed() {
		t.Error("command allowed despite audit failure")
	}
	if len(store.Entries()) != 0 {
		t.Error("entry committed despite failure")
	}
	if len(rec.verdicts) != 0 {
		t.Error("observer notified of an unaudited verdict")
	}

	store.SetFailure(nil)
	d, err = g.Check(context.Background(), Request{SessionID: "s1", ClientID: "c1", Command: "ls\n"})
	if err != nil || !d.Allowed() {
		t.Fatalf("after recovery: allowed=%v err=%v", d.Allowed(), err)
	}
	if d.Entry.Seq != 0 {
		t.Errorf("seq after recovery = %d, want 0", d.Entry.Seq)
	}
}

func TestCheckEmptyCommand(t *testing.T) {
	g, store, _ := newGuard(t, 10)
	_, err := g.Check(context.Background(), Request{ClientID: "c1"})
	if !errors.Is(err, policy.ErrEmptyCommand) {
		t.Fatalf("err = %v, want ErrEmptyCommand", err)
	}
	if store.Attempts() != 0 {
		t.Error("empty command should not be audited")
	}
}

func TestCheckAIGenerated(t *testing.T) {
	g, store, _ := newGuard(t, 10)
	d, err := g.Check(context.Background(), Request{ClientID: "c1", Command: "ls\n", AIGenerated: true})
	if err != nil {
		t.Fatal(err)
	}
	p := decodeCommand(t, store.Entries()[0])
	if !p.AIGenerated {
		t.Error("payload not marked AI generated")
	}
	if p.Risk != d.Verdict.Risk {
		t.Errorf("payload risk %v != verdict risk %v", p.Risk, d.Verdict.Risk)
	}
}
