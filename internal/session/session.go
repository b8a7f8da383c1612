// Package session supervises shell sessions. Each session is driven by a
// single owner goroutine that holds its process handle; everything else
// talks to it by sending requests.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tinkerbelle-io/tb-shellguard/internal/audit"
	"github.com/tinkerbelle-io/tb-shellguard/internal/guard"
	"github.com/tinkerbelle-io/tb-shellguard/internal/policy"
	"github.com/tinkerbelle-io/tb-shellguard/internal/terminal"
)

// State is a session lifecycle state.
type State string

const (
	StateCreating    State = "creating"
	StateRunning     State = "running"
	StateIdle        State = "idle"
	StateTerminating State = "terminating"
	StateTerminated  State = "terminated"
	StateError       State = "error"
)

// Final reports whether s is a terminal state.
func (s State) Final() bool { return s == StateTerminated || s == StateError }

// Termination reasons recorded in lifecycle entries.
const (
	ReasonCreated     = "created"
	ReasonExited      = "exited"
	ReasonCrashed     = "crashed"
	ReasonKilled      = "killed"
	ReasonIdleTimeout = "idle-timeout"
	ReasonHardCeiling = "hard-ceiling"
	ReasonDisconnect  = "client-disconnect"
	ReasonShutdown    = "shutdown"
	ReasonIOError     = "io-error"
	ReasonSpawnFailed = "spawn-failed"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionNotRunning = errors.New("session not running")
	ErrTooManySessions   = errors.New("too many sessions")
	ErrSpawnFailed       = errors.New("spawn failed")
	ErrProcessCrashed    = errors.New("process crashed")
)

// Summary describes a session for listing.
type Summary struct {
	ID        string    `json:"sessionId"`
	ClientID  string    `json:"clientId"`
	Shell     string    `json:"shell"`
	Cwd       string    `json:"cwd"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	Pid       int       `json:"pid"`
	Cols      uint16    `json:"cols"`
	Rows      uint16    `json:"rows"`
}

// Exit describes how a session ended.
type Exit struct {
	State    State
	Code     int
	Reason   string
	Crashed  bool
	Duration time.Duration
}

// Err returns ErrProcessCrashed for a crash and nil otherwise.
func (e Exit) Err() error {
	if e.Crashed {
		return fmt.Errorf("%w: exit code %d", ErrProcessCrashed, e.Code)
	}
	return nil
}

// Gate decides whether input may reach the shell.
type Gate interface {
	Check(ctx context.Context, req guard.Request) (guard.Decision, error)
}

// Appender commits audit events.
type Appender interface {
	Append(ctx context.Context, ev audit.Event) (audit.Entry, error)
}

// requests handled by the owner loop
type (
	writeRequest struct {
		ctx   context.Context
		req   guard.Request
		reply chan writeResult
	}
	writeResult struct {
		decision guard.Decision
		err      error
	}
	resizeRequest struct {
		cols, rows uint16
		reply      chan error
	}
	killRequest struct {
		ctx    context.Context
		reason string
		// strict refuses to kill when the termination cannot be audited.
		strict bool
		reply  chan error
	}
)

// Session is one shell and its owner loop.
type Session struct {
	id        string
	clientID  string
	principal string
	shell     string
	cwd       string
	createdAt time.Time

	proc     *terminal.Process
	stream   *terminal.Stream
	gate     Gate
	audit    Appender
	opts     Options
	requests chan any
	done     chan struct{}
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	cols     uint16
	rows     uint16
	exit     Exit
	watchers map[chan State]struct{}
}

// Summary returns a snapshot of the session.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID:        s.id,
		ClientID:  s.clientID,
		Shell:     s.shell,
		Cwd:       s.cwd,
		State:     s.state,
		CreatedAt: s.createdAt,
		Pid:       s.proc.Pid(),
		Cols:      s.cols,
		Rows:      s.rows,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has terminated and its final lifecycle
// entry has been written.
func (s *Session) Done() <-chan struct{} { return s.done }

// Exit returns how the session ended. It is only meaningful after Done.
func (s *Session) Exit() Exit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exit
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	for w := range s.watchers {
		select {
		case w <- st:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Session) watch() chan State {
	ch := make(chan State, 8)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Final() {
		close(ch)
		return ch
	}
	s.watchers[ch] = struct{}{}
	return ch
}

func (s *Session) unwatch(ch chan State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watchers[ch]; ok {
		delete(s.watchers, ch)
		close(ch)
	}
}

// send delivers a request to the owner loop.
func (s *Session) send(ctx context.Context, r any) error {
	select {
	case s.requests <- r:
		return nil
	case <-s.done:
		return ErrSessionNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) write(ctx context.Context, req guard.Request) (guard.Decision, error) {
	r := writeRequest{ctx: ctx, req: req, reply: make(chan writeResult, 1)}
	if err := s.send(ctx, r); err != nil {
		return guard.Decision{}, err
	}
	select {
	case res := <-r.reply:
		return res.decision, res.err
	case <-ctx.Done():
		return guard.Decision{}, ctx.Err()
	}
}

func (s *Session) resize(ctx context.Context, cols, rows uint16) error {
	r := resizeRequest{cols: cols, rows: rows, reply: make(chan error, 1)}
	if err := s.send(ctx, r); err != nil {
		return err
	}
	select {
	case err := <-r.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) kill(ctx context.Context, reason string, strict bool) error {
	r := killRequest{ctx: ctx, reason: reason, strict: strict, reply: make(chan error, 1)}
	if err := s.send(ctx, r); err != nil {
		if errors.Is(err, ErrSessionNotRunning) {
			return nil
		}
		return err
	}
	select {
	case err := <-r.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// owner holds the loop-local state of a running session.
type owner struct {
	*Session
	lastActive  time.Time
	ceilingAt   time.Time
	terminating bool
	graceAt     time.Time
	killed      bool
	reason      string
	ioFailed    bool
	line        lineBuffer
}

// run is the owner loop. It returns after the process has been reaped and
// the final lifecycle entry written.
func (s *Session) run() {
	o := &owner{Session: s, lastActive: s.opts.nowFn()}
	if s.opts.HardCeiling > 0 {
		o.ceilingAt = s.createdAt.Add(s.opts.HardCeiling)
	}

	activity := make(chan struct{}, 1)
	readerDone := make(chan struct{})
	go s.readLoop(activity, readerDone)

	timer := time.NewTimer(o.nextWake())
	defer timer.Stop()

	for {
		select {
		case r := <-s.requests:
			o.handle(r)
		case <-activity:
			o.touch()
		case <-timer.C:
			o.tick()
		case <-s.proc.Done():
			o.finish(readerDone)
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(o.nextWake())
	}
}

func (s *Session) readLoop(activity chan<- struct{}, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, 32*1024)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			s.stream.Write(buf[:n])
			select {
			case activity <- struct{}{}:
			default:
			}
		}
		if err != nil {
			return
		}
	}
}

func (o *owner) touch() {
	o.lastActive = o.opts.nowFn()
	if o.State() == StateIdle {
		o.setState(StateRunning)
		o.logger.Debug("session active")
	}
}

func (o *owner) nextWake() time.Duration {
	now := o.opts.nowFn()
	var next time.Time
	consider := func(t time.Time) {
		if !t.IsZero() && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	if o.terminating {
		if !o.killed {
			consider(o.graceAt)
		}
	} else {
		consider(o.ceilingAt)
		switch o.State() {
		case StateRunning:
			if o.opts.IdleAfter > 0 {
				consider(o.lastActive.Add(o.opts.IdleAfter))
			}
		case StateIdle:
			if o.opts.IdleTimeout > 0 {
				consider(o.lastActive.Add(o.opts.IdleTimeout))
			}
		}
	}
	if next.IsZero() {
		return time.Hour
	}
	return max(next.Sub(now), time.Millisecond)
}

func (o *owner) tick() {
	now := o.opts.nowFn()
	if o.terminating {
		if !o.killed && !now.Before(o.graceAt) {
			o.logger.Warn("grace period expired, killing session")
			o.proc.Signal(syscall.SIGKILL)
			o.killed = true
		}
		return
	}
	if !o.ceilingAt.IsZero() && !now.Before(o.ceilingAt) {
		o.terminate(context.Background(), ReasonHardCeiling, false)
		return
	}
	idle := now.Sub(o.lastActive)
	switch o.State() {
	case StateRunning:
		if o.opts.IdleAfter > 0 && idle >= o.opts.IdleAfter {
			o.setState(StateIdle)
			o.logger.Debug("session idle")
		}
	case StateIdle:
		if o.opts.IdleTimeout > 0 && idle >= o.opts.IdleTimeout {
			o.terminate(context.Background(), ReasonIdleTimeout, false)
		}
	}
}

func (o *owner) handle(r any) {
	switch r := r.(type) {
	case writeRequest:
		r.reply <- o.handleWrite(r)
	case resizeRequest:
		if o.terminating {
			r.reply <- ErrSessionNotRunning
			return
		}
		if err := o.proc.Resize(r.cols, r.rows); err != nil {
			r.reply <- err
			return
		}
		o.mu.Lock()
		o.cols, o.rows = r.cols, r.rows
		o.mu.Unlock()
		r.reply <- nil
	case killRequest:
		r.reply <- o.terminate(r.ctx, r.reason, r.strict)
	default:
		panic(fmt.Sprintf("session: unknown request %T", r))
	}
}

func (o *owner) handleWrite(r writeRequest) writeResult {
	if o.terminating {
		return writeResult{err: ErrSessionNotRunning}
	}
	data := r.req.Command

	// Keys with no line being typed go straight through: interrupts, arrow
	// keys and Enter on a recalled history line.
	if o.line.empty() && !printable(data) {
		res := o.forward(r, data, data)
		if res.err == nil && res.decision.Allowed() {
			o.line.dirty = !settles(data)
		}
		return res
	}

	f := o.line.feed(data)
	if f.overflow {
		return writeResult{err: ErrLineTooLong}
	}
	var out strings.Builder
	if f.interrupt {
		out.WriteString("\x03")
	}
	if len(f.lines) == 0 {
		if f.interrupt {
			res := o.forward(r, "\x03", out.String())
			if res.err == nil && res.decision.Allowed() {
				o.line.dirty = false
			}
			return res
		}
		o.touch()
		return writeResult{decision: guard.Decision{Verdict: policy.Verdict{
			Decision: policy.Allow,
			Rule:     RulePendingLine,
			Reason:   policy.ReasonAllowed,
		}}}
	}

	if o.line.dirty && !f.interrupt {
		out.WriteString(discardShellLine)
	}
	for _, l := range f.lines {
		out.WriteString(l)
		out.WriteByte('\r')
	}
	res := o.forward(r, strings.Join(f.lines, "\n")+"\n", out.String())
	if res.err != nil || !res.decision.Allowed() {
		o.line.reset()
		return res
	}
	o.line.dirty = false
	return res
}

// forward validates command and, if it is allowed, writes raw to the shell.
func (o *owner) forward(r writeRequest, command, raw string) writeResult {
	req := r.req
	req.Command = command
	d, err := o.gate.Check(r.ctx, req)
	if err != nil {
		return writeResult{decision: d, err: err}
	}
	if !d.Allowed() {
		return writeResult{decision: d}
	}
	if _, err := o.proc.Write([]byte(raw)); err != nil {
		o.logger.Error("write to shell failed", "error", err)
		o.ioFailed = true
		o.terminate(context.Background(), ReasonIOError, false)
		return writeResult{decision: d, err: fmt.Errorf("%w: %w", ErrSessionNotRunning, err)}
	}
	o.touch()
	return writeResult{decision: d}
}

// terminate starts cooperative shutdown: SIGHUP to the process group now,
// SIGKILL once the grace period runs out. When strict is set and the
// transition cannot be audited, the session is left running.
func (o *owner) terminate(ctx context.Context, reason string, strict bool) error {
	if o.terminating {
		return nil
	}
	from := o.State()
	_, err := o.audit.Append(ctx, audit.Event{Type: audit.EventSessionLifecycle, Payload: o.lifecycle(from, StateTerminating, reason)})
	if err != nil {
		if strict {
			o.logger.Error("kill refused: audit write failed", "reason", reason, "error", err)
			return fmt.Errorf("%w: %w", guard.ErrAuditWriteFailed, err)
		}
		o.logger.Error("terminating without audit entry", "reason", reason, "error", err)
	}

	o.terminating = true
	o.reason = reason
	o.graceAt = o.opts.nowFn().Add(o.opts.GracePeriod)
	o.setState(StateTerminating)
	o.logger.Info("terminating session", "reason", reason)
	if err := o.proc.Signal(syscall.SIGHUP); err != nil {
		o.logger.Warn("hangup failed", "error", err)
	}
	return nil
}

// finish runs after the process has been reaped.
func (o *owner) finish(readerDone <-chan struct{}) {
	// Let the reader drain what the shell wrote before exiting, but do not
	// wait on descendants that still hold the terminal open.
	select {
	case <-readerDone:
	case <-time.After(500 * time.Millisecond):
	}
	o.proc.Close()
	<-readerDone
	o.stream.Close()

	code := o.proc.ExitCode()
	from := o.State()
	reason := o.reason
	crashed := false
	if reason == "" {
		reason = ReasonExited
		if code != 0 {
			reason = ReasonCrashed
			crashed = true
		}
	}
	final := StateTerminated
	if o.ioFailed {
		final = StateError
	}

	p := o.lifecycle(from, final, reason)
	p.ExitCode = &code
	if _, err := o.audit.Append(context.Background(), audit.Event{Type: audit.EventSessionLifecycle, Payload: p}); err != nil {
		o.logger.Error("final lifecycle entry not written", "error", err)
	}

	exit := Exit{
		State:    final,
		Code:     code,
		Reason:   reason,
		Crashed:  crashed,
		Duration: o.opts.nowFn().Sub(o.createdAt),
	}
	o.mu.Lock()
	o.exit = exit
	o.state = final
	for w := range o.watchers {
		delete(o.watchers, w)
		close(w)
	}
	o.mu.Unlock()

	lvl := slog.LevelInfo
	if crashed {
		lvl = slog.LevelWarn
	}
	o.logger.Log(context.Background(), lvl, "session ended", "from", from, "reason", reason, "exit_code", code)
	close(o.done)
}

func (s *Session) lifecycle(from, to State, reason string) audit.LifecyclePayload {
	p := audit.LifecyclePayload{
		SessionID: s.id,
		ClientID:  s.clientID,
		From:      string(from),
		To:        string(to),
		Reason:    reason,
		Shell:     s.shell,
		Cwd:       s.cwd,
	}
	if s.proc != nil {
		p.Pid = s.proc.Pid()
	}
	return p
}

// Subscription follows one session's output and state changes.
type Subscription struct {
	SessionID string
	s         *Session
	offset    int64
	status    chan State
}

// Next returns the next piece of output, waiting if necessary. It returns
// io.EOF after the last byte the shell produced.
func (sub *Subscription) Next(ctx context.Context) (terminal.Chunk, error) {
	c, err := sub.s.stream.Next(ctx, sub.offset, 0)
	sub.offset = c.Offset + int64(len(c.Data))
	return c, err
}

// Status delivers non-final state changes. It is closed when the session ends
// or the subscription is closed.
func (sub *Subscription) Status() <-chan State { return sub.status }

// Done is closed once the session has fully terminated.
func (sub *Subscription) Done() <-chan struct{} { return sub.s.done }

// Exit returns how the session ended. It is only meaningful after Done.
func (sub *Subscription) Exit() Exit { return sub.s.Exit() }

// Close stops status delivery. Output reads are unaffected.
func (sub *Subscription) Close() { sub.s.unwatch(sub.status) }

// State returns the session's current state.
func (sub *Subscription) State() State { return sub.s.State() }
