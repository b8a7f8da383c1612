package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tinkerbelle-io/tb-shellguard/internal/audit"
	"github.com/tinkerbelle-io/tb-shellguard/internal/guard"
	"github.com/tinkerbelle-io/tb-shellguard/internal/terminal"
)

// Options configures a Registry.
type Options struct {
	DefaultShell      string
	AllowedShells     []string
	MaxPerClient      int
	IdleAfter         time.Duration
	IdleTimeout       time.Duration
	HardCeiling       time.Duration
	GracePeriod       time.Duration
	OutputBufferBytes int
	Observer          Observer

	nowFn func() time.Time
}

// Observer is told when sessions start and end.
type Observer interface {
	SessionOpened()
	SessionClosed(exit Exit)
}

type nopObserver struct{}

func (nopObserver) SessionOpened()     {}
func (nopObserver) SessionClosed(Exit) {}

// CreateRequest asks for a new session.
type CreateRequest struct {
	ClientID  string
	Principal string
	Shell     string
	Cwd       string
	Cols      uint16
	Rows      uint16
}

// WriteRequest is input for a session.
type WriteRequest struct {
	SessionID   string
	ClientID    string
	Principal   string
	Data        string
	AIGenerated bool
}

// Registry is the authoritative set of live sessions. The map is only
// locked for insert and delete; steady-state traffic goes straight to the
// owning session.
type Registry struct {
	opts  Options
	gate  Gate
	audit Appender

	sessions sync.Map // id -> *Session

	mu        sync.Mutex
	perClient map[string]int

	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewRegistry creates a Registry. Input is checked by gate; lifecycle
// events are written to a.
func NewRegistry(opts Options, gate Gate, a Appender) *Registry {
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.nowFn == nil {
		opts.nowFn = time.Now
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	if opts.OutputBufferBytes <= 0 {
		opts.OutputBufferBytes = 1 << 20
	}
	if opts.MaxPerClient <= 0 {
		opts.MaxPerClient = 1
	}
	return &Registry{
		opts:      opts,
		gate:      gate,
		audit:     a,
		perClient: make(map[string]int),
		logger:    slog.Default().With("component", "sessions"),
	}
}

func (r *Registry) reserve(clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.perClient[clientID] >= r.opts.MaxPerClient {
		return fmt.Errorf("%w: client %s has %d", ErrTooManySessions, clientID, r.perClient[clientID])
	}
	r.perClient[clientID]++
	return nil
}

func (r *Registry) release(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.perClient[clientID]--; r.perClient[clientID] <= 0 {
		delete(r.perClient, clientID)
	}
}

func (r *Registry) resolveShell(shell string) (string, error) {
	if shell == "" {
		shell = r.opts.DefaultShell
	}
	if len(r.opts.AllowedShells) > 0 && !slices.Contains(r.opts.AllowedShells, shell) {
		return "", fmt.Errorf("%w: shell %q is not allowed", ErrSpawnFailed, shell)
	}
	return shell, nil
}

func resolveCwd(cwd string) (string, error) {
	if cwd == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "/", nil
		}
		cwd = home
	}
	fi, err := os.Stat(cwd)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrSpawnFailed, cwd)
	}
	return cwd, nil
}

// Create spawns a shell and registers it. A session whose process cannot
// start, or whose start cannot be audited, is never registered.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (Summary, error) {
	shell, err := r.resolveShell(req.Shell)
	if err != nil {
		return Summary{}, err
	}
	cwd, err := resolveCwd(req.Cwd)
	if err != nil {
		return Summary{}, err
	}
	if req.Cols == 0 {
		req.Cols = 80
	}
	if req.Rows == 0 {
		req.Rows = 24
	}
	if err := r.reserve(req.ClientID); err != nil {
		return Summary{}, err
	}

	s := &Session{
		id:        uuid.NewString(),
		clientID:  req.ClientID,
		principal: req.Principal,
		shell:     shell,
		cwd:       cwd,
		createdAt: r.opts.nowFn(),
		gate:      r.gate,
		audit:     r.audit,
		opts:      r.opts,
		requests:  make(chan any),
		done:      make(chan struct{}),
		state:     StateCreating,
		cols:      req.Cols,
		rows:      req.Rows,
		watchers:  make(map[chan State]struct{}),
	}
	s.logger = r.logger.With("session", s.id, "client", req.ClientID)

	proc, err := terminal.Start(terminal.Spec{Shell: shell, Cwd: cwd, Cols: req.Cols, Rows: req.Rows})
	if err != nil {
		r.release(req.ClientID)
		p := s.lifecycle(StateCreating, StateError, ReasonSpawnFailed)
		p.Error = err.Error()
		if _, aerr := r.audit.Append(ctx, audit.Event{Type: audit.EventSessionLifecycle, Payload: p}); aerr != nil {
			s.logger.Error("spawn failure not audited", "error", aerr)
		}
		s.logger.Error("spawn failed", "shell", shell, "error", err)
		return Summary{}, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	s.proc = proc
	s.stream = terminal.NewStream(r.opts.OutputBufferBytes)

	if _, err := r.audit.Append(ctx, audit.Event{
		Type:    audit.EventSessionLifecycle,
		Payload: s.lifecycle(StateCreating, StateRunning, ReasonCreated),
	}); err != nil {
		proc.Signal(syscall.SIGKILL)
		proc.Close()
		<-proc.Done()
		r.release(req.ClientID)
		s.logger.Error("session start not audited, killed", "error", err)
		return Summary{}, fmt.Errorf("%w: %w", guard.ErrAuditWriteFailed, err)
	}

	s.state = StateRunning
	if _, loaded := r.sessions.LoadOrStore(s.id, s); loaded {
		// uuid collision; cannot happen in practice
		panic("session: duplicate session id " + s.id)
	}
	r.opts.Observer.SessionOpened()
	s.logger.Info("session created", "shell", shell, "cwd", cwd, "pid", proc.Pid())

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		s.run()
		r.sessions.Delete(s.id)
		r.release(s.clientID)
		r.opts.Observer.SessionClosed(s.Exit())
	}()
	return s.Summary(), nil
}

// lookup returns the session if it exists and belongs to clientID. Sessions
// owned by other clients are reported as not found.
func (r *Registry) lookup(id, clientID string) (*Session, error) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s := v.(*Session)
	if s.clientID != clientID {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Write validates, audits and forwards input. A refused command yields a
// Decision that is not allowed and a nil error; the error is reserved for
// failures, including an audit write failure, in which case nothing was
// written to the shell.
func (r *Registry) Write(ctx context.Context, w WriteRequest) (guard.Decision, error) {
	s, err := r.lookup(w.SessionID, w.ClientID)
	if err != nil {
		return guard.Decision{}, err
	}
	return s.write(ctx, guard.Request{
		SessionID:   w.SessionID,
		ClientID:    w.ClientID,
		Principal:   w.Principal,
		Command:     w.Data,
		AIGenerated: w.AIGenerated,
		SubmittedAt: r.opts.nowFn(),
	})
}

// Resize changes a session's window size.
func (r *Registry) Resize(ctx context.Context, id, clientID string, cols, rows uint16) error {
	s, err := r.lookup(id, clientID)
	if err != nil {
		return err
	}
	return s.resize(ctx, cols, rows)
}

// Kill terminates a session on behalf of its client. The call returns once
// termination has started; Subscription.Done reports completion.
func (r *Registry) Kill(ctx context.Context, id, clientID, reason string) error {
	s, err := r.lookup(id, clientID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = ReasonKilled
	}
	return s.kill(ctx, reason, true)
}

// Release terminates a session for a system reason such as the client
// going away. Unlike Kill it proceeds even if the lifecycle entry cannot be
// written; the failure is logged.
func (r *Registry) Release(ctx context.Context, id, clientID, reason string) error {
	s, err := r.lookup(id, clientID)
	if err != nil {
		return err
	}
	return s.kill(ctx, reason, false)
}

// Subscribe follows a session's output from the start. If older output has
// already been discarded, the first chunk reports how much was lost.
func (r *Registry) Subscribe(id, clientID string) (*Subscription, error) {
	s, err := r.lookup(id, clientID)
	if err != nil {
		return nil, err
	}
	return &Subscription{
		SessionID: id,
		s:         s,
		status:    s.watch(),
	}, nil
}

// List returns the sessions owned by clientID, oldest first. An empty
// clientID lists every session.
func (r *Registry) List(clientID string) []Summary {
	var out []Summary
	r.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		if clientID == "" || s.clientID == clientID {
			out = append(out, s.Summary())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool { n++; return true })
	return n
}

// Shutdown terminates all sessions and waits for them to finish.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.sessions.Range(func(_, v any) bool {
		v.(*Session).kill(ctx, ReasonShutdown, false)
		return true
	})
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("session: shutdown incomplete"), ctx.Err())
	}
}
