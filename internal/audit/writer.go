package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrWriteFailed is returned when an entry could not be committed. The
// action that was being audited must not be performed.
var ErrWriteFailed = errors.New("audit: write failed")

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("audit: writer closed")

// Signer produces a detached signature over an entry hash.
type Signer interface {
	Sign(msg []byte) string
}

// Observer receives writer measurements. Implementations must not block.
type Observer interface {
	AppendObserved(t EventType, d time.Duration, err error)
	CheckpointSealed(c Checkpoint)
	SubscriberDropped()
}

type nopObserver struct{}

func (nopObserver) AppendObserved(EventType, time.Duration, error) {}
func (nopObserver) CheckpointSealed(Checkpoint)                    {}
func (nopObserver) SubscriberDropped()                             {}

// Options configures a Writer.
type Options struct {
	// CheckpointInterval seals a Merkle checkpoint every N entries. Zero
	// disables automatic sealing; Seal can still be called.
	CheckpointInterval int
	Signer             Signer
	Observer           Observer
}

// Writer is the single writer of an audit Store. Appends pass through one
// exclusive lane, which is what gives every entry its place in the global
// order; the previous-hash pointer is only touched while holding it.
type Writer struct {
	lane  chan struct{}
	store Store
	opts  Options
	nowFn func() time.Time

	// Guarded by lane.
	seq        uint64
	prev       string
	batchStart uint64
	batch      []string
	nextCP     uint64
	closed     bool

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}
	logger *slog.Logger
}

// NewWriter resumes the chain held by store. It fails if the newest stored
// entry cannot be read, since appending after an unknown head would fork the
// chain.
func NewWriter(store Store, opts Options) (*Writer, error) {
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	w := &Writer{
		lane:   make(chan struct{}, 1),
		store:  store,
		opts:   opts,
		nowFn:  time.Now,
		prev:   GenesisHash,
		subs:   make(map[*Subscription]struct{}),
		logger: slog.Default().With("component", "audit"),
	}

	last, ok, err := store.Last()
	if err != nil {
		return nil, fmt.Errorf("audit: read chain head: %w", err)
	}
	if ok {
		w.seq = last.Seq + 1
		w.prev = last.Hash
	}

	cps, err := store.Checkpoints()
	if err != nil {
		return nil, fmt.Errorf("audit: read checkpoints: %w", err)
	}
	if n := len(cps); n > 0 {
		w.nextCP = cps[n-1].Index + 1
		w.batchStart = cps[n-1].ToSeq + 1
	}
	if w.batchStart < w.seq {
		err := store.Scan(w.batchStart, func(e Entry) error {
			w.batch = append(w.batch, e.Hash)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("audit: load unsealed batch: %w", err)
		}
	}
	return w, nil
}

func (w *Writer) acquire(ctx context.Context) error {
	select {
	case w.lane <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) release() { <-w.lane }

// Append commits ev and returns the stored entry. It blocks while another
// append holds the lane or the store is slow. The caller must treat any
// error as a failure of the action being audited.
func (w *Writer) Append(ctx context.Context, ev Event) (Entry, error) {
	if !ev.Type.Valid() {
		return Entry{}, fmt.Errorf("%w: unknown event type %q", ErrWriteFailed, ev.Type)
	}
	payload, err := canonicalPayload(ev.Type, ev.Payload)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	if err := w.acquire(ctx); err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	defer w.release()

	if w.closed {
		return Entry{}, fmt.Errorf("%w: %w", ErrWriteFailed, ErrClosed)
	}

	e := Entry{
		Seq:       w.seq,
		Timestamp: w.nowFn().UTC().Format(TimeFormat),
		EventType: ev.Type,
		Payload:   payload,
		PrevHash:  w.prev,
	}
	e.Hash = e.ExpectedHash()
	if w.opts.Signer != nil {
		e.Signature = w.opts.Signer.Sign(hashBytes(e.Hash))
	}

	start := time.Now()
	err = w.store.Append(e)
	w.opts.Observer.AppendObserved(ev.Type, time.Since(start), err)
	if err != nil {
		w.logger.Error("audit append failed", "seq", e.Seq, "event", ev.Type, "error", err)
		return Entry{}, fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	w.seq++
	w.prev = e.Hash
	w.batch = append(w.batch, e.Hash)
	if n := w.opts.CheckpointInterval; n > 0 && len(w.batch) >= n {
		if _, err := w.sealLocked(); err != nil {
			// The entry is committed; the batch stays open and is sealed
			// on the next attempt.
			w.logger.Error("checkpoint seal failed", "error", err)
		}
	}

	w.publish(e)
	return e, nil
}

// Seal closes the current batch into a checkpoint, even if it is shorter
// than the configured interval. ok is false when there was nothing to seal.
func (w *Writer) Seal(ctx context.Context) (cp Checkpoint, ok bool, err error) {
	if err := w.acquire(ctx); err != nil {
		return Checkpoint{}, false, err
	}
	defer w.release()
	if len(w.batch) == 0 {
		return Checkpoint{}, false, nil
	}
	cp, err = w.sealLocked()
	return cp, err == nil, err
}

func (w *Writer) sealLocked() (Checkpoint, error) {
	cp := Checkpoint{
		Index:     w.nextCP,
		FromSeq:   w.batchStart,
		ToSeq:     w.batchStart + uint64(len(w.batch)) - 1,
		Root:      MerkleRoot(w.batch),
		CreatedAt: w.nowFn().UTC().Format(TimeFormat),
	}
	if w.opts.Signer != nil {
		cp.Signature = w.opts.Signer.Sign(hashBytes(cp.Root))
	}
	if err := w.store.SaveCheckpoint(cp); err != nil {
		return Checkpoint{}, fmt.Errorf("audit: save checkpoint %d: %w", cp.Index, err)
	}
	w.nextCP++
	w.batchStart = cp.ToSeq + 1
	w.batch = nil
	w.opts.Observer.CheckpointSealed(cp)
	w.logger.Debug("checkpoint sealed", "index", cp.Index, "from", cp.FromSeq, "to", cp.ToSeq)
	return cp, nil
}

// Head returns the next sequence number and the current chain head hash.
func (w *Writer) Head(ctx context.Context) (next uint64, head string, err error) {
	if err := w.acquire(ctx); err != nil {
		return 0, "", err
	}
	defer w.release()
	return w.seq, w.prev, nil
}

// Store returns the underlying store for read-only use.
func (w *Writer) Store() Store { return w.store }

// Close stops accepting appends, closes all subscriptions and closes the
// store. In-flight appends finish first.
func (w *Writer) Close() error {
	w.lane <- struct{}{}
	if w.closed {
		w.release()
		return nil
	}
	w.closed = true
	w.release()

	w.subsMu.Lock()
	for s := range w.subs {
		close(s.ch)
		delete(w.subs, s)
	}
	w.subsMu.Unlock()

	return w.store.Close()
}

// Subscription delivers committed entries. Delivery never blocks the
// writer: when the buffer is full the entry is dropped for this subscriber
// and counted.
type Subscription struct {
	ch      chan Entry
	w       *Writer
	dropped atomic.Uint64
}

// C returns the delivery channel. It is closed by Close or Writer.Close.
func (s *Subscription) C() <-chan Entry { return s.ch }

// Dropped returns how many entries this subscriber has missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close stops delivery.
func (s *Subscription) Close() {
	s.w.subsMu.Lock()
	defer s.w.subsMu.Unlock()
	if _, ok := s.w.subs[s]; ok {
		delete(s.w.subs, s)
		close(s.ch)
	}
}

// Subscribe registers a subscriber with the given buffer size.
func (w *Writer) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{ch: make(chan Entry, buffer), w: w}
	w.subsMu.Lock()
	w.subs[s] = struct{}{}
	w.subsMu.Unlock()
	return s
}

func (w *Writer) publish(e Entry) {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	for s := range w.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
			w.opts.Observer.SubscriberDropped()
		}
	}
}
