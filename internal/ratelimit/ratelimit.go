// Package ratelimit bounds how fast each client may submit commands.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per client. Buckets refill lazily from
// elapsed time when a token is requested, so no background timer runs. The
// map lock is held only to look up or insert a bucket; each bucket has its
// own lock, so clients never contend with each other.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	capacity int
	refill   rate.Limit
	nowFn    func() time.Time
}

// New returns a Limiter with the given bucket capacity and refill rate in
// tokens per second.
func New(capacity int, refillPerSecond float64) *Limiter {
	return &Limiter{
		buckets:  make(map[string]*rate.Limiter),
		capacity: capacity,
		refill:   rate.Limit(refillPerSecond),
		nowFn:    time.Now,
	}
}

func (l *Limiter) bucket(clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[clientID]
	if !ok {
		b = rate.NewLimiter(l.refill, l.capacity)
		l.buckets[clientID] = b
	}
	return b
}

// TryAcquire takes one token from the client's bucket. When the bucket is
// empty it returns false and how long until a token will be available.
func (l *Limiter) TryAcquire(clientID string) (bool, time.Duration) {
	b := l.bucket(clientID)
	now := l.nowFn()
	if b.AllowN(now, 1) {
		return true, 0
	}
	return false, l.retryAfter(b.TokensAt(now))
}

func (l *Limiter) retryAfter(tokens float64) time.Duration {
	if l.refill <= 0 {
		return time.Duration(math.MaxInt64)
	}
	missing := 1 - tokens
	if missing <= 0 {
		return 0
	}
	secs := missing / float64(l.refill)
	return time.Duration(math.Ceil(secs * float64(time.Second)))
}

// Tokens returns the tokens currently available to clientID.
func (l *Limiter) Tokens(clientID string) float64 {
	return l.bucket(clientID).TokensAt(l.nowFn())
}

// Prune drops buckets that have refilled to capacity. A full bucket behaves
// exactly like a new one, so pruning never grants extra tokens.
func (l *Limiter) Prune() int {
	now := l.nowFn()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, b := range l.buckets {
		if b.TokensAt(now) >= float64(l.capacity) {
			delete(l.buckets, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
