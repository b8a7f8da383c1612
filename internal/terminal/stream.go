package terminal

import (
	"context"
	"io"
	"sync"
)

// Chunk is a contiguous piece of output. Dropped is the number of bytes the
// reader missed immediately before Data because the stream overflowed.
type Chunk struct {
	Offset  int64
	Data    []byte
	Dropped int64
}

// Stream is a bounded, ordered output buffer with any number of readers,
// each tracking its own offset. Writes never block: when the buffer is full
// the oldest bytes are discarded, and readers that had not yet seen them are
// told how many they lost.
type Stream struct {
	mu       sync.Mutex
	buf      []byte
	base     int64 // offset of buf[0]
	capacity int
	wake     chan struct{}
	closed   bool
}

// NewStream returns a Stream that retains at most capacity bytes.
func NewStream(capacity int) *Stream {
	if capacity < 1 {
		capacity = 1
	}
	return &Stream{capacity: capacity, wake: make(chan struct{})}
}

// Write appends p. It never blocks and never fails before Close.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if len(p) == 0 {
		return 0, nil
	}
	s.buf = append(s.buf, p...)
	if over := len(s.buf) - s.capacity; over > 0 {
		s.base += int64(over)
		s.buf = s.buf[over:]
		if cap(s.buf) > 4*s.capacity {
			s.buf = append([]byte(nil), s.buf...)
		}
	}
	s.broadcastLocked()
	return len(p), nil
}

// Close marks the end of output. Readers drain what is left, then get io.EOF.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.broadcastLocked()
	}
}

func (s *Stream) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Oldest returns the offset of the oldest retained byte.
func (s *Stream) Oldest() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// End returns the offset one past the newest byte.
func (s *Stream) End() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base + int64(len(s.buf))
}

// Trimmed returns how many bytes have been discarded since the stream began.
func (s *Stream) Trimmed() int64 { return s.Oldest() }

// Next returns up to max bytes starting at offset, waiting for output if
// there is none yet. It returns io.EOF once the stream is closed and the
// reader has consumed everything.
func (s *Stream) Next(ctx context.Context, offset int64, max int) (Chunk, error) {
	if max < 1 {
		max = 32 * 1024
	}
	for {
		s.mu.Lock()
		var dropped int64
		if offset < s.base {
			dropped = s.base - offset
			offset = s.base
		}
		end := s.base + int64(len(s.buf))
		if offset < end || dropped > 0 {
			n := min(end-offset, int64(max))
			start := offset - s.base
			c := Chunk{Offset: offset, Dropped: dropped, Data: append([]byte(nil), s.buf[start:start+n]...)}
			s.mu.Unlock()
			return c, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Chunk{Offset: offset}, io.EOF
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return Chunk{Offset: offset}, ctx.Err()
		}
	}
}
