// Package audittest provides an in-memory audit store with fault injection.
package audittest

import (
	"sync"

	"github.com/tinkerbelle-io/tb-shellguard/internal/audit"
)

// Store is an in-memory audit.Store. SetFailure makes every write fail until
// cleared, which simulates a storage outage.
type Store struct {
	mu          sync.Mutex
	entries     []audit.Entry
	checkpoints []audit.Checkpoint
	quarantine  []audit.Quarantine
	fail        error
	appends     int
}

// NewStore returns an empty Store.
func NewStore() *Store { return &Store{} }

// SetFailure makes subsequent writes return err. nil restores normal
// operation.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

// Entries returns a copy of the committed entries.
func (s *Store) Entries() []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Entry(nil), s.entries...)
}

// Attempts returns how many appends were attempted, including failed ones.
func (s *Store) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appends
}

// Tamper replaces the stored entry at index i.
func (s *Store) Tamper(i int, fn func(*audit.Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.entries[i])
}

func (s *Store) Append(e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	if s.fail != nil {
		return s.fail
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *Store) Last() (audit.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return audit.Entry{}, false, nil
	}
	return s.entries[len(s.entries)-1], true, nil
}

func (s *Store) Scan(from uint64, fn func(audit.Entry) error) error {
	s.mu.Lock()
	var snapshot []audit.Entry
	if from < uint64(len(s.entries)) {
		snapshot = append(snapshot, s.entries[from:]...)
	}
	s.mu.Unlock()
	for _, e := range snapshot {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Get(seq uint64) (audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq >= uint64(len(s.entries)) {
		return audit.Entry{}, audit.ErrNotFound
	}
	return s.entries[seq], nil
}

func (s *Store) SaveCheckpoint(c audit.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.checkpoints = append(s.checkpoints, c)
	return nil
}

func (s *Store) Checkpoints() ([]audit.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Checkpoint(nil), s.checkpoints...), nil
}

func (s *Store) SaveQuarantine(q audit.Quarantine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantine = append(s.quarantine, q)
	return nil
}

func (s *Store) Quarantines() ([]audit.Quarantine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Quarantine(nil), s.quarantine...), nil
}

func (s *Store) Close() error { return nil }
