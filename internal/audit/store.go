package audit

import "errors"

// ErrNotFound is returned when a sequence number is not in the store.
var ErrNotFound = errors.New("audit: entry not found")

// Store persists audit entries. Append must be durable when it returns nil
// and must leave no trace of the entry when it returns an error. A Store is
// only ever written by one Writer.
type Store interface {
	Append(e Entry) error
	// Last returns the newest entry; ok is false for an empty store.
	Last() (e Entry, ok bool, err error)
	// Scan calls fn for every entry with Seq >= from, in order.
	Scan(from uint64, fn func(Entry) error) error
	Get(seq uint64) (Entry, error)

	SaveCheckpoint(c Checkpoint) error
	Checkpoints() ([]Checkpoint, error)
	SaveQuarantine(q Quarantine) error
	Quarantines() ([]Quarantine, error)

	Close() error
}

// Checkpoint seals a consecutive batch of entries under a Merkle root.
// Checkpoints are contiguous: each starts at the previous one's ToSeq+1.
type Checkpoint struct {
	Index     uint64 `json:"index"`
	FromSeq   uint64 `json:"fromSeq"`
	ToSeq     uint64 `json:"toSeq"`
	Root      string `json:"root"`
	CreatedAt string `json:"createdAt"`
	Signature string `json:"signature,omitempty"`
}

// Contains reports whether seq falls inside the checkpoint's batch.
func (c Checkpoint) Contains(seq uint64) bool {
	return seq >= c.FromSeq && seq <= c.ToSeq
}

// Quarantine marks a range of entries that failed verification. The range
// is kept for forensic review and never repaired.
type Quarantine struct {
	FromSeq    uint64 `json:"fromSeq"`
	ToSeq      uint64 `json:"toSeq"`
	Reason     string `json:"reason"`
	DetectedAt string `json:"detectedAt"`
}
