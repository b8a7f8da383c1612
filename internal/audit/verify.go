package audit

import (
	"errors"
	"fmt"
	"time"
)

// IntegrityViolation describes the first point where the chain fails to
// verify. Everything from FromSeq to ToSeq is untrusted.
type IntegrityViolation struct {
	FromSeq uint64 `json:"fromSeq"`
	ToSeq   uint64 `json:"toSeq"`
	Reason  string `json:"reason"`
}

func (v *IntegrityViolation) Error() string {
	return fmt.Sprintf("audit: integrity violation in seq %d..%d: %s", v.FromSeq, v.ToSeq, v.Reason)
}

// SignatureVerifier checks a detached signature over msg.
type SignatureVerifier interface {
	Verify(msg []byte, sig string) bool
}

// VerifyOptions tunes Verify.
type VerifyOptions struct {
	// Verifier checks entry and checkpoint signatures when set.
	Verifier SignatureVerifier
	// RequireSignatures treats unsigned entries as violations.
	RequireSignatures bool
}

// Report summarises a verification run.
type Report struct {
	Entries     uint64              `json:"entries"`
	Head        string              `json:"head"`
	Checkpoints int                 `json:"checkpoints"`
	Signed      uint64              `json:"signed"`
	Violation   *IntegrityViolation `json:"violation,omitempty"`
}

// OK reports whether the whole log verified.
func (r Report) OK() bool { return r.Violation == nil }

var errStop = errors.New("stop")

// Verify replays the chain in store from genesis: sequence numbers must be
// gap-free, each prevHash must equal the preceding hash, each hash must
// recompute, payload types must match event types, and every checkpoint
// root must match the entries it covers. The first failure is reported as a
// violation running to the end of the log. Only I/O failures are returned
// as errors.
func Verify(store Store, opts VerifyOptions) (Report, error) {
	var rep Report

	cps, err := store.Checkpoints()
	if err != nil {
		return rep, err
	}
	rep.Checkpoints = len(cps)
	cpByStart := make(map[uint64]Checkpoint, len(cps))
	for _, c := range cps {
		cpByStart[c.FromSeq] = c
	}

	var (
		expect uint64
		prev   = GenesisHash
		open   *Checkpoint
		batch  []string
		fail   = func(seq uint64, format string, args ...any) error {
			rep.Violation = &IntegrityViolation{FromSeq: seq, Reason: fmt.Sprintf(format, args...)}
			return errStop
		}
	)

	err = store.Scan(0, func(e Entry) error {
		if e.Seq != expect {
			return fail(expect, "sequence gap: expected %d, found %d", expect, e.Seq)
		}
		if e.PrevHash != prev {
			return fail(e.Seq, "prevHash does not match hash of entry %d", int64(e.Seq)-1)
		}
		if !e.EventType.Valid() {
			return fail(e.Seq, "unknown event type %q", e.EventType)
		}
		if t, err := payloadType(e.Payload); err != nil || t != string(e.EventType) {
			return fail(e.Seq, "payload type %q does not match event type %q", t, e.EventType)
		}
		if e.ExpectedHash() != e.Hash {
			return fail(e.Seq, "hash mismatch")
		}
		if opts.Verifier != nil {
			switch {
			case e.Signature != "":
				if !opts.Verifier.Verify(hashBytes(e.Hash), e.Signature) {
					return fail(e.Seq, "bad signature")
				}
				rep.Signed++
			case opts.RequireSignatures:
				return fail(e.Seq, "missing signature")
			}
		}

		if c, ok := cpByStart[e.Seq]; ok && open == nil {
			open = &c
			batch = batch[:0]
		}
		if open != nil {
			batch = append(batch, e.Hash)
			if e.Seq == open.ToSeq {
				if MerkleRoot(batch) != open.Root {
					return fail(open.FromSeq, "checkpoint %d root mismatch", open.Index)
				}
				if opts.Verifier != nil && open.Signature != "" && !opts.Verifier.Verify(hashBytes(open.Root), open.Signature) {
					return fail(open.FromSeq, "checkpoint %d bad signature", open.Index)
				}
				open = nil
			}
		}

		prev = e.Hash
		expect++
		rep.Entries++
		rep.Head = e.Hash
		return nil
	})

	var corrupt *CorruptError
	switch {
	case errors.As(err, &corrupt):
		rep.Violation = &IntegrityViolation{FromSeq: corrupt.Seq, Reason: "undecodable record: " + corrupt.Err.Error()}
	case errors.Is(err, errStop):
	case err != nil:
		return rep, err
	}

	if rep.Violation != nil {
		rep.Violation.ToSeq = lastSeq(store, rep.Violation.FromSeq)
		return rep, nil
	}
	for _, c := range cps {
		if c.ToSeq >= rep.Entries {
			rep.Violation = &IntegrityViolation{
				FromSeq: c.FromSeq,
				ToSeq:   c.ToSeq,
				Reason:  fmt.Sprintf("checkpoint %d covers entries missing from the log", c.Index),
			}
			break
		}
	}
	return rep, nil
}

func lastSeq(store Store, floor uint64) uint64 {
	last, ok, err := store.Last()
	var corrupt *CorruptError
	switch {
	case errors.As(err, &corrupt):
		if corrupt.Seq > floor {
			return corrupt.Seq
		}
	case err == nil && ok && last.Seq > floor:
		return last.Seq
	}
	return floor
}

// QuarantineViolation records v in the store unless a violation starting at
// the same seq is already quarantined. Violations run to the end of the log,
// so a later run over a longer log reports the same break with a larger
// ToSeq. It reports whether a new record was written.
func QuarantineViolation(store Store, v *IntegrityViolation, now time.Time) (bool, error) {
	existing, err := store.Quarantines()
	if err != nil {
		return false, err
	}
	for _, q := range existing {
		if q.FromSeq == v.FromSeq {
			return false, nil
		}
	}
	q := Quarantine{
		FromSeq:    v.FromSeq,
		ToSeq:      v.ToSeq,
		Reason:     v.Reason,
		DetectedAt: now.UTC().Format(TimeFormat),
	}
	if err := store.SaveQuarantine(q); err != nil {
		return false, err
	}
	return true, nil
}

// ErrNotSealed is returned when an entry exists but no checkpoint covers it
// yet.
var ErrNotSealed = errors.New("audit: entry not yet covered by a checkpoint")

// ProveMembership builds a Merkle proof for seq from the checkpoint that
// covers it. The checkpoint root is recomputed from the stored entries; a
// mismatch is reported as an IntegrityViolation rather than a proof.
func ProveMembership(store Store, seq uint64) (MerkleProof, error) {
	entry, err := store.Get(seq)
	if err != nil {
		return MerkleProof{}, err
	}
	cps, err := store.Checkpoints()
	if err != nil {
		return MerkleProof{}, err
	}
	var cp *Checkpoint
	for i := range cps {
		if cps[i].Contains(seq) {
			cp = &cps[i]
			break
		}
	}
	if cp == nil {
		return MerkleProof{}, ErrNotSealed
	}

	hashes := make([]string, 0, cp.ToSeq-cp.FromSeq+1)
	err = store.Scan(cp.FromSeq, func(e Entry) error {
		if e.Seq > cp.ToSeq {
			return errStop
		}
		hashes = append(hashes, e.Hash)
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return MerkleProof{}, err
	}
	if uint64(len(hashes)) != cp.ToSeq-cp.FromSeq+1 || MerkleRoot(hashes) != cp.Root {
		return MerkleProof{}, &IntegrityViolation{
			FromSeq: cp.FromSeq,
			ToSeq:   cp.ToSeq,
			Reason:  fmt.Sprintf("checkpoint %d root does not match stored entries", cp.Index),
		}
	}

	idx := int(seq - cp.FromSeq)
	return MerkleProof{
		Seq:        seq,
		EntryHash:  entry.Hash,
		Checkpoint: cp.Index,
		FromSeq:    cp.FromSeq,
		ToSeq:      cp.ToSeq,
		LeafIndex:  idx,
		Path:       merklePath(hashes, idx),
		Root:       cp.Root,
	}, nil
}
