package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// Merkle trees follow RFC 6962 hashing with domain separation between
// leaves and interior nodes. A node without a sibling is promoted to the
// next level unchanged.
const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// ProofStep is one sibling hash on the path from a leaf to the root. Left
// is true when the sibling sits to the left of the running hash.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// MerkleProof shows that one entry belongs to a checkpoint batch.
type MerkleProof struct {
	Seq        uint64      `json:"seq"`
	EntryHash  string      `json:"entryHash"`
	Checkpoint uint64      `json:"checkpoint"`
	FromSeq    uint64      `json:"fromSeq"`
	ToSeq      uint64      `json:"toSeq"`
	LeafIndex  int         `json:"leafIndex"`
	Path       []ProofStep `json:"path"`
	Root       string      `json:"root"`
}

func hashBytes(h string) []byte {
	if b, err := hex.DecodeString(h); err == nil {
		return b
	}
	return []byte(h)
}

func leafHash(entryHash string) []byte {
	s := sha256.New()
	s.Write([]byte{leafPrefix})
	s.Write(hashBytes(entryHash))
	return s.Sum(nil)
}

func nodeHash(l, r []byte) []byte {
	s := sha256.New()
	s.Write([]byte{nodePrefix})
	s.Write(l)
	s.Write(r)
	return s.Sum(nil)
}

func leaves(hashes []string) [][]byte {
	level := make([][]byte, len(hashes))
	for i, h := range hashes {
		level[i] = leafHash(h)
	}
	return level
}

func nextLevel(level [][]byte) [][]byte {
	next := make([][]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 < len(level) {
			next = append(next, nodeHash(level[i], level[i+1]))
		} else {
			next = append(next, level[i])
		}
	}
	return next
}

// MerkleRoot returns the hex root over the given entry hashes. The root of
// an empty batch is the empty string.
func MerkleRoot(hashes []string) string {
	if len(hashes) == 0 {
		return ""
	}
	level := leaves(hashes)
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return hex.EncodeToString(level[0])
}

// merklePath returns the audit path for leaf idx.
func merklePath(hashes []string, idx int) []ProofStep {
	var path []ProofStep
	level := leaves(hashes)
	for len(level) > 1 {
		sib := idx ^ 1
		if sib < len(level) {
			path = append(path, ProofStep{
				Hash: hex.EncodeToString(level[sib]),
				Left: sib < idx,
			})
		}
		level = nextLevel(level)
		idx /= 2
	}
	return path
}

// VerifyProof reports whether entry is a member of the batch with the given
// root. The entry must also be internally consistent: its stored hash has
// to match the hash recomputed from its payload, prevHash and timestamp.
func VerifyProof(entry Entry, proof MerkleProof, root string) bool {
	if root == "" || entry.Hash != proof.EntryHash || entry.Seq != proof.Seq {
		return false
	}
	if entry.ExpectedHash() != entry.Hash {
		return false
	}
	h := leafHash(entry.Hash)
	for _, step := range proof.Path {
		sib, err := hex.DecodeString(step.Hash)
		if err != nil {
			return false
		}
		if step.Left {
			h = nodeHash(sib, h)
		} else {
			h = nodeHash(h, sib)
		}
	}
	return hex.EncodeToString(h) == root
}
