package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func openWriter(t *testing.T, path string, opts Options) (*Writer, *FileStore) {
	t.Helper()
	store, err := OpenFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := NewWriter(store, opts)
	if err != nil {
		t.Fatal(err)
	}
	return w, store
}

func command(i int) Event {
	return Event{Type: EventCommand, Payload: CommandPayload{
		SessionID: fmt.Sprintf("s%d", i),
		ClientID:  "c1",
		Command:   fmt.Sprintf("cmd%d && echo <done>", i),
		Verdict:   "allow",
		Reason:    "allowed",
	}}
}

func readLines(t *testing.T, path string) [][]byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var lines [][]byte
	for _, ln := range bytes.Split(data, []byte("\n")) {
		if len(ln) > 0 {
			lines = append(lines, ln)
		}
	}
	return lines
}

func writeLines(t *testing.T, path string, lines [][]byte) {
	t.Helper()
	var buf bytes.Buffer
	for _, ln := range lines {
		buf.Write(ln)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}
}

// recomputeChain checks the chain from raw JSON lines using only SHA-256,
// the way an external verifier would.
func recomputeChain(t *testing.T, lines [][]byte) {
	t.Helper()
	prev := strings.Repeat("0", 64)
	for i, ln := range lines {
		var rec struct {
			Seq       uint64          `json:"seq"`
			Timestamp string          `json:"timestamp"`
			Payload   json.RawMessage `json:"payload"`
			PrevHash  string          `json:"prevHash"`
			Hash      string          `json:"hash"`
		}
		if err := json.Unmarshal(ln, &rec); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if rec.Seq != uint64(i) {
			t.Fatalf("line %d: seq %d", i, rec.Seq)
		}
		if rec.PrevHash != prev {
			t.Fatalf("line %d: prevHash %s, want %s", i, rec.PrevHash, prev)
		}
		sum := sha256.Sum256([]byte(string(rec.Payload) + rec.PrevHash + rec.Timestamp))
		if got := hex.EncodeToString(sum[:]); got != rec.Hash {
			t.Fatalf("line %d: hash mismatch: got %s, want %s", i, rec.Hash, got)
		}
		prev = rec.Hash
	}
}

func TestLogFileCreation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "audit.log")

	w, _ := openWriter(t, path, Options{})
	defer w.Close()

	info, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("dir perm = %o, want 0700", perm)
	}

	if _, err := w.Append(context.Background(), command(0)); err != nil {
		t.Fatal(err)
	}

	info, err = os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file perm = %o, want 0600", perm)
	}
}

func TestAppendOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w, _ := openWriter(t, path, Options{})

	for i := range 5 {
		e, err := w.Append(context.Background(), command(i))
		if err != nil {
			t.Fatal(err)
		}
		if e.Seq != uint64(i) {
			t.Errorf("seq = %d, want %d", e.Seq, i)
		}
	}
	w.Close()

	if n := len(readLines(t, path)); n != 5 {
		t.Errorf("got %d lines, want 5", n)
	}
}

func TestHashChainIntegrity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w, _ := openWriter(t, path, Options{})

	events := []Event{
		{Type: EventConfigChange, Payload: ConfigPayload{Action: "startup", PolicyVersion: "v1"}},
		{Type: EventSessionLifecycle, Payload: LifecyclePayload{SessionID: "s1", From: "creating", To: "running"}},
		command(1),
		{Type: EventAuthentication, Payload: AuthPayload{ClientID: "c1", Success: true}},
		{Type: EventLogAccess, Payload: AccessPayload{Action: "verify"}},
	}
	for _, ev := range events {
		if _, err := w.Append(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}
	w.Close()

	lines := readLines(t, path)
	for n := 1; n <= len(lines); n++ {
		recomputeChain(t, lines[:n])
	}
}

func TestHashChainContinuity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	w1, _ := openWriter(t, path, Options{})
	w1.Append(context.Background(), command(0))
	w1.Append(context.Background(), command(1))
	w1.Close()

	w2, store := openWriter(t, path, Options{})
	e, err := w2.Append(context.Background(), command(2))
	if err != nil {
		t.Fatal(err)
	}
	if e.Seq != 2 {
		t.Errorf("resumed seq = %d, want 2", e.Seq)
	}

	rep, err := Verify(store, VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK() || rep.Entries != 3 {
		t.Fatalf("report = %+v", rep)
	}
	w2.Close()
	recomputeChain(t, readLines(t, path))
}

func TestConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w, _ := openWriter(t, path, Options{})
	defer w.Close()

	var wg sync.WaitGroup
	n := 50
	wg.Add(n)
	for i := range n {
		go func(i int) {
			defer wg.Done()
			if _, err := w.Append(context.Background(), command(i)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	lines := readLines(t, path)
	if len(lines) != n {
		t.Fatalf("got %d entries, want %d", len(lines), n)
	}
	recomputeChain(t, lines)
}

func TestCanonicalPayload(t *testing.T) {
	got, err := canonicalPayload(EventCommand, CommandPayload{ClientID: "c", Command: "a && b <x>", Verdict: "allow", Reason: "allowed"})
	if err != nil {
		t.Fatal(err)
	}
	s := string(got)
	if !strings.Contains(s, `"type":"command-execution"`) {
		t.Errorf("payload %s missing type", s)
	}
	if !strings.Contains(s, `"command":"a && b <x>"`) {
		t.Errorf("payload %s should not escape HTML", s)
	}
	if strings.Index(s, `"aiGenerated"`) > strings.Index(s, `"clientId"`) {
		t.Errorf("payload keys not sorted: %s", s)
	}

	if _, err := canonicalPayload(EventCommand, map[string]any{"type": "log-access"}); err == nil {
		t.Error("expected error for conflicting type field")
	}
	if _, err := canonicalPayload(EventCommand, []int{1}); err == nil {
		t.Error("expected error for non-object payload")
	}
}

func TestTornWriteRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w, _ := openWriter(t, path, Options{})
	w.Append(context.Background(), command(0))
	w.Append(context.Background(), command(1))
	w.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte(`{"seq":2,"timestamp":"2026-`))
	f.Close()

	w2, store := openWriter(t, path, Options{})
	defer w2.Close()
	e, err := w2.Append(context.Background(), command(2))
	if err != nil {
		t.Fatal(err)
	}
	if e.Seq != 2 {
		t.Errorf("seq = %d, want 2", e.Seq)
	}
	rep, err := Verify(store, VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK() || rep.Entries != 3 {
		t.Errorf("report = %+v", rep)
	}
}

type flakyStore struct {
	Store
	fail bool
}

func (s *flakyStore) Append(e Entry) error {
	if s.fail {
		return errors.New("disk unavailable")
	}
	return s.Store.Append(e)
}

func TestAppendFailureFailsClosed(t *testing.T) {
	inner, err := OpenFileStore(filepath.Join(t.TempDir(), "audit.log"))
	if err != nil {
		t.Fatal(err)
	}
	store := &flakyStore{Store: inner}
	w, err := NewWriter(store, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	sub := w.Subscribe(8)

	if _, err := w.Append(context.Background(), command(0)); err != nil {
		t.Fatal(err)
	}

	store.fail = true
	if _, err := w.Append(context.Background(), command(1)); !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("err = %v, want ErrWriteFailed", err)
	}

	store.fail = false
	e, err := w.Append(context.Background(), command(2))
	if err != nil {
		t.Fatal(err)
	}
	if e.Seq != 1 {
		t.Errorf("seq after failure = %d, want 1 (no gap)", e.Seq)
	}

	for _, want := range []uint64{0, 1} {
		got := <-sub.C()
		if got.Seq != want {
			t.Errorf("subscriber got seq %d, want %d", got.Seq, want)
		}
	}
	select {
	case e := <-sub.C():
		t.Errorf("unexpected delivery of seq %d", e.Seq)
	default:
	}
}

func TestAppendContextCancelled(t *testing.T) {
	w, _ := openWriter(t, filepath.Join(t.TempDir(), "audit.log"), Options{})
	defer w.Close()

	// Hold the lane so Append has to wait.
	w.lane <- struct{}{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := w.Append(ctx, command(0))
	<-w.lane
	if !errors.Is(err, ErrWriteFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}

func TestAppendAfterClose(t *testing.T) {
	w, _ := openWriter(t, filepath.Join(t.TempDir(), "audit.log"), Options{})
	w.Close()
	if _, err := w.Append(context.Background(), command(0)); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	tests := []struct {
		name     string
		tamper   func(lines [][]byte) [][]byte
		wantFrom uint64
		reason   string
	}{
		{"payload edited", func(l [][]byte) [][]byte {
			l[2] = bytes.Replace(l[2], []byte("cmd2"), []byte("cmdX"), 1)
			return l
		}, 2, "hash mismatch"},
		{"entry deleted", func(l [][]byte) [][]byte {
			return append(l[:1], l[2:]...)
		}, 1, "sequence gap"},
		{"entries swapped", func(l [][]byte) [][]byte {
			l[1], l[2] = l[2], l[1]
			return l
		}, 1, "sequence gap"},
		{"event type rewritten", func(l [][]byte) [][]byte {
			l[3] = bytes.Replace(l[3], []byte(`"eventType":"command-execution"`), []byte(`"eventType":"log-access"`), 1)
			return l
		}, 3, "payload type"},
		{"garbage line", func(l [][]byte) [][]byte {
			l[4] = []byte("not json")
			return l
		}, 4, "undecodable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "audit.log")
			w, _ := openWriter(t, path, Options{})
			for i := range 6 {
				if _, err := w.Append(context.Background(), command(i)); err != nil {
					t.Fatal(err)
				}
			}
			w.Close()

			writeLines(t, path, tt.tamper(readLines(t, path)))

			store, err := OpenFileStore(path)
			if err != nil {
				t.Fatal(err)
			}
			defer store.Close()
			rep, err := Verify(store, VerifyOptions{})
			if err != nil {
				t.Fatal(err)
			}
			if rep.OK() {
				t.Fatal("tampering not detected")
			}
			v := rep.Violation
			if v.FromSeq != tt.wantFrom {
				t.Errorf("violation from %d, want %d (%s)", v.FromSeq, tt.wantFrom, v.Reason)
			}
			if v.ToSeq < v.FromSeq {
				t.Errorf("violation range %d..%d", v.FromSeq, v.ToSeq)
			}
			if !strings.Contains(v.Reason, tt.reason) {
				t.Errorf("reason %q does not contain %q", v.Reason, tt.reason)
			}
		})
	}
}

func TestQuarantineViolation(t *testing.T) {
	store, err := OpenFileStore(filepath.Join(t.TempDir(), "audit.log"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	v := &IntegrityViolation{FromSeq: 3, ToSeq: 9, Reason: "hash mismatch"}
	now := time.Now()
	if added, err := QuarantineViolation(store, v, now); err != nil || !added {
		t.Fatalf("first quarantine: added=%v err=%v", added, err)
	}
	if added, err := QuarantineViolation(store, v, now); err != nil || added {
		t.Fatalf("duplicate quarantine: added=%v err=%v", added, err)
	}
	qs, err := store.Quarantines()
	if err != nil {
		t.Fatal(err)
	}
	if len(qs) != 1 || qs[0].FromSeq != 3 || qs[0].ToSeq != 9 {
		t.Errorf("quarantines = %+v", qs)
	}
}

func TestCheckpointsAndProofs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w, store := openWriter(t, path, Options{CheckpointInterval: 4})
	defer w.Close()

	for i := range 10 {
		if _, err := w.Append(context.Background(), command(i)); err != nil {
			t.Fatal(err)
		}
	}
	cps, _ := store.Checkpoints()
	if len(cps) != 2 {
		t.Fatalf("checkpoints = %d, want 2", len(cps))
	}
	if cps[1].FromSeq != 4 || cps[1].ToSeq != 7 {
		t.Errorf("checkpoint 1 covers %d..%d", cps[1].FromSeq, cps[1].ToSeq)
	}

	if _, err := ProveMembership(store, 9); !errors.Is(err, ErrNotSealed) {
		t.Errorf("unsealed proof err = %v", err)
	}
	cp, ok, err := w.Seal(context.Background())
	if err != nil || !ok {
		t.Fatalf("seal: ok=%v err=%v", ok, err)
	}
	if cp.FromSeq != 8 || cp.ToSeq != 9 {
		t.Errorf("partial checkpoint covers %d..%d", cp.FromSeq, cp.ToSeq)
	}
	if _, ok, _ := w.Seal(context.Background()); ok {
		t.Error("sealing an empty batch should be a no-op")
	}

	cps, _ = store.Checkpoints()
	roots := map[uint64]string{}
	for _, c := range cps {
		roots[c.Index] = c.Root
	}
	for seq := uint64(0); seq < 10; seq++ {
		proof, err := ProveMembership(store, seq)
		if err != nil {
			t.Fatalf("prove %d: %v", seq, err)
		}
		entry, _ := store.Get(seq)
		if !VerifyProof(entry, proof, roots[proof.Checkpoint]) {
			t.Errorf("proof for %d does not verify", seq)
		}

		forged := entry
		forged.Payload = json.RawMessage(`{"type":"command-execution","command":"forged"}`)
		if VerifyProof(forged, proof, roots[proof.Checkpoint]) {
			t.Errorf("forged entry %d verified", seq)
		}
		if VerifyProof(entry, proof, roots[(proof.Checkpoint+1)%3]) {
			t.Errorf("proof for %d verified against the wrong root", seq)
		}
	}

	rep, err := Verify(store, VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK() || rep.Checkpoints != 3 {
		t.Errorf("report = %+v", rep)
	}
}

func TestCheckpointResumesAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w, _ := openWriter(t, path, Options{CheckpointInterval: 4})
	for i := range 6 {
		w.Append(context.Background(), command(i))
	}
	w.Close()

	w2, store := openWriter(t, path, Options{CheckpointInterval: 4})
	defer w2.Close()
	w2.Append(context.Background(), command(6))
	w2.Append(context.Background(), command(7))

	cps, _ := store.Checkpoints()
	if len(cps) != 2 || cps[1].FromSeq != 4 || cps[1].ToSeq != 7 {
		t.Fatalf("checkpoints = %+v", cps)
	}
	rep, _ := Verify(store, VerifyOptions{})
	if !rep.OK() {
		t.Errorf("violation: %v", rep.Violation)
	}
}

func TestMerkleOddPromotion(t *testing.T) {
	hashes := []string{
		strings.Repeat("a", 64),
		strings.Repeat("b", 64),
		strings.Repeat("c", 64),
	}
	l := leaves(hashes)
	want := hex.EncodeToString(nodeHash(nodeHash(l[0], l[1]), l[2]))
	if got := MerkleRoot(hashes); got != want {
		t.Errorf("root = %s, want %s", got, want)
	}
	if got := MerkleRoot(hashes[:1]); got != hex.EncodeToString(l[0]) {
		t.Errorf("single-leaf root = %s", got)
	}
	if path := merklePath(hashes, 2); len(path) != 1 || !path[0].Left {
		t.Errorf("path for promoted leaf = %+v", path)
	}
}

func TestSubscriberDropsWhenFull(t *testing.T) {
	w, _ := openWriter(t, filepath.Join(t.TempDir(), "audit.log"), Options{})
	defer w.Close()

	sub := w.Subscribe(1)
	for i := range 3 {
		if _, err := w.Append(context.Background(), command(i)); err != nil {
			t.Fatal(err)
		}
	}
	if got := sub.Dropped(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
	if e := <-sub.C(); e.Seq != 0 {
		t.Errorf("first delivered seq = %d", e.Seq)
	}
	sub.Close()
	if _, ok := <-sub.C(); ok {
		t.Error("channel should be closed")
	}
}

type testSigner struct{}

func (testSigner) Sign(msg []byte) string { return "sig:" + hex.EncodeToString(msg) }

func (testSigner) Verify(msg []byte, sig string) bool {
	return sig == "sig:"+hex.EncodeToString(msg)
}

func TestSignedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w, store := openWriter(t, path, Options{Signer: testSigner{}, CheckpointInterval: 2})
	defer w.Close()
	for i := range 4 {
		w.Append(context.Background(), command(i))
	}

	rep, err := Verify(store, VerifyOptions{Verifier: testSigner{}, RequireSignatures: true})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK() || rep.Signed != 4 {
		t.Fatalf("report = %+v", rep)
	}

	w.Close()
	lines := readLines(t, path)
	var e Entry
	json.Unmarshal(lines[1], &e)
	e.Signature = "sig:00"
	lines[1], _ = marshal(e)
	writeLines(t, path, lines)

	store2, err := OpenFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store2.Close()
	rep, _ = Verify(store2, VerifyOptions{Verifier: testSigner{}})
	if rep.OK() || rep.Violation.FromSeq != 1 || !strings.Contains(rep.Violation.Reason, "signature") {
		t.Errorf("report = %+v", rep)
	}
}
