package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// CorruptError reports a stored record that cannot be decoded.
type CorruptError struct {
	Seq uint64
	Err error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("audit: record %d is corrupt: %v", e.Seq, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// FileStore keeps the audit log as JSON lines, one entry per line, with
// checkpoints and quarantine records in sibling files. The directory is
// created 0700 and every file 0600.
type FileStore struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	offsets []int64 // start of line i
	size    int64
	lastErr error // set when the newest line cannot be decoded
	last    *Entry
}

// OpenFileStore opens (or creates) the log at path. A partial final line,
// left by a crash in the middle of a write, is cut off: its Append never
// returned, so the entry was never committed. Complete but undecodable lines
// are kept for Verify to report.
func OpenFileStore(path string) (*FileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create dir %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}

	s := &FileStore{path: path, file: f}
	if err := s.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) recover() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("audit: seek: %w", err)
	}
	r := bufio.NewReader(s.file)
	var off int64
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if line[len(line)-1] != '\n' {
				slog.Warn("audit: dropping torn record at end of log", "path", s.path, "offset", off, "bytes", len(line))
				if terr := s.file.Truncate(off); terr != nil {
					return fmt.Errorf("audit: truncate torn record: %w", terr)
				}
				break
			}
			s.offsets = append(s.offsets, off)
			off += int64(len(line))

			var e Entry
			if jerr := json.Unmarshal(line, &e); jerr != nil {
				s.last = nil
				s.lastErr = &CorruptError{Seq: uint64(len(s.offsets) - 1), Err: jerr}
			} else {
				s.last = &e
				s.lastErr = nil
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("audit: read %s: %w", s.path, err)
		}
	}
	s.size = off
	return nil
}

// Path returns the log file path.
func (s *FileStore) Path() string { return s.path }

// Append writes e and fsyncs. On any failure the file is truncated back to
// its previous length.
func (s *FileStore) Append(e Entry) error {
	line, err := marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return errors.New("audit: store closed")
	}
	off := s.size
	if _, err := s.file.WriteAt(line, off); err != nil {
		s.rollback(off)
		return fmt.Errorf("audit: write: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		s.rollback(off)
		return fmt.Errorf("audit: sync: %w", err)
	}

	s.offsets = append(s.offsets, off)
	s.size = off + int64(len(line))
	s.last = &e
	s.lastErr = nil
	return nil
}

func (s *FileStore) rollback(off int64) {
	if err := s.file.Truncate(off); err != nil {
		slog.Error("audit: rollback of failed append failed", "path", s.path, "offset", off, "error", err)
	}
}

// Last returns the newest entry.
func (s *FileStore) Last() (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr != nil {
		return Entry{}, false, s.lastErr
	}
	if s.last == nil {
		return Entry{}, false, nil
	}
	return *s.last, true, nil
}

// Scan reads entries from a separate handle so appends can continue.
func (s *FileStore) Scan(from uint64, fn func(Entry) error) error {
	s.mu.Lock()
	if from >= uint64(len(s.offsets)) {
		s.mu.Unlock()
		return nil
	}
	offs := append([]int64(nil), s.offsets[from:]...)
	end := s.size
	s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", s.path, err)
	}
	defer f.Close()

	r := bufio.NewReader(io.NewSectionReader(f, offs[0], end-offs[0]))
	for i := range offs {
		line, err := r.ReadBytes('\n')
		if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
			return fmt.Errorf("audit: read %s: %w", s.path, err)
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return &CorruptError{Seq: from + uint64(i), Err: err}
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the entry on line seq.
func (s *FileStore) Get(seq uint64) (Entry, error) {
	s.mu.Lock()
	if seq >= uint64(len(s.offsets)) {
		s.mu.Unlock()
		return Entry{}, ErrNotFound
	}
	start := s.offsets[seq]
	end := s.size
	if seq+1 < uint64(len(s.offsets)) {
		end = s.offsets[seq+1]
	}
	f := s.file
	s.mu.Unlock()
	if f == nil {
		return Entry{}, errors.New("audit: store closed")
	}

	buf := make([]byte, end-start)
	if _, err := f.ReadAt(buf, start); err != nil {
		return Entry{}, fmt.Errorf("audit: read record %d: %w", seq, err)
	}
	var e Entry
	if err := json.Unmarshal(buf, &e); err != nil {
		return Entry{}, &CorruptError{Seq: seq, Err: err}
	}
	if e.Seq != seq {
		return Entry{}, &CorruptError{Seq: seq, Err: fmt.Errorf("line holds seq %d", e.Seq)}
	}
	return e, nil
}

func (s *FileStore) checkpointPath() string { return s.path + ".checkpoints" }
func (s *FileStore) quarantinePath() string { return s.path + ".quarantine" }

// SaveCheckpoint appends c to the checkpoint file.
func (s *FileStore) SaveCheckpoint(c Checkpoint) error {
	return appendJSONLine(s.checkpointPath(), c)
}

// Checkpoints returns all checkpoints in index order.
func (s *FileStore) Checkpoints() ([]Checkpoint, error) {
	var out []Checkpoint
	err := readJSONLines(s.checkpointPath(), func(line []byte) error {
		var c Checkpoint
		if err := json.Unmarshal(line, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// SaveQuarantine appends q to the quarantine file.
func (s *FileStore) SaveQuarantine(q Quarantine) error {
	return appendJSONLine(s.quarantinePath(), q)
}

// Quarantines returns all quarantine records.
func (s *FileStore) Quarantines() ([]Quarantine, error) {
	var out []Quarantine
	err := readJSONLines(s.quarantinePath(), func(line []byte) error {
		var q Quarantine
		if err := json.Unmarshal(line, &q); err != nil {
			return err
		}
		out = append(out, q)
		return nil
	})
	return out, err
}

// Close closes the log file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func appendJSONLine(path string, v any) error {
	line, err := marshal(v)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("audit: sync %s: %w", path, err)
	}
	return nil
}

func readJSONLines(path string, fn func([]byte) error) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return fmt.Errorf("audit: decode %s: %w", path, err)
		}
	}
	return sc.Err()
}
