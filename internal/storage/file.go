package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "treebuild/pkg/logx"
)

// fileStore appends records to a JSON Lines file. Reads scan the whole file,
// which is fine for the volumes the maintenance job keeps around.
type fileStore struct {
	log  logx.Logger
	path string

	mu  sync.Mutex
	f   *os.File
	seq uint64
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := filepath.Clean(cfg.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path}
	recs, err := s.readAll()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if n := len(recs); n > 0 {
		s.seq = recs[n-1].Seq
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

// readAll decodes every record in file order. Corrupt lines (e.g. a torn
// final write) are skipped.
func (s *fileStore) readAll() ([]PassRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeLines(f, s.log)
}

func decodeLines(r io.Reader, log logx.Logger) ([]PassRecord, error) {
	var out []PassRecord
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec PassRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			log.Debug("skipping corrupt pass record", logx.Int("line", line), logx.Err(err))
			continue
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

func (s *fileStore) AppendPass(ctx context.Context, r PassRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	s.seq++
	r.Seq = s.seq
	if r.At.IsZero() {
		r.At = time.Now()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.f.Write(append(b, '\n'))
	return err
}

func (s *fileStore) RecentPasses(ctx context.Context, limit int) ([]PassRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}
	recs, err := s.readAll()
	if err != nil {
		return nil, err
	}
	return newestFirst(recs, limit), nil
}

// Prune rewrites the file without the old records and swaps it in with a
// rename.
func (s *fileStore) Prune(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, ErrClosed
	}
	recs, err := s.readAll()
	if err != nil {
		return 0, err
	}
	keep := recs[:0]
	for _, r := range recs {
		if !r.At.Before(before) {
			keep = append(keep, r)
		}
	}
	removed := len(recs) - len(keep)
	if removed == 0 {
		return 0, nil
	}

	tmp := s.path + ".tmp"
	tf, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(tf)
	enc := json.NewEncoder(w)
	for _, r := range keep {
		if err := enc.Encode(r); err != nil {
			_ = tf.Close()
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		_ = tf.Close()
		return 0, err
	}
	if err := tf.Close(); err != nil {
		return 0, err
	}

	_ = s.f.Close()
	s.f = nil
	renameErr := os.Rename(tmp, s.path)
	// Reopen either way; on a failed rename the old file is still in place.
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	s.f = f
	if renameErr != nil {
		_ = os.Remove(tmp)
		return 0, renameErr
	}
	return removed, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
