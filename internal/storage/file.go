package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "crontimer/pkg/logx"
)

const compactEvery = 1000

// fileStore keeps the history as JSON Lines in a single append-only file.
// Records are mirrored in memory, capped at Keep per trigger, and the file is
// periodically rewritten from memory once it grows past the cap.
type fileStore struct {
	log  logx.Logger
	path string
	keep int

	mu      sync.Mutex
	f       *os.File
	byName  map[string][]Record
	appends int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{log: log, path: path, keep: cfg.Keep, byName: map[string][]Record{}}
	if err := st.replay(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	st.f = f
	return st, nil
}

func (s *fileStore) replay() error {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	bad := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil || r.Trigger == "" {
			bad++
			continue
		}
		s.remember(r)
	}
	if bad > 0 {
		s.log.Warn("history file has unreadable lines", logx.String("path", s.path), logx.Int("skipped", bad))
	}
	return sc.Err()
}

func (s *fileStore) remember(r Record) {
	list := append(s.byName[r.Trigger], r)
	if s.keep > 0 && len(list) > s.keep {
		list = append([]Record(nil), list[len(list)-s.keep:]...)
	}
	s.byName[r.Trigger] = list
}

func (s *fileStore) Append(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrDisabled
	}
	if _, err := s.f.Write(append(b, '\n')); err != nil {
		return err
	}
	s.remember(r)
	s.appends++
	if s.keep > 0 && s.appends >= compactEvery {
		s.appends = 0
		if err := s.compactLocked(); err != nil {
			s.log.Warn("history compaction failed", logx.String("path", s.path), logx.Err(err))
		}
	}
	return nil
}

// compactLocked rewrites the file from the in-memory records.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, list := range s.byName {
		for _, r := range list {
			if err := enc.Encode(r); err != nil {
				_ = f.Close()
				_ = os.Remove(tmp)
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.f.Close()
	s.f = nf
	return nil
}

func (s *fileStore) Recent(ctx context.Context, trigger string, n int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byName[trigger]
	if n > 0 && len(list) > n {
		list = list[len(list)-n:]
	}
	return append([]Record(nil), list...), nil
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
