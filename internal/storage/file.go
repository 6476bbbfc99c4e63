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

	logx "dispatchd/pkg/logx"
)

// fileTailSize is how many of the newest records the file store serves from memory.
const fileTailSize = 1000

// fileStore appends one JSON object per line to <path>.
//
// Reads are served from a bounded in-memory tail replayed at open time.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	f    *os.File
	tail []RunRecord // oldest first
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	tail, err := replayRuns(path, fileTailSize)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run log replay failed; starting with empty history", logx.String("path", path), logx.Err(err))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, f: f, tail: tail}, nil
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

func (s *fileStore) AppendRun(_ context.Context, r RunRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("run log closed")
	}
	if _, err := s.f.Write(b); err != nil {
		return err
	}
	s.tail = append(s.tail, r)
	if len(s.tail) > fileTailSize {
		s.tail = append(s.tail[:0:0], s.tail[len(s.tail)-fileTailSize:]...)
	}
	return nil
}

func (s *fileStore) RecentRuns(_ context.Context, schedule string, limit int) ([]RunRecord, error) {
	limit = clampLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RunRecord, 0, min(limit, len(s.tail)))
	for i := len(s.tail) - 1; i >= 0 && len(out) < limit; i-- {
		if schedule == "" || s.tail[i].Schedule == schedule {
			out = append(out, s.tail[i])
		}
	}
	return out, nil
}

// replayRuns returns the last n well-formed records of the log. Torn or
// corrupt lines are skipped.
func replayRuns(path string, n int) ([]RunRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Schedule == "" {
			continue
		}
		out = append(out, r)
		if len(out) > 2*n {
			out = append(out[:0:0], out[len(out)-n:]...)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, sc.Err()
}
