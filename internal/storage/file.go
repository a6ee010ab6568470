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

	logx "shotsched/pkg/logx"
)

// fileStore appends one JSON object per run to a single .jsonl file and
// answers RecentRuns by scanning it. Corrupt lines (a torn final write after a
// crash) are skipped on read.
type fileStore struct {
	log  logx.Logger
	path string

	mu sync.Mutex
	f  *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, f: f}, nil
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

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrDisabled
	}
	_, err = s.f.Write(b)
	return err
}

func (s *fileStore) RecentRuns(ctx context.Context, taskID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	closed := s.f == nil
	s.mu.Unlock()
	if closed {
		return nil, ErrDisabled
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Ring of the last `limit` matches.
	ring := make([]RunRecord, 0, limit)
	next := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 0; sc.Scan(); n++ {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			s.log.Debug("skipping corrupt run record", logx.String("path", s.path), logx.Err(err))
			continue
		}
		if taskID != "" && r.TaskID != taskID {
			continue
		}
		if len(ring) < limit {
			ring = append(ring, r)
			continue
		}
		ring[next] = r
		next = (next + 1) % limit
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	out := make([]RunRecord, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(next+i)%len(ring)])
	}
	return out, nil
}
