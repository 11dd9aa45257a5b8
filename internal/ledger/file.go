package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "wagate/pkg/logx"
)

// fileStore keeps the whole collection in memory and persists it as one JSON
// document, rewritten atomically (tmp + rename) on every mutation.
//
// Reads never touch the disk after open. A corrupt or unreadable document is
// treated as an empty collection (availability over strictness); failed writes
// propagate and leave the in-memory state untouched.
type fileStore struct {
	log  logx.Logger
	path string
	cap  int

	mu      sync.RWMutex
	records []MessageRecord
	nextSeq uint64
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		return nil, errors.New("ledger.path is required for file driver")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path, cap: cfg.cap()}
	s.load()
	return s, nil
}

func (s *fileStore) load() {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("ledger document unreadable, starting empty", logx.String("path", s.path), logx.Err(err))
		}
		return
	}
	var recs []MessageRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		s.log.Warn("ledger document corrupt, starting empty", logx.String("path", s.path), logx.Err(err))
		return
	}
	s.records = recs
	for _, rec := range recs {
		if rec.Seq >= s.nextSeq {
			s.nextSeq = rec.Seq + 1
		}
	}
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) Append(ctx context.Context, rec MessageRecord) (MessageRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Seq = s.nextSeq

	next := append(append([]MessageRecord(nil), s.records...), rec)
	if over := len(next) - s.cap; over > 0 {
		next = next[over:]
	}

	if err := s.persist(next); err != nil {
		return MessageRecord{}, err
	}
	s.records = next
	s.nextSeq++
	return rec, nil
}

func (s *fileStore) List(ctx context.Context, f Filters, p Page) (ListResult, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectPage(s.records, f, p), nil
}

func (s *fileStore) GetByID(ctx context.Context, id string) (MessageRecord, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return MessageRecord{}, ErrNotFound
}

func (s *fileStore) UpdateStatus(ctx context.Context, id string, status Status) (MessageRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, rec := range s.records {
		if rec.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return MessageRecord{}, ErrNotFound
	}

	next := append([]MessageRecord(nil), s.records...)
	next[idx].Status = status
	next[idx].UpdatedAt = time.Now()

	if err := s.persist(next); err != nil {
		return MessageRecord{}, err
	}
	s.records = next
	return next[idx], nil
}

func (s *fileStore) Stats(ctx context.Context, timeframe string) (Stats, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tally(s.records, windowStart(timeframe, time.Now())), nil
}

func (s *fileStore) persist(recs []MessageRecord) error {
	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
