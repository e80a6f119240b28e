package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryHistoryStore keeps the journal in memory. Used by tests and
// STORAGE_MODE=memory deployments; everything is lost on process exit.
type MemoryHistoryStore struct {
	mu     sync.Mutex
	recs   []Record
	closed bool
}

func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{}
}

func (s *MemoryHistoryStore) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" {
		return errors.New("storage: required record id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("storage: store closed")
	}
	s.recs = append(s.recs, rec)
	return nil
}

func (s *MemoryHistoryStore) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]Record, len(s.recs))
	copy(res, s.recs)
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].FinishedAt.Before(res[j].FinishedAt)
	})
	return res, nil
}

func (s *MemoryHistoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
