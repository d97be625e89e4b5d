// Package ledgertest provides an in-memory ledger.Store for tests.
package ledgertest

import (
	"context"
	"sync"
	"time"

	"github.com/jmehdipour/notification-relay/internal/model"
)

// MemoryStore mirrors the conditional-write semantics of the MySQL store.
// Setting Err makes every call fail with it.
type MemoryStore struct {
	mu    sync.Mutex
	byID  map[string]*model.DispatchRecord
	byKey map[string]string

	Err         error
	Completions int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*model.DispatchRecord),
		byKey: make(map[string]string),
	}
}

func (s *MemoryStore) InsertIfAbsent(_ context.Context, rec model.DispatchRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	if _, ok := s.byKey[rec.IdempotencyKey]; ok {
		return false, nil
	}
	r := rec
	s.byID[rec.ID] = &r
	s.byKey[rec.IdempotencyKey] = rec.ID
	return true, nil
}

func (s *MemoryStore) GetByKey(_ context.Context, key string) (*model.DispatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	id, ok := s.byKey[key]
	if !ok {
		return nil, nil
	}
	r := *s.byID[id]
	return &r, nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*model.DispatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	rec, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	r := *rec
	return &r, nil
}

func (s *MemoryStore) ReclaimStale(_ context.Context, id string, cutoff, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	rec, ok := s.byID[id]
	if !ok || rec.Status != model.StatusPending || !rec.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	rec.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) RecordAttempt(_ context.Context, id string, attempts int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if rec, ok := s.byID[id]; ok && rec.Status == model.StatusPending {
		rec.Attempts = attempts
		rec.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) CompletePending(_ context.Context, rec model.DispatchRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	cur, ok := s.byID[rec.ID]
	if !ok || cur.Status != model.StatusPending {
		return false, nil
	}
	cur.Status = rec.Status
	cur.Attempts = rec.Attempts
	cur.LastError = rec.LastError
	cur.SentAt = rec.SentAt
	cur.ProviderResponse = rec.ProviderResponse
	cur.UpdatedAt = rec.UpdatedAt
	s.Completions++
	return true, nil
}

// Put stores rec as-is, replacing any record with the same key.
func (s *MemoryStore) Put(rec model.DispatchRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := rec
	s.byID[rec.ID] = &r
	s.byKey[rec.IdempotencyKey] = rec.ID
}

// Records returns a copy of every stored record.
func (s *MemoryStore) Records() []model.DispatchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.DispatchRecord, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, *r)
	}
	return out
}
