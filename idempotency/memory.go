package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Expired entries are dropped by a full
// pass at most once per ttl, run from Begin.
type MemoryStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	entries   map[string]*memoryEntry
	now       func() time.Time
	nextPrune time.Time
}

type memoryEntry struct {
	hash      string
	done      bool
	status    int
	body      []byte
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore. ttl <= 0 uses DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Begin(_ context.Context, key, hash string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.prune(now)
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		if e.hash != hash {
			return nil, ErrMismatch
		}
		if !e.done {
			return nil, ErrInProgress
		}
		return &Record{Key: key, RequestHash: e.hash, Status: e.status, Body: e.body}, nil
	}

	s.entries[key] = &memoryEntry{hash: hash, expiresAt: now.Add(s.ttl)}
	return nil, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, status int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	e.done = true
	e.status = status
	e.body = append([]byte(nil), body...)
	e.expiresAt = s.now().Add(s.ttl)
	return nil
}

func (s *MemoryStore) Abort(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// prune removes expired entries. Callers hold s.mu.
func (s *MemoryStore) prune(now time.Time) {
	if now.Before(s.nextPrune) {
		return
	}
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
		}
	}
	s.nextPrune = now.Add(s.ttl)
}
