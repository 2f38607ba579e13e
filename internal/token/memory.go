package token

import (
	"context"
	"sync"
)

// MemoryStore keeps tokens in process memory. It backs STORE_BACKEND=memory and tests.
type MemoryStore struct {
	mu     sync.Mutex
	byHash map[string]*Token
	active map[string]string // session id -> hash of its active token
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byHash: make(map[string]*Token), active: make(map[string]string)}
}

func (s *MemoryStore) Replace(ctx context.Context, t *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.active[t.SessionID]; ok {
		s.byHash[prev].Revoked = true
	}
	cp := *t
	s.byHash[t.Hash] = &cp
	s.active[t.SessionID] = t.Hash
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byHash[hash]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ActiveForSession(ctx context.Context, sessionID string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.active[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *s.byHash[h]
	return &cp, nil
}

func (s *MemoryStore) RevokeSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.active[sessionID]; ok {
		s.byHash[h].Revoked = true
		delete(s.active, sessionID)
	}
	return nil
}

