package session

import (
	"context"
	"sync"
)

// MemoryRepository keeps sessions in process memory. The mutex guards the map only;
// per-session serialization is the Locker's job.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]*Session)}
}

func (r *MemoryRepository) Create(ctx context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = clone(s)
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	return clone(s), nil
}

func (r *MemoryRepository) Apply(ctx context.Context, id string, c Change) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Status != c.From {
		return false, nil
	}
	s.Status = c.To
	if c.SetToken {
		if c.TokenID == nil {
			s.ActiveTokenID = nil
		} else {
			v := *c.TokenID
			s.ActiveTokenID = &v
		}
	}
	if c.StopReason != "" {
		s.StopReason = c.StopReason
	}
	at := c.At
	if c.To == StatusActive && s.StartedAt == nil {
		s.StartedAt = &at
	}
	if c.To.Terminal() {
		s.EndedAt = &at
	}
	s.UpdatedAt = at
	return true, nil
}

func clone(s *Session) *Session {
	cp := *s
	if s.Requirements.Geofence != nil {
		f := *s.Requirements.Geofence
		cp.Requirements.Geofence = &f
	}
	if s.ActiveTokenID != nil {
		v := *s.ActiveTokenID
		cp.ActiveTokenID = &v
	}
	if s.StartedAt != nil {
		v := *s.StartedAt
		cp.StartedAt = &v
	}
	if s.EndedAt != nil {
		v := *s.EndedAt
		cp.EndedAt = &v
	}
	return &cp
}
