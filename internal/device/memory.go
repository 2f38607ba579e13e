package device

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps devices in process memory.
type MemoryRepository struct {
	mu      sync.Mutex
	devices map[string]*Device
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{devices: make(map[string]*Device)}
}

func (r *MemoryRepository) FindActiveByHash(ctx context.Context, hash string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		if d.Active && d.Hash == hash {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) Register(ctx context.Context, d *Device, maxActive int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := 0
	for _, existing := range r.devices {
		if !existing.Active {
			continue
		}
		if existing.Hash == d.Hash {
			return errHashTaken
		}
		if existing.StudentID == d.StudentID {
			active++
		}
	}
	if active >= maxActive {
		return errLimitReached
	}
	cp := *d
	r.devices[d.ID] = &cp
	return nil
}

func (r *MemoryRepository) Touch(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.LastSeen = at
	}
	return nil
}

func (r *MemoryRepository) ListByStudent(ctx context.Context, studentID string) ([]Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Device
	for _, d := range r.devices {
		if d.StudentID == studentID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out, nil
}

func (r *MemoryRepository) Deactivate(ctx context.Context, studentID, deviceID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok || d.StudentID != studentID || !d.Active {
		return false, nil
	}
	d.Active = false
	return true, nil
}
