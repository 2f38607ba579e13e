package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"attendguard/internal/fraud"
)

// MemoryRepository keeps records and alerts in process memory. A single mutex makes
// Commit's check-and-insert atomic, standing in for the unique index.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]*Record // key: session id + "/" + student id
	alerts  map[string]*fraud.Alert
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*Record), alerts: make(map[string]*fraud.Alert)}
}

func pairKey(sessionID, studentID string) string { return sessionID + "/" + studentID }

func (m *MemoryRepository) Exists(ctx context.Context, sessionID, studentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[pairKey(sessionID, studentID)]
	return ok, nil
}

func (m *MemoryRepository) Get(ctx context.Context, sessionID, studentID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[pairKey(sessionID, studentID)]
	if !ok {
		return nil, nil
	}
	return copyRecord(rec), nil
}

func (m *MemoryRepository) Commit(ctx context.Context, rec *Record, alert *fraud.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey(rec.SessionID, rec.StudentID)
	if _, ok := m.records[k]; ok {
		return errDuplicate
	}
	m.records[k] = copyRecord(rec)
	if alert != nil {
		cp := *alert
		m.alerts[alert.ID] = &cp
	}
	return nil
}

func (m *MemoryRepository) Amend(ctx context.Context, recordID string, note AuditNote) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.ID == recordID {
			rec.Status = note.To
			rec.Notes = append(rec.Notes, note)
			rec.UpdatedAt = note.At
			return copyRecord(rec), nil
		}
	}
	return nil, nil
}

func (m *MemoryRepository) FillAbsent(ctx context.Context, sessionID string, studentIDs []string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for _, id := range studentIDs {
		k := pairKey(sessionID, id)
		if _, ok := m.records[k]; ok {
			continue
		}
		m.records[k] = &Record{
			ID:         uuid.NewString(),
			SessionID:  sessionID,
			StudentID:  id,
			Status:     StatusAbsent,
			Outcome:    OutcomeAccepted,
			RecordedAt: at,
			UpdatedAt:  at,
		}
		added++
	}
	return added, nil
}

func (m *MemoryRepository) List(ctx context.Context, sessionID string, f Filter) ([]Record, error) {
	m.mu.Lock()
	var out []Record
	for _, rec := range m.records {
		if rec.SessionID == sessionID && f.matches(rec) {
			out = append(out, *copyRecord(rec))
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.Before(out[j].RecordedAt)
		}
		return out[i].StudentID < out[j].StudentID
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) SaveAlert(ctx context.Context, a *fraud.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.alerts[a.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetAlert(ctx context.Context, id string) (*fraud.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryRepository) ListAlerts(ctx context.Context, sessionID string) ([]fraud.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []fraud.Alert
	for _, a := range m.alerts {
		if a.SessionID == sessionID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) UpdateAlert(ctx context.Context, a *fraud.Alert, from fraud.AlertStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.alerts[a.ID]
	if !ok || cur.Status != from {
		return false, nil
	}
	cur.Status = a.Status
	cur.ResolutionNote = a.ResolutionNote
	cur.UpdatedAt = a.UpdatedAt
	return true, nil
}

func copyRecord(r *Record) *Record {
	cp := *r
	cp.Notes = append([]AuditNote(nil), r.Notes...)
	cp.Evidence.Factors = append([]fraud.Factor(nil), r.Evidence.Factors...)
	return &cp
}
