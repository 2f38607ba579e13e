package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"attendguard/internal/apperr"
	"attendguard/internal/fraud"
	"attendguard/internal/notify"
	"attendguard/internal/session"
)

// OverrideInput is a professor's manual attendance mark.
type OverrideInput struct {
	SessionID string
	StudentID string
	Status    Status
	Note      string
	Actor     string
}

// Override sets a student's status by hand. It creates the record when the student
// never checked in and otherwise amends it, keeping an audit note either way.
func (r *Recorder) Override(ctx context.Context, in OverrideInput) (*Record, error) {
	in.Note = strings.TrimSpace(in.Note)
	if in.StudentID == "" || in.Actor == "" {
		return nil, apperr.New(apperr.KindValidation, "student and actor are required")
	}
	if in.Note == "" {
		return nil, apperr.New(apperr.KindValidation, "an override note is required")
	}
	if _, err := ParseStatus(string(in.Status)); err != nil {
		return nil, err
	}

	sess, err := r.Sessions.Get(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == session.StatusScheduled || sess.Status == session.StatusCancelled {
		return nil, apperr.New(apperr.KindInvalidState, fmt.Sprintf("cannot override attendance while session is %s", sess.Status))
	}

	for range 2 {
		cur, err := r.Repo.Get(ctx, in.SessionID, in.StudentID)
		if err != nil {
			return nil, fmt.Errorf("override: load record: %w", err)
		}
		now := r.nowF()
		if cur != nil {
			rec, err := r.Repo.Amend(ctx, cur.ID, AuditNote{At: now, Actor: in.Actor, From: cur.Status, To: in.Status, Note: in.Note})
			if err != nil {
				return nil, fmt.Errorf("override: amend: %w", err)
			}
			if rec == nil {
				return nil, apperr.New(apperr.KindNotFound, "attendance record not found")
			}
			r.marked(rec, in.Actor)
			return rec, nil
		}

		rec := &Record{
			ID:         uuid.NewString(),
			SessionID:  in.SessionID,
			StudentID:  in.StudentID,
			Status:     in.Status,
			Outcome:    OutcomeAccepted,
			RecordedAt: now,
			Evidence:   Evidence{Factors: []fraud.Factor{}},
			Notes:      []AuditNote{{At: now, Actor: in.Actor, To: in.Status, Note: in.Note}},
			UpdatedAt:  now,
		}
		err = r.Repo.Commit(ctx, rec, nil)
		if errors.Is(err, errDuplicate) {
			// a check-in landed in between; amend that one instead
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("override: commit: %w", err)
		}
		r.marked(rec, in.Actor)
		return rec, nil
	}
	return nil, apperr.New(apperr.KindInternal, "override raced with concurrent writes")
}

func (r *Recorder) marked(rec *Record, actor string) {
	r.publish(notify.AttendanceMarked, rec.SessionID, map[string]any{
		"studentId": rec.StudentID,
		"status":    string(rec.Status),
		"outcome":   string(rec.Outcome),
		"actor":     actor,
	})
}

// Reconcile fills ABSENT records for enrolled students who never checked in (when
// markAbsent is set) and counts the session's records. Running it twice adds nothing.
func (r *Recorder) Reconcile(ctx context.Context, s *session.Session, markAbsent bool) (session.Summary, error) {
	if markAbsent && r.Enroll != nil {
		roster, err := r.Enroll.Roster(ctx, s.CourseID)
		if err != nil {
			return session.Summary{}, fmt.Errorf("reconcile: roster: %w", err)
		}
		if len(roster) > 0 {
			if _, err := r.Repo.FillAbsent(ctx, s.ID, roster, r.nowF()); err != nil {
				return session.Summary{}, fmt.Errorf("reconcile: fill absent: %w", err)
			}
		}
	}

	recs, err := r.Repo.List(ctx, s.ID, Filter{})
	if err != nil {
		return session.Summary{}, fmt.Errorf("reconcile: list: %w", err)
	}
	var sum session.Summary
	for _, rec := range recs {
		switch rec.Status {
		case StatusPresent:
			sum.Present++
		case StatusLate:
			sum.Late++
		case StatusAbsent:
			sum.Absent++
		}
		if rec.Outcome == OutcomeFlagged {
			sum.Flagged++
		}
	}
	return sum, nil
}

// List returns a session's records.
func (r *Recorder) List(ctx context.Context, sessionID string, f Filter) ([]Record, error) {
	if _, err := r.Sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	recs, err := r.Repo.List(ctx, sessionID, f)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return recs, nil
}

// ListAlerts returns a session's fraud alerts, oldest first.
func (r *Recorder) ListAlerts(ctx context.Context, sessionID string) ([]fraud.Alert, error) {
	if _, err := r.Sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	alerts, err := r.Repo.ListAlerts(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return alerts, nil
}

// GetAlert returns one alert.
func (r *Recorder) GetAlert(ctx context.Context, id string) (*fraud.Alert, error) {
	a, err := r.Repo.GetAlert(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	if a == nil {
		return nil, apperr.New(apperr.KindNotFound, "alert not found")
	}
	return a, nil
}

// UpdateAlert moves an alert through its review states. A concurrent reviewer who
// got there first makes this call fail with invalid_state.
func (r *Recorder) UpdateAlert(ctx context.Context, id string, to fraud.AlertStatus, note string) (*fraud.Alert, error) {
	a, err := r.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	from := a.Status
	if err := a.Transition(to, note, r.nowF()); err != nil {
		return nil, err
	}
	ok, err := r.Repo.UpdateAlert(ctx, a, from)
	if err != nil {
		return nil, fmt.Errorf("update alert: %w", err)
	}
	if !ok {
		return nil, apperr.New(apperr.KindInvalidState, "alert was updated concurrently")
	}
	return a, nil
}
