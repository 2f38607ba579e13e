package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"attendguard/internal/apperr"
	"attendguard/internal/enrollment"
	"attendguard/internal/geo"
	"attendguard/internal/metrics"
	"attendguard/internal/notify"
	"attendguard/internal/token"
)

const sharedReadTimeout = 5 * time.Second

// Reconciler closes out attendance when a session ends.
type Reconciler interface {
	// Reconcile marks enrolled students without a record ABSENT when markAbsent is
	// set and returns the final counts. It must be safe to call more than once.
	Reconcile(ctx context.Context, s *Session, markAbsent bool) (Summary, error)
}

// Options tunes a Manager.
type Options struct {
	// TokenTTL is the lifetime of tokens minted on start and rotation.
	TokenTTL time.Duration
	// MarkAbsentOnEnd fills ABSENT records for enrolled no-shows at close.
	MarkAbsentOnEnd bool
	// ReadAttempts bounds retries of session reads on transient store errors.
	ReadAttempts uint
}

// Manager drives the session state machine.
type Manager struct {
	repo       Repository
	tokens     *token.Service
	locker     Locker
	enroll     enrollment.Checker
	events     notify.Publisher
	reconciler Reconciler
	opts       Options
	nowF       func() time.Time
	reads      singleflight.Group
}

// NewManager wires a manager. events may be nil.
func NewManager(repo Repository, tokens *token.Service, locker Locker, enroll enrollment.Checker, events notify.Publisher, opts Options) *Manager {
	if opts.ReadAttempts == 0 {
		opts.ReadAttempts = 3
	}
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &Manager{
		repo:   repo,
		tokens: tokens,
		locker: locker,
		enroll: enroll,
		events: events,
		opts:   opts,
		nowF:   func() time.Time { return time.Now().UTC() },
	}
}

// SetReconciler installs the end-of-session reconciler. The attendance recorder
// depends on the manager, so it is attached after construction.
func (m *Manager) SetReconciler(r Reconciler) { m.reconciler = r }

// WithClock replaces the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.nowF = now
	return m
}

// CreateInput describes a new session.
type CreateInput struct {
	CourseID            string
	ProfessorID         string
	Title               string
	Description         string
	StartTime           time.Time
	EndTime             time.Time
	Geofence            *geo.Fence
	DeviceCheckRequired bool
	PhotoRequired       bool
	MinPhotoScore       *float64
	RiskThreshold       *float64
}

// TokenGrant is returned by Start and RotateToken.
type TokenGrant struct {
	SessionID  string    `json:"sessionId"`
	TokenValue string    `json:"tokenValue"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// CloseResult is returned by End, EmergencyStop and Reconcile. Reconciled is
// false when the session closed but attendance could not be settled; Summary is
// then empty and Reconcile can be retried.
type CloseResult struct {
	SessionID  string  `json:"sessionId"`
	Status     Status  `json:"status"`
	Summary    Summary `json:"summary"`
	Reconciled bool    `json:"reconciled"`
}

// Create validates in and stores a SCHEDULED session.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*Session, error) {
	if strings.TrimSpace(in.CourseID) == "" || strings.TrimSpace(in.ProfessorID) == "" {
		return nil, apperr.New(apperr.KindValidation, "course and professor are required")
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, apperr.New(apperr.KindValidation, "title is required")
	}
	if in.StartTime.IsZero() || !in.EndTime.After(in.StartTime) {
		return nil, apperr.New(apperr.KindValidation, "end time must be after start time")
	}
	req := Requirements{
		Geofence:            in.Geofence,
		DeviceCheckRequired: in.DeviceCheckRequired,
		PhotoRequired:       in.PhotoRequired,
		RiskThreshold:       DefaultRiskThreshold,
	}
	if in.MinPhotoScore != nil {
		req.MinPhotoScore = *in.MinPhotoScore
	}
	if in.RiskThreshold != nil {
		req.RiskThreshold = *in.RiskThreshold
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := m.nowF()
	s := &Session{
		ID:             uuid.NewString(),
		CourseID:       strings.TrimSpace(in.CourseID),
		ProfessorID:    in.ProfessorID,
		Title:          strings.TrimSpace(in.Title),
		Description:    in.Description,
		ScheduledStart: in.StartTime.UTC(),
		ScheduledEnd:   in.EndTime.UTC(),
		Status:         StatusScheduled,
		Requirements:   req,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.repo.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	metrics.SessionTransitions.WithLabelValues(StatusScheduled.String()).Inc()
	return clone(s), nil
}

// Start activates a SCHEDULED session, or resumes a PAUSED one, with a fresh token.
func (m *Manager) Start(ctx context.Context, id string) (*TokenGrant, error) {
	return locked(ctx, m, id, func(s *Session) (*TokenGrant, error) {
		if !CanTransition(s.Status, StatusActive) {
			return nil, invalidState("start", s.Status)
		}
		grant, err := m.issue(ctx, s, StatusActive)
		if err != nil {
			return nil, err
		}
		m.publish(notify.SessionStarted, s.ID, map[string]any{
			"courseId":  s.CourseID,
			"resumed":   s.Status == StatusPaused,
			"expiresAt": grant.ExpiresAt,
		})
		return grant, nil
	})
}

// RotateToken replaces the active token of an ACTIVE or PAUSED session.
func (m *Manager) RotateToken(ctx context.Context, id string) (*TokenGrant, error) {
	return locked(ctx, m, id, func(s *Session) (*TokenGrant, error) {
		if s.Status != StatusActive && s.Status != StatusPaused {
			return nil, invalidState("rotate the token of", s.Status)
		}
		return m.issue(ctx, s, s.Status)
	})
}

// issue mints a token for s and moves it to status to in one guarded write.
// Callers hold the session lock.
func (m *Manager) issue(ctx context.Context, s *Session, to Status) (*TokenGrant, error) {
	issued, err := m.tokens.Issue(ctx, s.ID, m.opts.TokenTTL)
	if err != nil {
		return nil, err
	}
	ok, err := m.repo.Apply(ctx, s.ID, Change{From: s.Status, To: to, SetToken: true, TokenID: &issued.ID, At: m.nowF()})
	switch {
	case err != nil && to == s.Status:
		// Replace already revoked the previous token and the token store is what
		// check-ins validate against, so the new token stays live. Only the
		// session's pointer to it is stale.
		log.Printf("session %s: record rotated token %s: %v", s.ID, issued.ID, err)
	case err != nil || !ok:
		if err == nil {
			err = invalidState("update", s.Status)
		}
		if rerr := m.tokens.Revoke(ctx, s.ID); rerr != nil {
			log.Printf("session %s: revoke after failed update: %v", s.ID, rerr)
		}
		return nil, err
	}
	metrics.TokensIssued.Inc()
	if to != s.Status {
		metrics.SessionTransitions.WithLabelValues(to.String()).Inc()
		log.Printf("session %s: %s -> %s", s.ID, s.Status, to)
	}
	return &TokenGrant{SessionID: s.ID, TokenValue: issued.Value, ExpiresAt: issued.ExpiresAt}, nil
}

// Pause suspends check-ins; the token is kept.
func (m *Manager) Pause(ctx context.Context, id string) (*Session, error) {
	return m.move(ctx, id, StatusPaused, "pause")
}

// Resume reopens check-ins on a PAUSED session with its existing token.
func (m *Manager) Resume(ctx context.Context, id string) (*Session, error) {
	return locked(ctx, m, id, func(s *Session) (*Session, error) {
		if s.Status != StatusPaused {
			return nil, invalidState("resume", s.Status)
		}
		return m.apply(ctx, s, Change{From: s.Status, To: StatusActive})
	})
}

// Cancel drops a session that never started.
func (m *Manager) Cancel(ctx context.Context, id string) (*Session, error) {
	out, err := m.move(ctx, id, StatusCancelled, "cancel")
	if err != nil {
		return nil, err
	}
	m.publish(notify.SessionEnded, id, map[string]any{"status": StatusCancelled.String()})
	return out, nil
}

func (m *Manager) move(ctx context.Context, id string, to Status, op string) (*Session, error) {
	return locked(ctx, m, id, func(s *Session) (*Session, error) {
		if !CanTransition(s.Status, to) {
			return nil, invalidState(op, s.Status)
		}
		return m.apply(ctx, s, Change{From: s.Status, To: to})
	})
}

func (m *Manager) apply(ctx context.Context, s *Session, c Change) (*Session, error) {
	c.At = m.nowF()
	ok, err := m.repo.Apply(ctx, s.ID, c)
	if err != nil {
		return nil, fmt.Errorf("session: update %s: %w", s.ID, err)
	}
	if !ok {
		return nil, invalidState("update", s.Status)
	}
	metrics.SessionTransitions.WithLabelValues(c.To.String()).Inc()
	log.Printf("session %s: %s -> %s", s.ID, c.From, c.To)
	return m.load(ctx, s.ID)
}

// End closes an ACTIVE or PAUSED session and reconciles attendance.
func (m *Manager) End(ctx context.Context, id string) (*CloseResult, error) {
	return m.close(ctx, id, StatusEnded, "")
}

// EmergencyStop closes an ACTIVE or PAUSED session immediately. A reason is required.
func (m *Manager) EmergencyStop(ctx context.Context, id, reason string) (*CloseResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.New(apperr.KindValidation, "emergency stop requires a reason")
	}
	return m.close(ctx, id, StatusEmergencyStopped, reason)
}

func (m *Manager) close(ctx context.Context, id string, to Status, reason string) (*CloseResult, error) {
	return locked(ctx, m, id, func(s *Session) (*CloseResult, error) {
		if !CanTransition(s.Status, to) {
			op := "end"
			if to == StatusEmergencyStopped {
				op = "emergency-stop"
			}
			return nil, invalidState(op, s.Status)
		}
		closed, err := m.apply(ctx, s, Change{From: s.Status, To: to, SetToken: true, StopReason: reason})
		if err != nil {
			return nil, err
		}
		if err := m.tokens.Revoke(ctx, id); err != nil {
			// the session is terminal, so a surviving token can no longer admit anyone
			log.Printf("session %s: revoke token: %v", id, err)
		}

		res, err := m.reconcile(ctx, closed)
		if err != nil {
			log.Printf("session %s: closed without reconciling attendance: %v", id, err)
		}
		ev := notify.SessionEnded
		payload := map[string]any{"status": to.String(), "summary": res.Summary, "reconciled": res.Reconciled}
		if to == StatusEmergencyStopped {
			ev = notify.EmergencyStopped
			payload["reason"] = reason
		}
		m.publish(ev, id, payload)
		return res, nil
	})
}

// Reconcile settles attendance for an ENDED or EMERGENCY_STOPPED session again.
// It recovers a close whose reconciliation failed and is harmless otherwise.
func (m *Manager) Reconcile(ctx context.Context, id string) (*CloseResult, error) {
	return locked(ctx, m, id, func(s *Session) (*CloseResult, error) {
		if s.Status != StatusEnded && s.Status != StatusEmergencyStopped {
			return nil, invalidState("reconcile", s.Status)
		}
		res, err := m.reconcile(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("session: reconcile %s: %w", id, err)
		}
		return res, nil
	})
}

func (m *Manager) reconcile(ctx context.Context, s *Session) (*CloseResult, error) {
	res := &CloseResult{SessionID: s.ID, Status: s.Status}
	if m.reconciler != nil {
		summary, err := m.reconciler.Reconcile(ctx, s, m.opts.MarkAbsentOnEnd)
		if err != nil {
			return res, err
		}
		res.Summary = summary
	}
	res.Reconciled = true
	return res, nil
}

// Get returns a session.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.read(ctx, id)
}

// CurrentRequirements returns what a check-in on the session must satisfy.
func (m *Manager) CurrentRequirements(ctx context.Context, id string) (Requirements, error) {
	s, err := m.read(ctx, id)
	if err != nil {
		return Requirements{}, err
	}
	return s.Requirements, nil
}

// CheckInContext returns the session a student is checking into, after confirming
// it is ACTIVE and the student is enrolled in its course.
func (m *Manager) CheckInContext(ctx context.Context, id, studentID string) (*Session, error) {
	s, err := m.read(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusActive {
		return nil, apperr.New(apperr.KindSessionNotActive, fmt.Sprintf("session is %s", s.Status))
	}
	if m.enroll != nil {
		ok, err := m.enroll.IsEnrolled(ctx, studentID, s.CourseID)
		if err != nil {
			return nil, fmt.Errorf("session: enrollment check: %w", err)
		}
		if !ok {
			return nil, apperr.New(apperr.KindNotEnrolled, "student is not enrolled in this course")
		}
	}
	return s, nil
}

// read collapses concurrent reads of the same session into one store call. The
// shared call is detached from any one caller's cancellation; each caller still
// stops waiting when its own context ends.
func (m *Manager) read(ctx context.Context, id string) (*Session, error) {
	ch := m.reads.DoChan(id, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedReadTimeout)
		defer cancel()
		return m.load(shared, id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return clone(r.Val.(*Session)), nil
	}
}

// load reads a session, retrying transient store errors with bounded backoff.
func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond

	s, err := backoff.Retry(ctx, func() (*Session, error) {
		s, err := m.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if s == nil {
			return nil, backoff.Permanent(apperr.New(apperr.KindNotFound, "session not found"))
		}
		return s, nil
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(m.opts.ReadAttempts))
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, ae
		}
		return nil, fmt.Errorf("session: load %s: %w", id, err)
	}
	return s, nil
}

func (m *Manager) publish(t notify.EventType, sessionID string, payload map[string]any) {
	notify.PublishAsync(m.events, notify.Event{Type: t, SessionID: sessionID, OccurredAt: m.nowF(), Payload: payload})
}

// locked runs fn on a fresh copy of the session while holding its lock.
func locked[T any](ctx context.Context, m *Manager, id string, fn func(*Session) (T, error)) (T, error) {
	var zero T
	unlock, err := m.locker.Lock(ctx, id)
	if err != nil {
		return zero, fmt.Errorf("session: lock %s: %w", id, err)
	}
	defer unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return zero, err
	}
	return fn(s)
}

func invalidState(op string, from Status) error {
	return apperr.New(apperr.KindInvalidState, fmt.Sprintf("cannot %s a %s session", op, from))
}
