// Package attendance runs the check-in verification pipeline and owns attendance
// records and the fraud alerts raised along the way.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"attendguard/internal/apperr"
	"attendguard/internal/attempts"
	"attendguard/internal/device"
	"attendguard/internal/enrollment"
	"attendguard/internal/fraud"
	"attendguard/internal/geo"
	"attendguard/internal/metrics"
	"attendguard/internal/notify"
	"attendguard/internal/photo"
	"attendguard/internal/session"
	"attendguard/internal/token"
)

// Sessions is the part of the session manager the recorder needs.
type Sessions interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	CheckInContext(ctx context.Context, id, studentID string) (*session.Session, error)
}

// Tokens validates attendance tokens.
type Tokens interface {
	Validate(ctx context.Context, value, claimedSessionID string) (*token.Token, error)
}

// Config tunes the recorder.
type Config struct {
	// LateGrace is how long after the scheduled start a check-in still counts as PRESENT.
	LateGrace time.Duration
	// Timeout bounds one check-in attempt end to end.
	Timeout time.Duration
	// PhotoTimeout bounds the image-analysis call.
	PhotoTimeout time.Duration
	// LogRejected writes rejected attempts to the application log.
	LogRejected bool
}

// Deps are the recorder's collaborators. Scorer and Events may be nil.
type Deps struct {
	Repo     Repository
	Sessions Sessions
	Tokens   Tokens
	Devices  *device.Validator
	Scorer   photo.Scorer
	Engine   *fraud.Engine
	Attempts attempts.Counter
	Enroll   enrollment.Checker
	Events   notify.Publisher
}

// Recorder decides check-in outcomes and persists attendance.
type Recorder struct {
	Deps
	cfg  Config
	nowF func() time.Time
}

// NewRecorder creates a recorder.
func NewRecorder(d Deps, cfg Config) *Recorder {
	if cfg.LateGrace < 0 {
		cfg.LateGrace = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PhotoTimeout <= 0 {
		cfg.PhotoTimeout = 3 * time.Second
	}
	return &Recorder{Deps: d, cfg: cfg, nowF: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the time source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.nowF = now
	return r
}

// CheckInRequest is one student attempt.
type CheckInRequest struct {
	SessionID   string
	StudentID   string
	TokenValue  string
	Location    *geo.Reading
	Fingerprint device.Fingerprint
	PhotoScore  *float64
	PhotoURL    string
}

// CheckInResult is the decision for an attempt that reached scoring.
type CheckInResult struct {
	Outcome   Outcome        `json:"outcome"`
	Status    *Status        `json:"status,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	RiskLevel fraud.Level    `json:"riskLevel"`
	RiskScore float64        `json:"riskScore"`
	Factors   []fraud.Factor `json:"factors"`
	RecordID  string         `json:"recordId,omitempty"`
	AlertID   string         `json:"alertId,omitempty"`
}

// CheckIn runs the verification pipeline for one attempt. Failures before scoring
// (token, session state, missing evidence, duplicates) come back as errors and
// create nothing. A REJECTED decision comes back as a result and creates no record,
// though it may open an alert.
func (r *Recorder) CheckIn(ctx context.Context, req CheckInRequest) (*CheckInResult, error) {
	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.StudentID) == "" {
		return nil, apperr.New(apperr.KindValidation, "session and student are required")
	}
	if req.Location != nil {
		if err := req.Location.Validate(); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	res, err := r.checkIn(ctx, req)
	if err != nil {
		err = failClosed(ctx, err)
		metrics.CheckIns.WithLabelValues(string(OutcomeRejected), string(apperr.KindOf(err))).Inc()
		if r.cfg.LogRejected {
			log.Printf("checkin: rejected session=%s student=%s code=%s: %v", req.SessionID, req.StudentID, apperr.KindOf(err), err)
		}
		return nil, err
	}
	metrics.CheckIns.WithLabelValues(string(res.Outcome), "").Inc()
	metrics.RiskScore.Observe(res.RiskScore)
	if res.Outcome == OutcomeRejected && r.cfg.LogRejected {
		log.Printf("checkin: rejected session=%s student=%s reason=%s score=%.2f", req.SessionID, req.StudentID, res.Reason, res.RiskScore)
	}
	return res, nil
}

// failClosed reports deadline overruns as verification timeouts.
func failClosed(ctx context.Context, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindVerificationTimeout, err, "check-in verification timed out")
	}
	return err
}

func (r *Recorder) checkIn(ctx context.Context, req CheckInRequest) (*CheckInResult, error) {
	n, err := r.Attempts.Hit(ctx, attempts.Key(req.SessionID, req.StudentID))
	if err != nil {
		return nil, fmt.Errorf("checkin: count attempt: %w", err)
	}

	exists, err := r.Repo.Exists(ctx, req.SessionID, req.StudentID)
	if err != nil {
		return nil, fmt.Errorf("checkin: duplicate check: %w", err)
	}
	if exists {
		return nil, apperr.New(apperr.KindDuplicateAttendance, "attendance already recorded for this session")
	}

	tok, err := r.Tokens.Validate(ctx, req.TokenValue, req.SessionID)
	if err != nil {
		return nil, err
	}

	sess, err := r.Sessions.CheckInContext(ctx, req.SessionID, req.StudentID)
	if err != nil {
		return nil, err
	}

	now := r.nowF()
	ev, sig, hard, dv, err := r.verify(ctx, sess, req)
	if err != nil {
		return nil, err
	}
	sig.Attempts = n
	sig.TokenTTL = tok.ExpiresAt.Sub(tok.IssuedAt)
	sig.TokenRemaining = tok.ExpiresAt.Sub(now)

	assessment := r.Engine.Score(sig)
	ev.RiskScore = assessment.Score
	ev.RiskLevel = assessment.Level
	ev.Factors = assessment.Factors

	res := &CheckInResult{
		RiskLevel: assessment.Level,
		RiskScore: assessment.Score,
		Factors:   assessment.Factors,
	}
	switch {
	case len(hard) > 0:
		res.Outcome, res.Reason = OutcomeRejected, hard[0]
	case assessment.Level == fraud.LevelCritical:
		res.Outcome, res.Reason = OutcomeRejected, ReasonRiskCritical
	case assessment.Level == fraud.LevelHigh:
		res.Outcome = OutcomeFlagged
	default:
		res.Outcome = OutcomeAccepted
	}

	var alert *fraud.Alert
	if res.Outcome != OutcomeAccepted || assessment.Score >= sess.Requirements.RiskThreshold {
		typ := fraud.AlertSuspiciousCheckIn
		if res.Outcome == OutcomeRejected {
			typ = fraud.AlertRejectedCheckIn
		}
		alert = fraud.NewAlert(sess.ID, req.StudentID, typ, assessment, now)
		res.AlertID = alert.ID
	}

	if res.Outcome == OutcomeRejected {
		if alert != nil {
			if err := r.Repo.SaveAlert(ctx, alert); err != nil {
				return nil, fmt.Errorf("checkin: save alert: %w", err)
			}
			r.alertRaised(alert)
		}
		return res, nil
	}

	status := StatusPresent
	if now.After(sess.ScheduledStart.Add(r.cfg.LateGrace)) {
		status = StatusLate
	}
	rec := &Record{
		ID:         uuid.NewString(),
		SessionID:  sess.ID,
		StudentID:  req.StudentID,
		Status:     status,
		Outcome:    res.Outcome,
		RecordedAt: now,
		Evidence:   ev,
		UpdatedAt:  now,
	}
	if alert != nil {
		alert.RecordID = &rec.ID
		rec.AlertID = &alert.ID
	}
	if dv != nil {
		if err := r.Devices.Bind(ctx, dv); err != nil {
			return nil, err
		}
		rec.Evidence.DeviceID = dv.DeviceID
	}
	if err := r.Repo.Commit(ctx, rec, alert); err != nil {
		if errors.Is(err, errDuplicate) {
			return nil, apperr.New(apperr.KindDuplicateAttendance, "attendance already recorded for this session")
		}
		return nil, fmt.Errorf("checkin: commit: %w", err)
	}
	res.Status = &status
	res.RecordID = rec.ID

	r.publish(notify.AttendanceMarked, sess.ID, map[string]any{
		"studentId": req.StudentID,
		"status":    string(status),
		"outcome":   string(res.Outcome),
	})
	if alert != nil {
		r.alertRaised(alert)
	}
	return res, nil
}

// verify runs the geofence, photo and device checks the session requires and
// collects evidence, scoring signals and failed hard requirements. It writes
// nothing; a new device comes back as an unbound verdict.
func (r *Recorder) verify(ctx context.Context, sess *session.Session, req CheckInRequest) (Evidence, fraud.Signals, []string, *device.Verdict, error) {
	var (
		ev   Evidence
		sig  fraud.Signals
		hard []string
		dv   *device.Verdict
		reqs = sess.Requirements
	)

	if loc := req.Location; loc != nil {
		ev.Latitude, ev.Longitude, ev.AccuracyMeters = &loc.Latitude, &loc.Longitude, &loc.AccuracyMeters
	}
	if reqs.Geofence != nil {
		if req.Location == nil {
			return ev, sig, nil, nil, apperr.New(apperr.KindMissingEvidence, "location required for this session")
		}
		g := geo.Verify(*req.Location, reqs.Geofence)
		ev.DistanceMeters = g.DistanceMeters
		sig.DistanceMeters = g.DistanceMeters
		sig.RadiusMeters = g.RadiusMeters
		sig.LowGPSAccuracy = g.LowConfidence
		if !g.WithinRadius {
			hard = append(hard, ReasonLocationOutOfRange)
		}
	}

	score := req.PhotoScore
	if reqs.PhotoRequired && score == nil && req.PhotoURL != "" {
		s, err := photo.Resolve(ctx, r.Scorer, req.PhotoURL, r.cfg.PhotoTimeout)
		if err != nil {
			return ev, sig, nil, nil, err
		}
		score = &s
	}
	pr, err := photo.Verify(score, reqs.MinPhotoScore, reqs.PhotoRequired)
	if err != nil {
		return ev, sig, nil, nil, err
	}
	ev.PhotoScore = pr.Score
	if reqs.PhotoRequired {
		sig.PhotoScore = pr.Score
		sig.MinPhotoScore = reqs.MinPhotoScore
		if !pr.Passed {
			hard = append(hard, ReasonPhotoBelowMinimum)
		}
	}

	if reqs.DeviceCheckRequired {
		verdict, err := r.Devices.Inspect(ctx, req.StudentID, req.Fingerprint)
		if err != nil {
			return ev, sig, nil, nil, err
		}
		dv = verdict
		ev.FingerprintHash = verdict.Hash
		ev.DeviceID = verdict.DeviceID
		ev.SharedDevice = verdict.SharedDeviceSuspected
		sig.NewDevice = verdict.IsNewDevice
		sig.SharedDevice = verdict.SharedDeviceSuspected
		sig.VolatileComponentRatio = verdict.VolatileRatio
		if verdict.SharedDeviceSuspected {
			log.Printf("checkin: session=%s student=%s device owned by %s", sess.ID, req.StudentID, verdict.OwnerStudentID)
		}
	} else if fp, err := req.Fingerprint.Normalize(); err == nil {
		ev.FingerprintHash = fp.Hash
	}

	if len(hard) > 0 {
		sig.HardFailures = hard
	}
	return ev, sig, hard, dv, nil
}

func (r *Recorder) alertRaised(a *fraud.Alert) {
	metrics.AlertsRaised.WithLabelValues(a.Severity.String()).Inc()
	r.publish(notify.FraudAlertRaised, a.SessionID, map[string]any{
		"alertId":   a.ID,
		"studentId": a.StudentID,
		"severity":  a.Severity.String(),
		"riskScore": a.RiskScore,
	})
}

func (r *Recorder) publish(t notify.EventType, sessionID string, payload map[string]any) {
	notify.PublishAsync(r.Events, notify.Event{Type: t, SessionID: sessionID, OccurredAt: r.nowF(), Payload: payload})
}
