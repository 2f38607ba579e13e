package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendguard/internal/apperr"
	"attendguard/internal/attempts"
	"attendguard/internal/device"
	"attendguard/internal/enrollment"
	"attendguard/internal/faceclient"
	"attendguard/internal/fraud"
	"attendguard/internal/geo"
	"attendguard/internal/notify"
	"attendguard/internal/session"
	"attendguard/internal/token"
)

type rig struct {
	rec      *Recorder
	repo     *MemoryRepository
	sessions *session.Manager
	devices  *device.Validator
	roster   *enrollment.Static
	events   *notify.Recorder
	now      time.Time
}

type rigOption func(*Deps, *Config)

func newRig(t *testing.T, opts ...rigOption) *rig {
	t.Helper()
	r := &rig{
		repo:   NewMemoryRepository(),
		roster: enrollment.NewStatic(),
		events: &notify.Recorder{},
		now:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return r.now }

	tokens := token.NewService(token.NewMemoryStore(), time.Minute).WithClock(clock)
	r.sessions = session.NewManager(session.NewMemoryRepository(), tokens, session.NewKeyedMutex(), r.roster, r.events,
		session.Options{TokenTTL: time.Minute, MarkAbsentOnEnd: true}).WithClock(clock)
	r.devices = device.NewValidator(device.NewMemoryRepository(), 3).WithClock(clock)
	engine, err := fraud.NewEngine(fraud.DefaultConfig())
	require.NoError(t, err)

	deps := Deps{
		Repo:     r.repo,
		Sessions: r.sessions,
		Tokens:   tokens,
		Devices:  r.devices,
		Engine:   engine,
		Attempts: attempts.NewMemoryCounter(time.Minute).WithClock(clock),
		Enroll:   r.roster,
		Events:   r.events,
	}
	cfg := Config{LateGrace: 10 * time.Minute, Timeout: 2 * time.Second, PhotoTimeout: time.Second}
	for _, o := range opts {
		o(&deps, &cfg)
	}
	r.rec = NewRecorder(deps, cfg).WithClock(clock)
	r.sessions.SetReconciler(r.rec)
	r.roster.Enroll("c1", "s1", "s2", "s3")
	return r
}

// active creates and starts a session on course c1 and returns its id and token value.
func (r *rig) active(t *testing.T, in session.CreateInput) (string, string) {
	t.Helper()
	in.CourseID = "c1"
	in.ProfessorID = "prof1"
	in.Title = "Operating Systems"
	in.StartTime = r.now
	in.EndTime = r.now.Add(90 * time.Minute)
	s, err := r.sessions.Create(context.Background(), in)
	require.NoError(t, err)
	grant, err := r.sessions.Start(context.Background(), s.ID)
	require.NoError(t, err)
	return s.ID, grant.TokenValue
}

var hall = &geo.Fence{Latitude: 30, Longitude: 31, RadiusMeters: 50}

func fenced() session.CreateInput {
	return session.CreateInput{Geofence: hall, DeviceCheckRequired: true}
}

func inHall() *geo.Reading {
	return &geo.Reading{Latitude: 30.00035, Longitude: 31, AccuracyMeters: 10}
}

func phone(hash string) device.Fingerprint {
	return device.Fingerprint{Hash: hash}
}

func f64(v float64) *float64 { return &v }

func TestCheckIn_ScenarioA_Accepted(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	_, err := r.devices.Validate(ctx, "s1", phone("fp-s1"))
	require.NoError(t, err)
	sid, tok := r.active(t, fenced())

	res, err := r.rec.CheckIn(ctx, CheckInRequest{
		SessionID: sid, StudentID: "s1", TokenValue: tok,
		Location: inHall(), Fingerprint: phone("fp-s1"),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	require.NotNil(t, res.Status)
	assert.Equal(t, StatusPresent, *res.Status)
	assert.Equal(t, fraud.LevelLow, res.RiskLevel)
	assert.Empty(t, res.AlertID)

	stored, err := r.repo.Get(ctx, sid, "s1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, res.RecordID, stored.ID)
	require.NotNil(t, stored.Evidence.DistanceMeters)
	assert.InDelta(t, 38.9, *stored.Evidence.DistanceMeters, 0.5)
	assert.NotEmpty(t, stored.Evidence.DeviceID)
	assert.Nil(t, stored.AlertID)
}

func TestCheckIn_ScenarioB_OutOfRangeRejected(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid, tok := r.active(t, fenced())

	res, err := r.rec.CheckIn(ctx, CheckInRequest{
		SessionID: sid, StudentID: "s1", TokenValue: tok,
		Location:    &geo.Reading{Latitude: 30.0045, Longitude: 31, AccuracyMeters: 10},
		Fingerprint: phone("fp-s1"),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, ReasonLocationOutOfRange, res.Reason)
	assert.Equal(t, fraud.LevelCritical, res.RiskLevel)
	assert.Nil(t, res.Status)
	assert.Empty(t, res.RecordID)

	stored, err := r.repo.Get(ctx, sid, "s1")
	require.NoError(t, err)
	assert.Nil(t, stored)

	alerts, err := r.rec.ListAlerts(ctx, sid)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, fraud.AlertRejectedCheckIn, alerts[0].Type)
	assert.Equal(t, fraud.LevelCritical, alerts[0].Severity)
	assert.Nil(t, alerts[0].RecordID)
}

func TestCheckIn_ScenarioC_ExpiredToken(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid, tok := r.active(t, fenced())

	r.now = r.now.Add(61 * time.Second)
	_, err := r.rec.CheckIn(ctx, CheckInRequest{
		SessionID: sid, StudentID: "s1", TokenValue: tok,
		Location: inHall(), Fingerprint: phone("fp-s1"),
	})
	require.ErrorIs(t, err, apperr.ErrTokenExpired)

	stored, err := r.repo.Get(ctx, sid, "s1")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestCheckIn_ScenarioD_Duplicate(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid, tok := r.active(t, fenced())
	req := CheckInRequest{
		SessionID: sid, StudentID: "s1", TokenValue: tok,
		Location: inHall(), Fingerprint: phone("fp-s1"),
	}

	first, err := r.rec.CheckIn(ctx, req)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, first.Outcome)

	_, err = r.rec.CheckIn(ctx, req)
	require.ErrorIs(t, err, apperr.ErrDuplicateAttendance)

	recs, err := r.rec.List(ctx, sid, Filter{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestCheckIn_ScenarioE_SharedDeviceFlagged(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	_, err := r.devices.Validate(ctx, "s1", phone("fp-shared"))
	require.NoError(t, err)
	sid, tok := r.active(t, fenced())

	res, err := r.rec.CheckIn(ctx, CheckInRequest{
		SessionID: sid, StudentID: "s2", TokenValue: tok,
		Location: inHall(), Fingerprint: phone("fp-shared"),
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.RiskLevel, fraud.LevelHigh)
	assert.Equal(t, OutcomeFlagged, res.Outcome)
	require.NotEmpty(t, res.AlertID)

	alert, err := r.rec.GetAlert(ctx, res.AlertID)
	require.NoError(t, err)
	assert.Equal(t, "s2", alert.StudentID)
	assert.Equal(t, fraud.AlertSuspiciousCheckIn, alert.Type)
	require.NotNil(t, alert.RecordID)
	assert.Equal(t, res.RecordID, *alert.RecordID)

	stored, err := r.repo.Get(ctx, sid, "s2")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Evidence.SharedDevice)
	assert.Equal(t, OutcomeFlagged, stored.Outcome)
	require.NotNil(t, stored.AlertID)
	assert.Equal(t, alert.ID, *stored.AlertID)

	assert.Eventually(t, func() bool {
		for _, typ := range r.events.Types() {
			if typ == notify.FraudAlertRaised {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestCheckIn_Late(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid, _ := r.active(t, session.CreateInput{})

	r.now = r.now.Add(15 * time.Minute)
	grant, err := r.sessions.RotateToken(ctx, sid)
	require.NoError(t, err)

	res, err := r.rec.CheckIn(ctx, CheckInRequest{SessionID: sid, StudentID: "s3", TokenValue: grant.TokenValue})
	require.NoError(t, err)
	require.NotNil(t, res.Status)
	assert.Equal(t, StatusLate, *res.Status)
}

func TestCheckIn_PreconditionErrors(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid, tok := r.active(t, fenced())
	otherSID, otherTok := r.active(t, session.CreateInput{})

	tests := []struct {
		name string
		req  CheckInRequest
		want error
	}{
		{"missing student", CheckInRequest{SessionID: sid, TokenValue: tok}, apperr.ErrValidation},
		{"bad coordinates", CheckInRequest{SessionID: sid, StudentID: "s1", TokenValue: tok, Location: &geo.Reading{Latitude: 91}}, apperr.ErrValidation},
		{"token of another session", CheckInRequest{SessionID: sid, StudentID: "s1", TokenValue: otherTok}, apperr.ErrTokenMismatch},
		{"not enrolled", CheckInRequest{SessionID: otherSID, StudentID: "stranger", TokenValue: otherTok}, apperr.ErrNotEnrolled},
		{"location missing", CheckInRequest{SessionID: sid, StudentID: "s1", TokenValue: tok, Fingerprint: phone("fp")}, apperr.ErrMissingEvidence},
		{"fingerprint missing", CheckInRequest{SessionID: sid, StudentID: "s1", TokenValue: tok, Location: inHall()}, apperr.ErrMissingEvidence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.rec.CheckIn(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}

	recs, err := r.rec.List(ctx, sid, Filter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestCheckIn_SessionNotActive(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid, tok := r.active(t, session.CreateInput{})
	_, err := r.sessions.Pause(ctx, sid)
	require.NoError(t, err)

	_, err = r.rec.CheckIn(ctx, CheckInRequest{SessionID: sid, StudentID: "s1", TokenValue: tok})
	require.ErrorIs(t, err, apperr.ErrSessionNotActive)
}

func TestCheckIn_PhotoRequirement(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid, tok := r.active(t, session.CreateInput{PhotoRequired: true, MinPhotoScore: f64(0.7)})

	_, err := r.rec.CheckIn(ctx, CheckInRequest{SessionID: sid, StudentID: "s1", TokenValue: tok})
	require.ErrorIs(t, err, apperr.ErrMissingEvidence)

	res, err := r.rec.CheckIn(ctx, CheckInRequest{SessionID: sid, StudentID: "s1", TokenValue: tok, PhotoScore: f64(0.4)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, ReasonPhotoBelowMinimum, res.Reason)

	res, err = r.rec.CheckIn(ctx, CheckInRequest{SessionID: sid, StudentID: "s2", TokenValue: tok, PhotoScore: f64(0.9)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
}

type scorerFunc func(ctx context.Context, url string) (float64, error)

func (f scorerFunc) Score(ctx context.Context, url string) (float64, error) { return f(ctx, url) }

func TestCheckIn_PhotoResolvedByScorer(t *testing.T) {
	r := newRig(t, func(d *Deps, _ *Config) {
		d.Scorer = scorerFunc(func(ctx context.Context, url string) (float64, error) {
			if url == "https://img.example/good.jpg" {
				return 0.92, nil
			}
			return 0, errors.New("no face")
		})
	})
	ctx := context.Background()
	sid, tok := r.active(t, session.CreateInput{PhotoRequired: true, MinPhotoScore: f64(0.7)})

	res, err := r.rec.CheckIn(ctx, CheckInRequest{SessionID: sid, StudentID: "s1", TokenValue: tok, PhotoURL: "https://img.example/good.jpg"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)

	stored, err := r.repo.Get(ctx, sid, "s1")
	require.NoError(t, err)
	require.NotNil(t, stored.Evidence.PhotoScore)
	assert.InDelta(t, 0.92, *stored.Evidence.PhotoScore, 1e-9)

	_, err = r.rec.CheckIn(ctx, CheckInRequest{SessionID: sid, StudentID: "s2", TokenValue: tok, PhotoURL: "https://img.example/blurry.jpg"})
	require.ErrorIs(t, err, apperr.ErrMissingEvidence)
}

func TestCheckIn_DisabledFaceAnalysisIsMissingEvidence(t *testing.T) {
	r := newRig(t, func(d *Deps, _ *Config) {
		d.Scorer = faceclient.New("", true)
	})
	ctx := context.Background()
	sid, tok := r.active(t, session.CreateInput{PhotoRequired: true, MinPhotoScore: f64(0.8)})

	_, err := r.rec.CheckIn(ctx, CheckInRequest{SessionID: sid, StudentID: "s1", TokenValue: tok, PhotoURL: "https://example.com/not-a-face.jpg"})
	require.ErrorIs(t, err, apperr.ErrMissingEvidence)

	stored, err := r.repo.Get(ctx, sid, "s1")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestCheckIn_FailedAttemptsLeaveDevicesUnbound(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid, tok := r.active(t, session.CreateInput{DeviceCheckRequired: true, PhotoRequired: true, MinPhotoScore: f64(0.7)})

	for _, fp := range []string{"fp-a", "fp-b", "fp-c"} {
		_, err := r.rec.CheckIn(ctx, CheckInRequest{SessionID: sid, StudentID: "s1", TokenValue: tok, Fingerprint: phone(fp)})
		require.ErrorIs(t, err, apperr.ErrMissingEvidence)
	}
	res, err := r.rec.CheckIn(ctx, CheckInRequest{SessionID: sid, StudentID: "s1", TokenValue: tok, Fingerprint: phone("fp-r"), PhotoScore: f64(0.2)})
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, res.Outcome)

	list, err := r.devices.List(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, list, "missing evidence and rejections bind no device")

	res, err = r.rec.CheckIn(ctx, CheckInRequest{SessionID: sid, StudentID: "s1", TokenValue: tok, Fingerprint: phone("fp-d"), PhotoScore: f64(0.9)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)

	list, err = r.devices.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "fp-d", list[0].Hash)

	stored, err := r.repo.Get(ctx, sid, "s1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, list[0].ID, stored.Evidence.DeviceID)
}

func TestCheckIn_TimeoutFailsClosed(t *testing.T) {
	blocking := scorerFunc(func(ctx context.Context, url string) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	t.Run("photo analysis", func(t *testing.T) {
		r := newRig(t, func(d *Deps, c *Config) {
			d.Scorer = blocking
			c.PhotoTimeout = 20 * time.Millisecond
		})
		sid, tok := r.active(t, session.CreateInput{PhotoRequired: true, MinPhotoScore: f64(0.5)})
		_, err := r.rec.CheckIn(context.Background(), CheckInRequest{SessionID: sid, StudentID: "s1", TokenValue: tok, PhotoURL: "https://img.example/a.jpg"})
		require.ErrorIs(t, err, apperr.ErrVerificationTimeout)
	})

	t.Run("attempt budget", func(t *testing.T) {
		r := newRig(t, func(d *Deps, c *Config) {
			d.Attempts = stallingCounter{}
			c.Timeout = 20 * time.Millisecond
		})
		sid, tok := r.active(t, session.CreateInput{})
		_, err := r.rec.CheckIn(context.Background(), CheckInRequest{SessionID: sid, StudentID: "s1", TokenValue: tok})
		require.ErrorIs(t, err, apperr.ErrVerificationTimeout)

		stored, err := r.repo.Get(context.Background(), sid, "s1")
		require.NoError(t, err)
		assert.Nil(t, stored)
	})
}

type stallingCounter struct{}

func (stallingCounter) Hit(ctx context.Context, key string) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestCheckIn_ConcurrentSameStudentCommitsOnce(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid, tok := r.active(t, session.CreateInput{})

	const n = 24
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		duplicate int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.rec.CheckIn(ctx, CheckInRequest{SessionID: sid, StudentID: "s1", TokenValue: tok})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res.RecordID != "":
				accepted++
			case errors.Is(err, apperr.ErrDuplicateAttendance):
				duplicate++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, n-1, duplicate)
	recs, err := r.rec.List(ctx, sid, Filter{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestCheckIn_RepeatedAttemptsRaiseRisk(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid, tok := r.active(t, session.CreateInput{})

	for range 4 {
		_, err := r.rec.CheckIn(ctx, CheckInRequest{SessionID: sid, StudentID: "s1", TokenValue: "wrong"})
		require.ErrorIs(t, err, apperr.ErrTokenMismatch)
	}
	res, err := r.rec.CheckIn(ctx, CheckInRequest{SessionID: sid, StudentID: "s1", TokenValue: tok})
	require.NoError(t, err)

	var names []string
	for _, f := range res.Factors {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, fraud.FactorRapidAttempts)
	assert.Greater(t, res.RiskScore, 0.0)
}

func TestEnd_ReconcilesAbsentees(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	_, err := r.devices.Validate(ctx, "s2", phone("fp-s2"))
	require.NoError(t, err)
	sid, tok := r.active(t, fenced())

	_, err = r.rec.CheckIn(ctx, CheckInRequest{SessionID: sid, StudentID: "s1", TokenValue: tok, Location: inHall(), Fingerprint: phone("fp-s1")})
	require.NoError(t, err)
	_, err = r.rec.CheckIn(ctx, CheckInRequest{SessionID: sid, StudentID: "s3", TokenValue: tok, Location: inHall(), Fingerprint: phone("fp-s2")})
	require.NoError(t, err)

	closed, err := r.sessions.End(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, session.Summary{Present: 2, Absent: 1, Late: 0, Flagged: 1}, closed.Summary)

	absent, err := r.rec.List(ctx, sid, Filter{Status: StatusAbsent})
	require.NoError(t, err)
	require.Len(t, absent, 1)
	assert.Equal(t, "s2", absent[0].StudentID)

	s, err := r.sessions.Get(ctx, sid)
	require.NoError(t, err)
	again, err := r.rec.Reconcile(ctx, s, true)
	require.NoError(t, err)
	assert.Equal(t, closed.Summary, again)

	_, err = r.rec.CheckIn(ctx, CheckInRequest{SessionID: sid, StudentID: "s2", TokenValue: tok, Location: inHall(), Fingerprint: phone("fp-s2")})
	require.ErrorIs(t, err, apperr.ErrDuplicateAttendance)
}

func TestOverride(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid, tok := r.active(t, session.CreateInput{})

	_, err := r.rec.CheckIn(ctx, CheckInRequest{SessionID: sid, StudentID: "s1", TokenValue: tok})
	require.NoError(t, err)

	rec, err := r.rec.Override(ctx, OverrideInput{SessionID: sid, StudentID: "s1", Status: StatusExcused, Note: "medical note", Actor: "prof1"})
	require.NoError(t, err)
	assert.Equal(t, StatusExcused, rec.Status)
	require.Len(t, rec.Notes, 1)
	assert.Equal(t, StatusPresent, rec.Notes[0].From)
	assert.Equal(t, "prof1", rec.Notes[0].Actor)

	created, err := r.rec.Override(ctx, OverrideInput{SessionID: sid, StudentID: "s2", Status: StatusPresent, Note: "signed paper sheet", Actor: "prof1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, created.Outcome)

	_, err = r.rec.CheckIn(ctx, CheckInRequest{SessionID: sid, StudentID: "s2", TokenValue: tok})
	require.ErrorIs(t, err, apperr.ErrDuplicateAttendance)

	_, err = r.rec.Override(ctx, OverrideInput{SessionID: sid, StudentID: "s3", Status: "HERE", Note: "x", Actor: "prof1"})
	require.ErrorIs(t, err, apperr.ErrValidation)
	_, err = r.rec.Override(ctx, OverrideInput{SessionID: sid, StudentID: "s3", Status: StatusPresent, Actor: "prof1"})
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestOverride_RejectedBeforeStart(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	s, err := r.sessions.Create(ctx, session.CreateInput{
		CourseID: "c1", ProfessorID: "prof1", Title: "Compilers",
		StartTime: r.now.Add(time.Hour), EndTime: r.now.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	_, err = r.rec.Override(ctx, OverrideInput{SessionID: s.ID, StudentID: "s1", Status: StatusPresent, Note: "early", Actor: "prof1"})
	require.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestUpdateAlert(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	_, err := r.devices.Validate(ctx, "s1", phone("fp-shared"))
	require.NoError(t, err)
	sid, tok := r.active(t, fenced())
	res, err := r.rec.CheckIn(ctx, CheckInRequest{SessionID: sid, StudentID: "s2", TokenValue: tok, Location: inHall(), Fingerprint: phone("fp-shared")})
	require.NoError(t, err)
	require.NotEmpty(t, res.AlertID)

	a, err := r.rec.UpdateAlert(ctx, res.AlertID, fraud.AlertInvestigating, "")
	require.NoError(t, err)
	assert.Equal(t, fraud.AlertInvestigating, a.Status)

	_, err = r.rec.UpdateAlert(ctx, res.AlertID, fraud.AlertResolved, "")
	require.ErrorIs(t, err, apperr.ErrValidation)

	a, err = r.rec.UpdateAlert(ctx, res.AlertID, fraud.AlertResolved, "roommate borrowed the phone")
	require.NoError(t, err)
	assert.Equal(t, fraud.AlertResolved, a.Status)

	_, err = r.rec.UpdateAlert(ctx, res.AlertID, fraud.AlertEscalated, "late escalation")
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = r.rec.UpdateAlert(ctx, "missing", fraud.AlertInvestigating, "")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMemoryRepository_UpdateAlertIsCompareAndSet(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	a := fraud.NewAlert("sess", "s1", fraud.AlertSuspiciousCheckIn, fraud.Assessment{Score: 60, Level: fraud.LevelHigh}, time.Now())
	require.NoError(t, repo.SaveAlert(ctx, a))

	a.Status = fraud.AlertInvestigating
	ok, err := repo.UpdateAlert(ctx, a, fraud.AlertOpen)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.UpdateAlert(ctx, a, fraud.AlertOpen)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryRepository_ListPaging(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, repo.Commit(ctx, &Record{
			ID: id, SessionID: "sess", StudentID: id, Status: StatusPresent, Outcome: OutcomeAccepted,
			RecordedAt: base.Add(time.Duration(i) * time.Second),
		}, nil))
	}
	require.ErrorIs(t, repo.Commit(ctx, &Record{ID: "dup", SessionID: "sess", StudentID: "a"}, nil), errDuplicate)

	page, err := repo.List(ctx, "sess", Filter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].StudentID)
	assert.Equal(t, "c", page[1].StudentID)

	page, err = repo.List(ctx, "sess", Filter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, page)
}
