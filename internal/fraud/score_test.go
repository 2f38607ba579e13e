package fraud

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendguard/internal/apperr"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultConfig())
	require.NoError(t, err)
	return e
}

func ptr(v float64) *float64 { return &v }

func TestThresholds_Validate(t *testing.T) {
	cases := []struct {
		name string
		th   Thresholds
		ok   bool
	}{
		{"defaults", DefaultThresholds(), true},
		{"low equals medium", Thresholds{Low: 50, Medium: 50, High: 75}, false},
		{"low above medium", Thresholds{Low: 60, Medium: 50, High: 75}, false},
		{"medium equals high", Thresholds{Low: 10, Medium: 75, High: 75}, false},
		{"zero low", Thresholds{Low: 0, Medium: 50, High: 75}, false},
		{"high above 100", Thresholds{Low: 10, Medium: 50, High: 101}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.th.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, apperr.ErrValidation))
		})
	}
}

func TestNewEngine_RejectsNonMonotonicThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds = Thresholds{Low: 50, Medium: 40, High: 75}

	e, err := NewEngine(cfg)
	assert.Nil(t, e)
	assert.Error(t, err)
}

func TestNewEngine_RejectsNegativeWeight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights.NewDevice = -1

	_, err := NewEngine(cfg)
	assert.Error(t, err)
}

func TestThresholds_Level(t *testing.T) {
	th := DefaultThresholds()
	assert.Equal(t, LevelLow, th.Level(0))
	assert.Equal(t, LevelLow, th.Level(24.99))
	assert.Equal(t, LevelMedium, th.Level(25))
	assert.Equal(t, LevelHigh, th.Level(50))
	assert.Equal(t, LevelCritical, th.Level(75))
	assert.Equal(t, LevelCritical, th.Level(100))
}

func TestScore_CleanAttemptIsLow(t *testing.T) {
	e := newTestEngine(t)
	a := e.Score(Signals{
		DistanceMeters: ptr(39),
		RadiusMeters:   50,
		TokenRemaining: 50 * time.Second,
		TokenTTL:       60 * time.Second,
		Attempts:       1,
	})

	assert.Equal(t, 0.0, a.Score)
	assert.Equal(t, LevelLow, a.Level)
	assert.Empty(t, a.Factors)
}

func TestScore_SharedDeviceIsAtLeastHigh(t *testing.T) {
	e := newTestEngine(t)
	a := e.Score(Signals{SharedDevice: true, Attempts: 1})

	assert.GreaterOrEqual(t, a.Level, LevelHigh)
	assert.Equal(t, []Factor{{Name: FactorSharedDevice, Contribution: 50}}, a.Factors)
}

func TestScore_HardFailureForcesCritical(t *testing.T) {
	e := newTestEngine(t)
	a := e.Score(Signals{
		DistanceMeters: ptr(500),
		RadiusMeters:   50,
		Attempts:       1,
		HardFailures:   []string{"location_out_of_range"},
	})

	assert.Equal(t, LevelCritical, a.Level)
	assert.Equal(t, 75.0, a.Score)
	require.Len(t, a.Factors, 2)
	assert.Equal(t, Factor{Name: FactorOutOfGeofence, Contribution: 40}, a.Factors[0])
	assert.Equal(t, Factor{Name: FactorHardFailure, Contribution: 35}, a.Factors[1])
}

func TestScore_PartialGeofenceOverrun(t *testing.T) {
	e := newTestEngine(t)
	a := e.Score(Signals{DistanceMeters: ptr(75), RadiusMeters: 50})

	require.Len(t, a.Factors, 1)
	assert.Equal(t, 20.0, a.Factors[0].Contribution)
}

func TestScore_RapidAttemptsScaleWithCount(t *testing.T) {
	e := newTestEngine(t)

	two := e.Score(Signals{Attempts: 2})
	five := e.Score(Signals{Attempts: 5})
	many := e.Score(Signals{Attempts: 50})

	assert.Equal(t, 7.5, two.Score)
	assert.Equal(t, 30.0, five.Score)
	assert.Equal(t, 30.0, many.Score)
}

func TestScore_TokenNearExpiry(t *testing.T) {
	e := newTestEngine(t)
	a := e.Score(Signals{TokenRemaining: 5 * time.Second, TokenTTL: 60 * time.Second})

	assert.Equal(t, []Factor{{Name: FactorTokenNearExpiry, Contribution: 10}}, a.Factors)
}

func TestScore_LowPhotoScore(t *testing.T) {
	e := newTestEngine(t)
	a := e.Score(Signals{PhotoScore: ptr(0.35), MinPhotoScore: 0.7})

	assert.Equal(t, []Factor{{Name: FactorLowPhotoScore, Contribution: 15}}, a.Factors)
}

func TestScore_CapsAt100(t *testing.T) {
	e := newTestEngine(t)
	a := e.Score(Signals{
		DistanceMeters:         ptr(1000),
		RadiusMeters:           50,
		LowGPSAccuracy:         true,
		NewDevice:              true,
		SharedDevice:           true,
		VolatileComponentRatio: 1,
		Attempts:               10,
	})

	assert.Equal(t, 100.0, a.Score)
	assert.Equal(t, LevelCritical, a.Level)
}

func TestScore_IsDeterministic(t *testing.T) {
	e := newTestEngine(t)
	s := Signals{
		DistanceMeters:         ptr(61),
		RadiusMeters:           50,
		LowGPSAccuracy:         true,
		NewDevice:              true,
		VolatileComponentRatio: 0.25,
		PhotoScore:             ptr(0.6),
		MinPhotoScore:          0.7,
		TokenRemaining:         3 * time.Second,
		TokenTTL:               60 * time.Second,
		Attempts:               3,
	}

	first := e.Score(s)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, e.Score(s))
	}
}

func TestLevel_JSON(t *testing.T) {
	b, err := json.Marshal(struct {
		L Level `json:"l"`
	}{LevelHigh})
	require.NoError(t, err)
	assert.JSONEq(t, `{"l":"HIGH"}`, string(b))

	var out struct {
		L Level `json:"l"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"l":"CRITICAL"}`), &out))
	assert.Equal(t, LevelCritical, out.L)
	assert.Error(t, json.Unmarshal([]byte(`{"l":"SEVERE"}`), &out))
}
