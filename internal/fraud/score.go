// Package fraud turns verification signals into an explainable risk assessment.
//
// Scoring is a pure weighted sum: identical signals always produce the identical
// score, level and factor list, so a professor reviewing an alert can reproduce it.
package fraud

import (
	"fmt"
	"math"
	"time"

	"attendguard/internal/apperr"
)

// Level is the categorical risk level. Levels are ordered.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

var levelNames = [...]string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (l Level) String() string {
	if l < LevelLow || l > LevelCritical {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel parses the upper-case level name.
func ParseLevel(s string) (Level, error) {
	for i, n := range levelNames {
		if n == s {
			return Level(i), nil
		}
	}
	return 0, apperr.New(apperr.KindValidation, fmt.Sprintf("unknown risk level %q", s))
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Factor names.
const (
	FactorOutOfGeofence       = "out_of_geofence"
	FactorLowGPSAccuracy      = "low_gps_accuracy"
	FactorNewDevice           = "new_device"
	FactorSharedDevice        = "shared_device"
	FactorVolatileFingerprint = "volatile_fingerprint"
	FactorLowPhotoScore       = "low_photo_score"
	FactorTokenNearExpiry     = "token_near_expiry"
	FactorRapidAttempts       = "rapid_attempts"
	FactorHardFailure         = "hard_requirement_failed"
)

// Thresholds are the exclusive upper bounds of LOW, MEDIUM and HIGH; anything at or
// above High is CRITICAL.
type Thresholds struct {
	Low    float64 `mapstructure:"low" json:"low"`
	Medium float64 `mapstructure:"medium" json:"medium"`
	High   float64 `mapstructure:"high" json:"high"`
}

// DefaultThresholds returns <25 LOW, <50 MEDIUM, <75 HIGH.
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 25, Medium: 50, High: 75}
}

// Validate enforces 0 < Low < Medium < High <= 100.
func (t Thresholds) Validate() error {
	if !(t.Low > 0) {
		return apperr.New(apperr.KindValidation, "risk threshold LOW must be greater than 0")
	}
	if !(t.Low < t.Medium) {
		return apperr.New(apperr.KindValidation, "risk threshold LOW must be below MEDIUM")
	}
	if !(t.Medium < t.High) {
		return apperr.New(apperr.KindValidation, "risk threshold MEDIUM must be below HIGH")
	}
	if t.High > 100 {
		return apperr.New(apperr.KindValidation, "risk threshold HIGH must not exceed 100")
	}
	return nil
}

// Level maps a score onto a level.
func (t Thresholds) Level(score float64) Level {
	switch {
	case score < t.Low:
		return LevelLow
	case score < t.Medium:
		return LevelMedium
	case score < t.High:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Weights are the maximum contribution of each signal, in score points.
type Weights struct {
	OutOfGeofence       float64 `mapstructure:"out_of_geofence"`
	LowGPSAccuracy      float64 `mapstructure:"low_gps_accuracy"`
	NewDevice           float64 `mapstructure:"new_device"`
	SharedDevice        float64 `mapstructure:"shared_device"`
	VolatileFingerprint float64 `mapstructure:"volatile_fingerprint"`
	LowPhotoScore       float64 `mapstructure:"low_photo_score"`
	TokenNearExpiry     float64 `mapstructure:"token_near_expiry"`
	RapidAttempts       float64 `mapstructure:"rapid_attempts"`
}

// DefaultWeights puts a shared device alone in the HIGH band under DefaultThresholds.
func DefaultWeights() Weights {
	return Weights{
		OutOfGeofence:       40,
		LowGPSAccuracy:      15,
		NewDevice:           10,
		SharedDevice:        50,
		VolatileFingerprint: 5,
		LowPhotoScore:       30,
		TokenNearExpiry:     10,
		RapidAttempts:       30,
	}
}

func (w Weights) validate() error {
	named := map[string]float64{
		FactorOutOfGeofence:       w.OutOfGeofence,
		FactorLowGPSAccuracy:      w.LowGPSAccuracy,
		FactorNewDevice:           w.NewDevice,
		FactorSharedDevice:        w.SharedDevice,
		FactorVolatileFingerprint: w.VolatileFingerprint,
		FactorLowPhotoScore:       w.LowPhotoScore,
		FactorTokenNearExpiry:     w.TokenNearExpiry,
		FactorRapidAttempts:       w.RapidAttempts,
	}
	for name, v := range named {
		if math.IsNaN(v) || v < 0 || v > 100 {
			return apperr.New(apperr.KindValidation, fmt.Sprintf("weight %s must be within 0..100", name))
		}
	}
	return nil
}

// Config is the full scoring configuration.
type Config struct {
	Weights    Weights
	Thresholds Thresholds
	// NearExpiryFraction: a token with at most this fraction of its TTL left counts as near expiry.
	NearExpiryFraction float64
	// RapidAttemptLimit is the attempt count within the window that yields the full weight.
	RapidAttemptLimit int
}

// DefaultConfig returns the shipped scoring configuration.
func DefaultConfig() Config {
	return Config{
		Weights:            DefaultWeights(),
		Thresholds:         DefaultThresholds(),
		NearExpiryFraction: 0.1,
		RapidAttemptLimit:  5,
	}
}

// Validate checks weights, thresholds and tuning values.
func (c Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if err := c.Weights.validate(); err != nil {
		return err
	}
	if c.NearExpiryFraction < 0 || c.NearExpiryFraction >= 1 {
		return apperr.New(apperr.KindValidation, "near-expiry fraction must be within [0, 1)")
	}
	if c.RapidAttemptLimit < 2 {
		return apperr.New(apperr.KindValidation, "rapid attempt limit must be at least 2")
	}
	return nil
}

// Signals is everything the pipeline learned about one check-in attempt.
type Signals struct {
	// DistanceMeters is nil when no geofence applies.
	DistanceMeters *float64
	RadiusMeters   float64
	LowGPSAccuracy bool

	NewDevice    bool
	SharedDevice bool
	// VolatileComponentRatio is the share of fingerprint components flagged unstable.
	VolatileComponentRatio float64

	// PhotoScore is nil when no photo was evaluated.
	PhotoScore    *float64
	MinPhotoScore float64

	TokenRemaining time.Duration
	TokenTTL       time.Duration

	// Attempts is the number of attempts by the same identity inside the counter window, this one included.
	Attempts int64

	// HardFailures lists failed hard requirements by reason code; any entry forces CRITICAL.
	HardFailures []string
}

// Factor is one explainable contribution to a score.
type Factor struct {
	Name         string  `json:"name"`
	Contribution float64 `json:"contribution"`
}

// Assessment is the result of Score.
type Assessment struct {
	Score   float64  `json:"riskScore"`
	Level   Level    `json:"riskLevel"`
	Factors []Factor `json:"factors"`
}

// Engine scores signals with a validated Config.
type Engine struct {
	cfg Config
}

// NewEngine validates cfg and returns an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Thresholds returns the engine's level boundaries.
func (e *Engine) Thresholds() Thresholds { return e.cfg.Thresholds }

// Score aggregates s into an assessment. It has no side effects.
func (e *Engine) Score(s Signals) Assessment {
	w := e.cfg.Weights
	factors := make([]Factor, 0, 4)
	add := func(name string, v float64) {
		if v > 0 {
			factors = append(factors, Factor{Name: name, Contribution: round2(v)})
		}
	}

	if s.DistanceMeters != nil && s.RadiusMeters > 0 && *s.DistanceMeters > s.RadiusMeters {
		add(FactorOutOfGeofence, w.OutOfGeofence*clamp01((*s.DistanceMeters-s.RadiusMeters)/s.RadiusMeters))
	}
	if s.LowGPSAccuracy {
		add(FactorLowGPSAccuracy, w.LowGPSAccuracy)
	}
	if s.NewDevice {
		add(FactorNewDevice, w.NewDevice)
	}
	if s.SharedDevice {
		add(FactorSharedDevice, w.SharedDevice)
	}
	add(FactorVolatileFingerprint, w.VolatileFingerprint*clamp01(s.VolatileComponentRatio))
	if s.PhotoScore != nil && s.MinPhotoScore > 0 && *s.PhotoScore < s.MinPhotoScore {
		add(FactorLowPhotoScore, w.LowPhotoScore*clamp01((s.MinPhotoScore-*s.PhotoScore)/s.MinPhotoScore))
	}
	if s.TokenTTL > 0 && float64(s.TokenRemaining) <= e.cfg.NearExpiryFraction*float64(s.TokenTTL) {
		add(FactorTokenNearExpiry, w.TokenNearExpiry)
	}
	if s.Attempts > 1 {
		add(FactorRapidAttempts, w.RapidAttempts*clamp01(float64(s.Attempts-1)/float64(e.cfg.RapidAttemptLimit-1)))
	}

	var total float64
	for _, f := range factors {
		total += f.Contribution
	}
	total = math.Min(100, round2(total))

	level := e.cfg.Thresholds.Level(total)
	if len(s.HardFailures) > 0 {
		lift := math.Max(0, e.cfg.Thresholds.High-total)
		factors = append(factors, Factor{Name: FactorHardFailure, Contribution: round2(lift)})
		total = round2(total + lift)
		level = LevelCritical
	}
	return Assessment{Score: total, Level: level, Factors: factors}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
