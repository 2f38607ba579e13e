// Package session owns the class-session lifecycle: creation, start/pause/resume,
// closing, and the per-session attendance token.
package session

import (
	"fmt"
	"math"
	"strings"
	"time"

	"attendguard/internal/apperr"
	"attendguard/internal/geo"
)

// Status is the lifecycle state of a session.
type Status int

const (
	StatusScheduled Status = iota + 1
	StatusActive
	StatusPaused
	StatusEnded
	StatusCancelled
	StatusEmergencyStopped
)

var statusNames = map[Status]string{
	StatusScheduled:        "SCHEDULED",
	StatusActive:           "ACTIVE",
	StatusPaused:           "PAUSED",
	StatusEnded:            "ENDED",
	StatusCancelled:        "CANCELLED",
	StatusEmergencyStopped: "EMERGENCY_STOPPED",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus is the inverse of String.
func ParseStatus(v string) (Status, error) {
	for s, n := range statusNames {
		if n == strings.ToUpper(strings.TrimSpace(v)) {
			return s, nil
		}
	}
	return 0, apperr.New(apperr.KindValidation, fmt.Sprintf("unknown session status %q", v))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusCancelled || s == StatusEmergencyStopped
}

var transitions = map[Status][]Status{
	StatusScheduled: {StatusActive, StatusCancelled},
	StatusActive:    {StatusPaused, StatusEnded, StatusEmergencyStopped},
	StatusPaused:    {StatusActive, StatusEnded, StatusEmergencyStopped},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DefaultRiskThreshold is the alert threshold used when a session sets none.
const DefaultRiskThreshold = 50.0

// Requirements is what a check-in must satisfy.
type Requirements struct {
	Geofence            *geo.Fence `json:"geofence,omitempty"`
	DeviceCheckRequired bool       `json:"deviceCheckRequired"`
	PhotoRequired       bool       `json:"photoRequired"`
	MinPhotoScore       float64    `json:"minPhotoScore,omitempty"`
	// RiskThreshold is the score at or above which a fraud alert is opened.
	RiskThreshold float64 `json:"riskThreshold"`
}

// Validate rejects contradictory or out-of-range requirements.
func (r Requirements) Validate() error {
	if r.Geofence != nil {
		if err := r.Geofence.Validate(); err != nil {
			return err
		}
	}
	if r.PhotoRequired && r.MinPhotoScore == 0 {
		return apperr.New(apperr.KindValidation, "photo required without a minimum photo score")
	}
	if r.MinPhotoScore != 0 && !(r.MinPhotoScore > 0 && r.MinPhotoScore <= 1) {
		return apperr.New(apperr.KindValidation, "minimum photo score must be within (0, 1]")
	}
	if math.IsNaN(r.RiskThreshold) || r.RiskThreshold < 0 || r.RiskThreshold > 100 {
		return apperr.New(apperr.KindValidation, "risk threshold must be within [0, 100]")
	}
	return nil
}

// Session is a scheduled class meeting.
type Session struct {
	ID             string       `json:"id"`
	CourseID       string       `json:"courseId"`
	ProfessorID    string       `json:"professorId"`
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	ScheduledStart time.Time    `json:"startTime"`
	ScheduledEnd   time.Time    `json:"endTime"`
	Status         Status       `json:"status"`
	Requirements   Requirements `json:"requirements"`
	ActiveTokenID  *string      `json:"activeTokenId"`
	StopReason     string       `json:"stopReason,omitempty"`
	StartedAt      *time.Time   `json:"startedAt,omitempty"`
	EndedAt        *time.Time   `json:"endedAt,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Summary counts attendance outcomes at session close.
type Summary struct {
	Present int `json:"present"`
	Absent  int `json:"absent"`
	Late    int `json:"late"`
	Flagged int `json:"flagged"`
}
