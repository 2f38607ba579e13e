package attendance

import (
	"fmt"
	"strings"
	"time"

	"attendguard/internal/apperr"
	"attendguard/internal/fraud"
)

// Status is the attendance credit a record carries.
type Status string

const (
	StatusPresent Status = "PRESENT"
	StatusLate    Status = "LATE"
	StatusAbsent  Status = "ABSENT"
	StatusExcused Status = "EXCUSED"
)

// ParseStatus accepts the four record statuses, case-insensitively.
func ParseStatus(v string) (Status, error) {
	switch s := Status(strings.ToUpper(strings.TrimSpace(v))); s {
	case StatusPresent, StatusLate, StatusAbsent, StatusExcused:
		return s, nil
	}
	return "", apperr.New(apperr.KindValidation, fmt.Sprintf("unknown attendance status %q", v))
}

// Outcome is the pipeline decision for one check-in attempt.
type Outcome string

const (
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeFlagged  Outcome = "FLAGGED"
	OutcomeRejected Outcome = "REJECTED"
)

// Rejection reasons.
const (
	ReasonLocationOutOfRange = "location_out_of_range"
	ReasonPhotoBelowMinimum  = "photo_score_below_minimum"
	ReasonRiskCritical       = "risk_critical"
)

// Evidence is what the pipeline observed for a committed record.
type Evidence struct {
	Latitude        *float64       `json:"latitude,omitempty"`
	Longitude       *float64       `json:"longitude,omitempty"`
	AccuracyMeters  *float64       `json:"accuracyMeters,omitempty"`
	DistanceMeters  *float64       `json:"distanceMeters,omitempty"`
	FingerprintHash string         `json:"fingerprintHash,omitempty"`
	DeviceID        string         `json:"deviceId,omitempty"`
	SharedDevice    bool           `json:"sharedDevice,omitempty"`
	PhotoScore      *float64       `json:"photoScore,omitempty"`
	RiskScore       float64        `json:"riskScore"`
	RiskLevel       fraud.Level    `json:"riskLevel"`
	Factors         []fraud.Factor `json:"factors"`
}

// AuditNote is one manual change to a record.
type AuditNote struct {
	At    time.Time `json:"at"`
	Actor string    `json:"actor"`
	From  Status    `json:"from,omitempty"`
	To    Status    `json:"to"`
	Note  string    `json:"note"`
}

// Record is the single attendance outcome of a student in a session.
type Record struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"sessionId"`
	StudentID  string      `json:"studentId"`
	Status     Status      `json:"status"`
	Outcome    Outcome     `json:"outcome"`
	RecordedAt time.Time   `json:"recordedAt"`
	Evidence   Evidence    `json:"evidence"`
	AlertID    *string     `json:"alertId,omitempty"`
	Notes      []AuditNote `json:"notes,omitempty"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// Filter narrows record listings.
type Filter struct {
	Status  Status
	Outcome Outcome
	Limit   int
	Offset  int
}

func (f Filter) matches(r *Record) bool {
	return (f.Status == "" || r.Status == f.Status) && (f.Outcome == "" || r.Outcome == f.Outcome)
}
