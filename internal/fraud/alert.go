package fraud

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"attendguard/internal/apperr"
)

// AlertStatus is the review state of a FraudAlert.
type AlertStatus int

const (
	AlertOpen AlertStatus = iota
	AlertInvestigating
	AlertResolved
	AlertEscalated
)

var alertStatusNames = [...]string{"OPEN", "INVESTIGATING", "RESOLVED", "ESCALATED"}

func (s AlertStatus) String() string {
	if s < AlertOpen || s > AlertEscalated {
		return fmt.Sprintf("AlertStatus(%d)", int(s))
	}
	return alertStatusNames[s]
}

// ParseAlertStatus parses the upper-case status name.
func ParseAlertStatus(v string) (AlertStatus, error) {
	for i, n := range alertStatusNames {
		if n == v {
			return AlertStatus(i), nil
		}
	}
	return 0, apperr.New(apperr.KindValidation, fmt.Sprintf("unknown alert status %q", v))
}

func (s AlertStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *AlertStatus) UnmarshalText(b []byte) error {
	v, err := ParseAlertStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Terminal reports whether no further transition is allowed.
func (s AlertStatus) Terminal() bool { return s == AlertResolved || s == AlertEscalated }

// rank orders statuses; RESOLVED and ESCALATED are alternative end points.
func (s AlertStatus) rank() int {
	if s.Terminal() {
		return 2
	}
	return int(s)
}

// AlertType classifies why an alert was raised.
type AlertType string

const (
	AlertSuspiciousCheckIn AlertType = "suspicious_checkin"
	AlertRejectedCheckIn   AlertType = "rejected_checkin"
)

// Alert is a flagged-for-review security event. RecordID is a weak reference: it is
// nil for rejected attempts, which never produce an attendance record.
type Alert struct {
	ID             string      `json:"id"`
	SessionID      string      `json:"sessionId"`
	StudentID      string      `json:"studentId"`
	RecordID       *string     `json:"recordId,omitempty"`
	Type           AlertType   `json:"type"`
	Severity       Level       `json:"severity"`
	Description    string      `json:"description"`
	RiskScore      float64     `json:"riskScore"`
	Factors        []Factor    `json:"factors"`
	Status         AlertStatus `json:"status"`
	ResolutionNote string      `json:"resolutionNote,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// NewAlert opens an alert for the given assessment.
func NewAlert(sessionID, studentID string, typ AlertType, a Assessment, now time.Time) *Alert {
	names := make([]string, 0, len(a.Factors))
	for _, f := range a.Factors {
		names = append(names, f.Name)
	}
	desc := fmt.Sprintf("%s check-in scored %.2f", strings.ToLower(a.Level.String()), a.Score)
	if len(names) > 0 {
		desc += " (" + strings.Join(names, ", ") + ")"
	}
	factors := make([]Factor, len(a.Factors))
	copy(factors, a.Factors)
	return &Alert{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		StudentID:   studentID,
		Type:        typ,
		Severity:    a.Level,
		Description: desc,
		RiskScore:   a.Score,
		Factors:     factors,
		Status:      AlertOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Transition moves the alert forward. Terminal states require a resolution note.
func (a *Alert) Transition(to AlertStatus, note string, now time.Time) error {
	if a.Status.Terminal() {
		return apperr.New(apperr.KindInvalidState, fmt.Sprintf("alert is already %s", a.Status))
	}
	if to.rank() <= a.Status.rank() {
		return apperr.New(apperr.KindInvalidState, fmt.Sprintf("alert cannot move from %s to %s", a.Status, to))
	}
	note = strings.TrimSpace(note)
	if to.Terminal() && note == "" {
		return apperr.New(apperr.KindValidation, "a resolution note is required")
	}
	a.Status = to
	if note != "" {
		a.ResolutionNote = note
	}
	a.UpdatedAt = now
	return nil
}
