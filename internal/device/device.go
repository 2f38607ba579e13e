// Package device binds check-ins to registered student devices.
package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"attendguard/internal/apperr"
)

// DefaultMaxActive is the per-student cap on active devices.
const DefaultMaxActive = 3

var (
	errLimitReached = errors.New("device: active device limit reached")
	errHashTaken    = errors.New("device: fingerprint already registered")
	errClaimed      = errors.New("device: claimed by another student during registration")
)

// Component is one signal that went into a fingerprint. Stable components (GPU,
// platform) should not change between visits; volatile ones (timezone, fonts) may.
type Component struct {
	Name   string `json:"name"`
	Hash   string `json:"hash"`
	Stable bool   `json:"stable"`
}

// Fingerprint is what the client reports about its device.
type Fingerprint struct {
	Hash       string      `json:"hash"`
	Components []Component `json:"components,omitempty"`
}

// Normalize trims and lowercases hashes and derives the fingerprint hash from the
// sorted components when the client sent none.
func (f Fingerprint) Normalize() (Fingerprint, error) {
	out := Fingerprint{Hash: strings.ToLower(strings.TrimSpace(f.Hash))}
	for _, c := range f.Components {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" {
			continue
		}
		out.Components = append(out.Components, Component{
			Name:   name,
			Hash:   strings.ToLower(strings.TrimSpace(c.Hash)),
			Stable: c.Stable,
		})
	}
	sort.Slice(out.Components, func(i, j int) bool { return out.Components[i].Name < out.Components[j].Name })

	if out.Hash == "" && len(out.Components) > 0 {
		h := sha256.New()
		for _, c := range out.Components {
			fmt.Fprintf(h, "%s=%s;", c.Name, c.Hash)
		}
		out.Hash = hex.EncodeToString(h.Sum(nil))
	}
	if out.Hash == "" {
		return Fingerprint{}, apperr.New(apperr.KindMissingEvidence, "device fingerprint required")
	}
	return out, nil
}

// VolatileRatio is the share of components not marked stable.
func (f Fingerprint) VolatileRatio() float64 {
	if len(f.Components) == 0 {
		return 0
	}
	n := 0
	for _, c := range f.Components {
		if !c.Stable {
			n++
		}
	}
	return float64(n) / float64(len(f.Components))
}

// Device is a registered device.
type Device struct {
	ID         string      `json:"id"`
	StudentID  string      `json:"studentId"`
	Hash       string      `json:"fingerprintHash"`
	Components []Component `json:"components,omitempty"`
	FirstSeen  time.Time   `json:"firstSeen"`
	LastSeen   time.Time   `json:"lastSeen"`
	Active     bool        `json:"active"`
}

// Verdict is the outcome of inspecting a fingerprint for a student.
type Verdict struct {
	DeviceID              string
	Hash                  string
	IsNewDevice           bool
	SharedDeviceSuspected bool
	OwnerStudentID        string
	VolatileRatio         float64

	studentID  string
	components []Component
}

// Repository persists devices.
type Repository interface {
	// FindActiveByHash returns the active device with this hash, or nil.
	FindActiveByHash(ctx context.Context, hash string) (*Device, error)
	// Register inserts d if the student holds fewer than maxActive active devices and
	// no active device already has d.Hash. The check and insert are atomic.
	Register(ctx context.Context, d *Device, maxActive int) error
	Touch(ctx context.Context, id string, at time.Time) error
	ListByStudent(ctx context.Context, studentID string) ([]Device, error)
	// Deactivate reports whether an active device of the student was deactivated.
	Deactivate(ctx context.Context, studentID, deviceID string) (bool, error)
}

// Validator enforces device binding.
type Validator struct {
	repo      Repository
	maxActive int
	nowF      func() time.Time
}

// NewValidator creates a validator. maxActive <= 0 uses DefaultMaxActive.
func NewValidator(repo Repository, maxActive int) *Validator {
	if maxActive <= 0 {
		maxActive = DefaultMaxActive
	}
	return &Validator{repo: repo, maxActive: maxActive, nowF: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the time source.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.nowF = now
	return v
}

// Inspect checks fp for studentID without writing anything. A new fingerprint
// fails with device_limit_exceeded when the student is already at the cap. A device
// owned by another student is reported as suspected sharing, never as an error.
func (v *Validator) Inspect(ctx context.Context, studentID string, fp Fingerprint) (*Verdict, error) {
	norm, err := fp.Normalize()
	if err != nil {
		return nil, err
	}
	verdict := &Verdict{
		Hash:          norm.Hash,
		VolatileRatio: norm.VolatileRatio(),
		studentID:     studentID,
		components:    norm.Components,
	}
	if err := v.lookup(ctx, verdict); err != nil {
		return nil, err
	}
	if !verdict.IsNewDevice {
		return verdict, nil
	}

	devices, err := v.repo.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("device: list: %w", err)
	}
	active := 0
	for _, d := range devices {
		if d.Active {
			active++
		}
	}
	if active >= v.maxActive {
		return nil, v.limitErr()
	}
	return verdict, nil
}

func (v *Validator) lookup(ctx context.Context, verdict *Verdict) error {
	existing, err := v.repo.FindActiveByHash(ctx, verdict.Hash)
	if err != nil {
		return fmt.Errorf("device: lookup: %w", err)
	}
	if existing == nil {
		verdict.IsNewDevice = true
		return nil
	}
	verdict.IsNewDevice = false
	verdict.DeviceID = existing.ID
	if existing.StudentID != verdict.studentID {
		verdict.SharedDeviceSuspected = true
		verdict.OwnerStudentID = existing.StudentID
	}
	return nil
}

// Bind applies an inspected verdict: it registers a new device or refreshes the
// last-seen time of a known one. Shared devices are left alone. Call it only once
// the check-in is going to be recorded.
func (v *Validator) Bind(ctx context.Context, verdict *Verdict) error {
	if verdict.SharedDeviceSuspected {
		return nil
	}
	if !verdict.IsNewDevice {
		if err := v.repo.Touch(ctx, verdict.DeviceID, v.nowF()); err != nil {
			return fmt.Errorf("device: touch: %w", err)
		}
		return nil
	}

	now := v.nowF()
	d := &Device{
		ID:         uuid.NewString(),
		StudentID:  verdict.studentID,
		Hash:       verdict.Hash,
		Components: verdict.components,
		FirstSeen:  now,
		LastSeen:   now,
		Active:     true,
	}
	switch err := v.repo.Register(ctx, d, v.maxActive); {
	case err == nil:
		verdict.DeviceID = d.ID
		return nil
	case errors.Is(err, errLimitReached):
		return v.limitErr()
	case errors.Is(err, errHashTaken):
		// lost a registration race; settle on whoever won
		if err := v.lookup(ctx, verdict); err != nil {
			return err
		}
		if verdict.IsNewDevice {
			return fmt.Errorf("device: registration did not settle for %s", verdict.Hash)
		}
		if verdict.SharedDeviceSuspected {
			return apperr.Wrap(apperr.KindInvalidState, errClaimed, "device was registered by another student, retry the check-in")
		}
		return nil
	default:
		return fmt.Errorf("device: register: %w", err)
	}
}

// Validate inspects fp and binds it in one step. Losing a registration race to
// another student yields a shared-device verdict.
func (v *Validator) Validate(ctx context.Context, studentID string, fp Fingerprint) (*Verdict, error) {
	verdict, err := v.Inspect(ctx, studentID, fp)
	if err != nil {
		return nil, err
	}
	if err := v.Bind(ctx, verdict); err != nil && !errors.Is(err, errClaimed) {
		return nil, err
	}
	return verdict, nil
}

func (v *Validator) limitErr() error {
	return apperr.New(apperr.KindDeviceLimitExceeded, fmt.Sprintf("maximum of %d active devices reached", v.maxActive))
}

// List returns a student's devices.
func (v *Validator) List(ctx context.Context, studentID string) ([]Device, error) {
	return v.repo.ListByStudent(ctx, studentID)
}

// Deactivate frees a device slot.
func (v *Validator) Deactivate(ctx context.Context, studentID, deviceID string) error {
	ok, err := v.repo.Deactivate(ctx, studentID, deviceID)
	if err != nil {
		return fmt.Errorf("device: deactivate: %w", err)
	}
	if !ok {
		return apperr.New(apperr.KindNotFound, "device not found")
	}
	return nil
}
