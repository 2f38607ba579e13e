// Package geo checks reported coordinates against a session geofence.
package geo

import (
	"math"

	"attendguard/internal/apperr"
)

// EarthRadiusMeters is the mean Earth radius used by Distance.
const EarthRadiusMeters = 6371000.0

// Fence is a circular area a check-in must fall within.
type Fence struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radiusMeters"`
	Name         string  `json:"name,omitempty"`
}

// Validate reports whether the fence is usable.
func (f Fence) Validate() error {
	if err := validateCoordinates(f.Latitude, f.Longitude); err != nil {
		return err
	}
	if !(f.RadiusMeters > 0) || math.IsInf(f.RadiusMeters, 0) {
		return apperr.New(apperr.KindValidation, "geofence radius must be greater than zero")
	}
	return nil
}

// Reading is a client-reported position.
type Reading struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AccuracyMeters float64 `json:"accuracyMeters"`
}

// Validate rejects impossible coordinates and negative accuracy.
func (r Reading) Validate() error {
	if err := validateCoordinates(r.Latitude, r.Longitude); err != nil {
		return err
	}
	if r.AccuracyMeters < 0 || math.IsNaN(r.AccuracyMeters) {
		return apperr.New(apperr.KindValidation, "accuracy must be a non-negative number")
	}
	return nil
}

// Result is the outcome of a geofence check. DistanceMeters is nil when no fence applies.
type Result struct {
	WithinRadius   bool     `json:"withinRadius"`
	DistanceMeters *float64 `json:"distanceMeters"`
	// LowConfidence is set when the reported accuracy is coarser than the fence radius.
	LowConfidence bool    `json:"lowConfidence"`
	RadiusMeters  float64 `json:"radiusMeters,omitempty"`
}

// Verify compares r with fence. A nil fence always passes.
func Verify(r Reading, fence *Fence) Result {
	if fence == nil {
		return Result{WithinRadius: true}
	}
	d := Distance(r.Latitude, r.Longitude, fence.Latitude, fence.Longitude)
	return Result{
		WithinRadius:   d <= fence.RadiusMeters,
		DistanceMeters: &d,
		LowConfidence:  r.AccuracyMeters > fence.RadiusMeters,
		RadiusMeters:   fence.RadiusMeters,
	}
}

// Distance returns the great-circle distance in meters between two points given in degrees.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lng2 - lng1)

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	h := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	// rounding can push h marginally above 1 for antipodal points
	h = math.Min(1, h)
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }

func validateCoordinates(lat, lng float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return apperr.New(apperr.KindValidation, "latitude must be between -90 and 90")
	}
	if math.IsNaN(lng) || lng < -180 || lng > 180 {
		return apperr.New(apperr.KindValidation, "longitude must be between -180 and 180")
	}
	return nil
}
