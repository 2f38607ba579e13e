package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"attendguard/internal/geo"
)

// Change is a compare-and-swap status update. It applies only while the stored
// status equals From.
type Change struct {
	From, To Status
	// SetToken replaces the active token id with TokenID (nil clears it).
	SetToken   bool
	TokenID    *string
	StopReason string
	At         time.Time
}

// Repository persists sessions.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	// Get returns the session or nil when it does not exist.
	Get(ctx context.Context, id string) (*Session, error)
	// Apply performs c and reports whether the stored status matched c.From.
	Apply(ctx context.Context, id string, c Change) (bool, error)
}

// PostgresRepository stores sessions in the sessions table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, s *Session) error {
	var lat, lng, radius sql.NullFloat64
	var fenceName sql.NullString
	if f := s.Requirements.Geofence; f != nil {
		lat = sql.NullFloat64{Float64: f.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: f.Longitude, Valid: true}
		radius = sql.NullFloat64{Float64: f.RadiusMeters, Valid: true}
		fenceName = sql.NullString{String: f.Name, Valid: f.Name != ""}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, course_id, professor_id, title, description, scheduled_start, scheduled_end, status,
			geofence_lat, geofence_lng, geofence_radius_m, geofence_name,
			device_check_required, photo_required, min_photo_score, risk_threshold,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, s.ID, s.CourseID, s.ProfessorID, s.Title, s.Description, s.ScheduledStart, s.ScheduledEnd, s.Status.String(),
		lat, lng, radius, fenceName,
		s.Requirements.DeviceCheckRequired, s.Requirements.PhotoRequired, s.Requirements.MinPhotoScore, s.Requirements.RiskThreshold,
		s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, course_id, professor_id, title, description, scheduled_start, scheduled_end, status,
			geofence_lat, geofence_lng, geofence_radius_m, geofence_name,
			device_check_required, photo_required, min_photo_score, risk_threshold,
			active_token_id, stop_reason, started_at, ended_at, created_at, updated_at
		FROM sessions WHERE id = $1
	`, id)

	var (
		s                  Session
		status             string
		lat, lng, radius   sql.NullFloat64
		fenceName, tokenID sql.NullString
		stopReason         sql.NullString
		startedAt, endedAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.CourseID, &s.ProfessorID, &s.Title, &s.Description, &s.ScheduledStart, &s.ScheduledEnd, &status,
		&lat, &lng, &radius, &fenceName,
		&s.Requirements.DeviceCheckRequired, &s.Requirements.PhotoRequired, &s.Requirements.MinPhotoScore, &s.Requirements.RiskThreshold,
		&tokenID, &stopReason, &startedAt, &endedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if s.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid && radius.Valid {
		s.Requirements.Geofence = &geo.Fence{Latitude: lat.Float64, Longitude: lng.Float64, RadiusMeters: radius.Float64, Name: fenceName.String}
	}
	if tokenID.Valid {
		s.ActiveTokenID = &tokenID.String
	}
	s.StopReason = stopReason.String
	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	return &s, nil
}

func (r *PostgresRepository) Apply(ctx context.Context, id string, c Change) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = $3::text,
			active_token_id = CASE WHEN $4::boolean THEN $5::uuid ELSE active_token_id END,
			stop_reason = COALESCE(NULLIF($6::text, ''), stop_reason),
			started_at = CASE WHEN $3 = 'ACTIVE' THEN COALESCE(started_at, $7) ELSE started_at END,
			ended_at = CASE WHEN $3 IN ('ENDED', 'CANCELLED', 'EMERGENCY_STOPPED') THEN $7 ELSE ended_at END,
			updated_at = $7::timestamptz
		WHERE id = $1 AND status = $2
	`, id, c.From.String(), c.To.String(), c.SetToken, c.TokenID, c.StopReason, c.At)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
