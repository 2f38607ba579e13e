package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PostgresRepository stores devices in the registered_devices table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const deviceColumns = `id, student_id, fingerprint_hash, components, first_seen, last_seen, active`

func (r *PostgresRepository) FindActiveByHash(ctx context.Context, hash string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+`
		FROM registered_devices WHERE fingerprint_hash = $1 AND active`, hash)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// Register takes a per-student advisory lock so concurrent registrations for the same
// student observe each other's inserts before the cap check.
func (r *PostgresRepository) Register(ctx context.Context, d *Device, maxActive int) error {
	components, err := json.Marshal(d.Components)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, d.StudentID); err != nil {
		return err
	}
	var active int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM registered_devices WHERE student_id = $1 AND active
	`, d.StudentID).Scan(&active); err != nil {
		return err
	}
	if active >= maxActive {
		return errLimitReached
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO registered_devices (id, student_id, fingerprint_hash, components, first_seen, last_seen, active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		ON CONFLICT (fingerprint_hash) WHERE active DO NOTHING
	`, d.ID, d.StudentID, d.Hash, components, d.FirstSeen, d.LastSeen)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errHashTaken
	}
	return tx.Commit()
}

func (r *PostgresRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE registered_devices SET last_seen = $2 WHERE id = $1`, id, at)
	return err
}

func (r *PostgresRepository) ListByStudent(ctx context.Context, studentID string) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+deviceColumns+`
		FROM registered_devices WHERE student_id = $1 ORDER BY first_seen`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Deactivate(ctx context.Context, studentID, deviceID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE registered_devices SET active = FALSE
		WHERE id = $1 AND student_id = $2 AND active
	`, deviceID, studentID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner) (*Device, error) {
	var (
		d   Device
		raw []byte
	)
	if err := s.Scan(&d.ID, &d.StudentID, &d.Hash, &raw, &d.FirstSeen, &d.LastSeen, &d.Active); err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &d.Components); err != nil {
			return nil, err
		}
	}
	return &d, nil
}
