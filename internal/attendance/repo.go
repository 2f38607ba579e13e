package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"attendguard/internal/fraud"
)

var errDuplicate = errors.New("attendance: record already exists")

// Repository persists records and fraud alerts.
type Repository interface {
	Exists(ctx context.Context, sessionID, studentID string) (bool, error)
	// Get returns the record for the pair, or nil.
	Get(ctx context.Context, sessionID, studentID string) (*Record, error)
	// Commit inserts rec and, when non-nil, alert atomically. A record for the same
	// (session, student) makes it fail with errDuplicate and write nothing.
	Commit(ctx context.Context, rec *Record, alert *fraud.Alert) error
	// Amend replaces a record's status and appends an audit note.
	Amend(ctx context.Context, recordID string, note AuditNote) (*Record, error)
	// FillAbsent inserts ABSENT records for students that have none and returns how many were added.
	FillAbsent(ctx context.Context, sessionID string, studentIDs []string, at time.Time) (int, error)
	List(ctx context.Context, sessionID string, f Filter) ([]Record, error)

	SaveAlert(ctx context.Context, a *fraud.Alert) error
	GetAlert(ctx context.Context, id string) (*fraud.Alert, error)
	ListAlerts(ctx context.Context, sessionID string) ([]fraud.Alert, error)
	// UpdateAlert stores a's review state if the stored status still equals from.
	UpdateAlert(ctx context.Context, a *fraud.Alert, from fraud.AlertStatus) (bool, error)
}

// PostgresRepository persists attendance data in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const recordColumns = `id, session_id, student_id, status, outcome, recorded_at, evidence, alert_id, notes, updated_at`

func (r *PostgresRepository) Exists(ctx context.Context, sessionID, studentID string) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM attendance_records WHERE session_id = $1 AND student_id = $2)
	`, sessionID, studentID).Scan(&ok)
	return ok, err
}

func (r *PostgresRepository) Get(ctx context.Context, sessionID, studentID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+`
		FROM attendance_records WHERE session_id = $1 AND student_id = $2`, sessionID, studentID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (r *PostgresRepository) Commit(ctx context.Context, rec *Record, alert *fraud.Alert) error {
	evidence, err := json.Marshal(rec.Evidence)
	if err != nil {
		return err
	}
	notes, err := json.Marshal(nonNilNotes(rec.Notes))
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if alert != nil {
		if err := insertAlert(ctx, tx, alert); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, status, outcome, recorded_at, evidence, alert_id, notes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $6)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, rec.ID, rec.SessionID, rec.StudentID, string(rec.Status), string(rec.Outcome), rec.RecordedAt, evidence, rec.AlertID, notes)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errDuplicate
	}
	return tx.Commit()
}

func (r *PostgresRepository) Amend(ctx context.Context, recordID string, note AuditNote) (*Record, error) {
	b, err := json.Marshal([]AuditNote{note})
	if err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx, `
		UPDATE attendance_records
		SET status = $2, notes = notes || $3::jsonb, updated_at = $4
		WHERE id = $1
		RETURNING `+recordColumns, recordID, string(note.To), b, note.At)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (r *PostgresRepository) FillAbsent(ctx context.Context, sessionID string, studentIDs []string, at time.Time) (int, error) {
	evidence, _ := json.Marshal(Evidence{Factors: []fraud.Factor{}})
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	added := 0
	for _, studentID := range studentIDs {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO attendance_records (id, session_id, student_id, status, outcome, recorded_at, evidence, notes, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, '[]'::jsonb, $6)
			ON CONFLICT (session_id, student_id) DO NOTHING
		`, uuid.NewString(), sessionID, studentID, string(StatusAbsent), string(OutcomeAccepted), at, evidence)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		added += int(n)
	}
	return added, tx.Commit()
}

// List returns records of a session with optional filters.
func (r *PostgresRepository) List(ctx context.Context, sessionID string, f Filter) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM attendance_records`
	args := []any{sessionID}
	clauses := []string{"session_id = $1"}
	if f.Status != "" {
		args = append(args, string(f.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Outcome != "" {
		args = append(args, string(f.Outcome))
		clauses = append(clauses, fmt.Sprintf("outcome = $%d", len(args)))
	}
	query += " WHERE " + strings.Join(clauses, " AND ") + " ORDER BY recorded_at, student_id"
	if f.Limit > 0 {
		args = append(args, f.Limit, max(f.Offset, 0))
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *rec)
	}
	return res, rows.Err()
}

func (r *PostgresRepository) SaveAlert(ctx context.Context, a *fraud.Alert) error {
	return insertAlert(ctx, r.db, a)
}

const alertColumns = `id, session_id, student_id, record_id, type, severity, description, risk_score, factors, status, resolution_note, created_at, updated_at`

func (r *PostgresRepository) GetAlert(ctx context.Context, id string) (*fraud.Alert, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM fraud_alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (r *PostgresRepository) ListAlerts(ctx context.Context, sessionID string) ([]fraud.Alert, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+alertColumns+`
		FROM fraud_alerts WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []fraud.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *a)
	}
	return res, rows.Err()
}

func (r *PostgresRepository) UpdateAlert(ctx context.Context, a *fraud.Alert, from fraud.AlertStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE fraud_alerts SET status = $2, resolution_note = $3, updated_at = $4
		WHERE id = $1 AND status = $5
	`, a.ID, a.Status.String(), a.ResolutionNote, a.UpdatedAt, from.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAlert(ctx context.Context, db execer, a *fraud.Alert) error {
	factors, err := json.Marshal(a.Factors)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO fraud_alerts (id, session_id, student_id, record_id, type, severity, description, risk_score, factors, status, resolution_note, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, a.ID, a.SessionID, a.StudentID, a.RecordID, string(a.Type), a.Severity.String(), a.Description, a.RiskScore,
		factors, a.Status.String(), a.ResolutionNote, a.CreatedAt, a.UpdatedAt)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		rec             Record
		status, outcome string
		evidence, notes []byte
		alertID         sql.NullString
	)
	if err := s.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &status, &outcome, &rec.RecordedAt, &evidence, &alertID, &notes, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.Outcome = Outcome(outcome)
	if alertID.Valid {
		rec.AlertID = &alertID.String
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &rec.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence: %w", err)
		}
	}
	if len(notes) > 0 {
		if err := json.Unmarshal(notes, &rec.Notes); err != nil {
			return nil, fmt.Errorf("decode notes: %w", err)
		}
	}
	return &rec, nil
}

func scanAlert(s scanner) (*fraud.Alert, error) {
	var (
		a                     fraud.Alert
		recordID              sql.NullString
		typ, severity, status string
		factors               []byte
	)
	if err := s.Scan(&a.ID, &a.SessionID, &a.StudentID, &recordID, &typ, &severity, &a.Description, &a.RiskScore,
		&factors, &status, &a.ResolutionNote, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if a.Severity, err = fraud.ParseLevel(severity); err != nil {
		return nil, err
	}
	if a.Status, err = fraud.ParseAlertStatus(status); err != nil {
		return nil, err
	}
	a.Type = fraud.AlertType(typ)
	if recordID.Valid {
		a.RecordID = &recordID.String
	}
	if len(factors) > 0 {
		if err := json.Unmarshal(factors, &a.Factors); err != nil {
			return nil, fmt.Errorf("decode factors: %w", err)
		}
	}
	return &a, nil
}

func nonNilNotes(n []AuditNote) []AuditNote {
	if n == nil {
		return []AuditNote{}
	}
	return n
}
