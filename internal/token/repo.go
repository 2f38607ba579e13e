package token

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists tokens in Postgres. The partial unique index
// attendance_tokens_one_active guarantees at most one non-revoked row per session.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Replace(ctx context.Context, t *Token) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE attendance_tokens SET revoked = TRUE, revoked_at = NOW()
		WHERE session_id = $1 AND NOT revoked
	`, t.SessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_tokens (id, session_id, token_hash, issued_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, FALSE)
	`, t.ID, t.SessionID, t.Hash, t.IssuedAt, t.ExpiresAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) GetByHash(ctx context.Context, hash string) (*Token, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT id, session_id, token_hash, issued_at, expires_at, revoked
		FROM attendance_tokens WHERE token_hash = $1
	`, hash))
}

func (s *PostgresStore) ActiveForSession(ctx context.Context, sessionID string) (*Token, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT id, session_id, token_hash, issued_at, expires_at, revoked
		FROM attendance_tokens WHERE session_id = $1 AND NOT revoked
	`, sessionID))
}

func (s *PostgresStore) RevokeSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE attendance_tokens SET revoked = TRUE, revoked_at = NOW()
		WHERE session_id = $1 AND NOT revoked
	`, sessionID)
	return err
}

func (s *PostgresStore) scanOne(row *sql.Row) (*Token, error) {
	var t Token
	if err := row.Scan(&t.ID, &t.SessionID, &t.Hash, &t.IssuedAt, &t.ExpiresAt, &t.Revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}
