// Package token issues and validates time-boxed, single-session attendance tokens.
//
// Token values are opaque random strings; only their SHA-256 hash is stored, and all
// authorization context (session, expiry, revocation) lives in the server-side row.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"attendguard/internal/apperr"
)

// valueBytes is the random payload size of a token value (256 bits).
const valueBytes = 32

// Token is the stored form of an attendance token.
type Token struct {
	ID        string
	SessionID string
	Hash      string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// Issued is a freshly minted token together with its plaintext value. The value is
// only ever available here.
type Issued struct {
	Token
	Value string
}

// Store persists tokens.
type Store interface {
	// Replace revokes every active token of t.SessionID and inserts t in one atomic step.
	Replace(ctx context.Context, t *Token) error
	// GetByHash returns the token with the given hash, or nil if none.
	GetByHash(ctx context.Context, hash string) (*Token, error)
	// ActiveForSession returns the non-revoked token of a session, or nil.
	ActiveForSession(ctx context.Context, sessionID string) (*Token, error)
	// RevokeSession revokes every active token of a session.
	RevokeSession(ctx context.Context, sessionID string) error
}

// Service mints and checks tokens.
type Service struct {
	store      Store
	defaultTTL time.Duration
	nowF       func() time.Time
}

// NewService returns a token service. defaultTTL applies when Issue gets ttl <= 0.
func NewService(store Store, defaultTTL time.Duration) *Service {
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}
	return &Service{store: store, defaultTTL: defaultTTL, nowF: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the time source; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.nowF = now
	return s
}

// DefaultTTL returns the TTL used when none is given.
func (s *Service) DefaultTTL() time.Duration { return s.defaultTTL }

// Issue mints a token for sessionID valid for ttl, revoking the session's previous token.
// Callers serialize Issue per session; the store's uniqueness constraint backs that up.
func (s *Service) Issue(ctx context.Context, sessionID string, ttl time.Duration) (*Issued, error) {
	if sessionID == "" {
		return nil, apperr.New(apperr.KindValidation, "session id required")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	value, err := generateValue()
	if err != nil {
		return nil, fmt.Errorf("token: generate value: %w", err)
	}
	now := s.nowF()
	t := Token{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Hash:      HashValue(value),
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.store.Replace(ctx, &t); err != nil {
		return nil, fmt.Errorf("token: store: %w", err)
	}
	return &Issued{Token: t, Value: value}, nil
}

// Validate checks value against claimedSessionID. Unknown values are reported as a
// mismatch so probing reveals nothing about which tokens exist.
func (s *Service) Validate(ctx context.Context, value, claimedSessionID string) (*Token, error) {
	if value == "" {
		return nil, apperr.New(apperr.KindTokenMismatch, "attendance token required")
	}
	t, err := s.store.GetByHash(ctx, HashValue(value))
	if err != nil {
		return nil, fmt.Errorf("token: lookup: %w", err)
	}
	if t == nil || t.SessionID != claimedSessionID {
		return nil, apperr.New(apperr.KindTokenMismatch, "attendance token is not valid for this session")
	}
	if t.Revoked {
		return nil, apperr.New(apperr.KindTokenRevoked, "attendance token has been revoked")
	}
	if s.nowF().After(t.ExpiresAt) {
		return nil, apperr.New(apperr.KindTokenExpired, "attendance token has expired")
	}
	return t, nil
}

// Revoke revokes the active token of a session, if any.
func (s *Service) Revoke(ctx context.Context, sessionID string) error {
	if err := s.store.RevokeSession(ctx, sessionID); err != nil {
		return fmt.Errorf("token: revoke: %w", err)
	}
	return nil
}

// HashValue returns the hex SHA-256 of a token value.
func HashValue(value string) string {
	h := sha256.Sum256([]byte(value))
	return hex.EncodeToString(h[:])
}

func generateValue() (string, error) {
	b := make([]byte, valueBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
