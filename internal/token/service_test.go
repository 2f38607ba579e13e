package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendguard/internal/apperr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService() (*Service, *MemoryStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	return NewService(store, time.Minute).WithClock(clock.Now), store, clock
}

func countActive(s *MemoryStore, sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.byHash {
		if t.SessionID == sessionID && !t.Revoked {
			n++
		}
	}
	return n
}

func TestIssue_RevokesPreviousToken(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	first, err := svc.Issue(ctx, "s1", 0)
	require.NoError(t, err)
	second, err := svc.Issue(ctx, "s1", 0)
	require.NoError(t, err)

	assert.NotEqual(t, first.Value, second.Value)
	assert.Equal(t, 1, countActive(store, "s1"))

	_, err = svc.Validate(ctx, first.Value, "s1")
	assert.True(t, errors.Is(err, apperr.ErrTokenRevoked))

	tok, err := svc.Validate(ctx, second.Value, "s1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, tok.ID)
}

func TestIssue_StoresOnlyHash(t *testing.T) {
	svc, store, _ := newTestService()
	iss, err := svc.Issue(context.Background(), "s1", 0)
	require.NoError(t, err)

	assert.Len(t, iss.Value, 43)
	assert.Equal(t, HashValue(iss.Value), iss.Hash)
	_, raw := store.byHash[iss.Value]
	assert.False(t, raw)
}

func TestIssue_DefaultAndExplicitTTL(t *testing.T) {
	svc, _, clock := newTestService()
	ctx := context.Background()

	iss, err := svc.Issue(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Minute), iss.ExpiresAt)

	iss, err = svc.Issue(ctx, "s1", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(5*time.Minute), iss.ExpiresAt)
}

func TestIssue_RequiresSession(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Issue(context.Background(), "", 0)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestValidate_Expired(t *testing.T) {
	svc, _, clock := newTestService()
	ctx := context.Background()

	iss, err := svc.Issue(ctx, "s1", 60*time.Second)
	require.NoError(t, err)

	clock.Advance(60 * time.Second)
	_, err = svc.Validate(ctx, iss.Value, "s1")
	require.NoError(t, err, "token is still valid at exactly its expiry instant")

	clock.Advance(time.Second)
	_, err = svc.Validate(ctx, iss.Value, "s1")
	assert.True(t, errors.Is(err, apperr.ErrTokenExpired))
}

func TestValidate_Mismatch(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	iss, err := svc.Issue(ctx, "s1", 0)
	require.NoError(t, err)

	_, err = svc.Validate(ctx, iss.Value, "s2")
	assert.True(t, errors.Is(err, apperr.ErrTokenMismatch))

	_, err = svc.Validate(ctx, "not-a-real-token", "s1")
	assert.True(t, errors.Is(err, apperr.ErrTokenMismatch))

	_, err = svc.Validate(ctx, "", "s1")
	assert.True(t, errors.Is(err, apperr.ErrTokenMismatch))
}

func TestRevoke(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	iss, err := svc.Issue(ctx, "s1", 0)
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, "s1"))

	assert.Equal(t, 0, countActive(store, "s1"))
	_, err = svc.Validate(ctx, iss.Value, "s1")
	assert.True(t, errors.Is(err, apperr.ErrTokenRevoked))

	// revoking a session with no token is a no-op
	require.NoError(t, svc.Revoke(ctx, "unknown"))
}

func TestIssue_ConcurrentLeavesOneActive(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Issue(ctx, "s1", 0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, countActive(store, "s1"))
}

func TestQRCode(t *testing.T) {
	png, err := QRCode("abc123", 128)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])

	_, err = QRCode("", 128)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}
