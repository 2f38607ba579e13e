// Package attempts counts check-in attempts per identity inside an expiring window.
package attempts

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter records one attempt for key and returns how many attempts the key has
// made in the current window, this one included.
type Counter interface {
	Hit(ctx context.Context, key string) (int64, error)
}

// Key builds the identity key for a student's attempts on a session.
func Key(sessionID, studentID string) string {
	return "attempts:" + sessionID + ":" + studentID
}

// MemoryCounter is a fixed-window counter held in process memory. The window starts
// at a key's first hit; expired keys are dropped on access and by Sweep.
type MemoryCounter struct {
	window time.Duration
	nowF   func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	count   int64
	expires time.Time
}

// NewMemoryCounter creates a counter with the given window.
func NewMemoryCounter(window time.Duration) *MemoryCounter {
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryCounter{window: window, nowF: time.Now, entries: make(map[string]*entry)}
}

// WithClock replaces the time source.
func (c *MemoryCounter) WithClock(now func() time.Time) *MemoryCounter {
	c.nowF = now
	return c
}

func (c *MemoryCounter) Hit(ctx context.Context, key string) (int64, error) {
	now := c.nowF()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expires) {
		e = &entry{expires: now.Add(c.window)}
		c.entries[key] = e
	}
	e.count++
	return e.count, nil
}

// Sweep drops expired keys and returns how many were removed.
func (c *MemoryCounter) Sweep() int {
	now := c.nowF()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (c *MemoryCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *MemoryCounter) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sweep()
		}
	}
}

// hitScript increments the key and sets its expiry only on the first hit, so the
// window is fixed from the first attempt.
var hitScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisCounter shares attempt counts across processes.
type RedisCounter struct {
	client *redis.Client
	window time.Duration
}

// NewRedisCounter creates a counter on client.
func NewRedisCounter(client *redis.Client, window time.Duration) *RedisCounter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisCounter{client: client, window: window}
}

func (c *RedisCounter) Hit(ctx context.Context, key string) (int64, error) {
	return hitScript.Run(ctx, c.client, []string{key}, c.window.Milliseconds()).Int64()
}
