// Package queue carries domain events from the API to the worker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Priority selects the lane a message travels in. High-priority messages are
// always delivered before normal ones that are waiting.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Message is one unit of work.
type Message struct {
	Type        string          `json:"type"`
	Priority    Priority        `json:"priority"`
	Body        json.RawMessage `json:"body"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// ErrFull is returned by InMemory.Publish when the buffer is full.
var ErrFull = errors.New("queue: full")

// InMemory is a channel-backed queue for dev and tests.
type InMemory struct {
	high   chan Message
	normal chan Message
}

// NewInMemory creates a bounded in-memory queue; each lane holds size messages.
func NewInMemory(size int) *InMemory {
	return &InMemory{high: make(chan Message, size), normal: make(chan Message, size)}
}

// Publish enqueues a message without blocking.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	lane := q.normal
	if msg.Priority == PriorityHigh {
		lane = q.high
	}
	select {
	case lane <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrFull
	}
}

// Consume returns a channel for workers.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			var msg Message
			select {
			case msg = <-q.high:
			default:
				select {
				case msg = <-q.high:
				case msg = <-q.normal:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue is a Redis list-backed queue with one list per priority lane.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue using LPUSH/BRPOP semantics.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "attendguard:events"
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) laneKey(p Priority) string {
	if p == PriorityHigh {
		return q.key + ":high"
	}
	return q.key + ":normal"
}

// Publish enqueues a message.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.laneKey(msg.Priority), b).Err()
}

// Consume streams messages using BRPOP, which checks the high lane first.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		keys := []string{q.laneKey(PriorityHigh), q.laneKey(PriorityNormal)}
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, keys...).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					log.Printf("queue: brpop: %v", err)
					time.Sleep(time.Second)
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			var msg Message
			if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
				log.Printf("queue: dropping malformed message: %v", err)
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
