// Package notify emits fire-and-forget domain events for the notification collaborator.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"attendguard/internal/queue"
)

// EventType names a domain event.
type EventType string

const (
	SessionStarted   EventType = "SessionStarted"
	SessionEnded     EventType = "SessionEnded"
	EmergencyStopped EventType = "EmergencyStopped"
	FraudAlertRaised EventType = "FraudAlertRaised"
	AttendanceMarked EventType = "AttendanceMarked"
)

// Priority returns the delivery lane of an event type.
func (t EventType) Priority() queue.Priority {
	if t == EmergencyStopped {
		return queue.PriorityHigh
	}
	return queue.PriorityNormal
}

// Event is one emitted event. Payload is marshaled as JSON.
type Event struct {
	Type       EventType
	SessionID  string
	OccurredAt time.Time
	Payload    map[string]any
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// publishTimeout bounds one async publish.
const publishTimeout = 5 * time.Second

// QueuePublisher publishes events onto a queue.
type QueuePublisher struct {
	q queue.Queue
}

// NewQueuePublisher wraps q.
func NewQueuePublisher(q queue.Queue) *QueuePublisher {
	return &QueuePublisher{q: q}
}

type envelope struct {
	SessionID  string         `json:"sessionId"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func (p *QueuePublisher) Publish(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(envelope{SessionID: ev.SessionID, OccurredAt: ev.OccurredAt, Payload: ev.Payload})
	if err != nil {
		return err
	}
	return p.q.Publish(ctx, queue.Message{
		Type:        string(ev.Type),
		Priority:    ev.Type.Priority(),
		Body:        body,
		PublishedAt: time.Now().UTC(),
	})
}

// Decode turns a queue message published by QueuePublisher back into an Event.
func Decode(msg queue.Message) (Event, error) {
	if msg.Type == "" {
		return Event{}, fmt.Errorf("notify: message without type")
	}
	var env envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		return Event{}, fmt.Errorf("notify: decode %s: %w", msg.Type, err)
	}
	return Event{Type: EventType(msg.Type), SessionID: env.SessionID, OccurredAt: env.OccurredAt, Payload: env.Payload}, nil
}

// PublishAsync publishes ev in a goroutine so the caller is not blocked. The
// request context is not used so cancellation does not abort delivery; errors are logged.
func PublishAsync(p Publisher, ev Event) {
	if p == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.Publish(ctx, ev); err != nil {
			log.Printf("notify: publish %s for session %s failed: %v", ev.Type, ev.SessionID, err)
		}
	}()
}

// Recorder keeps published events in memory. Tests use it to assert emissions.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the published event types in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}
