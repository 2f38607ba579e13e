package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendguard/internal/queue"
)

func TestQueuePublisher(t *testing.T) {
	q := queue.NewInMemory(4)
	p := NewQueuePublisher(q)
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, p.Publish(context.Background(), Event{
		Type:       EmergencyStopped,
		SessionID:  "s1",
		OccurredAt: at,
		Payload:    map[string]any{"reason": "fire alarm"},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := q.Consume(ctx)
	require.NoError(t, err)

	msg := <-ch
	assert.Equal(t, "EmergencyStopped", msg.Type)
	assert.Equal(t, queue.PriorityHigh, msg.Priority)

	var env envelope
	require.NoError(t, json.Unmarshal(msg.Body, &env))
	assert.Equal(t, "s1", env.SessionID)
	assert.Equal(t, at, env.OccurredAt)
	assert.Equal(t, "fire alarm", env.Payload["reason"])

	ev, err := Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, EmergencyStopped, ev.Type)
	assert.Equal(t, "s1", ev.SessionID)
	assert.True(t, at.Equal(ev.OccurredAt))
	assert.Equal(t, "fire alarm", ev.Payload["reason"])
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode(queue.Message{Type: "AttendanceMarked", Body: json.RawMessage(`[1,2]`)})
	assert.Error(t, err)
	_, err = Decode(queue.Message{Body: json.RawMessage(`{}`)})
	assert.Error(t, err)
}

func TestPriority(t *testing.T) {
	assert.Equal(t, queue.PriorityHigh, EmergencyStopped.Priority())
	assert.Equal(t, queue.PriorityNormal, SessionEnded.Priority())
}

type failingPublisher struct{ called chan struct{} }

func (f failingPublisher) Publish(ctx context.Context, ev Event) error {
	close(f.called)
	return errors.New("broker down")
}

func TestPublishAsync(t *testing.T) {
	PublishAsync(nil, Event{Type: SessionStarted})

	f := failingPublisher{called: make(chan struct{})}
	PublishAsync(f, Event{Type: SessionStarted, SessionID: "s1"})
	select {
	case <-f.called:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher not called")
	}

	r := &Recorder{}
	PublishAsync(r, Event{Type: SessionEnded})
	assert.Eventually(t, func() bool { return len(r.Events()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []EventType{SessionEnded}, r.Types())
}
