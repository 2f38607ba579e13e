package faceclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, live bool, confidence, quality float64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/liveness", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://img/1.jpg", body["image_url"])
		_ = json.NewEncoder(w).Encode(map[string]any{"is_live": live, "confidence": confidence})
	})
	mux.HandleFunc("/quality", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"faces_detected": 1,
			"quality":        map[string]any{"score": quality, "is_frontal": true},
		})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestScore_CombinesLivenessAndQuality(t *testing.T) {
	srv := newService(t, true, 0.9, 0.8)
	c := New(srv.URL, false)

	score, err := c.Score(context.Background(), "https://img/1.jpg")
	require.NoError(t, err)
	assert.InDelta(t, 0.72, score, 1e-9)
	require.NoError(t, c.Health(context.Background()))
}

func TestScore_NotLiveIsZero(t *testing.T) {
	srv := newService(t, false, 0.99, 0.99)
	score, err := New(srv.URL, false).Score(context.Background(), "https://img/1.jpg")
	require.NoError(t, err)
	assert.Zero(t, score)
}

func TestScore_ServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, false)
	_, err := c.Score(context.Background(), "https://img/1.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Error(t, c.Health(context.Background()))
}

func TestScore_HonorsContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(srv.URL, false).Score(ctx, "https://img/1.jpg")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestScore_SkipNeverScores(t *testing.T) {
	score, err := New("", true).Score(context.Background(), "https://example.com/not-a-face.jpg")
	assert.True(t, errors.Is(err, ErrSkipped))
	assert.Zero(t, score)
}
