// Package faceclient talks to the image-analysis service that scores photo evidence.
package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Quality holds the face quality metrics reported by the service.
type Quality struct {
	Score     float64 `json:"score"`
	Blur      float64 `json:"blur"`
	IsFrontal bool    `json:"is_frontal"`
	FaceSize  int     `json:"face_size"`
}

// Liveness is the anti-spoofing verdict for one image.
type Liveness struct {
	IsLive     bool    `json:"is_live"`
	Confidence float64 `json:"confidence"`
}

// ErrSkipped is returned by Score when the client runs without a service.
var ErrSkipped = errors.New("face analysis disabled")

// Client calls the image-analysis microservice. A Skip client never produces a
// score, so photo requirements cannot be met through it.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. Per-call deadlines come from the caller's context.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Score returns liveness confidence times face quality, in [0, 1]. An image judged
// not live scores zero.
func (c *Client) Score(ctx context.Context, photoURL string) (float64, error) {
	if c.Skip {
		return 0, ErrSkipped
	}
	if photoURL == "" {
		return 0, fmt.Errorf("photo url required")
	}

	var live Liveness
	if err := c.post(ctx, "/liveness", map[string]string{"image_url": photoURL}, &live); err != nil {
		return 0, err
	}
	if !live.IsLive {
		return 0, nil
	}

	var q struct {
		FacesDetected int      `json:"faces_detected"`
		Quality       *Quality `json:"quality"`
	}
	if err := c.post(ctx, "/quality", map[string]string{"image_url": photoURL}, &q); err != nil {
		return 0, err
	}
	if q.FacesDetected == 0 || q.Quality == nil {
		return 0, fmt.Errorf("no face detected in image")
	}
	return clamp(live.Confidence * q.Quality.Score), nil
}

// Health checks if the service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("face service error %s: %s", resp.Status, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
