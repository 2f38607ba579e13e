package cloudinary

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *Client {
	c := New("demo", "key-1", "secret", "evidence")
	c.BaseURL = url
	c.nowF = func() time.Time { return time.Unix(1767225600, 0) }
	return c
}

func TestUploadBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/demo/image/upload", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}

		want := fmt.Sprintf("%x", sha1.Sum([]byte("folder=evidence&tags=checkin,student_s1&timestamp=1767225600secret")))
		assert.Equal(t, want, r.FormValue("signature"))
		assert.Equal(t, "key-1", r.FormValue("api_key"))

		f, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		b, _ := io.ReadAll(f)
		assert.Equal(t, "jpeg-bytes", string(b))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"public_id":"evidence/abc","secure_url":"https://res.example/abc.jpg","width":640,"height":480,"bytes":10}`)
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).UploadBytes(context.Background(), "s1", []byte("jpeg-bytes"), "face.jpg")
	require.NoError(t, err)
	assert.Equal(t, "https://res.example/abc.jpg", res.SecureURL)
	assert.Equal(t, 640, res.Width)
}

func TestUpload_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"Invalid Signature"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()
	c := newTestClient(srv.URL)

	_, err := c.UploadBytes(context.Background(), "s1", []byte("x"), "a.jpg")
	require.ErrorContains(t, err, "upload failed (401)")

	_, err = c.UploadBytes(context.Background(), "s1", nil, "a.jpg")
	require.Error(t, err)

	_, err = c.UploadDataURL(context.Background(), "s1", "hello")
	require.ErrorContains(t, err, "data URL")
}

func TestUploadDataURL_RespectsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newTestClient(srv.URL).UploadDataURL(ctx, "s1", "data:image/png;base64,iVBORw0KGgo=")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
