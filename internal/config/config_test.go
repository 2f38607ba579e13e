package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendguard/internal/fraud"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
	assert.Equal(t, BackendRedis, cfg.QueueBackend)
	assert.Equal(t, BackendMemory, cfg.LockBackend)
	assert.Equal(t, 60*time.Second, cfg.TokenTTL)
	assert.Equal(t, 10*time.Second, cfg.CheckInTimeout)
	assert.Equal(t, 10*time.Minute, cfg.LateGrace)
	assert.Equal(t, 3, cfg.MaxDevicesPerStudent)
	assert.True(t, cfg.MarkAbsentOnEnd)
	assert.False(t, cfg.CloudinaryEnabled())
	assert.Equal(t, fraud.DefaultConfig(), cfg.Scoring())
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins())
}

func TestLoad_EnvVarOverride(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("TOKEN_TTL", "90s")
	t.Setenv("RISK_THRESHOLD_HIGH", "80")
	t.Setenv("RISK_WEIGHT_SHARED_DEVICE", "60")
	t.Setenv("MARK_ABSENT_ON_END", "false")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, 90*time.Second, cfg.TokenTTL)
	assert.Equal(t, 80.0, cfg.Scoring().Thresholds.High)
	assert.Equal(t, 60.0, cfg.Scoring().Weights.SharedDevice)
	assert.False(t, cfg.MarkAbsentOnEnd)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown store", map[string]string{"STORE_BACKEND": "sqlite"}, "STORE_BACKEND"},
		{"thresholds not monotonic", map[string]string{"RISK_THRESHOLD_MEDIUM": "90"}, "scoring"},
		{"weight out of range", map[string]string{"RISK_WEIGHT_NEW_DEVICE": "120"}, "scoring"},
		{"zero ttl", map[string]string{"TOKEN_TTL": "0s"}, "TOKEN_TTL"},
		{"dev key in production", map[string]string{"APP_ENV": "production"}, "JWT_SIGNING_KEY"},
		{"face skip in production", map[string]string{"APP_ENV": "production", "JWT_SIGNING_KEY": "prod-key"}, "FACE_SKIP"},
		{"no devices allowed", map[string]string{"MAX_DEVICES_PER_STUDENT": "0"}, "MAX_DEVICES_PER_STUDENT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
