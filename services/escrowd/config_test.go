package escrowd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ESCROWD_LISTEN", "ESCROWD_ENV", "ESCROWD_STORAGE_BACKEND", "ESCROWD_STORAGE_PATH",
		"ESCROWD_STORAGE_DSN", "ESCROWD_JWT_SECRET", "ESCROWD_AUTH_ENABLED", "ESCROWD_PAYMENTS_MODE",
		"ESCROWD_PAYMENTS_URL", "ESCROWD_NOTIFY_WEBHOOK_URL", "ESCROWD_NOTIFY_WEBHOOK_SECRET",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escrowd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddress)
	require.Equal(t, "dev", cfg.Environment)
	require.Equal(t, BackendMemory, cfg.Storage.Backend)
	require.Equal(t, PaymentsApprove, cfg.Payments.Mode)
	require.Equal(t, time.Minute, cfg.Sweeper.Interval.Duration)
	require.Equal(t, 1024, cfg.Notify.QueueCapacity)
	require.Contains(t, cfg.RateLimits, "purchase")
	require.Contains(t, cfg.Auth.OptionalPaths, "/v1/payments/webhook")
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
listen: ":9090"
env: staging
storage:
  backend: bolt
  path: /var/lib/escrowd/escrow.db
engine:
  max_downloads: 3
  reservation_ttl: 10m
  expiry_grace: 1h
sweeper:
  interval: 30s
payments:
  base_url: https://pay.example.com
  webhook_secret: whsec
`)
	t.Setenv("ESCROWD_LISTEN", ":7070")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.ListenAddress, "environment wins over the file")
	require.Equal(t, BackendBolt, cfg.Storage.Backend)
	require.Equal(t, 3, cfg.Engine.MaxDownloads)
	require.Equal(t, 10*time.Minute, cfg.Engine.ReservationTTL.Duration)
	require.Equal(t, time.Hour, cfg.Engine.ExpiryGrace.Duration)
	require.Equal(t, 30*time.Second, cfg.Sweeper.Interval.Duration)
	require.Equal(t, PaymentsHTTP, cfg.Payments.Mode)
	require.Equal(t, "staging", cfg.Telemetry.Environment)
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	clearEnv(t)
	_, err := LoadConfig(writeConfig(t, "listen: \":1\"\nsurprise: true\n"))
	require.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	cases := map[string]string{
		"missing path":    "storage:\n  backend: leveldb\n",
		"postgres no dsn": "storage:\n  backend: postgres\n",
		"unknown backend": "storage:\n  backend: mongo\n",
		"http no url":     "payments:\n  mode: http\n",
		"prod approve":    "env: prod\nauth:\n  enabled: true\n  hmac_secret: s\npayments:\n  mode: approve\n",
		"auth no secret":  "auth:\n  enabled: true\n",
		"negative grace":  "engine:\n  expiry_grace: -1m\n",
		"webhook secret":  "notify:\n  webhook_url: https://hooks.example.com\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			if _, err := LoadConfig(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestProductionRequiresAuth(t *testing.T) {
	clearEnv(t)
	t.Setenv("ESCROWD_ENV", "production")
	t.Setenv("ESCROWD_PAYMENTS_URL", "https://pay.example.com")
	_, err := LoadConfig("")
	require.ErrorContains(t, err, "auth must be enabled")

	t.Setenv("ESCROWD_AUTH_ENABLED", "true")
	t.Setenv("ESCROWD_JWT_SECRET", "secret")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.True(t, cfg.Auth.Enabled)

	t.Setenv("ESCROWD_AUTH_ENABLED", "maybe")
	_, err = LoadConfig("")
	require.Error(t, err)
}
