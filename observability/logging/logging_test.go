package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("escrowd", "test", WithOutput(&buf), WithLevel("warn"))
	t.Cleanup(func() { slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil))) })

	logger.Info("hidden")
	logger.Warn("escrow rejected", slog.String("escrow_id", "e1"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1, "info must be filtered at warn level")
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "escrow rejected", entry["message"])
	require.Equal(t, "WARN", entry["severity"])
	require.Equal(t, "escrowd", entry["service"])
	require.Equal(t, "test", entry["env"])
	require.Equal(t, "e1", entry["escrow_id"])
	require.Contains(t, entry, "timestamp")
}

func TestSetupMirrorsToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.log")
	var buf bytes.Buffer
	logger := Setup("escrowd", "", WithOutput(&buf), WithFile(FileConfig{Path: path, MaxSizeMB: 1}))
	t.Cleanup(func() { slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil))) })

	logger.Info("started")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"message":"started"`)
	require.Contains(t, buf.String(), `"message":"started"`)
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("access_token", "abc").Value.String())
	require.Equal(t, "e1", MaskField("escrow_id", "e1").Value.String())
	require.Equal(t, "", MaskField("email", "").Value.String())
	require.Equal(t, RedactedValue+"@example.com", MaskEmail("email", "jane@example.com").Value.String())
	require.Equal(t, RedactedValue, MaskEmail("email", "not-an-email").Value.String())
	require.Contains(t, RedactionAllowlist(), "dispute_id")
}
