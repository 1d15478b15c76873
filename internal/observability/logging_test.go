package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "trisync-api", "warn")

	logger.Info("dropped")
	logger.Warn("kept", "owner_id", "user-1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "kept", entry["msg"])
	require.Equal(t, "trisync-api", entry["service"])
	require.Equal(t, "user-1", entry["owner_id"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestScrubEventDropsCredentials(t *testing.T) {
	event := &sentry.Event{Request: &sentry.Request{Headers: map[string]string{
		"Authorization": "Bearer secret",
		"Cookie":        "session=1",
		"Accept":        "application/json",
	}}}

	out := scrubEvent(event, nil)
	require.NotContains(t, out.Request.Headers, "Authorization")
	require.NotContains(t, out.Request.Headers, "Cookie")
	require.Equal(t, "application/json", out.Request.Headers["Accept"])
}
