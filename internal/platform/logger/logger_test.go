package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/phrazzld/enrich-api/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		want  slog.Level
		valid bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"Warn", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"fatal", slog.LevelError, true},
		{"verbose", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
	}

	for _, tc := range tests {
		got, ok := ParseLevel(tc.name)
		assert.Equal(t, tc.want, got, tc.name)
		assert.Equal(t, tc.valid, ok, tc.name)
	}
}

// Setup replaces the process default logger, so these cases run serially.
func TestSetupFormats(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	var buf bytes.Buffer
	log := setup(config.ServerConfig{LogLevel: "warn"}, &buf)
	log.Info("dropped")
	log.Warn("kept", "batch_id", "b-1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "b-1", entry["batch_id"])
	assert.Same(t, log, slog.Default())

	buf.Reset()
	textLog := setup(config.ServerConfig{LogLevel: "debug", LogFormat: "text"}, &buf)
	textLog.Debug("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestContextLogger(t *testing.T) {
	t.Parallel()

	scoped, buf := NewTestLogger()
	fallback, fallbackBuf := NewTestLogger()

	ctx := WithLogger(context.Background(), scoped.With("trace_id", "t-1"))
	FromContextOrDefault(ctx, fallback).Info("scoped")

	entries, err := buf.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t-1", entries[0]["trace_id"])

	FromContextOrDefault(context.Background(), fallback).Info("fallback")
	assert.Contains(t, fallbackBuf.String(), "fallback")

	assert.NotNil(t, FromContext(context.Background()))
	assert.NotNil(t, FromContextOrDefault(context.Background(), nil))
}
