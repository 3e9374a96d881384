package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"DEBUG": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "papyrix-dfu", "info", "text")
	l.Debug("hidden")
	l.Info("shown", "partition", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=shown")
	assert.Contains(t, out, "app=papyrix-dfu")
	assert.Contains(t, out, "partition=3")
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "papyrix-dfu", "debug", "json").Debug("replay finished", "pending", 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "replay finished", rec["msg"])
	assert.Equal(t, "papyrix-dfu", rec["app"])
	assert.EqualValues(t, 1, rec["pending"])
}

func TestNew_Dev(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "papyrix-dfu", "warn", "dev").Warn("erase failed")
	assert.Contains(t, buf.String(), "erase failed")
}

func TestDiscard(t *testing.T) {
	l := Discard()
	require.NotNil(t, l)
	assert.False(t, l.Enabled(context.Background(), slog.LevelError))
	l.Error("dropped", "partition", 1)
}
