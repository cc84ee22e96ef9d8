package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelInfo, "json")
	l.Debug("hidden")
	l.Info("theme applied", "theme_id", "abc")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "theme applied", line["msg"])
	assert.Equal(t, "abc", line["theme_id"])
}

func TestWithTagsComponent(t *testing.T) {
	prev := L()
	t.Cleanup(func() { Set(prev) })

	var buf bytes.Buffer
	Set(New(&buf, slog.LevelDebug, "text"))
	With("assets").Debug("stored")
	assert.Contains(t, buf.String(), "component=assets")
	assert.Contains(t, buf.String(), "msg=stored")
}
