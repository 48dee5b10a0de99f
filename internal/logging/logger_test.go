package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerWritesKeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := New("recognizer", &buf, slog.LevelDebug)

	l.With("request_id", "r-1").Info("reading accepted", "backend", "ssocr", "text", "431432")

	out := buf.String()
	assert.Contains(t, out, "component=recognizer")
	assert.Contains(t, out, "request_id=r-1")
	assert.Contains(t, out, "backend=ssocr")
	assert.Contains(t, out, "text=431432")
}

func TestLoggerNamedReplacesComponent(t *testing.T) {
	var buf bytes.Buffer
	l := New("worker", &buf, slog.LevelInfo).Named("queue")

	l.Info("started")

	assert.Contains(t, buf.String(), "component=queue")
	assert.NotContains(t, buf.String(), "component=worker")
}

func TestLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := New("worker", &buf, slog.LevelWarn)

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
