package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelDebug)
	t.Cleanup(func() {
		SetOutput(nopWriter{})
		SetLevel(LevelInfo)
	})
	return &buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if l == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(l), &m))
		out = append(out, m)
	}
	return out
}

func TestLoggerFields(t *testing.T) {
	buf := capture(t)

	New("executor").With("document_id", "doc_1").Info("unit_completed", map[string]any{"order": 2})

	got := lines(t, buf)
	require.Len(t, got, 1)
	assert.Equal(t, "executor", got[0]["component"])
	assert.Equal(t, "unit_completed", got[0]["event"])
	assert.Equal(t, "doc_1", got[0]["document_id"])
	assert.Equal(t, float64(2), got[0]["order"])
	assert.Equal(t, "info", got[0]["level"])
	assert.NotEmpty(t, got[0]["ts"])
}

func TestLoggerLevels(t *testing.T) {
	buf := capture(t)
	l := New("c")

	l.Debug("d", nil)
	l.Warn("w", nil, errors.New("slow"))
	l.Error("e", map[string]any{"k": "v"}, errors.New("bad"))

	got := lines(t, buf)
	require.Len(t, got, 3)
	assert.Equal(t, "debug", got[0]["level"])
	assert.Equal(t, "warning", got[1]["level"])
	assert.Equal(t, "slow", got[1]["error"])
	assert.Equal(t, "bad", got[2]["error"])
}

func TestWithDoesNotMutateParent(t *testing.T) {
	buf := capture(t)
	parent := New("c")
	_ = parent.With("a", 1)
	parent.Info("x", nil)

	got := lines(t, buf)
	_, ok := got[0]["a"]
	assert.False(t, ok)
}

func TestTimedEvent(t *testing.T) {
	buf := capture(t)
	New("c").TimedEvent("backend_call", time.Now().Add(-20*time.Millisecond), nil)

	got := lines(t, buf)
	require.Len(t, got, 1)
	assert.GreaterOrEqual(t, got[0]["duration_ms"], float64(20))
}

func TestSetupFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "scribe.log")
	closer, err := Setup(Config{Level: "info", Format: "json", File: path})
	require.NoError(t, err)
	t.Cleanup(func() {
		closer.Close()
		Setup(Config{Level: "info"})
		SetOutput(nopWriter{})
	})

	New("c").Info("to_file", nil)
	New("c").Debug("filtered", nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to_file")
	assert.NotContains(t, string(data), "filtered")
}
