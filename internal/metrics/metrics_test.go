package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsGlobal(t *testing.T) {
	assert.Same(t, Global(), Global())
}

func TestRecordBackendCall(t *testing.T) {
	m := New()

	m.RecordBackendCall(true, 120*time.Millisecond)
	m.RecordBackendCall(false, 40*time.Millisecond)

	assert.Equal(t, int64(2), m.BackendCalls.Load())
	assert.Equal(t, int64(1), m.BackendErrors.Load())
	assert.Equal(t, int64(40), m.LastBackendLatencyMs.Load())
}

func TestRecordSubtaskAndAssembly(t *testing.T) {
	m := New()
	m.RecordSubtask(true)
	m.RecordSubtask(true)
	m.RecordSubtask(false)
	m.RecordAssembly(true)
	m.RecordAssembly(false)

	assert.Equal(t, int64(2), m.SubtasksCompleted.Load())
	assert.Equal(t, int64(1), m.SubtasksFailed.Load())
	assert.Equal(t, int64(2), m.Assemblies.Load())
	assert.Equal(t, int64(1), m.AssemblyFailures.Load())
}

func TestStreamOpenedIsIdempotent(t *testing.T) {
	m := New()
	done := m.StreamOpened()
	assert.Equal(t, int64(1), m.ActiveStreams.Load())
	done()
	done()
	assert.Equal(t, int64(0), m.ActiveStreams.Load())
}

func TestHandler(t *testing.T) {
	m := New()
	m.RunsStarted.Add(3)
	m.ActiveStreams.Add(1)

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)

	assert.Equal(t, "text/plain; version=0.0.4", rec.Header().Get("Content-Type"))
	assert.Contains(t, out, "# TYPE scribe_uptime_seconds gauge")
	assert.Contains(t, out, "scribe_runs_started_total 3\n")
	assert.Contains(t, out, "# TYPE scribe_active_streams gauge\nscribe_active_streams 1\n")
	assert.Contains(t, out, "# TYPE scribe_retry_limit_hits_total counter")
}
