// Package metrics provides a simple Prometheus-compatible metrics endpoint.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds runtime counters for the engine.
type Metrics struct {
	// Runs
	Advances      atomic.Int64
	RunsStarted   atomic.Int64
	RunsCompleted atomic.Int64
	RunsFailed    atomic.Int64
	RunsCancelled atomic.Int64

	// Units
	SubtasksCompleted atomic.Int64
	SubtasksFailed    atomic.Int64
	RetryLimitHits    atomic.Int64

	// Backend
	BackendCalls         atomic.Int64
	BackendErrors        atomic.Int64
	LastBackendLatencyMs atomic.Int64

	// Assembly
	Assemblies        atomic.Int64
	AssemblyFailures  atomic.Int64
	EventsAppended    atomic.Int64
	ActiveStreams     atomic.Int64
	AdvancesCoalesced atomic.Int64

	startTime time.Time
}

var (
	global     *Metrics
	globalOnce sync.Once
)

// New returns an empty metrics set.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalOnce.Do(func() { global = New() })
	return global
}

// RecordBackendCall records one generative backend round trip.
func (m *Metrics) RecordBackendCall(success bool, d time.Duration) {
	m.BackendCalls.Add(1)
	if !success {
		m.BackendErrors.Add(1)
	}
	m.LastBackendLatencyMs.Store(d.Milliseconds())
}

// RecordSubtask records the outcome of one unit.
func (m *Metrics) RecordSubtask(success bool) {
	if success {
		m.SubtasksCompleted.Add(1)
	} else {
		m.SubtasksFailed.Add(1)
	}
}

// RecordAssembly records an assembly attempt.
func (m *Metrics) RecordAssembly(success bool) {
	m.Assemblies.Add(1)
	if !success {
		m.AssemblyFailures.Add(1)
	}
}

// StreamOpened tracks a live progress subscriber; call the returned func on close.
func (m *Metrics) StreamOpened() func() {
	m.ActiveStreams.Add(1)
	var once sync.Once
	return func() { once.Do(func() { m.ActiveStreams.Add(-1) }) }
}

type series struct {
	name, help, kind string
	value            func() int64
}

func (m *Metrics) series() []series {
	c := func(name, help string, v *atomic.Int64) series {
		return series{name: name, help: help, kind: "counter", value: v.Load}
	}
	g := func(name, help string, v *atomic.Int64) series {
		return series{name: name, help: help, kind: "gauge", value: v.Load}
	}
	return []series{
		c("scribe_advances_total", "Advance calls handled", &m.Advances),
		c("scribe_advances_coalesced_total", "Advance calls that joined an in-flight call", &m.AdvancesCoalesced),
		c("scribe_runs_started_total", "Runs created", &m.RunsStarted),
		c("scribe_runs_completed_total", "Runs completed", &m.RunsCompleted),
		c("scribe_runs_failed_total", "Runs that entered failed", &m.RunsFailed),
		c("scribe_runs_cancelled_total", "Runs cancelled by a user", &m.RunsCancelled),
		c("scribe_subtasks_completed_total", "Units completed", &m.SubtasksCompleted),
		c("scribe_subtasks_failed_total", "Unit attempts that failed", &m.SubtasksFailed),
		c("scribe_retry_limit_hits_total", "Units that exhausted their attempts", &m.RetryLimitHits),
		c("scribe_backend_calls_total", "Generative backend calls", &m.BackendCalls),
		c("scribe_backend_errors_total", "Generative backend failures", &m.BackendErrors),
		g("scribe_last_backend_latency_ms", "Latency of the last backend call", &m.LastBackendLatencyMs),
		c("scribe_assemblies_total", "Assembly attempts", &m.Assemblies),
		c("scribe_assembly_failures_total", "Assemblies rejected by validation", &m.AssemblyFailures),
		c("scribe_events_appended_total", "Progress events appended", &m.EventsAppended),
		g("scribe_active_streams", "Open progress streams", &m.ActiveStreams),
	}
}

// Handler returns an HTTP handler for /metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		fmt.Fprintf(w, "# HELP scribe_uptime_seconds Time since the process started\n")
		fmt.Fprintf(w, "# TYPE scribe_uptime_seconds gauge\n")
		fmt.Fprintf(w, "scribe_uptime_seconds %.2f\n", time.Since(m.startTime).Seconds())

		for _, s := range m.series() {
			fmt.Fprintf(w, "\n# HELP %s %s\n", s.name, s.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", s.name, s.kind)
			fmt.Fprintf(w, "%s %d\n", s.name, s.value())
		}
	}
}
