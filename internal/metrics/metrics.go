// Package metrics provides a fire-and-forget metrics sink. Recorders never
// return errors and never affect control flow in the caller.
package metrics

import (
	"log/slog"
	"sync"
	"time"
)

// Recorder is the metrics sink consumed by the gateway and services.
type Recorder interface {
	Increment(name string)
	Gauge(name string, value float64)
	Timing(name string, d time.Duration)
}

// Nop is a Recorder that discards everything.
type Nop struct{}

func (Nop) Increment(string)             {}
func (Nop) Gauge(string, float64)        {}
func (Nop) Timing(string, time.Duration) {}

// SlogRecorder emits metrics as debug-level log records. It is the default
// sink when no external collector is configured.
type SlogRecorder struct {
	logger *slog.Logger
}

// NewSlogRecorder creates a Recorder backed by the given logger.
func NewSlogRecorder(logger *slog.Logger) *SlogRecorder {
	return &SlogRecorder{logger: logger.With("component", "metrics")}
}

func (r *SlogRecorder) Increment(name string) {
	r.logger.Debug("counter", "name", name)
}

func (r *SlogRecorder) Gauge(name string, value float64) {
	r.logger.Debug("gauge", "name", name, "value", value)
}

func (r *SlogRecorder) Timing(name string, d time.Duration) {
	r.logger.Debug("timing", "name", name, "ms", d.Milliseconds())
}

// Memory is an in-memory Recorder used by tests to assert on emitted metrics.
type Memory struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]float64
	timings  map[string][]time.Duration
}

// NewMemory creates an empty in-memory recorder.
func NewMemory() *Memory {
	return &Memory{
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
		timings:  make(map[string][]time.Duration),
	}
}

func (m *Memory) Increment(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
}

func (m *Memory) Gauge(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

func (m *Memory) Timing(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timings[name] = append(m.timings[name], d)
}

// Counter returns the current value of a counter.
func (m *Memory) Counter(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// GaugeValue returns the last recorded value of a gauge.
func (m *Memory) GaugeValue(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[name]
}
