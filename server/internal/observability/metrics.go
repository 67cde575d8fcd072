package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics aggregates pipeline stage runs in process.
type Metrics struct {
	mu     sync.Mutex
	stages map[string]*StageMetrics

	runTotal  atomic.Int64
	runFailed atomic.Int64
}

// StageMetrics represents metrics for one pipeline stage.
type StageMetrics struct {
	runCount      atomic.Int64
	totalDuration atomic.Int64 // milliseconds
	errorCount    atomic.Int64
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{stages: make(map[string]*StageMetrics)}
}

// Global metrics instance.
var globalMetrics = NewMetrics()

// GlobalMetrics returns the global metrics instance.
func GlobalMetrics() *Metrics {
	return globalMetrics
}

// RecordStage records one stage run. A non-nil err counts as a failure.
func (m *Metrics) RecordStage(stage string, duration time.Duration, err error) {
	m.runTotal.Add(1)
	sm := m.stage(stage)
	sm.runCount.Add(1)
	sm.totalDuration.Add(duration.Milliseconds())
	if err != nil {
		m.runFailed.Add(1)
		sm.errorCount.Add(1)
	}
}

func (m *Metrics) stage(name string) *StageMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	sm, ok := m.stages[name]
	if !ok {
		sm = &StageMetrics{}
		m.stages[name] = sm
	}
	return sm
}

// Reset resets all metrics (useful for testing).
func (m *Metrics) Reset() {
	m.runTotal.Store(0)
	m.runFailed.Store(0)

	m.mu.Lock()
	m.stages = make(map[string]*StageMetrics)
	m.mu.Unlock()
}

// Snapshot returns a snapshot of current metrics.
func (m *Metrics) Snapshot() *MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	stages := make(map[string]*StageMetricsSnapshot, len(m.stages))
	for name, sm := range m.stages {
		count := sm.runCount.Load()
		total := sm.totalDuration.Load()
		snapshot := &StageMetricsSnapshot{
			RunCount:      count,
			TotalDuration: total,
			ErrorCount:    sm.errorCount.Load(),
		}
		if count > 0 {
			snapshot.AverageDuration = total / count
		}
		stages[name] = snapshot
	}

	return &MetricsSnapshot{
		RunTotal:  m.runTotal.Load(),
		RunFailed: m.runFailed.Load(),
		Stages:    stages,
	}
}

// MetricsSnapshot represents a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	RunTotal  int64                            `json:"runTotal"`
	RunFailed int64                            `json:"runFailed"`
	Stages    map[string]*StageMetricsSnapshot `json:"stages"`
}

// StageMetricsSnapshot represents metrics for one stage.
type StageMetricsSnapshot struct {
	RunCount        int64 `json:"runCount"`
	TotalDuration   int64 `json:"totalDurationMs"`
	ErrorCount      int64 `json:"errorCount"`
	AverageDuration int64 `json:"averageDurationMs"`
}

// SuccessRate returns the success rate as a percentage (0-100).
func (s *MetricsSnapshot) SuccessRate() float64 {
	if s.RunTotal == 0 {
		return 100.0
	}
	return float64(s.RunTotal-s.RunFailed) / float64(s.RunTotal) * 100.0
}
