package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/core"
)

// Metrics records run and stage counters both as OpenTelemetry instruments
// and as an in-process snapshot served by the health endpoint.
type Metrics struct {
	runsStarted   metric.Int64Counter
	runsFinished  metric.Int64Counter
	stageAttempts metric.Int64Counter
	stageRetries  metric.Int64Counter
	stageDuration metric.Float64Histogram

	mu       sync.RWMutex
	snapshot MetricsSnapshot
}

// MetricsSnapshot holds cumulative counters since process start.
type MetricsSnapshot struct {
	RunsStarted   int64                           `json:"runs_started"`
	RunsCompleted int64                           `json:"runs_completed"`
	RunsFailed    int64                           `json:"runs_failed"`
	RunsRejected  int64                           `json:"runs_rejected"`
	RunsPending   int64                           `json:"runs_pending_approval"`
	Retries       int64                           `json:"retries"`
	Stages        map[core.StageName]StageMetrics `json:"stages"`
}

// StageMetrics aggregates agent calls for one stage.
type StageMetrics struct {
	Attempts      int64         `json:"attempts"`
	Failures      int64         `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{snapshot: MetricsSnapshot{Stages: make(map[core.StageName]StageMetrics)}}
	var err error
	if m.runsStarted, err = meter.Int64Counter("decisionpoints.runs.started",
		metric.WithDescription("Workflow runs created")); err != nil {
		return nil, fmt.Errorf("creating runs.started counter: %w", err)
	}
	if m.runsFinished, err = meter.Int64Counter("decisionpoints.runs.finished",
		metric.WithDescription("Workflow runs that reached a terminal status")); err != nil {
		return nil, fmt.Errorf("creating runs.finished counter: %w", err)
	}
	if m.stageAttempts, err = meter.Int64Counter("decisionpoints.stage.attempts",
		metric.WithDescription("Agent calls per stage and outcome")); err != nil {
		return nil, fmt.Errorf("creating stage.attempts counter: %w", err)
	}
	if m.stageRetries, err = meter.Int64Counter("decisionpoints.stage.retries",
		metric.WithDescription("Agent calls repeated after a retryable failure")); err != nil {
		return nil, fmt.Errorf("creating stage.retries counter: %w", err)
	}
	if m.stageDuration, err = meter.Float64Histogram("decisionpoints.stage.duration",
		metric.WithDescription("Agent call duration"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("creating stage.duration histogram: %w", err)
	}
	return m, nil
}

// RunStarted records a new run.
func (m *Metrics) RunStarted(ctx context.Context, variant core.Variant) {
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("variant", string(variant))))
	m.mu.Lock()
	m.snapshot.RunsStarted++
	m.mu.Unlock()
}

// RunStatusChanged records terminal statuses and approval pauses.
func (m *Metrics) RunStatusChanged(ctx context.Context, status core.RunStatus) {
	if status.IsTerminal() {
		m.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch status {
	case core.RunStatusCompleted:
		m.snapshot.RunsCompleted++
	case core.RunStatusFailed:
		m.snapshot.RunsFailed++
	case core.RunStatusRejected:
		m.snapshot.RunsRejected++
	case core.RunStatusPendingApproval:
		m.snapshot.RunsPending++
	}
}

// StageAttempt records one agent call.
func (m *Metrics) StageAttempt(ctx context.Context, stage core.StageName, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("outcome", outcome),
	)
	m.stageAttempts.Add(ctx, 1, attrs)
	m.stageDuration.Record(ctx, d.Seconds(), attrs)

	m.mu.Lock()
	defer m.mu.Unlock()
	sm := m.snapshot.Stages[stage]
	sm.Attempts++
	if err != nil {
		sm.Failures++
	}
	sm.TotalDuration += d
	sm.AvgDuration = sm.TotalDuration / time.Duration(sm.Attempts)
	m.snapshot.Stages[stage] = sm
}

// StageRetry records a repeated call.
func (m *Metrics) StageRetry(ctx context.Context, stage core.StageName) {
	m.stageRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(stage))))
	m.mu.Lock()
	m.snapshot.Retries++
	m.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.snapshot
	out.Stages = make(map[core.StageName]StageMetrics, len(m.snapshot.Stages))
	for k, v := range m.snapshot.Stages {
		out.Stages[k] = v
	}
	return out
}
