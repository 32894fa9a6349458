package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the orchestration engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay run execution. Snapshots passed to
// callbacks are deep copies and safe to retain.
type Observer interface {
	// OnRunStart is called once when a run transitions to StatusRunning,
	// before the first stage executes.
	OnRunStart(ctx context.Context, run *Run)

	// OnRunCompleted is called when a run reaches StatusCompleted.
	OnRunCompleted(ctx context.Context, run *Run)

	// OnRunFailed is called when a run transitions to StatusFailed.
	OnRunFailed(ctx context.Context, run *Run, err error)

	// OnRunCancelled is called when a cooperative cancellation takes effect
	// at a stage boundary.
	OnRunCancelled(ctx context.Context, run *Run)

	// OnStageStart is called before invoking a stage function. stageIndex is
	// the 0-based index into the kind's stage list.
	OnStageStart(ctx context.Context, run *Run, stage string, stageIndex int)

	// OnStageCompleted is called after a stage function returns, for both
	// successes and failures (err != nil).
	OnStageCompleted(ctx context.Context, run *Run, stage string, stageIndex int, err error, duration time.Duration)

	// OnProviderRetry is called each time a transient provider failure
	// schedules a retry. attempt is 1-based over the retries taken so far.
	OnProviderRetry(ctx context.Context, run *Run, stage string, attempt int, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, run *Run)                {}
func (NoopObserver) OnRunCompleted(ctx context.Context, run *Run)            {}
func (NoopObserver) OnRunFailed(ctx context.Context, run *Run, err error)    {}
func (NoopObserver) OnRunCancelled(ctx context.Context, run *Run)            {}
func (NoopObserver) OnStageStart(ctx context.Context, run *Run, stage string, idx int) {
}
func (NoopObserver) OnStageCompleted(ctx context.Context, run *Run, stage string, idx int, err error, d time.Duration) {
}
func (NoopObserver) OnProviderRetry(ctx context.Context, run *Run, stage string, attempt int, err error) {
}

// CompositeObserver fans out callbacks to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards callbacks to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, run)
	}
}

func (c *CompositeObserver) OnRunCompleted(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunCompleted(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, run *Run, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, run, err)
	}
}

func (c *CompositeObserver) OnRunCancelled(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunCancelled(ctx, run)
	}
}

func (c *CompositeObserver) OnStageStart(ctx context.Context, run *Run, stage string, idx int) {
	for _, o := range c.observers {
		o.OnStageStart(ctx, run, stage, idx)
	}
}

func (c *CompositeObserver) OnStageCompleted(ctx context.Context, run *Run, stage string, idx int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStageCompleted(ctx, run, stage, idx, err, d)
	}
}

func (c *CompositeObserver) OnProviderRetry(ctx context.Context, run *Run, stage string, attempt int, err error) {
	for _, o := range c.observers {
		o.OnProviderRetry(ctx, run, stage, attempt, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / stage lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, run *Run) {
	o.Logger.InfoContext(ctx, "run_start",
		slog.String("kind", string(run.Kind)),
		slog.String("workflow_id", run.ID),
	)
}

func (o *LoggingObserver) OnRunCompleted(ctx context.Context, run *Run) {
	o.Logger.InfoContext(ctx, "run_completed",
		slog.String("kind", string(run.Kind)),
		slog.String("workflow_id", run.ID),
	)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, run *Run, err error) {
	o.Logger.ErrorContext(ctx, "run_failed",
		slog.String("kind", string(run.Kind)),
		slog.String("workflow_id", run.ID),
		slog.String("classification", Classify(err)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnRunCancelled(ctx context.Context, run *Run) {
	o.Logger.InfoContext(ctx, "run_cancelled",
		slog.String("kind", string(run.Kind)),
		slog.String("workflow_id", run.ID),
	)
}

func (o *LoggingObserver) OnStageStart(ctx context.Context, run *Run, stage string, idx int) {
	o.Logger.DebugContext(ctx, "stage_start",
		slog.String("kind", string(run.Kind)),
		slog.String("workflow_id", run.ID),
		slog.String("stage", stage),
		slog.Int("stage_index", idx),
	)
}

func (o *LoggingObserver) OnStageCompleted(ctx context.Context, run *Run, stage string, idx int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "stage_completed",
		slog.String("kind", string(run.Kind)),
		slog.String("workflow_id", run.ID),
		slog.String("stage", stage),
		slog.Int("stage_index", idx),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnProviderRetry(ctx context.Context, run *Run, stage string, attempt int, err error) {
	o.Logger.WarnContext(ctx, "provider_retry",
		slog.String("workflow_id", run.ID),
		slog.String("stage", stage),
		slog.Int("attempt", attempt),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate stage durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted        atomic.Int64
	runsCompleted      atomic.Int64
	runsFailed         atomic.Int64
	runsCancelled      atomic.Int64
	providerRetries    atomic.Int64
	stagesCompleted    atomic.Int64
	totalStageDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	RunsCancelled int64
	ActiveRuns    int64

	ProviderRetries  int64
	StagesCompleted  int64
	AvgStageDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, run *Run) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunCompleted(ctx context.Context, run *Run) {
	m.runsCompleted.Add(1)
}

func (m *BasicMetrics) OnRunFailed(ctx context.Context, run *Run, err error) {
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnRunCancelled(ctx context.Context, run *Run) {
	m.runsCancelled.Add(1)
}

func (m *BasicMetrics) OnProviderRetry(ctx context.Context, run *Run, stage string, attempt int, err error) {
	m.providerRetries.Add(1)
}

func (m *BasicMetrics) OnStageCompleted(ctx context.Context, run *Run, stage string, idx int, err error, d time.Duration) {
	// Only count successful stages for average duration.
	if err == nil {
		m.stagesCompleted.Add(1)
		m.totalStageDuration.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	completed := m.runsCompleted.Load()
	failed := m.runsFailed.Load()
	cancelled := m.runsCancelled.Load()
	stages := m.stagesCompleted.Load()
	totalNs := m.totalStageDuration.Load()

	var avg time.Duration
	if stages > 0 {
		avg = time.Duration(totalNs / stages)
	}

	return BasicMetricsSnapshot{
		RunsStarted:      started,
		RunsCompleted:    completed,
		RunsFailed:       failed,
		RunsCancelled:    cancelled,
		ActiveRuns:       started - completed - failed - cancelled,
		ProviderRetries:  m.providerRetries.Load(),
		StagesCompleted:  stages,
		AvgStageDuration: avg,
	}
}
