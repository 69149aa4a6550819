package runloop

import (
	"context"
	"log/slog"
	"time"
)

// LoggingObserver emits phase transitions at a configurable level.
type LoggingObserver struct {
	level slog.Level
}

// NewLoggingObserver creates a LoggingObserver emitting at level.
func NewLoggingObserver(level slog.Level) *LoggingObserver {
	return &LoggingObserver{level: level}
}

func (o *LoggingObserver) Activities() RunLoopPhase {
	return PhaseEntry | PhaseBeforeSources | PhaseBeforeWaiting | PhaseAfterWaiting | PhaseExit
}

func (o *LoggingObserver) Priority() int { return 100 }

func (o *LoggingObserver) OnPhase(_ context.Context, phase RunLoopPhase, rl *RunLoop) {
	rl.Logger().Log(context.Background(), o.level, "runloop phase", "phase", phase.String(), "mode", rl.CurrentMode())
}

// MetricsObserver snapshots counters into the metrics registry at
// BeforeWaiting. In this port the RunLoopMetrics are already live atomics,
// so the observer's job is limited to recording the derived gauges
// (pending/active counts) that only make sense to sample once per cycle.
type MetricsObserver struct{}

func NewMetricsObserver() *MetricsObserver { return &MetricsObserver{} }

func (o *MetricsObserver) Activities() RunLoopPhase { return PhaseBeforeWaiting }
func (o *MetricsObserver) Priority() int            { return 90 }

func (o *MetricsObserver) OnPhase(_ context.Context, _ RunLoopPhase, rl *RunLoop) {
	rl.metrics.SetPendingEvents(uint64(rl.PendingTaskCount()))
	rl.metrics.SetActiveTasks(uint64(rl.spawner.Count()))
}

// ResourceCleanupObserver GCs invalidated sources and finished spawned
// tasks at Exit.
type ResourceCleanupObserver struct{}

func NewResourceCleanupObserver() *ResourceCleanupObserver { return &ResourceCleanupObserver{} }

func (o *ResourceCleanupObserver) Activities() RunLoopPhase { return PhaseExit }
func (o *ResourceCleanupObserver) Priority() int            { return 10 }

func (o *ResourceCleanupObserver) OnPhase(_ context.Context, _ RunLoopPhase, rl *RunLoop) {
	rl.removeInvalidSources()
	rl.spawner.pruneFinished()
}

// EventBatchCommitObserver forces a queue-flush at BeforeWaiting, the
// CATransaction analogue: it catches anything injected after RunOnce's own
// post-Source0-poll commit (handler retries queued during Dispatch, spawner
// callbacks), guaranteeing it's visible to next cycle's Dispatch rather than
// sitting in rl.pending indefinitely.
type EventBatchCommitObserver struct{}

func NewEventBatchCommitObserver() *EventBatchCommitObserver { return &EventBatchCommitObserver{} }

func (o *EventBatchCommitObserver) Activities() RunLoopPhase { return PhaseBeforeWaiting }
func (o *EventBatchCommitObserver) Priority() int            { return 1000 }

func (o *EventBatchCommitObserver) OnPhase(_ context.Context, _ RunLoopPhase, rl *RunLoop) {
	rl.commitPendingInjections()
}

// SpawnerObserver scans for stale spawned tasks at BeforeWaiting (logging
// only — it never force-cancels, even on repeated breaches) and cancels
// every active spawned task at Exit.
type SpawnerObserver struct {
	taskTimeout   time.Duration
	cancelOnExit  bool
}

// NewSpawnerObserver creates a SpawnerObserver. taskTimeout of 0 disables
// stale-task detection. cancelOnExit defaults to true via
// NewSpawnerObserver; use WithCancelOnExit to change it.
func NewSpawnerObserver(taskTimeout time.Duration) *SpawnerObserver {
	return &SpawnerObserver{taskTimeout: taskTimeout, cancelOnExit: true}
}

func (o *SpawnerObserver) WithCancelOnExit(cancel bool) *SpawnerObserver {
	o.cancelOnExit = cancel
	return o
}

func (o *SpawnerObserver) Activities() RunLoopPhase {
	return PhaseBeforeWaiting | PhaseExit
}

func (o *SpawnerObserver) Priority() int { return 50 }

func (o *SpawnerObserver) OnPhase(_ context.Context, phase RunLoopPhase, rl *RunLoop) {
	switch phase {
	case PhaseBeforeWaiting:
		o.checkStaleTasks(rl)
	case PhaseExit:
		if o.cancelOnExit {
			o.cancelAllTasks(rl)
		}
	}
}

func (o *SpawnerObserver) checkStaleTasks(rl *RunLoop) {
	if o.taskTimeout <= 0 {
		return
	}
	for _, info := range rl.spawner.List() {
		if info.State != SpawnedRunning {
			continue
		}
		if time.Since(info.SpawnedAt) > o.taskTimeout {
			rl.Logger().Warn("spawned task exceeded timeout",
				"id", info.ID, "name", info.Name, "running_for", time.Since(info.SpawnedAt))
		}
	}
}

func (o *SpawnerObserver) cancelAllTasks(rl *RunLoop) {
	rl.spawner.CancelAll()
}

// HealthStatus is the result of a liveness/readiness evaluation.
type HealthStatus int

const (
	HealthAlive HealthStatus = iota
	HealthStale
	HealthDead
)

func (s HealthStatus) String() string {
	switch s {
	case HealthAlive:
		return "alive"
	case HealthStale:
		return "stale"
	case HealthDead:
		return "dead"
	default:
		return "unknown"
	}
}

// HealthCheckable is implemented by anything the HealthCheckObserver should
// poll periodically.
type HealthCheckable interface {
	CheckHealth() (HealthStatus, error)
}

// HealthCheckObserver runs a periodic liveness/readiness evaluation at
// BeforeWaiting, writing the result through a caller-supplied sink (e.g. a
// heartbeat file writer).
type HealthCheckObserver struct {
	checks   []HealthCheckable
	interval time.Duration
	last     time.Time
	onStatus func(HealthStatus)
}

// NewHealthCheckObserver creates an observer that runs every check in
// checks no more often than interval, reporting the worst status via
// onStatus (nil is accepted and simply discards the result).
func NewHealthCheckObserver(interval time.Duration, onStatus func(HealthStatus), checks ...HealthCheckable) *HealthCheckObserver {
	if onStatus == nil {
		onStatus = func(HealthStatus) {}
	}
	return &HealthCheckObserver{checks: checks, interval: interval, onStatus: onStatus}
}

func (o *HealthCheckObserver) Activities() RunLoopPhase { return PhaseBeforeWaiting }
func (o *HealthCheckObserver) Priority() int            { return 20 }

func (o *HealthCheckObserver) OnPhase(_ context.Context, _ RunLoopPhase, rl *RunLoop) {
	if time.Since(o.last) < o.interval {
		return
	}
	o.last = time.Now()

	worst := HealthAlive
	for _, c := range o.checks {
		status, err := c.CheckHealth()
		if err != nil {
			rl.Logger().Error("health check failed", "error", err)
			status = HealthDead
		}
		if status > worst {
			worst = status
		}
	}
	o.onStatus(worst)
}
