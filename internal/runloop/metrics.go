package runloop

import (
	"sync/atomic"
	"time"
)

// RunLoopMetrics is a set of lock-free counters updated throughout a cycle.
// Snapshot() is the only point where they are read together, and even then
// without a consistency guarantee across fields — acceptable for an
// observability signal, not a consistency-critical one.
type RunLoopMetrics struct {
	iterations          atomic.Uint64
	eventsProcessed     atomic.Uint64
	eventsEnqueued      atomic.Uint64
	source0Performs     atomic.Uint64
	source1Messages     atomic.Uint64
	observerNotifications atomic.Uint64
	waitTimeUs          atomic.Uint64
	processTimeUs       atomic.Uint64
	wakeups             atomic.Uint64
	pendingEvents       atomic.Uint64
	activeTasks         atomic.Uint64
	startTime           time.Time
}

// NewRunLoopMetrics creates a metrics set with its start time marked now.
func NewRunLoopMetrics() *RunLoopMetrics {
	return &RunLoopMetrics{startTime: time.Now()}
}

// MarkStart resets the uptime clock without clearing the counters. Used
// when a RunLoop resumes from a checkpoint and wants uptime measured from
// the resume point.
func (m *RunLoopMetrics) MarkStart() {
	m.startTime = time.Now()
}

func (m *RunLoopMetrics) RecordIteration()          { m.iterations.Add(1) }
func (m *RunLoopMetrics) RecordEventProcessed()     { m.eventsProcessed.Add(1) }
func (m *RunLoopMetrics) RecordEventEnqueued()      { m.eventsEnqueued.Add(1) }
func (m *RunLoopMetrics) RecordSource0Perform()     { m.source0Performs.Add(1) }
func (m *RunLoopMetrics) RecordSource1Message()     { m.source1Messages.Add(1) }
func (m *RunLoopMetrics) RecordObserverNotification() { m.observerNotifications.Add(1) }
func (m *RunLoopMetrics) RecordWakeup()             { m.wakeups.Add(1) }

func (m *RunLoopMetrics) RecordWaitTime(d time.Duration) {
	m.waitTimeUs.Add(uint64(d.Microseconds()))
}

func (m *RunLoopMetrics) RecordProcessTime(d time.Duration) {
	m.processTimeUs.Add(uint64(d.Microseconds()))
}

// SetPendingEvents overwrites the pending-events gauge. Called once per
// cycle from MetricsObserver, not incremented, since the queue length is
// already tracked authoritatively by TaskQueue.
func (m *RunLoopMetrics) SetPendingEvents(v uint64) { m.pendingEvents.Store(v) }

// SetActiveTasks overwrites the active-spawned-tasks gauge.
func (m *RunLoopMetrics) SetActiveTasks(v uint64) { m.activeTasks.Store(v) }

// UptimeSecs reports whole seconds since MarkStart (or construction).
func (m *RunLoopMetrics) UptimeSecs() uint64 {
	return uint64(time.Since(m.startTime).Seconds())
}

// MetricsSnapshot is a consistent-enough point-in-time copy of
// RunLoopMetrics, suitable for logging, export, or checkpointing.
type MetricsSnapshot struct {
	Iterations            uint64
	EventsProcessed       uint64
	EventsEnqueued        uint64
	Source0Performs       uint64
	Source1Messages       uint64
	ObserverNotifications uint64
	WaitTimeUs            uint64
	ProcessTimeUs         uint64
	Wakeups               uint64
	PendingEvents         uint64
	ActiveTasks           uint64
	UptimeSecs            uint64
}

// Snapshot copies every counter into a MetricsSnapshot.
func (m *RunLoopMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Iterations:            m.iterations.Load(),
		EventsProcessed:       m.eventsProcessed.Load(),
		EventsEnqueued:        m.eventsEnqueued.Load(),
		Source0Performs:       m.source0Performs.Load(),
		Source1Messages:       m.source1Messages.Load(),
		ObserverNotifications: m.observerNotifications.Load(),
		WaitTimeUs:            m.waitTimeUs.Load(),
		ProcessTimeUs:         m.processTimeUs.Load(),
		Wakeups:               m.wakeups.Load(),
		PendingEvents:         m.pendingEvents.Load(),
		ActiveTasks:           m.activeTasks.Load(),
		UptimeSecs:            m.UptimeSecs(),
	}
}

// EventsPerSecond is events_processed amortized over uptime.
func (s MetricsSnapshot) EventsPerSecond() float64 {
	if s.UptimeSecs == 0 {
		return 0
	}
	return float64(s.EventsProcessed) / float64(s.UptimeSecs)
}

// AvgWaitTimeMs is the mean time spent in the Wait phase per iteration.
func (s MetricsSnapshot) AvgWaitTimeMs() float64 {
	if s.Iterations == 0 {
		return 0
	}
	return float64(s.WaitTimeUs) / float64(s.Iterations) / 1000
}

// AvgProcessTimeMs is the mean non-Wait processing time per iteration.
func (s MetricsSnapshot) AvgProcessTimeMs() float64 {
	if s.Iterations == 0 {
		return 0
	}
	return float64(s.ProcessTimeUs) / float64(s.Iterations) / 1000
}
