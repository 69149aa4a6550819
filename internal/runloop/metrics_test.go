package runloop

import (
	"testing"
	"time"
)

func TestRunLoopMetrics_Snapshot(t *testing.T) {
	m := NewRunLoopMetrics()
	m.RecordIteration()
	m.RecordIteration()
	m.RecordEventProcessed()
	m.RecordWaitTime(10 * time.Millisecond)
	m.RecordProcessTime(5 * time.Millisecond)
	m.SetPendingEvents(3)
	m.SetActiveTasks(1)

	snap := m.Snapshot()
	if snap.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", snap.Iterations)
	}
	if snap.EventsProcessed != 1 {
		t.Errorf("EventsProcessed = %d, want 1", snap.EventsProcessed)
	}
	if snap.PendingEvents != 3 {
		t.Errorf("PendingEvents = %d, want 3", snap.PendingEvents)
	}
	if snap.ActiveTasks != 1 {
		t.Errorf("ActiveTasks = %d, want 1", snap.ActiveTasks)
	}
}

func TestMetricsSnapshot_DerivedHelpers(t *testing.T) {
	empty := MetricsSnapshot{}
	if empty.EventsPerSecond() != 0 {
		t.Error("expected EventsPerSecond() = 0 on empty snapshot")
	}
	if empty.AvgWaitTimeMs() != 0 {
		t.Error("expected AvgWaitTimeMs() = 0 on empty snapshot")
	}
	if empty.AvgProcessTimeMs() != 0 {
		t.Error("expected AvgProcessTimeMs() = 0 on empty snapshot")
	}

	snap := MetricsSnapshot{
		Iterations:      2,
		EventsProcessed: 10,
		UptimeSecs:      5,
		WaitTimeUs:      4000,
		ProcessTimeUs:   2000,
	}
	if got := snap.EventsPerSecond(); got != 2 {
		t.Errorf("EventsPerSecond() = %v, want 2", got)
	}
	if got := snap.AvgWaitTimeMs(); got != 2 {
		t.Errorf("AvgWaitTimeMs() = %v, want 2", got)
	}
	if got := snap.AvgProcessTimeMs(); got != 1 {
		t.Errorf("AvgProcessTimeMs() = %v, want 1", got)
	}
}
