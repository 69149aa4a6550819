package runloop

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeHealthCheck struct {
	status HealthStatus
	err    error
}

func (f fakeHealthCheck) CheckHealth() (HealthStatus, error) { return f.status, f.err }

func TestHealthCheckObserver_ReportsWorstStatus(t *testing.T) {
	var reported HealthStatus
	observer := NewHealthCheckObserver(0, func(s HealthStatus) { reported = s },
		fakeHealthCheck{status: HealthAlive},
		fakeHealthCheck{status: HealthStale},
	)

	rl := newTestRunLoop(t, nil)
	observer.OnPhase(context.Background(), PhaseBeforeWaiting, rl)

	if reported != HealthStale {
		t.Errorf("reported status = %v, want HealthStale", reported)
	}
}

func TestHealthCheckObserver_ErrorIsTreatedAsDead(t *testing.T) {
	var reported HealthStatus
	observer := NewHealthCheckObserver(0, func(s HealthStatus) { reported = s },
		fakeHealthCheck{status: HealthAlive, err: errors.New("boom")},
	)

	rl := newTestRunLoop(t, nil)
	observer.OnPhase(context.Background(), PhaseBeforeWaiting, rl)

	if reported != HealthDead {
		t.Errorf("reported status = %v, want HealthDead", reported)
	}
}

func TestHealthCheckObserver_ThrottlesByInterval(t *testing.T) {
	calls := 0
	observer := NewHealthCheckObserver(time.Hour, func(HealthStatus) { calls++ },
		fakeHealthCheck{status: HealthAlive},
	)

	rl := newTestRunLoop(t, nil)
	observer.OnPhase(context.Background(), PhaseBeforeWaiting, rl)
	observer.OnPhase(context.Background(), PhaseBeforeWaiting, rl)

	if calls != 1 {
		t.Errorf("calls = %d, want 1 (second call should be throttled)", calls)
	}
}

func TestSpawnerObserver_CancelAllOnExit(t *testing.T) {
	rl := newTestRunLoop(t, nil)
	started := make(chan struct{})
	rl.Spawner().SpawnCancellable(context.Background(), "worker", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started

	observer := NewSpawnerObserver(0)
	observer.OnPhase(context.Background(), PhaseExit, rl)

	waitForState(t, rl.Spawner(), rl.Spawner().List()[0].ID, SpawnedCancelled)
}

func TestResourceCleanupObserver_PrunesAndRemoves(t *testing.T) {
	rl := newTestRunLoop(t, nil)
	done := make(chan struct{})
	rl.Spawner().Spawn("worker", func(ctx context.Context) { close(done) })
	<-done
	waitForState(t, rl.Spawner(), rl.Spawner().List()[0].ID, SpawnedCompleted)

	observer := NewResourceCleanupObserver()
	observer.OnPhase(context.Background(), PhaseExit, rl)

	if rl.Spawner().Count() != 0 {
		t.Errorf("Spawner().Count() = %d, want 0 after cleanup", rl.Spawner().Count())
	}
}
