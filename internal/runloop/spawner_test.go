package runloop

import (
	"context"
	"testing"
	"time"
)

func TestSpawnerRegistry_SpawnTracksCompletion(t *testing.T) {
	r := NewSpawnerRegistry()
	done := make(chan struct{})

	id := r.Spawn("worker", func(ctx context.Context) {
		close(done)
	})

	<-done
	waitForState(t, r, id, SpawnedCompleted)
}

func TestSpawnerRegistry_SpawnCancellable(t *testing.T) {
	r := NewSpawnerRegistry()
	started := make(chan struct{})

	id := r.SpawnCancellable(context.Background(), "worker", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})

	<-started
	r.Cancel(id)
	waitForState(t, r, id, SpawnedCancelled)
}

func TestSpawnerRegistry_CancelAll(t *testing.T) {
	r := NewSpawnerRegistry()
	started := make(chan struct{}, 2)

	id1 := r.SpawnCancellable(context.Background(), "a", func(ctx context.Context) {
		started <- struct{}{}
		<-ctx.Done()
	})
	id2 := r.SpawnCancellable(context.Background(), "b", func(ctx context.Context) {
		started <- struct{}{}
		<-ctx.Done()
	})

	<-started
	<-started
	r.CancelAll()

	waitForState(t, r, id1, SpawnedCancelled)
	waitForState(t, r, id2, SpawnedCancelled)
}

func TestSpawnerRegistry_PruneFinished(t *testing.T) {
	r := NewSpawnerRegistry()
	done := make(chan struct{})

	r.Spawn("worker", func(ctx context.Context) { close(done) })
	<-done

	deadline := time.Now().Add(time.Second)
	for r.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	r.pruneFinished()
	if r.Count() != 0 {
		t.Errorf("Count() after pruneFinished = %d, want 0", r.Count())
	}
}

func waitForState(t *testing.T, r *SpawnerRegistry, id string, want SpawnedTaskState) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, info := range r.List() {
			if info.ID == id && info.State == want {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("task %s did not reach state %v in time", id, want)
}
