package runloop

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SpawnedTaskState is the lifecycle state of a task spawned onto its own
// goroutine by the RunLoop.
type SpawnedTaskState int

const (
	SpawnedRunning SpawnedTaskState = iota
	SpawnedCompleted
	SpawnedFailed
	SpawnedCancelled
)

func (s SpawnedTaskState) String() string {
	switch s {
	case SpawnedRunning:
		return "running"
	case SpawnedCompleted:
		return "completed"
	case SpawnedFailed:
		return "failed"
	case SpawnedCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// SpawnedTaskInfo is a point-in-time, read-only view of a spawned task's
// bookkeeping entry, returned by SpawnerRegistry.List.
type SpawnedTaskInfo struct {
	ID        string
	Name      string
	State     SpawnedTaskState
	SpawnedAt time.Time
}

type spawnedEntry struct {
	id        string
	name      string
	state     SpawnedTaskState
	spawnedAt time.Time
	cancel    context.CancelFunc
}

// SpawnerRegistry tracks background goroutines spawned by Source0/Source1
// handlers or observers, so the RunLoop can report on them (SpawnerObserver)
// and cancel them in bulk at Exit. A plain mutex-guarded map is used rather
// than sync.Map: entries are read via List() as a whole far more often than
// they are looked up by key, which favors a regular map under a lock.
type SpawnerRegistry struct {
	mu      sync.Mutex
	entries map[string]*spawnedEntry
}

// NewSpawnerRegistry creates an empty SpawnerRegistry.
func NewSpawnerRegistry() *SpawnerRegistry {
	return &SpawnerRegistry{entries: make(map[string]*spawnedEntry)}
}

// Spawn runs fn on a new goroutine under a registry-owned id, tracking it
// until fn returns. It is SpawnCancellable with a background parent: fn's
// ctx is cancelled only by Cancel(id) or CancelAll.
func (r *SpawnerRegistry) Spawn(name string, fn func(ctx context.Context)) string {
	return r.SpawnCancellable(context.Background(), name, fn)
}

// SpawnCancellable runs fn on a new goroutine derived from parent, tracked
// under a registry-owned id. Cancel(id) or CancelAll cancels the derived
// context; fn is responsible for observing ctx.Done().
func (r *SpawnerRegistry) SpawnCancellable(parent context.Context, name string, fn func(ctx context.Context)) string {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()

	entry := &spawnedEntry{
		id:        id,
		name:      name,
		state:     SpawnedRunning,
		spawnedAt: time.Now(),
		cancel:    cancel,
	}

	r.mu.Lock()
	r.entries[id] = entry
	r.mu.Unlock()

	go func() {
		defer cancel()
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.setState(id, SpawnedFailed)
				}
			}()
			fn(ctx)
		}()
		r.mu.Lock()
		if e, ok := r.entries[id]; ok && e.state == SpawnedRunning {
			if ctx.Err() != nil {
				e.state = SpawnedCancelled
			} else {
				e.state = SpawnedCompleted
			}
		}
		r.mu.Unlock()
	}()

	return id
}

func (r *SpawnerRegistry) setState(id string, state SpawnedTaskState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.state = state
	}
}

// Cancel cancels the spawned task's context, if it is still registered.
func (r *SpawnerRegistry) Cancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.cancel()
	}
}

// CancelAll cancels every currently-tracked spawned task.
func (r *SpawnerRegistry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.cancel()
	}
}

// Count reports the number of tracked entries, including finished ones not
// yet pruned.
func (r *SpawnerRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// List returns a snapshot of every tracked entry.
func (r *SpawnerRegistry) List() []SpawnedTaskInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]SpawnedTaskInfo, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, SpawnedTaskInfo{
			ID:        e.id,
			Name:      e.name,
			State:     e.state,
			SpawnedAt: e.spawnedAt,
		})
	}
	return infos
}

// pruneFinished drops entries that are no longer running. Called by
// ResourceCleanupObserver at Exit.
func (r *SpawnerRegistry) pruneFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if e.state != SpawnedRunning {
			delete(r.entries, id)
		}
	}
}
