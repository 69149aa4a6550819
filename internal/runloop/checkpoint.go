package runloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CheckpointMetrics is the five-field subset of MetricsSnapshot persisted
// in a checkpoint. The core never depends on checkpoints for correctness;
// they are resume hints only.
type CheckpointMetrics struct {
	Iterations      uint64
	EventsProcessed uint64
	EventsEnqueued  uint64
	Wakeups         uint64
	UptimeSecs      uint64
}

// RunLoopCheckpoint is the persisted, opaque-to-most-callers resume record.
type RunLoopCheckpoint struct {
	ID             string
	Mode           Mode
	PendingEvents  int
	Metrics        CheckpointMetrics
	Timestamp      time.Time
}

// CheckpointError is returned by CheckpointManager implementations.
type CheckpointError struct {
	Kind  CheckpointErrorKind
	ID    string
	Cause error
}

type CheckpointErrorKind int

const (
	CheckpointIOError CheckpointErrorKind = iota
	CheckpointSerializationError
	CheckpointNotFound
)

func (e *CheckpointError) Error() string {
	switch e.Kind {
	case CheckpointNotFound:
		return fmt.Sprintf("runloop: checkpoint not found: %s", e.ID)
	case CheckpointSerializationError:
		return fmt.Sprintf("runloop: checkpoint serialization error: %v", e.Cause)
	default:
		return fmt.Sprintf("runloop: checkpoint io error: %v", e.Cause)
	}
}

func (e *CheckpointError) Unwrap() error { return e.Cause }

// CheckpointManager persists and retrieves RunLoopCheckpoints. Implement
// this to back checkpoints with durable storage; MemoryCheckpointManager is
// the zero-config default and is sufficient for tests.
type CheckpointManager interface {
	SaveRunLoopCheckpoint(ctx context.Context, cp *RunLoopCheckpoint) error
	LoadLatestCheckpoint(ctx context.Context) (*RunLoopCheckpoint, error)
	ListCheckpoints(ctx context.Context) ([]string, error)
	DeleteCheckpoint(ctx context.Context, id string) error
}

// MemoryCheckpointManager is an in-memory CheckpointManager with FIFO
// eviction once MaxCheckpoints is reached.
type MemoryCheckpointManager struct {
	mu             sync.RWMutex
	checkpoints    []*RunLoopCheckpoint
	maxCheckpoints int
}

// NewMemoryCheckpointManager creates a manager retaining at most
// maxCheckpoints entries (default 10 via NewMemoryCheckpointManager(0)).
func NewMemoryCheckpointManager(maxCheckpoints int) *MemoryCheckpointManager {
	if maxCheckpoints <= 0 {
		maxCheckpoints = 10
	}
	return &MemoryCheckpointManager{maxCheckpoints: maxCheckpoints}
}

func (m *MemoryCheckpointManager) SaveRunLoopCheckpoint(_ context.Context, cp *RunLoopCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.checkpoints) >= m.maxCheckpoints {
		m.checkpoints = m.checkpoints[1:]
	}
	m.checkpoints = append(m.checkpoints, cp)
	return nil
}

func (m *MemoryCheckpointManager) LoadLatestCheckpoint(_ context.Context) (*RunLoopCheckpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.checkpoints) == 0 {
		return nil, nil
	}
	return m.checkpoints[len(m.checkpoints)-1], nil
}

func (m *MemoryCheckpointManager) ListCheckpoints(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, len(m.checkpoints))
	for i, cp := range m.checkpoints {
		ids[i] = cp.ID
	}
	return ids, nil
}

func (m *MemoryCheckpointManager) DeleteCheckpoint(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, cp := range m.checkpoints {
		if cp.ID == id {
			m.checkpoints = append(m.checkpoints[:i], m.checkpoints[i+1:]...)
			return nil
		}
	}
	return &CheckpointError{Kind: CheckpointNotFound, ID: id}
}

// CheckpointCount reports how many checkpoints are currently retained.
func (m *MemoryCheckpointManager) CheckpointCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.checkpoints)
}

// CheckpointObserver creates checkpoints at BeforeWaiting, the
// CATransaction-commit analogue. Priority -50: it runs after
// SpawnerObserver (priority 50) within the same phase, so its metrics
// snapshot reflects SpawnerObserver's freshly updated active-task count.
type CheckpointObserver struct {
	manager         CheckpointManager
	minInterval     time.Duration
	mu              sync.RWMutex
	lastCheckpoint  *time.Time
}

// NewCheckpointObserver creates a CheckpointObserver saving through
// manager no more often than once per minInterval (default 60s via
// WithInterval, or pass 0 to accept that default).
func NewCheckpointObserver(manager CheckpointManager) *CheckpointObserver {
	return &CheckpointObserver{manager: manager, minInterval: 60 * time.Second}
}

func (o *CheckpointObserver) WithInterval(interval time.Duration) *CheckpointObserver {
	if interval > 0 {
		o.minInterval = interval
	}
	return o
}

func (o *CheckpointObserver) Activities() RunLoopPhase { return PhaseBeforeWaiting }
func (o *CheckpointObserver) Priority() int            { return -50 }

func (o *CheckpointObserver) shouldCheckpoint() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.lastCheckpoint == nil {
		return true
	}
	return time.Since(*o.lastCheckpoint) >= o.minInterval
}

func (o *CheckpointObserver) markCheckpointed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now()
	o.lastCheckpoint = &now
}

func (o *CheckpointObserver) OnPhase(ctx context.Context, _ RunLoopPhase, rl *RunLoop) {
	if !o.shouldCheckpoint() {
		return
	}

	snapshot := rl.metrics.Snapshot()
	cp := &RunLoopCheckpoint{
		ID:            uuid.NewString(),
		Mode:          rl.CurrentMode(),
		PendingEvents: rl.PendingTaskCount(),
		Metrics: CheckpointMetrics{
			Iterations:      snapshot.Iterations,
			EventsProcessed: snapshot.EventsProcessed,
			EventsEnqueued:  snapshot.EventsEnqueued,
			Wakeups:         snapshot.Wakeups,
			UptimeSecs:      snapshot.UptimeSecs,
		},
		Timestamp: time.Now(),
	}

	rl.Logger().Debug("creating checkpoint", "id", cp.ID)

	if err := o.manager.SaveRunLoopCheckpoint(ctx, cp); err != nil {
		rl.Logger().Warn("failed to save runloop checkpoint", "error", err)
		return
	}
	o.markCheckpointed()
}
