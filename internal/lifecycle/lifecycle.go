// Package lifecycle manages ordered start/stop of infrastructure and
// providers around a RunLoop, mirroring the separation between a core
// kernel and the scheduler it hosts.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// KernelState is the monotone state of a Lifecycle manager.
type KernelState int

const (
	StateCreated KernelState = iota
	StateStarting
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s KernelState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned when Start or Stop is called from a
// state that cannot legally reach the requested one.
var ErrInvalidTransition = errors.New("lifecycle: invalid state transition")

// Hook is a named, prioritized start/stop pair. Hooks with higher Priority
// start first and stop last (infrastructure, e.g. the event bus or
// checkpoint store, at priority 1000); hooks with lower Priority start
// last and stop first (providers and adapters, priority 100-200), so
// nothing tries to use infrastructure before it exists or after it's gone.
type Hook struct {
	Name     string
	Priority int
	OnStart  func(ctx context.Context) error
	OnStop   func(ctx context.Context) error
	Timeout  time.Duration
}

// Lifecycle orders and drives a set of Hooks through Start/Stop, unwinding
// already-started hooks if a later one fails to start.
type Lifecycle struct {
	mu     sync.Mutex
	state  KernelState
	hooks  []Hook
	logger *slog.Logger
	started []Hook
}

// New creates a Lifecycle in StateCreated.
func New(logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{state: StateCreated, logger: logger}
}

// Register adds a hook. Must be called before Start.
func (l *Lifecycle) Register(h Hook) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateCreated {
		return fmt.Errorf("%w: cannot register hook %q after start", ErrInvalidTransition, h.Name)
	}
	l.hooks = append(l.hooks, h)
	return nil
}

// State reports the current lifecycle state.
func (l *Lifecycle) State() KernelState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start runs every registered hook's OnStart in descending-Priority order.
// If a hook fails, every hook already started is stopped in reverse order
// before Start returns the original error.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateCreated {
		l.mu.Unlock()
		return fmt.Errorf("%w: Start called from state %s", ErrInvalidTransition, l.state)
	}
	l.state = StateStarting
	ordered := make([]Hook, len(l.hooks))
	copy(ordered, l.hooks)
	l.mu.Unlock()

	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	for _, h := range ordered {
		hookCtx := ctx
		var cancel context.CancelFunc
		if h.Timeout > 0 {
			hookCtx, cancel = context.WithTimeout(ctx, h.Timeout)
		}
		l.logger.Info("starting hook", "name", h.Name, "priority", h.Priority)
		err := h.OnStart(hookCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			l.logger.Error("hook failed to start, unwinding", "name", h.Name, "error", err)
			l.unwind(ctx)
			l.mu.Lock()
			l.state = StateStopped
			l.mu.Unlock()
			return fmt.Errorf("lifecycle: hook %q failed to start: %w", h.Name, err)
		}

		l.mu.Lock()
		l.started = append(l.started, h)
		l.mu.Unlock()
	}

	l.mu.Lock()
	l.state = StateRunning
	l.mu.Unlock()
	return nil
}

// unwind stops every started hook in reverse start order, best-effort.
// Caller must not hold l.mu.
func (l *Lifecycle) unwind(ctx context.Context) {
	l.mu.Lock()
	started := make([]Hook, len(l.started))
	copy(started, l.started)
	l.started = nil
	l.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		h := started[i]
		if h.OnStop == nil {
			continue
		}
		if err := h.OnStop(ctx); err != nil {
			l.logger.Error("hook failed to stop during unwind", "name", h.Name, "error", err)
		}
	}
}

// Stop runs OnStop for every started hook in reverse start order
// (last-started, first-stopped), collecting errors rather than aborting on
// the first failure.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateRunning {
		l.mu.Unlock()
		return fmt.Errorf("%w: Stop called from state %s", ErrInvalidTransition, l.state)
	}
	l.state = StateShuttingDown
	started := make([]Hook, len(l.started))
	copy(started, l.started)
	l.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		h := started[i]
		if h.OnStop == nil {
			continue
		}
		hookCtx := ctx
		var cancel context.CancelFunc
		if h.Timeout > 0 {
			hookCtx, cancel = context.WithTimeout(ctx, h.Timeout)
		}
		l.logger.Info("stopping hook", "name", h.Name, "priority", h.Priority)
		err := h.OnStop(hookCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			l.logger.Error("hook failed to stop", "name", h.Name, "error", err)
			errs = append(errs, fmt.Errorf("hook %q: %w", h.Name, err))
		}
	}

	l.mu.Lock()
	l.state = StateStopped
	l.started = nil
	l.mu.Unlock()

	return errors.Join(errs...)
}
