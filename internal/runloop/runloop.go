package runloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// maxWaitInterval bounds how long Wait blocks with nothing to do, so
// delayed-task promotion and periodic observers (health checks, stale-spawn
// detection) still get a chance to run even without an explicit wakeup.
const maxWaitInterval = time.Second

type sourceMessage struct {
	receiver *Source1Receiver
	msg      PortMessage
}

type waitOutcome int

const (
	waitWoke waitOutcome = iota
	waitStopped
	waitTimedOut
)

// RunLoop is the cooperative, single-goroutine phase-machine scheduler:
// Entry, then a repeating cycle of BeforeTimers, BeforeSources, Dispatch,
// BeforeWaiting, Wait, AfterWaiting, down to Exit on Stop. It owns a
// TaskQueue, a ChainTracker, a SpawnerRegistry, mode-scoped Source0/Source1
// producers, and phase-bound Observers, and is the sole TaskInjector its
// collaborators are given.
type RunLoop struct {
	config   RunLoopConfig
	queue    *TaskQueue
	chains   *ChainTracker
	spawner  *SpawnerRegistry
	metrics  *RunLoopMetrics
	wakeup   *WakeupSignal
	logger   *slog.Logger
	handler  AgentEventHandler
	channels ChannelRegistry

	modeMu sync.RWMutex
	mode   Mode

	sourcesMu sync.RWMutex
	source0s  []Source0
	receivers []*Source1Receiver

	observersMu    sync.RWMutex
	observers      []observerEntry
	nextObserverID uint64

	pendingMu sync.Mutex
	pending   []*Task

	source1Agg chan sourceMessage

	stopOnce sync.Once
	stopCh   chan struct{}
}

var _ TaskInjector = (*RunLoop)(nil)

// NewRunLoop constructs a RunLoop. handler and channels may be nil for
// tests that only exercise the phase machine and queueing; a nil logger
// falls back to slog.Default().
func NewRunLoop(config RunLoopConfig, handler AgentEventHandler, channels ChannelRegistry, logger *slog.Logger) *RunLoop {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RunLoop{
		config:     config,
		queue:      NewTaskQueue(config.TaskQueue.Capacity, config.TaskQueue.DelayedCapacity),
		chains:     NewChainTracker(config.TaskChain.MaxChainDepth),
		spawner:    NewSpawnerRegistry(),
		metrics:    NewRunLoopMetrics(),
		wakeup:     NewWakeupSignal(),
		logger:     logger,
		handler:    handler,
		channels:   channels,
		mode:       config.DefaultMode,
		stopCh:     make(chan struct{}),
		source1Agg: make(chan sourceMessage, 256),
	}

	// The batch-commit is core plumbing, not an optional policy: without it
	// InjectTask's buffered tasks would never reach the queue. Every other
	// standard observer is opt-in and left to the composition root.
	rl.AddObserver(NewEventBatchCommitObserver())
	return rl
}

// Logger returns the logger observers and adapters should use.
func (rl *RunLoop) Logger() *slog.Logger { return rl.logger }

// CurrentMode returns the active mode.
func (rl *RunLoop) CurrentMode() Mode {
	rl.modeMu.RLock()
	defer rl.modeMu.RUnlock()
	return rl.mode
}

// SetMode switches the active mode and wakes the loop so the new mode's
// sources take effect without waiting out the current Wait timeout.
func (rl *RunLoop) SetMode(m Mode) {
	rl.modeMu.Lock()
	rl.mode = m
	rl.modeMu.Unlock()
	rl.Wakeup("mode_change")
}

// PendingTaskCount reports tasks queued plus tasks injected this cycle but
// not yet committed to the queue.
func (rl *RunLoop) PendingTaskCount() int {
	rl.pendingMu.Lock()
	pending := len(rl.pending)
	rl.pendingMu.Unlock()
	return rl.queue.Len() + pending
}

// Metrics returns a snapshot of the loop's counters.
func (rl *RunLoop) Metrics() MetricsSnapshot { return rl.metrics.Snapshot() }

// Spawner exposes the SpawnerRegistry so adapters can track their own
// background goroutines under it.
func (rl *RunLoop) Spawner() *SpawnerRegistry { return rl.spawner }

// RegisterSource0 adds a manually-signalled source, polled every
// BeforeSources phase while its mode is active.
func (rl *RunLoop) RegisterSource0(s Source0) {
	rl.sourcesMu.Lock()
	defer rl.sourcesMu.Unlock()
	rl.source0s = append(rl.source0s, s)
}

// RegisterSource1 adds a port-driven source and starts forwarding its
// messages into the loop's fan-in channel. The returned receiver's Send is
// how external code (webhook handlers, websocket readers) delivers
// messages to it.
func (rl *RunLoop) RegisterSource1(s Source1, capacity int) *Source1Receiver {
	r := NewSource1Receiver(s, capacity)

	rl.sourcesMu.Lock()
	rl.receivers = append(rl.receivers, r)
	rl.sourcesMu.Unlock()

	go rl.forwardSource1(r)
	return r
}

func (rl *RunLoop) forwardSource1(r *Source1Receiver) {
	for {
		select {
		case msg, ok := <-r.Chan():
			if !ok {
				return
			}
			select {
			case rl.source1Agg <- sourceMessage{receiver: r, msg: msg}:
			case <-rl.stopCh:
				return
			}
		case <-rl.stopCh:
			return
		}
	}
}

// removeInvalidSources drops sources and receivers whose IsValid/Source
// has gone false. Called by ResourceCleanupObserver at Exit.
func (rl *RunLoop) removeInvalidSources() {
	rl.sourcesMu.Lock()
	defer rl.sourcesMu.Unlock()

	kept := rl.source0s[:0]
	for _, s := range rl.source0s {
		if s.IsValid() {
			kept = append(kept, s)
		}
	}
	rl.source0s = kept

	keptR := rl.receivers[:0]
	for _, r := range rl.receivers {
		if r.Source().IsValid() {
			keptR = append(keptR, r)
		}
	}
	rl.receivers = keptR
}

// AddObserver registers o and returns a handle usable with RemoveObserver.
func (rl *RunLoop) AddObserver(o Observer) ObserverHandle {
	rl.observersMu.Lock()
	defer rl.observersMu.Unlock()

	rl.nextObserverID++
	h := ObserverHandle{id: fmt.Sprintf("observer-%d", rl.nextObserverID)}
	rl.observers = append(rl.observers, observerEntry{handle: h, observer: o})
	return h
}

// RemoveObserver unregisters the observer identified by h, a no-op if
// already removed.
func (rl *RunLoop) RemoveObserver(h ObserverHandle) {
	rl.observersMu.Lock()
	defer rl.observersMu.Unlock()

	for i, e := range rl.observers {
		if e.handle.id == h.id {
			rl.observers = append(rl.observers[:i], rl.observers[i+1:]...)
			return
		}
	}
}

// InjectTask is the TaskInjector implementation used by sources, observers,
// and handlers to emit follow-up tasks. Tasks are buffered in rl.pending and
// committed to the queue the next time commitPendingInjections runs: Source0
// output injected during BeforeSources is committed immediately afterward,
// in the same cycle, before Dispatch runs, so it is eligible for dispatch
// this cycle. Tasks injected during Dispatch (handler retries) are committed
// by EventBatchCommitObserver at the same cycle's BeforeWaiting; Source1
// messages handled during Wait are committed by the next cycle's post-poll
// commit, before that cycle's Dispatch.
func (rl *RunLoop) InjectTask(t *Task) error {
	if t == nil {
		return &InvalidTaskError{Reason: "nil task"}
	}
	if err := rl.chains.TryProduce(t.CorrelationID); err != nil {
		return err
	}

	rl.pendingMu.Lock()
	rl.pending = append(rl.pending, t)
	rl.pendingMu.Unlock()

	rl.metrics.RecordEventEnqueued()
	return nil
}

// Wakeup sets the wakeup signal, unblocking a pending Wait. reason is
// logged at debug level only.
func (rl *RunLoop) Wakeup(reason string) {
	rl.logger.Debug("wakeup requested", "reason", reason)
	rl.wakeup.Set()
}

// commitPendingInjections drains tasks buffered by InjectTask into the
// queue. Called directly by RunOnce right after Source0 polling, and again
// by EventBatchCommitObserver at BeforeWaiting to catch anything injected
// since (handler retries, tasks injected from other goroutines).
func (rl *RunLoop) commitPendingInjections() {
	rl.pendingMu.Lock()
	batch := rl.pending
	rl.pending = nil
	rl.pendingMu.Unlock()

	for _, t := range batch {
		if err := rl.queue.Enqueue(t); err != nil {
			rl.logger.Warn("dropping task: queue rejected enqueue", "task_id", t.ID, "error", err)
			rl.chains.Release(t.CorrelationID)
		}
	}
}

// Stop requests the loop exit at the next opportunity. Safe to call more
// than once and from any goroutine.
func (rl *RunLoop) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Run drives the loop until ctx is cancelled or Stop is called. It runs
// PhaseEntry once before the first cycle and PhaseExit once on the way out,
// even if ctx is already cancelled.
func (rl *RunLoop) Run(ctx context.Context) error {
	rl.runPhase(ctx, PhaseEntry)
	defer rl.runPhase(context.Background(), PhaseExit)

	for {
		result := rl.RunOnce(ctx)
		if result == RunResultStopped {
			if err := ctx.Err(); err != nil {
				return err
			}
			return nil
		}
	}
}

// RunFor runs cycles until one returns other than RunResultFinished, or
// timeout elapses, the CFRunLoopRunInMode analogue for bounded driving
// (tests, single-shot CLI invocations).
func (rl *RunLoop) RunFor(ctx context.Context, timeout time.Duration) RunLoopRunResult {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return RunResultTimedOut
		}
		cycleCtx, cancel := context.WithTimeout(ctx, remaining)
		result := rl.RunOnce(cycleCtx)
		cancel()
		if result != RunResultFinished {
			return result
		}
	}
}

// RunOnce drives a single cycle: BeforeTimers, BeforeSources (with Source0
// polling), Dispatch, BeforeWaiting, Wait, AfterWaiting.
func (rl *RunLoop) RunOnce(ctx context.Context) RunLoopRunResult {
	select {
	case <-rl.stopCh:
		return RunResultStopped
	default:
	}

	start := time.Now()
	rl.metrics.RecordIteration()

	rl.runPhase(ctx, PhaseBeforeTimers)

	rl.runPhase(ctx, PhaseBeforeSources)
	handledSource := rl.pollSource0s(ctx)
	rl.commitPendingInjections()

	rl.runPhase(ctx, PhaseDispatch)
	dispatched := rl.dispatchTasks(ctx)

	rl.runPhase(ctx, PhaseBeforeWaiting)
	rl.metrics.RecordProcessTime(time.Since(start))

	waitResult := rl.wait(ctx)

	rl.runPhase(ctx, PhaseAfterWaiting)

	switch {
	case waitResult == waitStopped:
		return RunResultStopped
	case waitResult == waitTimedOut && !handledSource && dispatched == 0:
		return RunResultTimedOut
	case handledSource || dispatched > 0:
		return RunResultHandledSource
	default:
		return RunResultFinished
	}
}

func (rl *RunLoop) pollSource0s(ctx context.Context) bool {
	rl.sourcesMu.RLock()
	sources := make([]Source0, len(rl.source0s))
	copy(sources, rl.source0s)
	rl.sourcesMu.RUnlock()

	mode := rl.CurrentMode()
	handled := false

	for _, s := range sources {
		if !s.IsValid() || !inMode(s, mode) || !s.IsSignaled() {
			continue
		}
		s.ClearSignal()
		rl.metrics.RecordSource0Perform()

		tasks, err := rl.safePerform(ctx, s)
		if err != nil {
			rl.logger.Error("source0 perform failed", "source", s.ID(), "error", err)
			continue
		}
		handled = true
		for _, t := range tasks {
			if err := rl.InjectTask(t); err != nil {
				rl.logger.Warn("dropping task from source0", "source", s.ID(), "error", err)
			}
		}
	}
	return handled
}

func (rl *RunLoop) safePerform(ctx context.Context, s Source0) (tasks []*Task, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in source0 %s: %v", s.ID(), r)
		}
	}()
	return s.Perform(ctx)
}

// dispatchTasks dequeues up to MaxTasksPerCycle tasks in order, one at a
// time, but runs their handler invocations through a bounded worker pool
// (WorkerPoolConfig.MaxConcurrentHandlers) so a slow handler call doesn't
// serialize the whole batch. It waits for every dispatched handler to
// return before the cycle moves on to BeforeWaiting.
func (rl *RunLoop) dispatchTasks(ctx context.Context) int {
	poolSize := rl.config.WorkerPool.MaxConcurrentHandlers
	if poolSize < 1 {
		poolSize = 1
	}
	sem := make(chan struct{}, poolSize)

	dispatched := 0
	var wg sync.WaitGroup
	for i := 0; i < rl.config.MaxTasksPerCycle; i++ {
		t := rl.queue.Dequeue()
		if t == nil {
			break
		}
		dispatched++

		sem <- struct{}{}
		wg.Add(1)
		go func(t *Task) {
			defer wg.Done()
			defer func() { <-sem }()
			rl.dispatchOne(ctx, t)
		}(t)
	}
	wg.Wait()
	return dispatched
}

func (rl *RunLoop) dispatchOne(ctx context.Context, t *Task) {
	defer rl.chains.Release(t.CorrelationID)

	result, err := rl.invokeHandler(ctx, t)
	rl.metrics.RecordEventProcessed()

	if err != nil {
		rl.handleFailure(t, err)
		return
	}
	if result != nil && result.Error != "" && result.Retryable {
		rl.handleFailure(t, &HandlerError{Task: t, Cause: errors.New(result.Error), Retryable: true})
		return
	}

	if result != nil && t.ReplyTo != nil && rl.channels != nil {
		if err := rl.channels.Send(ctx, *t.ReplyTo, result); err != nil {
			rl.logger.Warn("failed to deliver reply", "task_id", t.ID, "error", err)
		}
	}
}

func (rl *RunLoop) invokeHandler(ctx context.Context, t *Task) (result *AgentResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling task %s: %v", t.ID, r)
		}
	}()

	if rl.handler == nil {
		return nil, &InvalidTaskError{Reason: "no handler registered"}
	}

	switch {
	case t.ScheduledAt != nil:
		return rl.handler.HandleDelayed(ctx, t)
	case t.ParentID != "":
		return rl.handler.HandleSubtask(ctx, t)
	default:
		return rl.handler.HandleExecute(ctx, t)
	}
}

func (rl *RunLoop) handleFailure(t *Task, cause error) {
	rl.logger.Error("task handler failed", "task_id", t.ID, "task_type", t.TaskType, "error", cause)

	if !t.CanRetry() {
		rl.logger.Warn("task exhausted retry budget, dropping", "task_id", t.ID, "retry_count", t.RetryCount)
		return
	}

	retry := t.Clone()
	retry.IncrementRetry()
	at := time.Now().Add(rl.backoffDelay(retry.RetryCount))
	retry.ScheduledAt = &at

	if err := rl.InjectTask(retry); err != nil {
		rl.logger.Warn("failed to re-enqueue retry", "task_id", t.ID, "error", err)
	}
}

func (rl *RunLoop) backoffDelay(attempt int) time.Duration {
	base := rl.config.Retry.BackoffInitial.Duration()
	max := rl.config.Retry.BackoffMax.Duration()

	d := base
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * rl.config.Retry.BackoffMultiplier)
		if d > max {
			d = max
			break
		}
	}

	if rl.config.Retry.Jitter && d > 0 {
		// +/-10% around d, seeded per process.
		spread := 0.9 + rand.Float64()*0.2
		d = time.Duration(float64(d) * spread)
	}
	return d
}

func (rl *RunLoop) wait(ctx context.Context) waitOutcome {
	waitStart := time.Now()
	defer func() { rl.metrics.RecordWaitTime(time.Since(waitStart)) }()

	timer := time.NewTimer(rl.nextWaitDuration())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return waitStopped
	case <-rl.stopCh:
		return waitStopped
	case <-rl.wakeup.C():
		rl.metrics.RecordWakeup()
		return waitWoke
	case sm := <-rl.source1Agg:
		rl.handleSource1Message(ctx, sm)
		return waitWoke
	case <-timer.C:
		return waitTimedOut
	}
}

func (rl *RunLoop) nextWaitDuration() time.Duration {
	if rl.queue.ImmediateLen() > 0 {
		return 0
	}
	if d, ok := rl.queue.NextDelay(); ok && d < maxWaitInterval {
		return d
	}
	return maxWaitInterval
}

func (rl *RunLoop) handleSource1Message(ctx context.Context, sm sourceMessage) {
	rl.metrics.RecordSource1Message()

	tasks, err := rl.safeHandle(ctx, sm.receiver.Source(), sm.msg)
	if err != nil {
		rl.logger.Error("source1 handler failed", "source", sm.receiver.Source().ID(), "error", err)
		return
	}
	for _, t := range tasks {
		if err := rl.InjectTask(t); err != nil {
			rl.logger.Warn("dropping task from source1", "source", sm.receiver.Source().ID(), "error", err)
		}
	}
}

func (rl *RunLoop) safeHandle(ctx context.Context, s Source1, msg PortMessage) (tasks []*Task, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in source1 %s: %v", s.ID(), r)
		}
	}()
	return s.Handle(ctx, msg)
}

func (rl *RunLoop) runPhase(ctx context.Context, phase RunLoopPhase) {
	rl.observersMu.RLock()
	entries := make([]observerEntry, len(rl.observers))
	copy(entries, rl.observers)
	rl.observersMu.RUnlock()

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].observer.Priority() > entries[j].observer.Priority()
	})

	for _, e := range entries {
		if e.observer.Activities()&phase == 0 {
			continue
		}
		rl.invokeObserver(ctx, phase, e.observer)
		rl.metrics.RecordObserverNotification()
	}
}

func (rl *RunLoop) invokeObserver(ctx context.Context, phase RunLoopPhase, o Observer) {
	defer func() {
		if r := recover(); r != nil {
			rl.logger.Error("observer panicked", "phase", phase.String(), "error", r)
		}
	}()
	o.OnPhase(ctx, phase, rl)
}
