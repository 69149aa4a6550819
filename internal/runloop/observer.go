package runloop

import "context"

// Observer is a phase-bound callback. The RunLoop invokes every observer
// whose Activities bit matches the current phase, in descending-Priority
// order, awaiting each before moving to the next. Observers are advisory:
// they must not mutate the task queue except through TaskInjector, and must
// tolerate being invoked from the RunLoop's own goroutine.
type Observer interface {
	Activities() RunLoopPhase
	Priority() int
	OnPhase(ctx context.Context, phase RunLoopPhase, rl *RunLoop)
}

// ObserverHandle identifies a registered observer for later removal.
type ObserverHandle struct {
	id string
}

type observerEntry struct {
	handle   ObserverHandle
	observer Observer
}
