package runloop

import (
	"context"

	"github.com/dohr-michael/runloopd/internal/events"
)

// EventLogObserver publishes a coarse, structured trail of cycle and mode
// activity onto an events.Bus, feeding the JSONL event log registered at
// lifecycle priority 1000 alongside the checkpoint store. It complements
// LoggingObserver's human-readable slog lines with a replayable one.
//
// It deliberately does not publish per-task events: the RunLoop core has
// no hook exposing individual dispatches to observers (Dispatch only
// calls the AgentEventHandler directly), so task-level events are
// published by the handler/adapters that actually see each Task, not by
// this observer.
type EventLogObserver struct {
	bus      *events.Bus
	lastMode Mode
}

// NewEventLogObserver creates an EventLogObserver publishing onto bus.
func NewEventLogObserver(bus *events.Bus) *EventLogObserver {
	return &EventLogObserver{bus: bus}
}

func (o *EventLogObserver) Activities() RunLoopPhase {
	return PhaseEntry | PhaseBeforeWaiting
}

func (o *EventLogObserver) Priority() int { return 80 }

func (o *EventLogObserver) OnPhase(_ context.Context, phase RunLoopPhase, rl *RunLoop) {
	switch phase {
	case PhaseEntry:
		o.bus.Publish(events.NewEvent(events.EventCycleStart, events.SourceRunLoop, nil))
	case PhaseBeforeWaiting:
		mode := rl.CurrentMode()
		if mode != o.lastMode {
			o.bus.Publish(events.NewEvent(events.EventModeChanged, events.SourceRunLoop, map[string]any{
				"mode": string(mode),
			}))
			o.lastMode = mode
		}
	}
}

var _ Observer = (*EventLogObserver)(nil)
