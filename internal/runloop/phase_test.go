package runloop

import "testing"

func TestRunLoopPhase_String(t *testing.T) {
	cases := map[RunLoopPhase]string{
		PhaseEntry:         "entry",
		PhaseBeforeTimers:  "before_timers",
		PhaseBeforeSources: "before_sources",
		PhaseDispatch:      "dispatch",
		PhaseBeforeWaiting: "before_waiting",
		PhaseWait:          "wait",
		PhaseAfterWaiting:  "after_waiting",
		PhaseExit:          "exit",
	}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", p, got, want)
		}
	}
}

func TestRunLoopPhase_Bitset(t *testing.T) {
	combined := PhaseEntry | PhaseExit
	if combined&PhaseEntry == 0 {
		t.Error("expected PhaseEntry bit set")
	}
	if combined&PhaseDispatch != 0 {
		t.Error("expected PhaseDispatch bit unset")
	}
}
