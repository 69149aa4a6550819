package runloop

import (
	"context"
	"testing"
)

func TestSource0Base(t *testing.T) {
	base := NewSource0Base("cron-1", ModeDefault, ModeBackground)

	if base.ID() != "cron-1" {
		t.Errorf("ID() = %q, want cron-1", base.ID())
	}
	if base.IsSignaled() {
		t.Error("expected a fresh Source0Base to be unsignaled")
	}
	base.Signal()
	if !base.IsSignaled() {
		t.Error("expected IsSignaled() after Signal()")
	}
	base.ClearSignal()
	if base.IsSignaled() {
		t.Error("expected IsSignaled() false after ClearSignal()")
	}
	if !base.IsValid() {
		t.Error("expected IsValid() before Cancel()")
	}
	base.Cancel()
	if base.IsValid() {
		t.Error("expected IsValid() false after Cancel()")
	}
	if len(base.Modes()) != 2 {
		t.Errorf("Modes() = %v, want 2 entries", base.Modes())
	}
}

type stubSource1 struct {
	id string
}

func (s *stubSource1) ID() string { return s.id }
func (s *stubSource1) Handle(context.Context, PortMessage) ([]*Task, error) {
	return nil, nil
}
func (s *stubSource1) Modes() []Mode { return []Mode{ModeCommon} }
func (s *stubSource1) IsValid() bool { return true }
func (s *stubSource1) Cancel()       {}

func TestSource1Receiver_SendDropsWhenFull(t *testing.T) {
	r := NewSource1Receiver(&stubSource1{id: "s1"}, 1)

	if !r.Send(NewPortMessage("s1", "a")) {
		t.Fatal("expected first send to succeed")
	}
	if r.Send(NewPortMessage("s1", "b")) {
		t.Error("expected second send on a full channel to be dropped")
	}

	msg := <-r.Chan()
	if msg.Payload != "a" {
		t.Errorf("Payload = %v, want a", msg.Payload)
	}
}

func TestWakeupSignal_Coalesces(t *testing.T) {
	w := NewWakeupSignal()
	w.Set()
	w.Set()
	w.Set()

	select {
	case <-w.C():
	default:
		t.Fatal("expected a pending signal")
	}

	select {
	case <-w.C():
		t.Fatal("expected signal to coalesce to a single pending wake")
	default:
	}
}
