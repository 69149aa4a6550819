package runloop

import (
	"testing"
	"time"
)

func TestNewTask_Defaults(t *testing.T) {
	task := NewTask("agent.execute", "hello")

	if task.ID == "" {
		t.Error("expected a non-empty id")
	}
	if task.Priority != PriorityNormal {
		t.Errorf("Priority = %v, want %v", task.Priority, PriorityNormal)
	}
	if task.MaxRetries != defaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", task.MaxRetries, defaultMaxRetries)
	}
	if !task.IsReady() {
		t.Error("expected a freshly created task to be ready")
	}
}

func TestTask_Builders(t *testing.T) {
	scheduled := time.Now().Add(time.Hour)
	task := NewTask("agent.execute", nil).
		WithPriority(PriorityCritical).
		WithSource(TaskSourceWebhook).
		WithScheduledAt(scheduled).
		WithCorrelationID("corr-1").
		WithParent("parent-1").
		WithMetadata("k", "v").
		WithMaxRetries(5).
		WithReplyTo(ReplyAddress{ChannelID: "chan", Target: "user"})

	if task.Priority != PriorityCritical {
		t.Errorf("Priority = %v, want critical", task.Priority)
	}
	if task.Source != TaskSourceWebhook {
		t.Errorf("Source = %v, want webhook", task.Source)
	}
	if task.IsReady() {
		t.Error("expected a future-scheduled task to not be ready")
	}
	if task.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID = %q, want corr-1", task.CorrelationID)
	}
	if task.ParentID != "parent-1" {
		t.Errorf("ParentID = %q, want parent-1", task.ParentID)
	}
	if task.Metadata["k"] != "v" {
		t.Errorf("Metadata[k] = %v, want v", task.Metadata["k"])
	}
	if task.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", task.MaxRetries)
	}
	if task.ReplyTo == nil || task.ReplyTo.ChannelID != "chan" {
		t.Errorf("ReplyTo = %+v, want ChannelID=chan", task.ReplyTo)
	}
}

func TestTask_CanRetry(t *testing.T) {
	task := NewTask("t", nil).WithMaxRetries(2)

	if !task.CanRetry() {
		t.Fatal("expected retry budget available")
	}
	task.IncrementRetry()
	if !task.CanRetry() {
		t.Fatal("expected one retry remaining")
	}
	task.IncrementRetry()
	if task.CanRetry() {
		t.Fatal("expected retry budget exhausted")
	}
}

func TestTask_EnsureCorrelationID(t *testing.T) {
	task := NewTask("t", nil)
	id := task.EnsureCorrelationID()
	if id == "" {
		t.Fatal("expected a generated correlation id")
	}
	if task.EnsureCorrelationID() != id {
		t.Error("expected EnsureCorrelationID to be idempotent")
	}
}

func TestTask_Clone(t *testing.T) {
	at := time.Now().Add(time.Minute)
	original := NewTask("t", nil).
		WithScheduledAt(at).
		WithReplyTo(ReplyAddress{ChannelID: "c"}).
		WithMetadata("a", 1)

	clone := original.Clone()
	clone.Metadata["a"] = 2
	*clone.ScheduledAt = at.Add(time.Hour)
	clone.ReplyTo.ChannelID = "other"

	if original.Metadata["a"] != 1 {
		t.Error("expected Clone to deep-copy Metadata")
	}
	if !original.ScheduledAt.Equal(at) {
		t.Error("expected Clone to deep-copy ScheduledAt")
	}
	if original.ReplyTo.ChannelID != "c" {
		t.Error("expected Clone to deep-copy ReplyTo")
	}
}

func TestTaskPriority_String(t *testing.T) {
	cases := map[TaskPriority]string{
		PriorityLow:      "low",
		PriorityNormal:   "normal",
		PriorityHigh:     "high",
		PriorityCritical: "critical",
		PrioritySystem:   "system",
	}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", p, got, want)
		}
	}
}

func TestCustomTaskSource(t *testing.T) {
	s := CustomTaskSource("mcp")
	if s.String() != "mcp" {
		t.Errorf("String() = %q, want mcp", s.String())
	}
}
