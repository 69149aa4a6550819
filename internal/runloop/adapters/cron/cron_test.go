package cron

import (
	"context"
	"testing"
	"time"
)

func TestAddEntry_RejectsInvalidSpec(t *testing.T) {
	s := NewSource("cron")
	err := s.AddEntry(&Entry{ID: "bad", Spec: "not a cron spec", TaskType: "x"})
	if err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestAddEntry_DefaultsCooldown(t *testing.T) {
	s := NewSource("cron")
	e := &Entry{ID: "e1", Spec: "* * * * *", TaskType: "t"}
	if err := s.AddEntry(e); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if e.Cooldown != defaultCooldown {
		t.Errorf("Cooldown = %v, want %v", e.Cooldown, defaultCooldown)
	}
}

func TestPerform_EmitsTaskForDueEntry(t *testing.T) {
	s := NewSource("cron")
	if err := s.AddEntry(&Entry{ID: "e1", Spec: "* * * * *", TaskType: "agent:execute", Payload: map[string]any{"x": 1}}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	tasks, err := s.Perform(context.Background())
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0].TaskType != "agent:execute" {
		t.Errorf("TaskType = %q, want agent:execute", tasks[0].TaskType)
	}
}

func TestPerform_RespectsCooldown(t *testing.T) {
	s := NewSource("cron")
	if err := s.AddEntry(&Entry{ID: "e1", Spec: "* * * * *", TaskType: "t", Cooldown: time.Hour}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	first, err := s.Perform(context.Background())
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 task on first perform, got %d", len(first))
	}

	second, err := s.Perform(context.Background())
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("expected 0 tasks within cooldown, got %d", len(second))
	}
}

func TestRemoveEntry_StopsFutureFiring(t *testing.T) {
	s := NewSource("cron")
	if err := s.AddEntry(&Entry{ID: "e1", Spec: "* * * * *", TaskType: "t"}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	s.RemoveEntry("e1")

	tasks, err := s.Perform(context.Background())
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected 0 tasks after RemoveEntry, got %d", len(tasks))
	}
}
