// Package cron adapts netresearch/go-cron schedules into a runloop Source0:
// an external ticker calls Tick, which signals the source when an entry is
// due, and the next BeforeSources poll's Perform emits the corresponding
// task.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocron "github.com/netresearch/go-cron"

	"github.com/dohr-michael/runloopd/internal/runloop"
)

// Entry binds a cron expression to a task template. Cooldown guards
// against a missed tick re-firing within the same evaluation window.
type Entry struct {
	ID        string
	Spec      string
	TaskType  string
	Payload   any
	Priority  runloop.TaskPriority
	Cooldown  time.Duration

	schedule gocron.Schedule
	lastRun  time.Time
}

const defaultCooldown = 55 * time.Second

// Source is a cron-driven Source0. Entries are evaluated against the wall
// clock during every BeforeSources poll; Go's cron libraries compute the
// next activation rather than matching a raw timestamp, so Source keeps
// each entry's own schedule and compares against lastRun instead.
type Source struct {
	runloop.Source0Base

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewSource creates an empty cron Source0 scoped to modes.
func NewSource(id string, modes ...runloop.Mode) *Source {
	return &Source{
		Source0Base: runloop.NewSource0Base(id, modes...),
		entries:     make(map[string]*Entry),
	}
}

// AddEntry parses e.Spec with netresearch/go-cron and registers it.
func (s *Source) AddEntry(e *Entry) error {
	schedule, err := gocron.ParseStandard(e.Spec)
	if err != nil {
		return fmt.Errorf("cron: parse schedule %q: %w", e.Spec, err)
	}
	if e.Cooldown <= 0 {
		e.Cooldown = defaultCooldown
	}
	e.schedule = schedule

	s.mu.Lock()
	s.entries[e.ID] = e
	s.mu.Unlock()
	return nil
}

// RemoveEntry drops a registered entry.
func (s *Source) RemoveEntry(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Tick should be called on a steady external ticker (the composition root
// wires this to roughly once-a-minute); any entry now due for firing sets
// the signal, which the next BeforeSources poll consumes via Perform.
func (s *Source) Tick(now time.Time) {
	s.mu.Lock()
	due := false
	for _, e := range s.entries {
		if now.Sub(e.lastRun) < e.Cooldown {
			continue
		}
		prev := e.schedule.Next(now.Add(-time.Minute))
		if !prev.After(now.Truncate(time.Minute)) && prev.Equal(now.Truncate(time.Minute)) {
			due = true
		}
	}
	s.mu.Unlock()

	if due {
		s.Signal()
	}
}

// Perform emits one Task per entry whose schedule matched since the last
// Tick, stamping lastRun so Tick won't re-fire it inside its cooldown.
func (s *Source) Perform(_ context.Context) ([]*runloop.Task, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []*runloop.Task
	for _, e := range s.entries {
		if now.Sub(e.lastRun) < e.Cooldown {
			continue
		}
		truncated := now.Truncate(time.Minute)
		prev := e.schedule.Next(truncated.Add(-time.Minute))
		if !prev.Equal(truncated) {
			continue
		}

		e.lastRun = now
		t := runloop.NewTask(e.TaskType, e.Payload).
			WithSource(runloop.TaskSourceScheduler).
			WithPriority(e.Priority)
		tasks = append(tasks, t)
	}
	return tasks, nil
}
