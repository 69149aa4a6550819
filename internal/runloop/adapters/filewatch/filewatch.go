// Package filewatch watches a set of directories with fsnotify and turns
// debounced, glob-matched file changes into runloop Tasks via a Source1.
package filewatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/dohr-michael/runloopd/internal/runloop"
)

// Trigger binds a glob to a task template. Debounce coalesces rapid
// successive events on the same path within the window into a single task.
type Trigger struct {
	Name     string        `json:"name" yaml:"name"`
	Glob     string        `json:"glob" yaml:"glob"`
	TaskType string        `json:"task_type" yaml:"task_type"`
	Debounce time.Duration `json:"debounce" yaml:"debounce"`
}

const defaultDebounce = 500 * time.Millisecond

// fileChange is the payload carried on the filewatch port.
type fileChange struct {
	Path       string
	ChangeType string
	TaskType   string
}

// LoadTriggersJSONC parses a triggers.jsonc file, tolerant of comments and
// trailing commas, into a Trigger slice.
func LoadTriggersJSONC(data []byte) ([]Trigger, error) {
	standard, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("filewatch: standardize jsonc: %w", err)
	}
	var triggers []Trigger
	if err := json.Unmarshal(standard, &triggers); err != nil {
		return nil, fmt.Errorf("filewatch: parse triggers: %w", err)
	}
	return triggers, nil
}

// LoadDefaultTriggersYAML parses the default trigger set shipped with the
// binary, typically embedded, in YAML rather than JSONC.
func LoadDefaultTriggersYAML(data []byte) ([]Trigger, error) {
	var triggers []Trigger
	if err := yaml.Unmarshal(data, &triggers); err != nil {
		return nil, fmt.Errorf("filewatch: parse default triggers: %w", err)
	}
	return triggers, nil
}

// Source is a Source1 driven by an fsnotify.Watcher. Run must be started
// in its own goroutine; it injects debounced, trigger-matched events
// straight into the RunLoop via its TaskInjector, without a
// Source1Receiver, rather than acting as a classic polled Source0, since
// fsnotify already delivers events asynchronously.
type Source struct {
	id        string
	triggers  []Trigger
	watcher   *fsnotify.Watcher
	injector  runloop.TaskInjector
	cancelled bool

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewSource creates a filewatch Source1 bound to injector, the watcher
// it should drain, and the trigger set matched against changed paths.
func NewSource(id string, watcher *fsnotify.Watcher, injector runloop.TaskInjector, triggers []Trigger) *Source {
	return &Source{
		id:       id,
		triggers: triggers,
		watcher:  watcher,
		injector: injector,
		pending:  make(map[string]*time.Timer),
	}
}

func (s *Source) ID() string            { return s.id }
func (s *Source) Modes() []runloop.Mode { return []runloop.Mode{runloop.ModeCommon} }
func (s *Source) IsValid() bool         { return !s.cancelled }
func (s *Source) Cancel()               { s.cancelled = true; s.watcher.Close() }

// Handle turns a debounced fileChange into a Task. Run calls this directly
// (bypassing the Source1Receiver channel) once a path's debounce timer
// fires, since the debounce timer itself already serializes delivery.
func (s *Source) Handle(_ context.Context, msg runloop.PortMessage) ([]*runloop.Task, error) {
	change, ok := msg.Payload.(fileChange)
	if !ok {
		return nil, nil
	}
	task := runloop.NewTask(change.TaskType, map[string]string{
		"path":        change.Path,
		"change_type": change.ChangeType,
	}).WithSource(runloop.TaskSourceFileWatcher)
	return []*runloop.Task{task}, nil
}

// Run drains the watcher until ctx is cancelled, debouncing per-path and
// emitting matched triggers as injected tasks.
func (s *Source) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("filewatch: watcher error", "error", err)
		}
	}
}

func (s *Source) handleEvent(ctx context.Context, ev fsnotify.Event) {
	trigger := s.matchTrigger(ev.Name)
	if trigger == nil {
		return
	}

	debounce := trigger.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, exists := s.pending[ev.Name]; exists {
		t.Stop()
	}
	s.pending[ev.Name] = time.AfterFunc(debounce, func() {
		s.fire(ctx, ev, *trigger)
		s.mu.Lock()
		delete(s.pending, ev.Name)
		s.mu.Unlock()
	})
}

func (s *Source) fire(ctx context.Context, ev fsnotify.Event, trigger Trigger) {
	tasks, err := s.Handle(ctx, runloop.NewPortMessage(s.id, fileChange{
		Path:       ev.Name,
		ChangeType: ev.Op.String(),
		TaskType:   trigger.TaskType,
	}))
	if err != nil {
		slog.Error("filewatch: handle event", "error", err)
		return
	}
	for _, t := range tasks {
		if err := s.injector.InjectTask(t); err != nil {
			slog.Warn("filewatch: inject task", "error", err)
		}
	}
	s.injector.Wakeup("filewatch")
}

func (s *Source) matchTrigger(path string) *Trigger {
	for i := range s.triggers {
		matched, err := doublestar.Match(s.triggers[i].Glob, path)
		if err == nil && matched {
			return &s.triggers[i]
		}
	}
	return nil
}

// WatchPaths adds every directory in paths to a fresh fsnotify.Watcher and
// returns it for use with NewSource; callers typically walk a root once at
// startup to discover subdirectories worth watching.
func WatchPaths(paths ...string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if fi, statErr := os.Stat(p); statErr != nil || !fi.IsDir() {
			continue
		}
		if err := w.Add(p); err != nil {
			w.Close()
			return nil, fmt.Errorf("filewatch: watch %q: %w", p, err)
		}
	}
	return w, nil
}
