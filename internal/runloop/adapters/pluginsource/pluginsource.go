// Package pluginsource hosts a WASM plugin via github.com/extism/go-sdk
// whose exports the plugin author implements to decide signalling and task
// production, wrapped behind the Source0 contract so a
// third-party plugin can act as an event producer without the core ever
// importing a scripting runtime directly.
package pluginsource

import (
	"context"
	"encoding/json"
	"fmt"

	extism "github.com/extism/go-sdk"

	"github.com/dohr-michael/runloopd/internal/runloop"
)

// taskDescriptor is the JSON shape a plugin's export returns: one per task
// it wants emitted this poll.
type taskDescriptor struct {
	TaskType string         `json:"task_type"`
	Payload  map[string]any `json:"payload"`
	Priority string         `json:"priority"`
}

// Source wraps a loaded extism.Plugin as a Source0. The plugin itself
// decides, on each Poll, whether it is signalled through an optional
// boolean-returning "should_signal" export (without it every Poll
// signals); Perform then calls the export named by funcName and marshals
// its JSON array of task descriptors into Tasks.
type Source struct {
	runloop.Source0Base

	plugin   *extism.Plugin
	funcName string
}

// NewSource wraps plugin, exported via funcName, as a Source0 identified
// by id and scoped to modes.
func NewSource(id string, plugin *extism.Plugin, funcName string, modes ...runloop.Mode) *Source {
	return &Source{
		Source0Base: runloop.NewSource0Base(id, modes...),
		plugin:      plugin,
		funcName:    funcName,
	}
}

// Poll invokes the plugin's "should_signal" export and, if it reports
// true, sets the Source0 signal so the next BeforeSources poll calls
// Perform. The composition root calls Poll on a steady ticker, mirroring
// how the cron adapter's external Tick drives its own signalling.
func (s *Source) Poll(ctx context.Context) error {
	if !s.plugin.FunctionExists("should_signal") {
		s.Signal()
		return nil
	}

	_, output, err := s.plugin.Call("should_signal", nil)
	if err != nil {
		return fmt.Errorf("pluginsource: should_signal call: %w", err)
	}

	var signalled bool
	if err := json.Unmarshal(output, &signalled); err != nil {
		return fmt.Errorf("pluginsource: should_signal output: %w", err)
	}
	if signalled {
		s.Signal()
	}
	return nil
}

// Perform calls the plugin's configured export and marshals its returned
// JSON array of task descriptors into Tasks.
func (s *Source) Perform(_ context.Context) ([]*runloop.Task, error) {
	_, output, err := s.plugin.Call(s.funcName, nil)
	if err != nil {
		return nil, fmt.Errorf("pluginsource: %s call: %w", s.funcName, err)
	}

	var descriptors []taskDescriptor
	if err := json.Unmarshal(output, &descriptors); err != nil {
		return nil, fmt.Errorf("pluginsource: %s output: %w", s.funcName, err)
	}

	tasks := make([]*runloop.Task, 0, len(descriptors))
	for _, d := range descriptors {
		task := runloop.NewTask(d.TaskType, d.Payload).WithSource(runloop.CustomTaskSource("plugin:" + s.ID()))
		if priority, ok := parsePriority(d.Priority); ok {
			task = task.WithPriority(priority)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func parsePriority(s string) (runloop.TaskPriority, bool) {
	switch s {
	case "low":
		return runloop.PriorityLow, true
	case "normal":
		return runloop.PriorityNormal, true
	case "high":
		return runloop.PriorityHigh, true
	case "critical":
		return runloop.PriorityCritical, true
	case "system":
		return runloop.PrioritySystem, true
	default:
		return 0, false
	}
}
