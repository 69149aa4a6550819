// Package handlers provides the default AgentEventHandler wired by the
// composition root. LLM provider wire formats and tool execution are
// external collaborators outside the RunLoop's scope; LoggingHandler is the
// minimal in-repo handler that actually drives tasks to completion without
// depending on either, so the daemon is runnable and observable on its own.
package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dohr-michael/runloopd/internal/runloop"
)

// LoggingHandler turns every dispatched task into a log line and an
// acknowledgement AgentResult. Deployments that need real LLM-backed
// execution replace this with their own AgentEventHandler; it exists so
// the RunLoop has something to run against out of the box.
type LoggingHandler struct {
	logger *slog.Logger
}

// NewLoggingHandler creates a handler logging through logger (or the
// default logger if nil).
func NewLoggingHandler(logger *slog.Logger) *LoggingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingHandler{logger: logger}
}

func (h *LoggingHandler) HandleExecute(_ context.Context, t *runloop.Task) (*runloop.AgentResult, error) {
	h.logger.Info("handling execute task", "task_id", t.ID, "type", t.TaskType, "source", t.Source)
	return &runloop.AgentResult{Output: fmt.Sprintf("acknowledged task %s (%s)", t.ID, t.TaskType)}, nil
}

func (h *LoggingHandler) HandleSubtask(_ context.Context, t *runloop.Task) (*runloop.AgentResult, error) {
	h.logger.Info("handling subtask", "task_id", t.ID, "parent_id", t.ParentID, "type", t.TaskType)
	return &runloop.AgentResult{Output: fmt.Sprintf("acknowledged subtask %s", t.ID)}, nil
}

func (h *LoggingHandler) HandleDelayed(_ context.Context, t *runloop.Task) (*runloop.AgentResult, error) {
	h.logger.Info("handling delayed task", "task_id", t.ID, "type", t.TaskType)
	return &runloop.AgentResult{Output: fmt.Sprintf("acknowledged delayed task %s", t.ID)}, nil
}

var _ runloop.AgentEventHandler = (*LoggingHandler)(nil)

// MultiChannelRegistry fans AgentResult delivery out to whichever
// ChannelRegistry recognizes the result's ReplyAddress.ChannelID; each
// adapter's own registry only handles its own channel ID and is a no-op
// for anything else, so this just tries them all.
type MultiChannelRegistry struct {
	registries []runloop.ChannelRegistry
}

// NewMultiChannelRegistry combines registries into a single ChannelRegistry.
func NewMultiChannelRegistry(registries ...runloop.ChannelRegistry) *MultiChannelRegistry {
	return &MultiChannelRegistry{registries: registries}
}

func (m *MultiChannelRegistry) Send(ctx context.Context, replyTo runloop.ReplyAddress, result *runloop.AgentResult) error {
	var firstErr error
	for _, r := range m.registries {
		if err := r.Send(ctx, replyTo, result); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ runloop.ChannelRegistry = (*MultiChannelRegistry)(nil)
