package runloop

import "context"

// AgentResult is the outcome of an AgentEventHandler call.
type AgentResult struct {
	Output    string
	Error     string
	Retryable bool
	Metrics   any
}

// AgentEventHandler is the external collaborator that turns dispatched
// tasks into work. The RunLoop core never interprets Task.Payload itself;
// it only routes tasks to the handler by TaskType shape.
type AgentEventHandler interface {
	// HandleExecute runs a top-level task to completion.
	HandleExecute(ctx context.Context, t *Task) (*AgentResult, error)
	// HandleSubtask runs a task spawned as a child of another (ParentID set).
	HandleSubtask(ctx context.Context, t *Task) (*AgentResult, error)
	// HandleDelayed runs a task that was promoted from the delayed queue.
	HandleDelayed(ctx context.Context, t *Task) (*AgentResult, error)
}

// ChannelRegistry delivers AgentResult output back to the channel that
// originated the task, addressed by Task.ReplyTo.
type ChannelRegistry interface {
	Send(ctx context.Context, replyTo ReplyAddress, result *AgentResult) error
}
