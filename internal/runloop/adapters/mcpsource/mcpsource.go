// Package mcpsource exposes submit_task/check_task/cancel_task as MCP
// tools via github.com/modelcontextprotocol/go-sdk, calling straight into
// a RunLoop's TaskInjector rather than going through a Source1 port — the
// SDK already serializes concurrent tool calls for us.
package mcpsource

import (
	"context"
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dohr-michael/runloopd/internal/runloop"
)

// TaskLookup answers check_task/cancel_task calls. The RunLoop core has no
// task-by-id index of its own (the queue is priority-ordered, not
// keyed), so the composition root supplies one backed by whatever tracks
// submitted-task state (e.g. the spawner registry, or a side index kept by
// the AgentEventHandler).
type TaskLookup interface {
	Status(taskID string) (SpawnedTaskStatus, bool)
	Cancel(taskID string) bool
}

// SpawnedTaskStatus is the minimal status surface reported to MCP clients.
type SpawnedTaskStatus struct {
	State string
}

// NewServer builds an MCP server exposing submit_task/check_task/cancel_task
// against injector and lookup.
func NewServer(injector runloop.TaskInjector, lookup TaskLookup) *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "runloopd",
		Version: "0.1.0",
	}, nil)

	server.AddTool(&mcpsdk.Tool{
		Name:        "submit_task",
		Description: "Submit a task for the run loop to execute",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_type": map[string]any{"type": "string"},
				"payload":   map[string]any{"type": "object"},
			},
			"required": []string{"task_type"},
		},
	}, handleSubmitTask(injector))

	server.AddTool(&mcpsdk.Tool{
		Name:        "check_task",
		Description: "Check the status of a previously submitted task",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"task_id": map[string]any{"type": "string"}},
			"required":   []string{"task_id"},
		},
	}, handleCheckTask(lookup))

	server.AddTool(&mcpsdk.Tool{
		Name:        "cancel_task",
		Description: "Cancel a previously submitted task",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"task_id": map[string]any{"type": "string"}},
			"required":   []string{"task_id"},
		},
	}, handleCancelTask(lookup))

	return server
}

func handleSubmitTask(injector runloop.TaskInjector) func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	return func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var params struct {
			TaskType string `json:"task_type"`
			Payload  any    `json:"payload"`
		}
		if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
			return errorResult(err), nil
		}
		if params.TaskType == "" {
			return errorResult(fmt.Errorf("task_type required")), nil
		}

		task := runloop.NewTask(params.TaskType, params.Payload).WithSource(runloop.TaskSourceAgent)
		if err := injector.InjectTask(task); err != nil {
			return errorResult(err), nil
		}
		injector.Wakeup("mcpsource")

		return textResult(fmt.Sprintf(`{"task_id":%q,"status":"submitted"}`, task.ID)), nil
	}
}

func handleCheckTask(lookup TaskLookup) func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	return func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var params struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
			return errorResult(err), nil
		}

		status, ok := lookup.Status(params.TaskID)
		if !ok {
			return errorResult(fmt.Errorf("task not found: %s", params.TaskID)), nil
		}
		return textResult(fmt.Sprintf(`{"task_id":%q,"state":%q}`, params.TaskID, status.State)), nil
	}
}

func handleCancelTask(lookup TaskLookup) func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	return func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var params struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
			return errorResult(err), nil
		}

		if !lookup.Cancel(params.TaskID) {
			return errorResult(fmt.Errorf("task not found: %s", params.TaskID)), nil
		}
		return textResult(fmt.Sprintf(`{"task_id":%q,"status":"cancelled"}`, params.TaskID)), nil
	}
}

func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}}}
}

func errorResult(err error) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{IsError: true, Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}}}
}
