package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/runloopd/internal/config"
	"github.com/dohr-michael/runloopd/internal/runloop"
	"github.com/dohr-michael/runloopd/internal/runloop/adapters/mcpsource"
	"github.com/dohr-michael/runloopd/internal/runloop/handlers"
)

// newMCPServeCommand returns the mcp-serve subcommand, which runs its own
// stripped-down RunLoop — no gateway, no adapters — purely so an MCP
// client can submit_task/check_task/cancel_task over stdio.
func newMCPServeCommand() *cli.Command {
	return &cli.Command{
		Name:   "mcp-serve",
		Usage:  "Expose submit_task/check_task/cancel_task as an MCP server (stdio)",
		Action: runMCPServe,
	}
}

func runMCPServe(ctx context.Context, cmd *cli.Command) error {
	// stdout carries the MCP stdio transport; all logging goes to stderr.
	level := slog.LevelWarn
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		slog.Debug("config not found, using defaults", "path", cmd.String("config"), "error", err)
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
	}

	handler := handlers.NewLoggingHandler(logger)
	channels := handlers.NewMultiChannelRegistry()
	rl := runloop.NewRunLoop(cfg.RunLoop, handler, channels, logger)
	rl.AddObserver(runloop.NewLoggingObserver(level))

	tracker := newTaskTracker()
	server := mcpsource.NewServer(&trackingInjector{RunLoop: rl, tracker: tracker}, tracker)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := rl.Run(runCtx); err != nil {
			slog.Error("runloop exited", "error", err)
		}
	}()
	defer rl.Stop()

	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

// trackingInjector wraps the RunLoop's own TaskInjector so submit_task
// calls also register with tracker, since mcpsource has no hook of its
// own for observing what it injects.
type trackingInjector struct {
	*runloop.RunLoop
	tracker *taskTracker
}

func (t *trackingInjector) InjectTask(task *runloop.Task) error {
	if err := t.RunLoop.InjectTask(task); err != nil {
		return err
	}
	t.tracker.observe(task.ID)
	return nil
}

// taskTracker is the minimal TaskLookup behind mcp-serve: it only knows
// that a task was submitted or cancelled, not how a handler resolved it,
// since mcp-serve runs without the daemon's adapters or reply channels.
type taskTracker struct {
	mu       sync.Mutex
	statuses map[string]mcpsource.SpawnedTaskStatus
}

func newTaskTracker() *taskTracker {
	return &taskTracker{statuses: make(map[string]mcpsource.SpawnedTaskStatus)}
}

func (t *taskTracker) observe(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[taskID] = mcpsource.SpawnedTaskStatus{State: "submitted"}
}

func (t *taskTracker) Status(taskID string) (mcpsource.SpawnedTaskStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statuses[taskID]
	return s, ok
}

func (t *taskTracker) Cancel(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.statuses[taskID]; !ok {
		return false
	}
	t.statuses[taskID] = mcpsource.SpawnedTaskStatus{State: "cancelled"}
	return true
}
