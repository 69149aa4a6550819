package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/bwmarrin/discordgo"
	"github.com/go-chi/chi/v5"
	extism "github.com/extism/go-sdk"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/dohr-michael/runloopd/internal/config"
	"github.com/dohr-michael/runloopd/internal/events"
	"github.com/dohr-michael/runloopd/internal/heartbeat"
	"github.com/dohr-michael/runloopd/internal/lifecycle"
	"github.com/dohr-michael/runloopd/internal/runloop"
	"github.com/dohr-michael/runloopd/internal/runloop/adapters/cron"
	"github.com/dohr-michael/runloopd/internal/runloop/adapters/discord"
	"github.com/dohr-michael/runloopd/internal/runloop/adapters/filewatch"
	"github.com/dohr-michael/runloopd/internal/runloop/adapters/pluginsource"
	"github.com/dohr-michael/runloopd/internal/runloop/adapters/webhook"
	"github.com/dohr-michael/runloopd/internal/runloop/adapters/wsgateway"
	"github.com/dohr-michael/runloopd/internal/runloop/checkpoint/sqlitestore"
	"github.com/dohr-michael/runloopd/internal/runloop/handlers"
	"github.com/dohr-michael/runloopd/internal/storage"
)

// newRunCommand returns the daemon's main subcommand: build every adapter
// named in the config, wire it into a RunLoop, and drive the whole thing
// through a Lifecycle until the process receives a shutdown signal.
func newRunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Start the RunLoop daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "Gateway host override"},
			&cli.IntFlag{Name: "port", Usage: "Gateway port override"},
		},
		Action: runDaemon,
	}
}

func runDaemon(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		slog.Warn("config not found, using defaults", "path", cmd.String("config"), "error", err)
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
	}

	logLevel := resolveLogLevel(cfg.Logging.Level)
	if cmd.Bool("debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(newLogHandler(cfg.Logging.JSON, logLevel))
	slog.SetDefault(logger)

	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}

	lc := lifecycle.New(logger)

	// --- Checkpoint store (priority 1000: infrastructure, first up, last down) ---
	checkpointMgr, checkpointHook, err := buildCheckpointManager(cfg)
	if err != nil {
		return fmt.Errorf("build checkpoint store: %w", err)
	}
	if checkpointHook != nil {
		if err := lc.Register(*checkpointHook); err != nil {
			return err
		}
	}

	// --- Event log (priority 1000: infrastructure, alongside the checkpoint store) ---
	bus := events.NewBus(256)
	eventLogger := storage.NewEventLogger(filepath.Join(config.RunloopdPath(), "events"), bus)
	if err := lc.Register(lifecycle.Hook{
		Name:     "event-log",
		Priority: 1000,
		OnStart:  func(context.Context) error { return nil },
		OnStop: func(context.Context) error {
			eventLogger.Close()
			bus.Close()
			return nil
		},
	}); err != nil {
		return err
	}

	// --- Channel registries, gathered as adapters are built, combined below ---
	var channelRegistries []runloop.ChannelRegistry

	wsHub := wsgateway.NewHub("ws")
	channelRegistries = append(channelRegistries, wsHub)

	var discordSource *discord.Source
	var discordSession *discordgo.Session
	if cfg.Discord.IsEnabled() {
		discordSession, err = discordgo.New("Bot " + cfg.Discord.BotToken.Value)
		if err != nil {
			return fmt.Errorf("discord: new session: %w", err)
		}
		discordSource = discord.NewSource("discord", discordSession)
		channelRegistries = append(channelRegistries, discord.NewChannelRegistry(discordSession))
	}

	channels := handlers.NewMultiChannelRegistry(channelRegistries...)
	handler := handlers.NewLoggingHandler(logger)

	rl := runloop.NewRunLoop(cfg.RunLoop, handler, channels, logger)
	rl.AddObserver(runloop.NewLoggingObserver(slog.LevelDebug))
	rl.AddObserver(runloop.NewMetricsObserver())
	rl.AddObserver(runloop.NewSpawnerObserver(5 * time.Minute))
	rl.AddObserver(runloop.NewResourceCleanupObserver())
	rl.AddObserver(runloop.NewEventLogObserver(bus))
	if checkpointMgr != nil {
		rl.AddObserver(runloop.NewCheckpointObserver(checkpointMgr).
			WithInterval(time.Duration(cfg.RunLoop.Checkpoint.MinIntervalSecs) * time.Second))
	}

	if err := lc.Register(runLoopHook(rl)); err != nil {
		return err
	}

	hbWriter := heartbeat.NewWriter(config.HeartbeatPath()).
		WithModeFunc(func() string { return string(rl.CurrentMode()) })
	if err := lc.Register(lifecycle.Hook{
		Name:     "heartbeat",
		Priority: 100,
		OnStart: func(context.Context) error {
			hbWriter.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			hbWriter.Stop()
			return nil
		},
	}); err != nil {
		return err
	}

	mux := chi.NewRouter()
	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if len(cfg.Webhooks.Names) > 0 {
		hooksRouter := chi.NewRouter()
		for _, name := range cfg.Webhooks.Names {
			src := webhook.NewSource(name)
			receiver := rl.RegisterSource1(src, 64)
			webhook.Route(hooksRouter, receiver, name)
		}
		mux.Mount("/hooks", hooksRouter)
	}

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		wsReceiver := rl.RegisterSource1(wsHub, 64)
		wsHub.ServeWS(wsReceiver, uuid.NewString())(w, r)
	})

	if cfg.Cron.Entries != nil {
		if err := registerCronEntries(rl, cfg.Cron.Entries); err != nil {
			return fmt.Errorf("register cron entries: %w", err)
		}
	}

	if len(cfg.Plugins.Manifests) > 0 {
		if err := registerPlugins(ctx, rl, cfg.Plugins); err != nil {
			return fmt.Errorf("register plugins: %w", err)
		}
	}

	var fwSource *filewatch.Source
	if len(cfg.FileWatch.Paths) > 0 {
		fwSource, err = buildFileWatchSource(rl, cfg.FileWatch)
		if err != nil {
			return fmt.Errorf("build file watcher: %w", err)
		}
	}

	// --- Adapters (priority 200: providers/extensions, last up, first down) ---
	httpAddr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	httpServer := &http.Server{Addr: httpAddr, Handler: mux}
	if err := lc.Register(lifecycle.Hook{
		Name:     "gateway-http",
		Priority: 200,
		Timeout:  5 * time.Second,
		OnStart: func(context.Context) error {
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("gateway http server", "error", err)
				}
			}()
			logger.Info("gateway listening", "addr", httpAddr)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
	}); err != nil {
		return err
	}

	if fwSource != nil {
		fwCtx, fwCancel := context.WithCancel(context.Background())
		if err := lc.Register(lifecycle.Hook{
			Name:     "filewatch",
			Priority: 200,
			OnStart: func(context.Context) error {
				go fwSource.Run(fwCtx)
				return nil
			},
			OnStop: func(context.Context) error {
				fwCancel()
				fwSource.Cancel()
				return nil
			},
		}); err != nil {
			return err
		}
	}

	if discordSource != nil {
		if err := lc.Register(lifecycle.Hook{
			Name:     "discord",
			Priority: 200,
			Timeout:  5 * time.Second,
			OnStart: func(context.Context) error {
				if err := discordSession.Open(); err != nil {
					return fmt.Errorf("discord: open session: %w", err)
				}
				receiver := rl.RegisterSource1(discordSource, 64)
				discordSource.Attach(receiver)
				return nil
			},
			OnStop: func(context.Context) error {
				discordSource.Cancel()
				return discordSession.Close()
			},
		}); err != nil {
			return err
		}
	}

	if err := lc.Start(ctx); err != nil {
		return fmt.Errorf("lifecycle start: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.RunLoop.ShutdownTimeout.Duration())
	defer cancel()
	return lc.Stop(stopCtx)
}

// runLoopHook wraps the RunLoop itself as the priority-500 lifecycle hook:
// infrastructure (checkpoint store) must be alive before it starts, and
// every adapter (priority 200) must be alive before it stops feeding it.
func runLoopHook(rl *runloop.RunLoop) lifecycle.Hook {
	done := make(chan struct{})
	return lifecycle.Hook{
		Name:     "runloop",
		Priority: 500,
		OnStart: func(ctx context.Context) error {
			go func() {
				defer close(done)
				if err := rl.Run(ctx); err != nil {
					slog.Error("runloop exited with error", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			rl.Stop()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		},
	}
}

func buildCheckpointManager(cfg *config.Config) (runloop.CheckpointManager, *lifecycle.Hook, error) {
	switch cfg.Checkpoint.Driver {
	case "", "memory":
		return runloop.NewMemoryCheckpointManager(cfg.RunLoop.Checkpoint.MaxCheckpoints), nil, nil
	case "sqlite":
		var opts []sqlitestore.Option
		opts = append(opts, sqlitestore.WithMaxCheckpoints(cfg.RunLoop.Checkpoint.MaxCheckpoints))
		if cfg.RunLoop.Checkpoint.Encrypt && cfg.Checkpoint.EncryptionKey.Value != "" {
			recipient, err := age.ParseX25519Recipient(cfg.Checkpoint.EncryptionKey.Value)
			if err != nil {
				return nil, nil, fmt.Errorf("parse checkpoint encryption recipient: %w", err)
			}
			opts = append(opts, sqlitestore.WithEncryption(recipient, nil))
		}
		store, err := sqlitestore.Open(cfg.Checkpoint.Path, opts...)
		if err != nil {
			return nil, nil, err
		}
		hook := lifecycle.Hook{
			Name:     "checkpoint-store",
			Priority: 1000,
			OnStart:  func(context.Context) error { return nil },
			OnStop:   func(context.Context) error { return store.Close() },
		}
		return store, &hook, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint driver %q", cfg.Checkpoint.Driver)
	}
}

func registerCronEntries(rl *runloop.RunLoop, entries []config.CronEntryConfig) error {
	src := cron.NewSource("cron")
	for _, e := range entries {
		entry := &cron.Entry{
			ID:       e.ID,
			Spec:     e.Spec,
			TaskType: e.TaskType,
			Payload:  e.Payload,
			Priority: runloop.PriorityNormal,
		}
		if p, ok := parsePriority(e.Priority); ok {
			entry.Priority = p
		}
		if err := src.AddEntry(entry); err != nil {
			return err
		}
	}
	rl.RegisterSource0(src)

	ticker := time.NewTicker(time.Minute)
	go func() {
		for now := range ticker.C {
			src.Tick(now)
		}
	}()
	return nil
}

func registerPlugins(ctx context.Context, rl *runloop.RunLoop, cfg config.PluginsConfig) error {
	interval := cfg.PollInterval.Duration()
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for _, m := range cfg.Manifests {
		manifest := extism.Manifest{Wasm: []extism.Wasm{extism.WasmFile{Path: m.Path}}}
		plugin, err := extism.NewPlugin(ctx, manifest, extism.PluginConfig{EnableWasi: true}, nil)
		if err != nil {
			return fmt.Errorf("load plugin %q: %w", m.ID, err)
		}

		src := pluginsource.NewSource(m.ID, plugin, m.FuncName)
		rl.RegisterSource0(src)

		ticker := time.NewTicker(interval)
		go func(s *pluginsource.Source) {
			for range ticker.C {
				if err := s.Poll(ctx); err != nil {
					slog.Warn("plugin poll failed", "plugin", m.ID, "error", err)
				}
			}
		}(src)
	}
	return nil
}

func buildFileWatchSource(rl *runloop.RunLoop, cfg config.FileWatchConfig) (*filewatch.Source, error) {
	var triggers []filewatch.Trigger
	if cfg.TriggersJSONC != "" {
		data, err := os.ReadFile(cfg.TriggersJSONC)
		if err != nil {
			return nil, fmt.Errorf("read triggers: %w", err)
		}
		triggers, err = filewatch.LoadTriggersJSONC(data)
		if err != nil {
			return nil, err
		}
	}

	watcher, err := filewatch.WatchPaths(cfg.Paths...)
	if err != nil {
		return nil, err
	}

	return filewatch.NewSource("filewatch", watcher, rl, triggers), nil
}

func parsePriority(s string) (runloop.TaskPriority, bool) {
	switch strings.ToLower(s) {
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
		return runloop.PriorityNormal, false
	}
}

func resolveLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogHandler picks a JSON handler when explicitly configured or when
// stderr isn't a terminal (e.g. running under a process supervisor), and a
// human-readable text handler for interactive use.
func newLogHandler(forceJSON bool, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if forceJSON || !term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}
