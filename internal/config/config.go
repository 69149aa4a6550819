package config

import (
	"time"

	"github.com/dohr-michael/runloopd/internal/runloop"
)

// Config is the root configuration for the runloopd daemon.
type Config struct {
	RunLoop    runloop.RunLoopConfig `json:"run_loop"`
	Gateway    GatewayConfig         `json:"gateway"`
	Webhooks   WebhooksConfig        `json:"webhooks"`
	FileWatch  FileWatchConfig       `json:"file_watch"`
	Discord    DiscordConfig         `json:"discord"`
	MCP        MCPConfig             `json:"mcp"`
	Plugins    PluginsConfig         `json:"plugins"`
	Cron       CronConfig            `json:"cron"`
	Checkpoint CheckpointStoreConfig `json:"checkpoint_store"`
	Logging    LoggingConfig         `json:"logging"`
}

// GatewayConfig holds the WebSocket/HTTP gateway server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// WebhooksConfig configures the chi-routed webhook Source1.
type WebhooksConfig struct {
	Names []string `json:"names"` // registered webhook path segments, e.g. ["orders", "deploys"]
}

// FileWatchConfig configures the fsnotify-backed file-watcher Source1.
type FileWatchConfig struct {
	Paths         []string `json:"paths"`
	TriggersJSONC string   `json:"triggers_jsonc,omitempty"` // path to triggers.jsonc (tolerant JSON)
}

// DiscordConfig configures the discordgo-backed Source1 + ChannelRegistry.
type DiscordConfig struct {
	Enabled  *bool      `json:"enabled"` // default: false (opt-in, requires BotToken)
	BotToken AuthConfig `json:"bot_token"`
}

// IsEnabled returns true if the Discord adapter is enabled (default: false).
func (c DiscordConfig) IsEnabled() bool {
	return c.Enabled != nil && *c.Enabled
}

// MCPConfig configures the submit_task/check_task/cancel_task MCP server.
type MCPConfig struct {
	Enabled *bool `json:"enabled"` // default: true
}

// IsEnabled returns true if the MCP adapter is enabled (default: true).
func (c MCPConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// PluginManifest names one WASM module hosted as an extism Source0.
type PluginManifest struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	FuncName string `json:"func_name"`
}

// PluginsConfig configures extism-hosted WASM plugin Source0s. Empty by
// default — no plugins are loaded unless Manifests is non-empty.
type PluginsConfig struct {
	Manifests    []PluginManifest `json:"manifests"`
	PollInterval Duration         `json:"poll_interval,omitempty"` // default 5s
}

// CronEntryConfig binds a cron expression to a task template, mirroring
// runloop/adapters/cron.Entry without importing the runloop package's
// scheduling types into config.
type CronEntryConfig struct {
	ID       string         `json:"id"`
	Spec     string         `json:"spec"`
	TaskType string         `json:"task_type"`
	Payload  map[string]any `json:"payload,omitempty"`
	Priority string         `json:"priority,omitempty"`
}

// CronConfig configures the netresearch/go-cron-backed Source0.
type CronConfig struct {
	Entries []CronEntryConfig `json:"entries"`
}

// CheckpointStoreConfig selects and configures the CheckpointManager
// backing RunLoopConfig.Checkpoint (in-memory vs sqlitestore).
type CheckpointStoreConfig struct {
	Driver        string     `json:"driver"` // "memory" (default) | "sqlite"
	Path          string     `json:"path,omitempty"`
	EncryptionKey AuthConfig `json:"encryption_key,omitempty"` // age recipient, only read when RunLoop.Checkpoint.Encrypt is set
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level string `json:"level"` // "debug" | "info" | "warn" | "error" (default: "info")
	JSON  bool   `json:"json"`  // emit JSON instead of text
}

// AuthConfig resolves a credential either directly or via an
// ${{ .Env.VAR }} template expanded at load time.
type AuthConfig struct {
	Value string `json:"value,omitempty"`
}

// Duration wraps time.Duration for JSON unmarshaling as a Go duration
// string ("500ms", "1m30s") rather than a raw integer.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
