package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/marcozac/go-jsonc"

	"github.com/dohr-michael/runloopd/internal/runloop"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, strips comments, expands ${{ .Env.VAR }} templates,
// unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variable templates (before stripping, since templates are in strings)
	expanded := expandEnvTemplates(string(data))

	// Strip JSONC comments and unmarshal
	var cfg Config
	if err := jsonc.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// ApplyDefaults fills in zero-value fields with sensible defaults. Load
// calls this automatically; callers building a Config by hand (e.g. when
// the config file can't be read at all) call it directly. The RunLoop
// section itself is defaulted by runloop.DefaultRunLoopConfig, not here;
// this only fills the ambient daemon sections around it.
func ApplyDefaults(cfg *Config) {
	var zero runloop.RunLoopConfig
	if cfg.RunLoop == zero {
		cfg.RunLoop = runloop.DefaultRunLoopConfig()
	}

	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18420
	}
	if len(cfg.FileWatch.Paths) == 0 {
		cfg.FileWatch.Paths = []string{filepath.Join(RunloopdPath(), "watch")}
	}
	if cfg.Checkpoint.Driver == "" {
		cfg.Checkpoint.Driver = "memory"
	}
	if cfg.Checkpoint.Path == "" {
		cfg.Checkpoint.Path = filepath.Join(RunloopdPath(), "checkpoints.db")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
