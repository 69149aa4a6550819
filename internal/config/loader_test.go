package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	content := `{
	// This is a JSONC comment
	"gateway": {
		"host": "0.0.0.0",
		"port": 9999
	},
	"checkpoint_store": {
		"driver": "sqlite",
		"path": "${{ .Env.CHECKPOINT_PATH }}"
	}
}`

	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CHECKPOINT_PATH", "/tmp/checkpoints.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Gateway.Host != "0.0.0.0" {
		t.Errorf("expected host 0.0.0.0, got %s", cfg.Gateway.Host)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Gateway.Port)
	}
	if cfg.Checkpoint.Driver != "sqlite" {
		t.Errorf("expected checkpoint driver sqlite, got %s", cfg.Checkpoint.Driver)
	}
	if cfg.Checkpoint.Path != "/tmp/checkpoints.db" {
		t.Errorf("expected expanded checkpoint path, got %s", cfg.Checkpoint.Path)
	}
}

func TestLoadDefaults(t *testing.T) {
	content := `{}`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("expected default host 127.0.0.1, got %s", cfg.Gateway.Host)
	}
	if cfg.Gateway.Port != 18420 {
		t.Errorf("expected default port 18420, got %d", cfg.Gateway.Port)
	}
}

func TestLoadDefaults_RunLoopConfig(t *testing.T) {
	content := `{}`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.RunLoop.MaxTasksPerCycle != 32 {
		t.Errorf("expected default max_tasks_per_cycle 32, got %d", cfg.RunLoop.MaxTasksPerCycle)
	}
	if cfg.RunLoop.TaskChain.MaxChainDepth != 8 {
		t.Errorf("expected default max_chain_depth 8, got %d", cfg.RunLoop.TaskChain.MaxChainDepth)
	}
}

func TestLoadDefaults_CheckpointStore(t *testing.T) {
	content := `{}`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Checkpoint.Driver != "memory" {
		t.Errorf("expected default checkpoint driver 'memory', got %q", cfg.Checkpoint.Driver)
	}
}

func TestLoadDefaults_LogLevel(t *testing.T) {
	content := `{}`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level 'info', got %q", cfg.Logging.Level)
	}
}

func TestExpandEnvTemplates(t *testing.T) {
	t.Setenv("TEST_KEY", "my-secret")
	result := expandEnvTemplates(`{"key": "${{ .Env.TEST_KEY }}"}`)
	expected := `{"key": "my-secret"}`
	if result != expected {
		t.Errorf("expected %s, got %s", expected, result)
	}
}
