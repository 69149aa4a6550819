package config

import (
	"os"
	"path/filepath"
)

// RunloopdPath returns the root directory for runloopd's persisted state
// (checkpoints, sqlite stores, triggers). It uses $RUNLOOPD_PATH if set,
// otherwise defaults to ~/.runloopd.
func RunloopdPath() string {
	if v := os.Getenv("RUNLOOPD_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".runloopd")
	}
	return filepath.Join(home, ".runloopd")
}

// ConfigPath returns the path to the daemon's config file.
func ConfigPath() string {
	return filepath.Join(RunloopdPath(), "config.jsonc")
}

// DotenvPath returns the path to the daemon's .env file.
func DotenvPath() string {
	return filepath.Join(RunloopdPath(), ".env")
}

// HeartbeatPath returns the path to the daemon's liveness file, read by
// Check and written periodically by a heartbeat.Writer.
func HeartbeatPath() string {
	return filepath.Join(RunloopdPath(), "heartbeat.json")
}
