package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all flume server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr        string `json:"listen_addr"`
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	PoolSize          int    `json:"pool_size"`
	HeartbeatInterval string `json:"heartbeat_interval"`
	SweepInterval     string `json:"sweep_interval"`
	StallAfter        string `json:"stall_after"`
	MCP               bool   `json:"mcp"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4600",
		DBPath:     filepath.Join(flumeDir(), "flume.db"),
		LogLevel:   "info",
		PoolSize:   10,
	}
}

func flumeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flume"
	}
	return filepath.Join(home, ".flume")
}

func settingsPath() string {
	return filepath.Join(flumeDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLUME_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FLUME_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLUME_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLUME_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FLUME_HEARTBEAT_INTERVAL"); v != "" {
		cfg.HeartbeatInterval = v
	}
	if v := os.Getenv("FLUME_SWEEP_INTERVAL"); v != "" {
		cfg.SweepInterval = v
	}
	if v := os.Getenv("FLUME_STALL_AFTER"); v != "" {
		cfg.StallAfter = v
	}
	if v := os.Getenv("FLUME_MCP"); v != "" {
		cfg.MCP = v == "true" || v == "1"
	}

	return cfg
}

// duration parses a config duration string, falling back when empty or bad.
func duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
