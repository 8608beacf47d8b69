package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	SocketPath       string
	TokenPath        string
	RegistryPath     string
	DBPath           string
	EngineLogDir     string
	ProfileTTL       time.Duration
	SweepInterval    time.Duration
	PoolSize         int
	PoolMaxAge       time.Duration
	EngineStartPoll  time.Duration
	EngineStartTries int
	ProbeTimeout     time.Duration
	RequestTimeout   time.Duration
	ShutdownGrace    time.Duration
	EventRetention   time.Duration
}

func DefaultConfig() Config {
	stateDir := defaultStateDir()
	return Config{
		SocketPath:       defaultSocketPath(),
		TokenPath:        filepath.Join(stateDir, "token"),
		RegistryPath:     filepath.Join(stateDir, "profiles.json"),
		DBPath:           filepath.Join(stateDir, "events.db"),
		EngineLogDir:     filepath.Join(stateDir, "logs"),
		ProfileTTL:       30 * time.Minute,
		SweepInterval:    time.Minute,
		PoolSize:         3,
		PoolMaxAge:       5 * time.Minute,
		EngineStartPoll:  100 * time.Millisecond,
		EngineStartTries: 30,
		ProbeTimeout:     time.Second,
		RequestTimeout:   30 * time.Second,
		ShutdownGrace:    100 * time.Millisecond,
		EventRetention:   7 * 24 * time.Hour,
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "tabmux", "tabmuxd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tabmuxd.sock"
	}
	return filepath.Join(home, ".local", "state", "tabmux", "tabmuxd.sock")
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tabmux"
	}
	return filepath.Join(home, ".local", "state", "tabmux")
}
