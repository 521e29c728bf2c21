package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/helmd/helmd/internal/logger"
)

// FileConfig represents the top-level TOML structure of helmd.toml.
type FileConfig struct {
	DataDir string        `toml:"data_dir" mapstructure:"data_dir"`
	Log     LogConfig     `toml:"log" mapstructure:"log"`
	Sidecar SidecarConfig `toml:"sidecar" mapstructure:"sidecar"`
	Engine  EngineConfig  `toml:"engine" mapstructure:"engine"`
	Launch  LaunchConfig  `toml:"launch" mapstructure:"launch"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
	Server  ServerConfig  `toml:"server" mapstructure:"server"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Color      bool   `toml:"color" mapstructure:"color"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// SidecarConfig describes the long-lived sidecar daemon and the channel
// timeout scales. AckTimeout bounds protocol liveness only; operation
// outcomes arrive later on the event stream and have no deadline here.
type SidecarConfig struct {
	Binary        string        `toml:"binary" mapstructure:"binary"`
	Args          []string      `toml:"args" mapstructure:"args"`
	AckTimeout    time.Duration `toml:"ack_timeout" mapstructure:"ack_timeout"`
	ShutdownGrace time.Duration `toml:"shutdown_grace" mapstructure:"shutdown_grace"`
}

// EngineConfig describes the durable-workflow engine process and the
// readiness heuristics of the bootstrap. The assume-ready constants are
// deliberately configuration, not code: the policy predates any measured
// rationale for its thresholds.
type EngineConfig struct {
	Binary            string        `toml:"binary" mapstructure:"binary"`
	GRPCPort          int           `toml:"grpc_port" mapstructure:"grpc_port"`
	UIPort            int           `toml:"ui_port" mapstructure:"ui_port"`
	PIDFile           string        `toml:"pid_file" mapstructure:"pid_file"`
	StateDB           string        `toml:"state_db" mapstructure:"state_db"`
	AllowedDirs       []string      `toml:"allowed_dirs" mapstructure:"allowed_dirs"`
	ReadyWindow       time.Duration `toml:"ready_window" mapstructure:"ready_window"`
	ReadyPollInterval time.Duration `toml:"ready_poll_interval" mapstructure:"ready_poll_interval"`
	AssumeReadyCycles int           `toml:"assume_ready_cycles" mapstructure:"assume_ready_cycles"`
	StopGrace         time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
}

// LaunchConfig holds the orchestrator-side timeout scales. Three
// independent scales apply to a launch: the channel ACK timeout (sidecar
// config), the activity heartbeat timeout, and the overall run timeout.
type LaunchConfig struct {
	TaskQueue         string        `toml:"task_queue" mapstructure:"task_queue"`
	HeartbeatTimeout  time.Duration `toml:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	RunTimeout        time.Duration `toml:"run_timeout" mapstructure:"run_timeout"`
	ActivityTimeout   time.Duration `toml:"activity_timeout" mapstructure:"activity_timeout"`
	MaxAttempts       int           `toml:"max_attempts" mapstructure:"max_attempts"`
}

type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Type    string `toml:"type" mapstructure:"type"` // sqlite | postgres | clickhouse
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Addr     string `toml:"addr" mapstructure:"addr"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// Default returns the built-in configuration rooted at dataDir.
func Default(dataDir string) FileConfig {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		dataDir = filepath.Join(home, ".helmd")
	}
	return FileConfig{
		DataDir: dataDir,
		Log: LogConfig{
			Level: "info",
			Color: true,
			Dir:   filepath.Join(dataDir, "logs"),
		},
		Sidecar: SidecarConfig{
			Binary:        filepath.Join(dataDir, "bin", "sidecar", "sidecar"),
			Args:          []string{"--mode", "daemon"},
			AckTimeout:    5 * time.Second,
			ShutdownGrace: 5 * time.Second,
		},
		Engine: EngineConfig{
			Binary:            filepath.Join(dataDir, "bin", "temporal", "temporal"),
			GRPCPort:          7233,
			UIPort:            8233,
			PIDFile:           filepath.Join(dataDir, "logs", "engine", "engine.pid"),
			StateDB:           filepath.Join(dataDir, "engine.db"),
			AllowedDirs:       []string{dataDir},
			ReadyWindow:       15 * time.Second,
			ReadyPollInterval: 500 * time.Millisecond,
			AssumeReadyCycles: 3,
			StopGrace:         5 * time.Second,
		},
		Launch: LaunchConfig{
			TaskQueue:         "sidecar-launch",
			HeartbeatTimeout:  30 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			RunTimeout:        10 * time.Minute,
			ActivityTimeout:   10 * time.Minute,
			MaxAttempts:       3,
		},
		History: HistoryConfig{
			Enabled: true,
			Type:    "sqlite",
			DSN:     filepath.Join(dataDir, "history.db"),
		},
		Server: ServerConfig{
			Enabled:  false,
			Addr:     "127.0.0.1:8710",
			BasePath: "",
		},
	}
}

// Load reads a TOML config file and overlays it on the defaults. An empty
// path returns the defaults unchanged.
func Load(path string) (FileConfig, error) {
	fc := Default("")
	if path == "" {
		return fc, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return fc, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(&fc); err != nil {
		return fc, fmt.Errorf("parse config %s: %w", path, err)
	}
	if fc.DataDir != "" {
		// Re-anchor any path the file left empty under the configured root.
		def := Default(fc.DataDir)
		if fc.Log.Dir == "" {
			fc.Log.Dir = def.Log.Dir
		}
		if fc.Sidecar.Binary == "" {
			fc.Sidecar.Binary = def.Sidecar.Binary
		}
		if fc.Engine.Binary == "" {
			fc.Engine.Binary = def.Engine.Binary
		}
		if fc.Engine.PIDFile == "" {
			fc.Engine.PIDFile = def.Engine.PIDFile
		}
		if fc.Engine.StateDB == "" {
			fc.Engine.StateDB = def.Engine.StateDB
		}
		if len(fc.Engine.AllowedDirs) == 0 {
			fc.Engine.AllowedDirs = def.Engine.AllowedDirs
		}
		if fc.History.DSN == "" {
			fc.History.DSN = def.History.DSN
		}
	}
	return fc, nil
}

// ProcessLog builds the capture config for a supervised process.
func (c FileConfig) ProcessLog() logger.Config {
	return logger.Config{
		Dir:        c.Log.Dir,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// RegistryPath is the stream/process registry consumed by the daemon.
func (c FileConfig) RegistryPath() string {
	return filepath.Join(c.DataDir, "config", "profiles.json")
}

// LastEventPath persists the dispatcher's rehydration point.
func (c FileConfig) LastEventPath() string {
	return filepath.Join(c.DataDir, "last_event.txt")
}
