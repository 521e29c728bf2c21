package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/helmd/helmd/internal/config"
	"github.com/helmd/helmd/internal/logger"
	"github.com/helmd/helmd/internal/metrics"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	JSON       bool
	LogLevel   string
	NoColor    bool
}

// runtimeEnv is everything a command needs before doing work.
type runtimeEnv struct {
	cfg config.FileConfig
	log *slog.Logger
}

// setup loads configuration and the logger. Log output goes to stderr;
// stdout stays reserved for command results.
func (f *GlobalFlags) setup() (runtimeEnv, error) {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return runtimeEnv{}, err
	}
	level := f.LogLevel
	if level == "" {
		level = cfg.Log.Level
	}
	log := logger.Setup(level, cfg.Log.Color && !f.NoColor)
	slog.SetDefault(log)
	_ = metrics.Register(nil)
	return runtimeEnv{cfg: cfg, log: log}, nil
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	root.AddCommand(
		createEngineCommand(flags),
		createDaemonCommand(flags),
		createLaunchCommand(flags),
		createServeCommand(flags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "helmd",
		Short: "Desktop automation control plane",
		Long: `Helmd supervises the workflow engine, speaks to the launcher sidecar
over its stdio channel, and runs profile launches as durable workflows.

Examples:
  helmd engine ensure                      # make the workflow engine reachable
  helmd daemon                             # run the sidecar and event dispatcher
  helmd launch run profile_001 --mode=audit
  helmd --json engine diagnostics`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "emit machine-readable JSON results on stdout")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&flags.NoColor, "no-color", false, "disable colored log output")
	return root
}
