// Package helmd is the embeddable control plane for desktop automation:
// it supervises the workflow engine, speaks to the launcher sidecar over
// its stdio channel, and runs profile launches as durable workflows.
package helmd

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	cfg "github.com/helmd/helmd/internal/config"
	"github.com/helmd/helmd/internal/engine"
	"github.com/helmd/helmd/internal/history"
	"github.com/helmd/helmd/internal/history/factory"
	"github.com/helmd/helmd/internal/orchestrator"
	"github.com/helmd/helmd/internal/protocol"
	"github.com/helmd/helmd/internal/registry"
	iapi "github.com/helmd/helmd/internal/server"
	"github.com/helmd/helmd/internal/sidecar"
	"github.com/helmd/helmd/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.FileConfig

type Command = protocol.Command

type Event = protocol.Event

type Channel = sidecar.Channel

type Dispatcher = sidecar.Dispatcher

type Daemon = sidecar.Daemon

type Supervisor = supervisor.Supervisor

type ProcessSpec = supervisor.Spec

type Inspector = supervisor.Inspector

type Bootstrap = engine.Bootstrap

type EnsureResult = engine.EnsureResult

type Diagnostics = engine.Diagnostics

type LaunchConfig = orchestrator.LaunchConfig

type LaunchResult = orchestrator.LaunchResult

type Registry = registry.Registry

type HistoryConfig = cfg.HistoryConfig

type HistorySink = history.Sink

// LoadConfig reads a TOML config file, falling back to defaults when the
// path is empty.
func LoadConfig(path string) (Config, error) { return cfg.Load(path) }

// DefaultConfig returns the built-in configuration rooted at dataDir.
func DefaultConfig(dataDir string) Config { return cfg.Default(dataDir) }

// NewSupervisor builds a process supervisor over the host process table.
func NewSupervisor(log *slog.Logger) *Supervisor { return supervisor.New(nil, log) }

// NewBootstrap builds an engine bootstrap from configuration.
func NewBootstrap(c Config, log *slog.Logger) *Bootstrap {
	return engine.NewBootstrap(c.Engine, c.ProcessLog(), nil, log)
}

// NewDaemon builds the sidecar daemon from configuration.
func NewDaemon(c Config, log *slog.Logger) *Daemon {
	return sidecar.NewDaemon(c.Sidecar, c.ProcessLog(), log)
}

// NewDispatcher builds an event dispatcher persisting its rehydration
// point under the configured data directory.
func NewDispatcher(c Config, log *slog.Logger) *Dispatcher {
	return sidecar.NewDispatcher(c.LastEventPath(), log)
}

// OpenRegistry opens the profile-stream registry of the configured data
// directory.
func OpenRegistry(c Config, log *slog.Logger) *Registry {
	return registry.Open(c.RegistryPath(), log)
}

// OpenHistory builds the configured history sink.
func OpenHistory(c Config) (HistorySink, error) { return factory.Open(c.History) }

// LaunchClient wraps the workflow-engine connection for launches.
type LaunchClient struct{ inner *orchestrator.Client }

// DialLaunch connects to the workflow engine configured in c.
func DialLaunch(c Config, log *slog.Logger) (*LaunchClient, error) {
	port := c.Engine.GRPCPort
	if port <= 0 {
		port = 7233
	}
	hostPort := "localhost:" + strconv.Itoa(port)
	inner, err := orchestrator.Dial(hostPort, c.Launch, log)
	if err != nil {
		return nil, err
	}
	return &LaunchClient{inner: inner}, nil
}

func (l *LaunchClient) Launch(ctx context.Context, lc *LaunchConfig) (*LaunchResult, error) {
	return l.inner.Launch(ctx, lc)
}

func (l *LaunchClient) Close() { l.inner.Close() }

// Handler returns the embeddable HTTP surface for the given components;
// any nil option disables its endpoint data.
func Handler(opts iapi.Options) http.Handler { return iapi.NewRouter(opts).Handler() }

// ServerOptions configures the embeddable HTTP surface.
type ServerOptions = iapi.Options
