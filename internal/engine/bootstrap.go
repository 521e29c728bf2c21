// Package engine brings the durable-workflow engine server up and down
// and reports on its installation. Every operation is idempotent: Ensure
// against a healthy engine is a no-op, and stop paths tolerate an engine
// that is already gone.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/helmd/helmd/internal/config"
	"github.com/helmd/helmd/internal/logger"
	"github.com/helmd/helmd/internal/supervisor"
)

// Sentinel errors mapped to process exit codes by the CLI.
var (
	ErrNotInstalled   = errors.New("engine binary not installed")
	ErrNotRunning     = errors.New("engine not running")
	ErrAlreadyRunning = errors.New("engine already running")
)

// States reported by Ensure and Status.
const (
	StateRunning      = "running"
	StateStarted      = "started"
	StateStarting     = "starting"
	StateNotInstalled = "not_installed"
	StateStopped      = "stopped"
	StateFailed       = "failed"
)

// Overall diagnostics verdicts.
const (
	StatusHealthy             = "HEALTHY"
	StatusInstalledNotRunning = "INSTALLED_NOT_RUNNING"
	StatusNotInstalled        = "NOT_INSTALLED"
)

// EnsureResult is the JSON contract of the ensure operation.
type EnsureResult struct {
	Success  bool   `json:"success"`
	State    string `json:"state"`
	Started  bool   `json:"started"`
	PID      int    `json:"pid,omitempty"`
	GRPCPort int    `json:"grpc_port"`
	UIPort   int    `json:"ui_port"`
	GRPCURL  string `json:"grpc_url"`
	UIURL    string `json:"ui_url"`
	Error    string `json:"error,omitempty"`
}

// Diagnostics is a read-only installation and liveness report.
type Diagnostics struct {
	BinaryInstalled bool   `json:"binary_installed"`
	BinaryPath      string `json:"binary_path"`
	BinarySize      int64  `json:"binary_size,omitempty"`
	GRPCPortOpen    bool   `json:"grpc_port_open"`
	UIPortOpen      bool   `json:"ui_port_open"`
	PID             int    `json:"pid,omitempty"`
	PIDFilePresent  bool   `json:"pid_file_present"`
	PIDFileStale    bool   `json:"pid_file_stale,omitempty"`
	StateDBPresent  bool   `json:"state_db_present"`
	OverallStatus   string `json:"overall_status"`
}

// Bootstrap manages one engine installation through a Supervisor.
type Bootstrap struct {
	cfg    config.EngineConfig
	logCfg logger.Config
	insp   supervisor.Inspector
	sup    *supervisor.Supervisor
	log    *slog.Logger
}

// NewBootstrap builds a bootstrap over the given inspector; nil means the
// host process table.
func NewBootstrap(cfg config.EngineConfig, logCfg logger.Config, insp supervisor.Inspector, log *slog.Logger) *Bootstrap {
	if log == nil {
		log = slog.Default()
	}
	if insp == nil {
		insp = supervisor.HostInspector{}
	}
	return &Bootstrap{cfg: cfg, logCfg: logCfg, insp: insp, sup: supervisor.New(insp, log), log: log}
}

func (b *Bootstrap) spec() supervisor.Spec {
	return supervisor.Spec{
		Name:        "engine",
		Binary:      b.cfg.Binary,
		Args:        b.serverArgs(),
		Port:        b.cfg.GRPCPort,
		PIDFile:     b.cfg.PIDFile,
		AllowedDirs: b.cfg.AllowedDirs,
		StopGrace:   b.cfg.StopGrace,
		Log:         b.logCfg,
	}
}

func (b *Bootstrap) serverArgs() []string {
	args := []string{
		"server", "start-dev",
		"--port", strconv.Itoa(b.cfg.GRPCPort),
		"--ui-port", strconv.Itoa(b.cfg.UIPort),
		"--headless=false",
	}
	if b.cfg.StateDB != "" {
		args = append(args, "--db-filename", b.cfg.StateDB)
	}
	return args
}

func (b *Bootstrap) urls() (grpcURL, uiURL string) {
	return fmt.Sprintf("localhost:%d", b.cfg.GRPCPort),
		fmt.Sprintf("http://localhost:%d", b.cfg.UIPort)
}

func (b *Bootstrap) installed() bool {
	info, err := os.Stat(b.cfg.Binary)
	return err == nil && !info.IsDir()
}

// Ensure makes the engine reachable, starting it only when needed.
// Calling it against a healthy engine returns success with Started false.
// When a fresh server is spawned but does not confirm within the ready
// window, Ensure still reports success with Started true as long as the
// process is alive: the dev server routinely finishes listening a little
// after its schema setup.
func (b *Bootstrap) Ensure(ctx context.Context) (EnsureResult, error) {
	grpcURL, uiURL := b.urls()
	res := EnsureResult{GRPCPort: b.cfg.GRPCPort, UIPort: b.cfg.UIPort, GRPCURL: grpcURL, UIURL: uiURL}

	if !b.installed() {
		res.State = StateNotInstalled
		res.Error = fmt.Sprintf("binary not found at %s", b.cfg.Binary)
		return res, fmt.Errorf("%w: %s", ErrNotInstalled, b.cfg.Binary)
	}

	if b.sup.Health(ctx, b.cfg.GRPCPort) {
		res.Success = true
		res.State = StateRunning
		if pid, ok, _ := supervisor.ReadPIDFile(b.cfg.PIDFile); ok {
			res.PID = pid
		}
		b.log.Info("engine already healthy", "grpc_port", b.cfg.GRPCPort)
		return res, nil
	}

	start, err := b.sup.StartOrAttach(ctx, b.spec())
	if err != nil {
		res.State = StateFailed
		res.Error = err.Error()
		return res, err
	}
	res.PID = start.PID
	if !start.Started {
		res.Success = true
		res.State = StateRunning
		return res, nil
	}
	res.Started = true

	state, err := b.awaitReady(ctx, start.PID)
	res.State = state
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	res.Success = true
	return res, nil
}

// awaitReady polls the gRPC port for the ready window. When the window
// elapses without a confirmed listener, the process being continuously
// alive for the last assume-ready cycles counts as a start.
func (b *Bootstrap) awaitReady(ctx context.Context, pid int) (string, error) {
	window := b.cfg.ReadyWindow
	if window <= 0 {
		window = 15 * time.Second
	}
	interval := b.cfg.ReadyPollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	needAlive := b.cfg.AssumeReadyCycles
	if needAlive <= 0 {
		needAlive = 3
	}

	deadline := time.Now().Add(window)
	alive := 0
	for {
		if b.sup.Health(ctx, b.cfg.GRPCPort) {
			b.log.Info("engine ready", "pid", pid, "grpc_port", b.cfg.GRPCPort)
			return StateRunning, nil
		}
		if running, err := b.insp.Running(ctx, int32(pid)); err == nil && running {
			alive++
		} else {
			alive = 0
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return StateFailed, ctx.Err()
		}
	}
	if alive >= needAlive {
		b.log.Warn("engine start unconfirmed, process alive", "pid", pid, "grpc_port", b.cfg.GRPCPort)
		return StateStarting, nil
	}
	return StateFailed, fmt.Errorf("engine pid %d did not become ready within %s", pid, window)
}

// Start spawns the engine and fails when one is already serving.
func (b *Bootstrap) Start(ctx context.Context) (EnsureResult, error) {
	if b.sup.Health(ctx, b.cfg.GRPCPort) {
		grpcURL, uiURL := b.urls()
		res := EnsureResult{State: StateRunning, GRPCPort: b.cfg.GRPCPort, UIPort: b.cfg.UIPort, GRPCURL: grpcURL, UIURL: uiURL}
		res.Error = ErrAlreadyRunning.Error()
		return res, fmt.Errorf("%w on port %d", ErrAlreadyRunning, b.cfg.GRPCPort)
	}
	return b.Ensure(ctx)
}

// RunForeground starts the engine in the foreground and blocks until it
// exits or ctx is cancelled. Output goes to the capture files.
func (b *Bootstrap) RunForeground(ctx context.Context) error {
	if !b.installed() {
		return fmt.Errorf("%w: %s", ErrNotInstalled, b.cfg.Binary)
	}
	if b.sup.Health(ctx, b.cfg.GRPCPort) {
		return fmt.Errorf("%w on port %d", ErrAlreadyRunning, b.cfg.GRPCPort)
	}

	cmd := exec.CommandContext(ctx, b.cfg.Binary, b.serverArgs()...)
	outW, errW, err := b.logCfg.Writers("engine")
	if err != nil {
		return err
	}
	if outW != nil {
		cmd.Stdout = outW
		defer outW.Close()
	}
	if errW != nil {
		cmd.Stderr = errW
		defer errW.Close()
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	if b.cfg.PIDFile != "" {
		_ = supervisor.WritePIDFile(b.cfg.PIDFile, cmd.Process.Pid)
		defer func() { _ = supervisor.RemovePIDFile(b.cfg.PIDFile) }()
	}
	b.log.Info("engine running in foreground", "pid", cmd.Process.Pid, "grpc_port", b.cfg.GRPCPort)
	return cmd.Wait()
}

// Stop terminates a validated engine occupying the gRPC port.
func (b *Bootstrap) Stop(ctx context.Context) (supervisor.CleanupResult, error) {
	res, err := b.sup.Cleanup(ctx, b.spec())
	if err == nil && !res.FoundProcess {
		return res, ErrNotRunning
	}
	if err == nil {
		_ = supervisor.RemovePIDFile(b.cfg.PIDFile)
	}
	return res, err
}

// Cleanup frees the gRPC port without touching other engine state.
func (b *Bootstrap) Cleanup(ctx context.Context) (supervisor.CleanupResult, error) {
	return b.sup.Cleanup(ctx, b.spec())
}

// ForceStop sweeps every validated engine process and removes state.
func (b *Bootstrap) ForceStop(ctx context.Context) (supervisor.ForceStopResult, error) {
	return b.sup.ForceStop(ctx, b.spec())
}

// Probe runs both liveness checks against the gRPC port.
func (b *Bootstrap) Probe(ctx context.Context) supervisor.HealthStatus {
	return b.sup.Probe(ctx, b.cfg.GRPCPort)
}

// Status condenses diagnostics into one state string.
func (b *Bootstrap) Status(ctx context.Context) string {
	d := b.Diagnose(ctx)
	switch d.OverallStatus {
	case StatusHealthy:
		return StateRunning
	case StatusNotInstalled:
		return StateNotInstalled
	default:
		return StateStopped
	}
}

// Diagnose inspects the installation without changing anything.
func (b *Bootstrap) Diagnose(ctx context.Context) Diagnostics {
	d := Diagnostics{BinaryPath: b.cfg.Binary}
	if fi, err := os.Stat(b.cfg.Binary); err == nil && !fi.IsDir() {
		d.BinaryInstalled = true
		d.BinarySize = fi.Size()
	}
	d.GRPCPortOpen = b.sup.Health(ctx, b.cfg.GRPCPort)
	d.UIPortOpen = b.sup.Health(ctx, b.cfg.UIPort)

	if pid, ok, err := supervisor.ReadPIDFile(b.cfg.PIDFile); err == nil && ok {
		d.PIDFilePresent = true
		d.PID = pid
		if running, err := b.insp.Running(ctx, int32(pid)); err == nil && !running {
			d.PIDFileStale = true
		}
	} else if err != nil {
		d.PIDFilePresent = true
		d.PIDFileStale = true
	}

	if b.cfg.StateDB != "" {
		if _, err := os.Stat(b.cfg.StateDB); err == nil {
			d.StateDBPresent = true
		}
	}

	switch {
	case !d.BinaryInstalled:
		d.OverallStatus = StatusNotInstalled
	case d.GRPCPortOpen:
		d.OverallStatus = StatusHealthy
	default:
		d.OverallStatus = StatusInstalledNotRunning
	}
	return d
}

// InstallDir is where the binary is expected to live.
func (b *Bootstrap) InstallDir() string { return filepath.Dir(b.cfg.Binary) }
