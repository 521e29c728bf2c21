package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/helmd/helmd/internal/history"
	"github.com/helmd/helmd/internal/registry"
)

// Activities holds the launch activity implementations and their
// dependencies. One instance is registered per worker.
type Activities struct {
	// Binary is the launcher executable the activities validate and run.
	Binary string
	// Sink receives lifecycle audit records; never nil.
	Sink history.Sink
	// Reg tracks launched pids; may be nil when the worker runs without
	// a registry.
	Reg *registry.Registry
	// HeartbeatInterval paces RecordHeartbeat during Execute.
	HeartbeatInterval time.Duration
}

// ValidateBinary fails non-retryably when the launcher is not installed:
// retrying cannot make a missing file appear.
func (a *Activities) ValidateBinary(ctx context.Context) (bool, error) {
	logger := activity.GetLogger(ctx)
	info, err := os.Stat(a.Binary)
	if err != nil || info.IsDir() {
		logger.Error("launcher binary missing", "path", a.Binary)
		return false, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("launcher binary not found at %s", a.Binary), "binary_missing", err)
	}
	logger.Info("launcher binary validated", "path", a.Binary)
	return true, nil
}

// stringFlags maps launch config fields onto launcher override flags in a
// fixed order so prepared commands are deterministic.
var stringFlags = []struct {
	flag  string
	value func(*LaunchConfig) string
}{
	{"override_account", func(c *LaunchConfig) string { return c.Account }},
	{"override_email", func(c *LaunchConfig) string { return c.Email }},
	{"override_alias", func(c *LaunchConfig) string { return c.Alias }},
	{"override_extension", func(c *LaunchConfig) string { return c.Extension }},
	{"override_mode", func(c *LaunchConfig) string { return c.Mode }},
	{"override_role", func(c *LaunchConfig) string { return c.Role }},
	{"override_service", func(c *LaunchConfig) string { return c.Service }},
	{"override_step", func(c *LaunchConfig) string { return c.Step }},
}

// PrepareCommand builds the launcher argv from the launch config.
func (a *Activities) PrepareCommand(ctx context.Context, cfg *LaunchConfig) (PreparedCommand, error) {
	args := []string{"launch"}
	if cfg.ProfileID != "" {
		args = append(args, cfg.ProfileID)
	}
	for _, f := range stringFlags {
		if v := f.value(cfg); v != "" {
			args = append(args, fmt.Sprintf("--%s=%s", f.flag, v))
		}
	}
	if cfg.Heartbeat {
		args = append(args, "--heartbeat")
	}
	if cfg.Register {
		args = append(args, "--register")
	}
	if cfg.Save {
		args = append(args, "--save")
	}
	if cfg.ConfigFile != "" {
		args = append(args, fmt.Sprintf("--config=%s", cfg.ConfigFile))
	}

	cmd := PreparedCommand{Binary: a.Binary, Args: args}
	activity.GetLogger(ctx).Info("prepared launcher command",
		"binary", cmd.Binary, "args", strings.Join(cmd.Args, " "))
	return cmd, nil
}

// Execute runs the launcher to completion, heartbeating while it runs.
// A failing launcher produces a result, not an activity error; the
// workflow owns that verdict.
func (a *Activities) Execute(ctx context.Context, cmd PreparedCommand, cfg *LaunchConfig) (*ExecutionResult, error) {
	logger := activity.GetLogger(ctx)
	if cmd.Binary == "" {
		return nil, temporal.NewNonRetryableApplicationError("empty launcher command", "bad_command", nil)
	}

	proc := exec.CommandContext(ctx, cmd.Binary, cmd.Args...)
	var stdout, stderr strings.Builder
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	interval := a.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	hbDone := make(chan struct{})
	defer close(hbDone)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, "executing")
			case <-hbDone:
				return
			}
		}
	}()

	start := time.Now()
	if err := proc.Start(); err != nil {
		return nil, fmt.Errorf("start launcher: %w", err)
	}
	pid := proc.Process.Pid
	if a.Reg != nil && cfg.ProfileID != "" {
		if err := a.Reg.Put(registry.Entry{ProfileID: cfg.ProfileID, PID: pid, Mode: cfg.Mode}); err != nil {
			logger.Warn("registry update failed", "error", err)
		}
	}

	runErr := proc.Wait()
	duration := time.Since(start)
	exitCode := proc.ProcessState.ExitCode()
	logger.Info("launcher finished",
		"profile_id", cfg.ProfileID, "pid", pid,
		"duration_seconds", duration.Seconds(), "exit_code", exitCode)

	res := &ExecutionResult{
		Success:    runErr == nil,
		ExitCode:   exitCode,
		ProfileID:  cfg.ProfileID,
		PID:        pid,
		DurationMS: duration.Milliseconds(),
	}
	if runErr != nil {
		res.Message = fmt.Sprintf("execution failed: %v\nstderr: %s", runErr, stderr.String())
		logger.Error("launcher error", "error", runErr, "stderr", stderr.String())
		return res, nil
	}
	res.Message = "execution successful"
	return res, nil
}

// TrackLifecycle records one lifecycle transition. Failures are returned
// so the caller can decide; the workflow invokes it fire-and-forget.
func (a *Activities) TrackLifecycle(ctx context.Context, profileID, eventType string, res *ExecutionResult) error {
	e := history.Event{
		Kind:       history.KindLaunch,
		ProfileID:  profileID,
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
	}
	if res != nil {
		e.PID = res.PID
		e.ExitCode = res.ExitCode
		if res.Success {
			e.Status = "success"
		} else {
			e.Status = "failed"
			e.Detail = res.Message
		}
	}
	if a.Sink == nil {
		return nil
	}
	if err := a.Sink.Send(ctx, e); err != nil {
		activity.GetLogger(ctx).Warn("history write failed", "error", err)
		return err
	}
	return nil
}
