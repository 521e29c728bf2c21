package orchestrator

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// LaunchWorkflow drives one profile launch end to end: validate the
// launcher, build its argv, run it, then record the outcome. Timeouts
// and the retry budget come from the input, with fixed fallbacks; a
// missing binary is non-retryable and fails the workflow on the first
// attempt.
func LaunchWorkflow(ctx workflow.Context, cfg *LaunchConfig) (*LaunchResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("launch workflow started", "profile_id", cfg.ProfileID)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: durOr(cfg.ActivityTimeout, 10*time.Minute),
		HeartbeatTimeout:    durOr(cfg.HeartbeatTimeout, 30*time.Second),
		RetryPolicy:         retryPolicy(cfg.MaxAttempts),
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var a *Activities

	var validated bool
	if err := workflow.ExecuteActivity(ctx, a.ValidateBinary).Get(ctx, &validated); err != nil {
		logger.Error("launcher validation failed", "error", err)
		return nil, fmt.Errorf("launcher binary not available: %w", err)
	}

	var cmd PreparedCommand
	if err := workflow.ExecuteActivity(ctx, a.PrepareCommand, cfg).Get(ctx, &cmd); err != nil {
		logger.Error("command preparation failed", "error", err)
		return nil, fmt.Errorf("command preparation failed: %w", err)
	}

	var execResult ExecutionResult
	if err := workflow.ExecuteActivity(ctx, a.Execute, cmd, cfg).Get(ctx, &execResult); err != nil {
		logger.Error("launcher execution failed", "error", err)
		return nil, fmt.Errorf("launcher execution failed: %w", err)
	}

	if !execResult.Success {
		logger.Error("launcher reported failure", "message", execResult.Message)
		_ = workflow.ExecuteActivity(ctx, a.TrackLifecycle, cfg.ProfileID, "LAUNCH_FAILED", &execResult)
		return nil, fmt.Errorf("launcher execution unsuccessful: %s", execResult.Message)
	}

	// Fire and forget: the launch already succeeded.
	_ = workflow.ExecuteActivity(ctx, a.TrackLifecycle, cfg.ProfileID, "LAUNCH_COMPLETE", &execResult)

	result := &LaunchResult{
		Type:      "LAUNCH_COMPLETE",
		ProfileID: cfg.ProfileID,
		Status:    "success",
		ExitCode:  execResult.ExitCode,
		PID:       execResult.PID,
		Timestamp: workflow.Now(ctx).Unix(),
	}
	logger.Info("launch workflow completed", "profile_id", cfg.ProfileID, "pid", execResult.PID)
	return result, nil
}

func retryPolicy(maxAttempts int32) *temporal.RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Minute,
		MaximumAttempts:    maxAttempts,
	}
}

func durOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
