package orchestrator

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
)

func newWorkflowEnv(t *testing.T) (*testsuite.TestWorkflowEnvironment, *Activities) {
	t.Helper()
	ts := &testsuite.WorkflowTestSuite{}
	env := ts.NewTestWorkflowEnvironment()
	a := &Activities{Binary: "/opt/helmd/bin/launcher"}
	env.RegisterWorkflow(LaunchWorkflow)
	env.RegisterActivity(a)
	return env, a
}

func TestLaunchWorkflowHappyPath(t *testing.T) {
	env, a := newWorkflowEnv(t)

	cfg := &LaunchConfig{ProfileID: "p1", Mode: "audit"}
	cmd := PreparedCommand{Binary: a.Binary, Args: []string{"launch", "p1", "--override_mode=audit"}}

	env.OnActivity(a.ValidateBinary, mock.Anything).Return(true, nil)
	env.OnActivity(a.PrepareCommand, mock.Anything, cfg).Return(cmd, nil)
	env.OnActivity(a.Execute, mock.Anything, cmd, cfg).
		Return(&ExecutionResult{Success: true, ExitCode: 0, ProfileID: "p1", PID: 42}, nil)
	env.OnActivity(a.TrackLifecycle, mock.Anything, "p1", "LAUNCH_COMPLETE", mock.Anything).
		Return(nil).Maybe()

	env.ExecuteWorkflow(LaunchWorkflow, cfg)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result LaunchResult
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, "success", result.Status)
	require.Equal(t, "p1", result.ProfileID)
	require.Equal(t, 42, result.PID)
}

func TestLaunchWorkflowMissingBinaryFailsWithoutRetry(t *testing.T) {
	env, a := newWorkflowEnv(t)

	var attempts atomic.Int32
	env.OnActivity(a.ValidateBinary, mock.Anything).Return(
		func(ctx context.Context) (bool, error) {
			attempts.Add(1)
			return false, temporal.NewNonRetryableApplicationError("launcher binary not found", "binary_missing", nil)
		})

	env.ExecuteWorkflow(LaunchWorkflow, &LaunchConfig{ProfileID: "p1"})
	require.True(t, env.IsWorkflowCompleted())

	err := env.GetWorkflowError()
	require.Error(t, err)
	require.Contains(t, err.Error(), "launcher binary not available")
	require.Equal(t, int32(1), attempts.Load(), "non-retryable error must not be retried")
}

func TestLaunchWorkflowExecRetriedOnTransientError(t *testing.T) {
	env, a := newWorkflowEnv(t)

	cfg := &LaunchConfig{ProfileID: "p1"}
	cmd := PreparedCommand{Binary: a.Binary, Args: []string{"launch", "p1"}}
	env.OnActivity(a.ValidateBinary, mock.Anything).Return(true, nil)
	env.OnActivity(a.PrepareCommand, mock.Anything, cfg).Return(cmd, nil)

	var attempts atomic.Int32
	env.OnActivity(a.Execute, mock.Anything, cmd, cfg).Return(
		func(ctx context.Context, _ PreparedCommand, _ *LaunchConfig) (*ExecutionResult, error) {
			if attempts.Add(1) < 3 {
				return nil, temporal.NewApplicationError("transient spawn failure", "spawn")
			}
			return &ExecutionResult{Success: true, ProfileID: "p1", PID: 7}, nil
		})
	env.OnActivity(a.TrackLifecycle, mock.Anything, "p1", "LAUNCH_COMPLETE", mock.Anything).
		Return(nil).Maybe()

	env.ExecuteWorkflow(LaunchWorkflow, cfg)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	require.Equal(t, int32(3), attempts.Load())
}

func TestLaunchWorkflowHonorsConfiguredAttempts(t *testing.T) {
	env, a := newWorkflowEnv(t)

	cfg := &LaunchConfig{ProfileID: "p1", MaxAttempts: 2}
	cmd := PreparedCommand{Binary: a.Binary, Args: []string{"launch", "p1"}}
	env.OnActivity(a.ValidateBinary, mock.Anything).Return(true, nil)
	env.OnActivity(a.PrepareCommand, mock.Anything, cfg).Return(cmd, nil)

	var attempts atomic.Int32
	env.OnActivity(a.Execute, mock.Anything, cmd, cfg).Return(
		func(ctx context.Context, _ PreparedCommand, _ *LaunchConfig) (*ExecutionResult, error) {
			attempts.Add(1)
			return nil, temporal.NewApplicationError("transient spawn failure", "spawn")
		})

	env.ExecuteWorkflow(LaunchWorkflow, cfg)
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	require.Equal(t, int32(2), attempts.Load(), "retry budget must come from the input")
}

func TestLaunchWorkflowUnsuccessfulExecutionFails(t *testing.T) {
	env, a := newWorkflowEnv(t)

	cfg := &LaunchConfig{ProfileID: "p1"}
	cmd := PreparedCommand{Binary: a.Binary, Args: []string{"launch", "p1"}}
	env.OnActivity(a.ValidateBinary, mock.Anything).Return(true, nil)
	env.OnActivity(a.PrepareCommand, mock.Anything, cfg).Return(cmd, nil)
	env.OnActivity(a.Execute, mock.Anything, cmd, cfg).
		Return(&ExecutionResult{Success: false, ExitCode: 3, Message: "execution failed: exit status 3"}, nil)
	env.OnActivity(a.TrackLifecycle, mock.Anything, "p1", "LAUNCH_FAILED", mock.Anything).
		Return(nil).Maybe()

	env.ExecuteWorkflow(LaunchWorkflow, cfg)
	require.True(t, env.IsWorkflowCompleted())

	err := env.GetWorkflowError()
	require.Error(t, err)
	if !strings.Contains(err.Error(), "unsuccessful") {
		t.Fatalf("err = %v", err)
	}
}
