package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"go.temporal.io/sdk/testsuite"

	"github.com/helmd/helmd/internal/history"
	"github.com/helmd/helmd/internal/registry"
)

// captureSink records history events in memory.
type captureSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *captureSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *captureSink) Close() error { return nil }

func TestPrepareCommandFlagMapping(t *testing.T) {
	a := &Activities{Binary: "/opt/helmd/bin/launcher"}
	env := (&testsuite.WorkflowTestSuite{}).NewTestActivityEnvironment()
	env.RegisterActivity(a.PrepareCommand)

	cases := []struct {
		name string
		cfg  LaunchConfig
		want []string
	}{
		{
			name: "profile only",
			cfg:  LaunchConfig{ProfileID: "p1"},
			want: []string{"launch", "p1"},
		},
		{
			name: "string overrides in fixed order",
			cfg:  LaunchConfig{ProfileID: "p1", Email: "a@b.c", Account: "acct", Service: "google"},
			want: []string{"launch", "p1", "--override_account=acct", "--override_email=a@b.c", "--override_service=google"},
		},
		{
			name: "bools and config file",
			cfg:  LaunchConfig{ProfileID: "p1", Mode: "discovery", Heartbeat: true, Save: true, ConfigFile: "launch.json"},
			want: []string{"launch", "p1", "--override_mode=discovery", "--heartbeat", "--save", "--config=launch.json"},
		},
		{
			name: "no profile id",
			cfg:  LaunchConfig{Register: true},
			want: []string{"launch", "--register"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			val, err := env.ExecuteActivity(a.PrepareCommand, &tc.cfg)
			if err != nil {
				t.Fatalf("PrepareCommand: %v", err)
			}
			var cmd PreparedCommand
			if err := val.Get(&cmd); err != nil {
				t.Fatalf("result: %v", err)
			}
			if cmd.Binary != a.Binary {
				t.Fatalf("binary = %q", cmd.Binary)
			}
			if got := strings.Join(cmd.Args, " "); got != strings.Join(tc.want, " ") {
				t.Fatalf("args = %q, want %q", got, strings.Join(tc.want, " "))
			}
		})
	}
}

func TestValidateBinaryNonRetryable(t *testing.T) {
	a := &Activities{Binary: filepath.Join(t.TempDir(), "missing")}
	env := (&testsuite.WorkflowTestSuite{}).NewTestActivityEnvironment()
	env.RegisterActivity(a.ValidateBinary)

	_, err := env.ExecuteActivity(a.ValidateBinary)
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if !strings.Contains(err.Error(), "binary_missing") {
		t.Fatalf("error not tagged non-retryable: %v", err)
	}
}

func TestValidateBinaryPresent(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "launcher")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	a := &Activities{Binary: bin}
	env := (&testsuite.WorkflowTestSuite{}).NewTestActivityEnvironment()
	env.RegisterActivity(a.ValidateBinary)

	val, err := env.ExecuteActivity(a.ValidateBinary)
	if err != nil {
		t.Fatalf("ValidateBinary: %v", err)
	}
	var ok bool
	if err := val.Get(&ok); err != nil || !ok {
		t.Fatalf("validated = %v, %v", ok, err)
	}
}

func launcherStub(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stub not available")
	}
	bin := filepath.Join(t.TempDir(), "launcher")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return bin
}

func TestExecuteSuccess(t *testing.T) {
	sink := &captureSink{}
	reg := registry.Open(filepath.Join(t.TempDir(), "profiles.json"), nil)
	a := &Activities{
		Binary:            launcherStub(t, "echo started\nexit 0\n"),
		Sink:              sink,
		Reg:               reg,
		HeartbeatInterval: 50 * time.Millisecond,
	}
	env := (&testsuite.WorkflowTestSuite{}).NewTestActivityEnvironment()
	env.RegisterActivity(a.Execute)

	cmd := PreparedCommand{Binary: a.Binary, Args: []string{"launch", "p1"}}
	val, err := env.ExecuteActivity(a.Execute, cmd, &LaunchConfig{ProfileID: "p1", Mode: "audit"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var res ExecutionResult
	if err := val.Get(&res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if !res.Success || res.ExitCode != 0 || res.PID <= 0 {
		t.Fatalf("result = %+v", res)
	}

	e, ok, err := reg.Get("p1")
	if err != nil || !ok {
		t.Fatalf("registry entry missing: %v %v", ok, err)
	}
	if e.PID != res.PID || e.Mode != "audit" {
		t.Fatalf("registry entry = %+v", e)
	}
}

func TestExecuteFailureIsAResultNotAnError(t *testing.T) {
	a := &Activities{Binary: launcherStub(t, "echo boom >&2\nexit 3\n")}
	env := (&testsuite.WorkflowTestSuite{}).NewTestActivityEnvironment()
	env.RegisterActivity(a.Execute)

	cmd := PreparedCommand{Binary: a.Binary, Args: []string{"launch", "p1"}}
	val, err := env.ExecuteActivity(a.Execute, cmd, &LaunchConfig{ProfileID: "p1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var res ExecutionResult
	if err := val.Get(&res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.Success || res.ExitCode != 3 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Message, "boom") {
		t.Fatalf("stderr not captured: %q", res.Message)
	}
}

func TestTrackLifecycleWritesHistory(t *testing.T) {
	sink := &captureSink{}
	a := &Activities{Binary: "/opt/helmd/bin/launcher", Sink: sink}
	env := (&testsuite.WorkflowTestSuite{}).NewTestActivityEnvironment()
	env.RegisterActivity(a.TrackLifecycle)

	res := &ExecutionResult{Success: true, PID: 42, ExitCode: 0}
	if _, err := env.ExecuteActivity(a.TrackLifecycle, "p1", "LAUNCH_COMPLETE", res); err != nil {
		t.Fatalf("TrackLifecycle: %v", err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 {
		t.Fatalf("wrote %d events, want 1", len(sink.events))
	}
	e := sink.events[0]
	if e.Kind != history.KindLaunch || e.EventType != "LAUNCH_COMPLETE" || e.Status != "success" || e.PID != 42 {
		t.Fatalf("event = %+v", e)
	}
}
