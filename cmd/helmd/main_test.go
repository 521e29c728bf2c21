package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/helmd/helmd/internal/engine"
)

func TestExitCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{fmt.Errorf("boom"), exitGeneral},
		{engine.ErrNotRunning, exitNotRunning},
		{fmt.Errorf("stop: %w", engine.ErrNotRunning), exitNotRunning},
		{engine.ErrNotInstalled, exitNotInstalled},
		{engine.ErrAlreadyRunning, exitAlreadyRunning},
		{errors.New("validation refused"), exitGeneral},
	}
	for _, tc := range cases {
		if got := exitCodeFor(tc.err); got != tc.want {
			t.Errorf("exitCodeFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestCommandTree(t *testing.T) {
	root := buildRoot()
	want := map[string][]string{
		"engine": {"ensure", "start", "stop", "status", "health", "cleanup", "force-stop", "diagnostics"},
		"launch": {"run", "worker", "status"},
		"daemon": nil,
		"serve":  nil,
	}
	for name, subs := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("command %q not found: %v", name, err)
		}
		for _, sub := range subs {
			if c, _, err := root.Find([]string{name, sub}); err != nil || c.Name() != sub {
				t.Fatalf("subcommand %q %q not found: %v", name, sub, err)
			}
		}
	}
	if f := root.PersistentFlags().Lookup("json"); f == nil {
		t.Fatal("--json persistent flag missing")
	}
}
