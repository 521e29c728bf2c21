package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/helmd/helmd/internal/engine"
	"github.com/helmd/helmd/internal/history"
	"github.com/helmd/helmd/internal/history/factory"
)

func createEngineCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Manage the workflow engine server",
		Long: `Bring the workflow engine up, inspect it, and tear it down.

Examples:
  helmd engine ensure       # idempotent: start only when not already healthy
  helmd engine status
  helmd --json engine diagnostics
  helmd engine force-stop   # aggressive: sweep every validated engine process`,
	}
	cmd.AddCommand(
		createEngineEnsureCommand(flags),
		createEngineStartCommand(flags),
		createEngineStopCommand(flags),
		createEngineStatusCommand(flags),
		createEngineHealthCommand(flags),
		createEngineCleanupCommand(flags),
		createEngineForceStopCommand(flags),
		createEngineDiagnosticsCommand(flags),
	)
	return cmd
}

// newBootstrap builds the bootstrap plus the audit sink for engine ops.
func newBootstrap(flags *GlobalFlags) (*engine.Bootstrap, history.Sink, runtimeEnv, error) {
	env, err := flags.setup()
	if err != nil {
		return nil, nil, runtimeEnv{}, err
	}
	sink, err := factory.Open(env.cfg.History)
	if err != nil {
		env.log.Warn("history sink unavailable", "error", err)
		sink = history.Nop{}
	}
	boot := engine.NewBootstrap(env.cfg.Engine, env.cfg.ProcessLog(), nil, env.log)
	return boot, sink, env, nil
}

func recordEngineOp(sink history.Sink, op, status string) {
	_ = sink.Send(context.Background(), history.Event{
		Kind:       history.KindEngine,
		EventType:  op,
		Status:     status,
		OccurredAt: time.Now().UTC(),
	})
	_ = sink.Close()
}

func createEngineEnsureCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure",
		Short: "Start the engine only if it is not already serving",
		Run: func(cmd *cobra.Command, args []string) {
			boot, sink, _, err := newBootstrap(flags)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitGeneral)
			}
			res, err := boot.Ensure(cmd.Context())
			recordEngineOp(sink, "ensure", res.State)
			emit(flags.JSON, res, func() {
				if res.Success {
					verb := "already running"
					if res.Started {
						verb = "started"
					}
					fmt.Printf("engine %s (state=%s, grpc=%s, ui=%s)\n", verb, res.State, res.GRPCURL, res.UIURL)
				} else {
					fmt.Printf("engine ensure failed: %s\n", res.Error)
				}
			}, err)
		},
	}
}

func createEngineStartCommand(flags *GlobalFlags) *cobra.Command {
	var foreground bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the engine, failing if one is already running",
		Run: func(cmd *cobra.Command, args []string) {
			boot, sink, _, err := newBootstrap(flags)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitGeneral)
			}
			if foreground {
				recordEngineOp(sink, "start", "foreground")
				if err := boot.RunForeground(cmd.Context()); err != nil {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(exitCodeFor(err))
				}
				os.Exit(exitOK)
			}
			res, err := boot.Start(cmd.Context())
			recordEngineOp(sink, "start", res.State)
			emit(flags.JSON, res, func() {
				if res.Success {
					fmt.Printf("engine started (pid=%d, grpc=%s)\n", res.PID, res.GRPCURL)
				} else {
					fmt.Printf("engine start failed: %s\n", res.Error)
				}
			}, err)
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "run the engine in the foreground with log capture")
	return cmd
}

func createEngineStopCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the validated engine process on the gRPC port",
		Run: func(cmd *cobra.Command, args []string) {
			boot, sink, _, err := newBootstrap(flags)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitGeneral)
			}
			res, err := boot.Stop(cmd.Context())
			recordEngineOp(sink, "stop", res.ActionTaken)
			emit(flags.JSON, res, func() {
				switch {
				case errors.Is(err, engine.ErrNotRunning):
					fmt.Println("engine is not running")
				case res.ActionTaken == "killed":
					fmt.Printf("engine stopped (pid=%d)\n", res.PID)
				default:
					fmt.Printf("engine stop: action=%s reason=%s\n", res.ActionTaken, res.Reason)
				}
			}, err)
		},
	}
}

func createEngineStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report the engine state in one word",
		Run: func(cmd *cobra.Command, args []string) {
			boot, _, _, err := newBootstrap(flags)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitGeneral)
			}
			state := boot.Status(cmd.Context())
			var exitErr error
			switch state {
			case engine.StateNotInstalled:
				exitErr = engine.ErrNotInstalled
			case engine.StateStopped:
				exitErr = engine.ErrNotRunning
			}
			emit(flags.JSON, map[string]string{"state": state}, func() {
				fmt.Println(state)
			}, exitErr)
		},
	}
}

func createEngineHealthCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the engine gRPC port",
		Run: func(cmd *cobra.Command, args []string) {
			boot, _, _, err := newBootstrap(flags)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitGeneral)
			}
			st := boot.Probe(cmd.Context())
			var exitErr error
			if !st.Connected {
				exitErr = engine.ErrNotRunning
			}
			emit(flags.JSON, st, func() {
				if st.Connected {
					fmt.Printf("healthy (tcp=%v http=%v)\n", st.Services["tcp"], st.Services["http"])
				} else {
					fmt.Println("unreachable")
				}
			}, exitErr)
		},
	}
}

func createEngineCleanupCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Free the engine port, killing only a validated occupant",
		Run: func(cmd *cobra.Command, args []string) {
			boot, sink, _, err := newBootstrap(flags)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitGeneral)
			}
			res, err := boot.Cleanup(cmd.Context())
			recordEngineOp(sink, "cleanup", res.ActionTaken)
			emit(flags.JSON, res, func() {
				fmt.Printf("cleanup: action=%s port_free=%v", res.ActionTaken, res.PortFreeAfter)
				if res.Reason != "" {
					fmt.Printf(" reason=%q", res.Reason)
				}
				fmt.Println()
			}, err)
		},
	}
}

func createEngineForceStopCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "force-stop",
		Short: "Kill every validated engine process and remove state",
		Run: func(cmd *cobra.Command, args []string) {
			boot, sink, _, err := newBootstrap(flags)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitGeneral)
			}
			res, err := boot.ForceStop(cmd.Context())
			recordEngineOp(sink, "force_stop", fmt.Sprintf("killed=%d", res.ProcessesKilled))
			emit(flags.JSON, res, func() {
				fmt.Printf("force stop: found=%d killed=%d port_free=%v state_cleaned=%v\n",
					res.ProcessesFound, res.ProcessesKilled, res.PortFree, res.StateCleaned)
				for _, d := range res.Details {
					fmt.Println("  " + d)
				}
			}, err)
		},
	}
}

func createEngineDiagnosticsCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics",
		Short: "Inspect the engine installation without changing it",
		Run: func(cmd *cobra.Command, args []string) {
			boot, _, _, err := newBootstrap(flags)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitGeneral)
			}
			d := boot.Diagnose(cmd.Context())
			var exitErr error
			switch d.OverallStatus {
			case engine.StatusNotInstalled:
				exitErr = engine.ErrNotInstalled
			case engine.StatusInstalledNotRunning:
				exitErr = engine.ErrNotRunning
			}
			emit(flags.JSON, d, func() {
				fmt.Printf("overall: %s\n", d.OverallStatus)
				fmt.Printf("  binary:    %v (%s)\n", d.BinaryInstalled, d.BinaryPath)
				fmt.Printf("  grpc port: %v\n", d.GRPCPortOpen)
				fmt.Printf("  ui port:   %v\n", d.UIPortOpen)
				fmt.Printf("  pid file:  %v (stale=%v, pid=%d)\n", d.PIDFilePresent, d.PIDFileStale, d.PID)
				fmt.Printf("  state db:  %v\n", d.StateDBPresent)
			}, exitErr)
		},
	}
}
