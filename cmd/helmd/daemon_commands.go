package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/helmd/helmd/internal/history"
	"github.com/helmd/helmd/internal/history/factory"
	"github.com/helmd/helmd/internal/protocol"
	"github.com/helmd/helmd/internal/registry"
	"github.com/helmd/helmd/internal/server"
	"github.com/helmd/helmd/internal/sidecar"
	"github.com/helmd/helmd/internal/supervisor"
)

// DaemonFlags holds daemon-specific flags.
type DaemonFlags struct {
	Serve bool
}

func createDaemonCommand(flags *GlobalFlags) *cobra.Command {
	daemonFlags := &DaemonFlags{}
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the sidecar and its event dispatcher in the foreground",
		Long: `Starts the sidecar child process, consumes its event stream, records
audit history, and prunes dead registry entries until interrupted.

Examples:
  helmd daemon
  helmd daemon --serve          # also expose the HTTP status surface`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := flags.setup()
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), env, daemonFlags)
		},
	}
	cmd.Flags().BoolVar(&daemonFlags.Serve, "serve", false, "expose the HTTP status surface while running")
	return cmd
}

func runDaemon(parent context.Context, env runtimeEnv, daemonFlags *DaemonFlags) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, err := factory.Open(env.cfg.History)
	if err != nil {
		env.log.Warn("history sink unavailable", "error", err)
		sink = history.Nop{}
	}
	defer sink.Close()

	reg := registry.Open(env.cfg.RegistryPath(), env.log)
	disp := sidecar.NewDispatcher(env.cfg.LastEventPath(), env.log)
	disp.Hook(func(ev protocol.Event) {
		e := history.Event{
			Kind:       history.KindStreamEvent,
			ProfileID:  ev.ProfileID,
			EventType:  ev.Type,
			Status:     ev.Status,
			Detail:     ev.Error,
			OccurredAt: time.Now().UTC(),
		}
		if err := sink.Send(ctx, e); err != nil {
			env.log.Warn("history write failed", "event_type", ev.Type, "error", err)
		}
	})

	daemon := sidecar.NewDaemon(env.cfg.Sidecar, env.cfg.ProcessLog(), env.log)
	ch, err := daemon.Start(ctx)
	if err != nil {
		return fmt.Errorf("start sidecar: %w", err)
	}

	if last, ok := disp.LastEventTime(); ok {
		env.log.Info("resuming event stream", "last_event", last)
	}

	readyCtx, cancelReady := context.WithTimeout(ctx, 30*time.Second)
	err = daemon.WaitReady(readyCtx, ch, func(ev protocol.Event) {
		// Events that beat the ready announcement still get dispatched.
		go disp.Run(ctx, oneEvent(ev))
	})
	cancelReady()
	if err != nil {
		_ = daemon.Shutdown(context.Background())
		return fmt.Errorf("sidecar never became ready: %w", err)
	}
	_ = sink.Send(ctx, history.Event{
		Kind:       history.KindStreamEvent,
		EventType:  protocol.EventTypeDaemonReady,
		Status:     "ok",
		PID:        daemon.PID(),
		OccurredAt: time.Now().UTC(),
	})

	go disp.Run(ctx, ch.Events())
	go pruneLoop(ctx, reg, env)

	// Reconcile the profile registry against live processes once at
	// startup, then record the audit outcome.
	pruned, pruneErr := reg.Prune(ctx, supervisor.HostInspector{})
	active, _ := reg.List()
	audit := history.Event{
		Kind:       history.KindStreamEvent,
		EventType:  protocol.EventTypeAuditCompleted,
		Status:     "ok",
		Detail:     fmt.Sprintf("pruned=%d active=%d", pruned, len(active)),
		OccurredAt: time.Now().UTC(),
	}
	if pruneErr != nil {
		audit.Status = "error"
		audit.Detail = pruneErr.Error()
	}
	_ = sink.Send(ctx, audit)
	env.log.Info("registry reconciled", "pruned", pruned, "active", len(active))

	var httpSrv interface{ Close() error }
	if daemonFlags.Serve || env.cfg.Server.Enabled {
		router := server.NewRouter(server.Options{
			BasePath:   env.cfg.Server.BasePath,
			Registry:   reg,
			Dispatcher: disp,
			Inspector:  supervisor.HostInspector{},
			Querier:    historyQuerier(sink),
			DaemonPID:  daemon.PID,
			Log:        env.log,
		})
		httpSrv = server.NewServer(env.cfg.Server.Addr, router)
		env.log.Info("http surface listening", "addr", env.cfg.Server.Addr)
	}

	<-ctx.Done()
	env.log.Info("shutting down")
	if httpSrv != nil {
		_ = httpSrv.Close()
	}
	if err := daemon.Shutdown(context.Background()); err != nil {
		return err
	}
	return nil
}

// oneEvent wraps a single already-received event as a closed stream.
func oneEvent(ev protocol.Event) <-chan protocol.Event {
	ch := make(chan protocol.Event, 1)
	ch <- ev
	close(ch)
	return ch
}

// pruneLoop drops registry entries whose processes are gone.
func pruneLoop(ctx context.Context, reg *registry.Registry, env runtimeEnv) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := reg.Prune(ctx, supervisor.HostInspector{}); err != nil {
				env.log.Warn("registry prune failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// historyQuerier exposes read-back when the sink supports it.
func historyQuerier(sink history.Sink) server.HistoryQuerier {
	if q, ok := sink.(server.HistoryQuerier); ok {
		return q
	}
	return nil
}
