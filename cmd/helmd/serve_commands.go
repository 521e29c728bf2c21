package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/helmd/helmd/internal/engine"
	"github.com/helmd/helmd/internal/history"
	"github.com/helmd/helmd/internal/history/factory"
	"github.com/helmd/helmd/internal/registry"
	"github.com/helmd/helmd/internal/server"
	"github.com/helmd/helmd/internal/supervisor"
)

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the HTTP status surface without running the sidecar",
		Long: `Serves registry status, engine health, history and metrics over HTTP.
The live event stream requires the daemon; this surface covers the rest.

Examples:
  helmd serve
  helmd serve --addr 0.0.0.0:8710`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := flags.setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sink, err := factory.Open(env.cfg.History)
			if err != nil {
				env.log.Warn("history sink unavailable", "error", err)
				sink = history.Nop{}
			}
			defer sink.Close()

			if addr == "" {
				addr = env.cfg.Server.Addr
			}
			router := server.NewRouter(server.Options{
				BasePath:  env.cfg.Server.BasePath,
				Registry:  registry.Open(env.cfg.RegistryPath(), env.log),
				Bootstrap: engine.NewBootstrap(env.cfg.Engine, env.cfg.ProcessLog(), nil, env.log),
				Inspector: supervisor.HostInspector{},
				Querier:   historyQuerier(sink),
				Log:       env.log,
			})
			srv := server.NewServer(addr, router)
			env.log.Info("http surface listening", "addr", addr)
			<-ctx.Done()
			return srv.Close()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to [server].addr)")
	return cmd
}
