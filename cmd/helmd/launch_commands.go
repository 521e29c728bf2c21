package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/helmd/helmd/internal/history"
	"github.com/helmd/helmd/internal/history/factory"
	"github.com/helmd/helmd/internal/orchestrator"
	"github.com/helmd/helmd/internal/registry"
)

// LaunchFlags mirrors the launcher's override surface.
type LaunchFlags struct {
	Account    string
	Email      string
	Alias      string
	Extension  string
	Mode       string
	Role       string
	Service    string
	Step       string
	Heartbeat  bool
	Register   bool
	Save       bool
	ConfigFile string
}

func createLaunchCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Run profile launches as durable workflows",
		Long: `The launch commands submit work to the workflow engine. The engine owns
retries, heartbeats and progress; a worker must be running to make
progress (see "helmd launch worker").

Examples:
  helmd launch worker &
  helmd launch run profile_001 --mode=audit --save
  helmd --json launch run profile_001 --email=test@mail.com
  helmd launch status profile_001`,
	}
	cmd.AddCommand(
		createLaunchRunCommand(flags),
		createLaunchWorkerCommand(flags),
		createLaunchStatusCommand(flags),
	)
	return cmd
}

func createLaunchRunCommand(flags *GlobalFlags) *cobra.Command {
	launchFlags := &LaunchFlags{}
	cmd := &cobra.Command{
		Use:   "run [profile_id]",
		Short: "Launch a profile and wait for the workflow to finish",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			env, err := flags.setup()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitGeneral)
			}
			profileID := ""
			if len(args) > 0 {
				profileID = args[0]
			}
			cfg := &orchestrator.LaunchConfig{
				ProfileID:  profileID,
				Account:    launchFlags.Account,
				Email:      launchFlags.Email,
				Alias:      launchFlags.Alias,
				Extension:  launchFlags.Extension,
				Mode:       launchFlags.Mode,
				Role:       launchFlags.Role,
				Service:    launchFlags.Service,
				Step:       launchFlags.Step,
				Heartbeat:  launchFlags.Heartbeat,
				Register:   launchFlags.Register,
				Save:       launchFlags.Save,
				ConfigFile: launchFlags.ConfigFile,
			}

			client, err := orchestrator.Dial(
				fmt.Sprintf("localhost:%d", env.cfg.Engine.GRPCPort), env.cfg.Launch, env.log)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitGeneral)
			}
			defer client.Close()

			result, err := client.Launch(cmd.Context(), cfg)
			if err != nil {
				emit(flags.JSON, map[string]any{"success": false, "error": err.Error()}, func() {
					fmt.Printf("launch failed: %v\n", err)
				}, err)
				return
			}

			if profileID != "" {
				reg := registry.Open(env.cfg.RegistryPath(), env.log)
				err := reg.Put(registry.Entry{
					ProfileID:  profileID,
					PID:        result.PID,
					WorkflowID: result.WorkflowID,
					Mode:       cfg.Mode,
				})
				if err != nil {
					env.log.Warn("registry update failed", "error", err)
				}
			}
			emit(flags.JSON, result, func() {
				fmt.Printf("launch complete (profile=%s, pid=%d, workflow=%s)\n",
					result.ProfileID, result.PID, result.WorkflowID)
			}, nil)
		},
	}
	cmd.Flags().StringVar(&launchFlags.Account, "account", "", "account override")
	cmd.Flags().StringVar(&launchFlags.Email, "email", "", "email override")
	cmd.Flags().StringVar(&launchFlags.Alias, "alias", "", "alias override")
	cmd.Flags().StringVar(&launchFlags.Extension, "extension", "", "extension override")
	cmd.Flags().StringVar(&launchFlags.Mode, "mode", "", "launch mode override")
	cmd.Flags().StringVar(&launchFlags.Role, "role", "", "role override")
	cmd.Flags().StringVar(&launchFlags.Service, "service", "", "service override")
	cmd.Flags().StringVar(&launchFlags.Step, "step", "", "step override")
	cmd.Flags().BoolVar(&launchFlags.Heartbeat, "heartbeat", false, "enable launcher heartbeats")
	cmd.Flags().BoolVar(&launchFlags.Register, "register", false, "register the profile during launch")
	cmd.Flags().BoolVar(&launchFlags.Save, "save", false, "persist the launch profile")
	cmd.Flags().StringVar(&launchFlags.ConfigFile, "launch-config", "", "launcher config file")
	return cmd
}

func createLaunchWorkerCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Host the launch workflow and activities",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := flags.setup()
			if err != nil {
				return err
			}
			sink, err := factory.Open(env.cfg.History)
			if err != nil {
				env.log.Warn("history sink unavailable", "error", err)
				sink = history.Nop{}
			}
			defer sink.Close()

			client, err := orchestrator.Dial(
				fmt.Sprintf("localhost:%d", env.cfg.Engine.GRPCPort), env.cfg.Launch, env.log)
			if err != nil {
				return err
			}
			defer client.Close()

			activities := &orchestrator.Activities{
				Binary:            env.cfg.Sidecar.Binary,
				Sink:              sink,
				Reg:               registry.Open(env.cfg.RegistryPath(), env.log),
				HeartbeatInterval: env.cfg.Launch.HeartbeatInterval,
			}
			return orchestrator.RunWorker(cmd.Context(), client.Raw(), env.cfg.Launch.TaskQueue, activities, env.log)
		},
	}
}

func createLaunchStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [profile_id]",
		Short: "Report the latest launch workflow state for a profile",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			env, err := flags.setup()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitGeneral)
			}
			client, err := orchestrator.Dial(
				fmt.Sprintf("localhost:%d", env.cfg.Engine.GRPCPort), env.cfg.Launch, env.log)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitGeneral)
			}
			defer client.Close()

			reg := registry.Open(env.cfg.RegistryPath(), env.log)
			workflowID, ok, err := client.LatestLaunch(reg, args[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitGeneral)
			}
			if !ok {
				emit(flags.JSON, map[string]string{"profile_id": args[0], "status": "unknown"}, func() {
					fmt.Printf("no recorded launch for profile %s\n", args[0])
				}, fmt.Errorf("no recorded launch for profile %s", args[0]))
				return
			}
			status, err := client.Describe(cmd.Context(), workflowID)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitGeneral)
			}
			emit(flags.JSON, map[string]string{
				"profile_id":  args[0],
				"workflow_id": workflowID,
				"status":      status,
			}, func() {
				fmt.Printf("profile %s: workflow %s is %s\n", args[0], workflowID, status)
			}, nil)
		},
	}
}
