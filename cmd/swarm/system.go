package main

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/joss/swarm/internal/config"
	"github.com/joss/swarm/internal/orchestrator"
)

func statusCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show worker liveness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b := newBroker(opts.env, orchestrator.AgentID)
			defer b.Disconnect()

			if err := b.Connect(cmd.Context()); err != nil {
				return err
			}
			health, err := b.HealthCheck(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd, health)
			}
			renderer(cmd, opts).Health(health)
			return nil
		},
	}
}

func broadcastCmd(opts *cliOptions) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:     "broadcast <action>",
		Short:   "Send an action to every worker (status, shutdown, ...)",
		Example: "  swarm broadcast status\n  swarm broadcast pause -m \"maintenance window\"",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b := newBroker(opts.env, orchestrator.AgentID)
			defer b.Disconnect()

			id, err := b.Broadcast(cmd.Context(), args[0], message)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd, map[string]string{"action": args[0], "id": id})
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("Broadcast sent: %s", args[0]))
			fmt.Fprintln(cmd.OutOrStdout(), color.HiBlackString("Message ID: %s", id))
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Additional message")
	return cmd
}

func shutdownCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask every worker to stop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _, closeHistory := newOrchestrator(opts.env)
			defer closeHistory()

			if err := orch.Shutdown(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("Swarm shut down"))
			return nil
		},
	}
}

func pendingCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List dispatched messages without a collected result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b := newBroker(opts.env, orchestrator.AgentID)
			defer b.Disconnect()

			tasks, err := b.ListPending(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd, tasks)
			}
			renderer(cmd, opts).Pending(tasks)
			return nil
		},
	}
}

func historyCmd(opts *cliOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent execute runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := orchestrator.OpenRunStore(historyPath(opts.env))
			if err != nil {
				return err
			}
			defer runs.Close()

			recent, err := runs.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd, recent)
			}
			renderer(cmd, opts).History(recent)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show")
	return cmd
}

func infoCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env := opts.env
			key := "not set"
			if env.AnthropicKey != "" {
				key = "set"
			}
			kv := map[string]string{
				"redis":              env.RedisHost + ":" + strconv.Itoa(env.RedisPort),
				"redis_db":           strconv.Itoa(env.RedisDB),
				"agent_id":           env.AgentID,
				"agent_type":         env.AgentType,
				"anthropic_key":      key,
				"worker_model":       env.WorkerModel,
				"orchestrator_model": env.OrchestratorModel,
				"collect_timeout":    env.CollectTimeout.String(),
				"heartbeat_interval": env.HeartbeatInterval.String(),
				"max_turns":          strconv.Itoa(env.MaxTurns),
				"map_reduce_worker":  env.MapReduceWorker,
				"history_db":         historyPath(env),
				"workdir":            env.Workdir,
				"home":               config.GetPaths().Home,
			}
			if opts.json {
				return printJSON(cmd, kv)
			}
			renderer(cmd, opts).KeyValues("Swarm configuration", kv)
			return nil
		},
	}
}

