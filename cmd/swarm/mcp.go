package main

import (
	"github.com/spf13/cobra"

	"github.com/joss/swarm/internal/logging"
	"github.com/joss/swarm/internal/mcp"
	"github.com/joss/swarm/internal/runtime"
)

func mcpCmd(opts *cliOptions) *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the swarm bus as MCP tools on stdio",
		Long: `Serve the swarm tools (publish, collect, shared state, health,
broadcast, pending tasks, results) to an agent session over the Model
Context Protocol. Requests are read from stdin, replies written to stdout
and logs to stderr.`,
		Example: "  swarm mcp --agent worker-analyst",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if agent == "" {
				agent = opts.env.AgentID
			}
			b := newBroker(opts.env, agent)
			defer b.Disconnect()

			log := logging.New("mcp").WithWorker(agent)
			mgr := runtime.NewShutdownManager(cmd.Context(), runtime.DefaultShutdownTimeout, log)
			mgr.ListenForSignals()

			srv := mcp.NewServer(b, log, version)
			serveErr := srv.Serve(mgr.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
			if err := mgr.Shutdown(); err != nil && serveErr == nil {
				return err
			}
			return serveErr
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Agent id the tools act as (default SWARM_AGENT_ID)")
	return cmd
}
