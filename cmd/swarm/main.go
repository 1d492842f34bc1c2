// Package main provides the swarm CLI entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joss/swarm/internal/config"
	"github.com/joss/swarm/internal/logging"
)

var version = "0.1.0"

func main() {
	err := newRootCmd().Execute()
	logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cliOptions are the persistent flags shared by every command.
type cliOptions struct {
	pretty   bool
	json     bool
	logLevel string
	envFile  string

	env *config.SwarmEnv
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:   "swarm",
		Short: "Multi-agent task coordination over Redis",
		Long: `swarm coordinates a fleet of worker agents through Redis.

An orchestrator plans each task, dispatches subtasks with a fan-out,
pipeline or map-reduce strategy, and synthesizes the collected results.
Workers are started with 'swarm worker <type>'.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.env = config.Env()
			if opts.envFile != "" {
				opts.env = config.Load(opts.envFile)
			}
			level := opts.env.LogLevel
			if opts.logLevel != "" {
				level = opts.logLevel
			}
			logging.SetLevel(level)
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", true, "Pretty print output")
	rootCmd.PersistentFlags().BoolVar(&opts.json, "json", false, "Output as JSON")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "Read settings from this .env file")

	rootCmd.AddGroup(
		&cobra.Group{ID: "run", Title: "Execution:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
	)

	for _, c := range []*cobra.Command{executeCmd(opts), workerCmd(opts), runCmd(opts), mcpCmd(opts)} {
		c.GroupID = "run"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{
		statusCmd(opts), broadcastCmd(opts), shutdownCmd(opts), stateCmd(opts),
		pendingCmd(opts), historyCmd(opts), infoCmd(opts),
	} {
		c.GroupID = "ops"
		rootCmd.AddCommand(c)
	}

	return rootCmd
}
