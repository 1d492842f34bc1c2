package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joss/swarm/internal/orchestrator"
)

func stateCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Read and write shared swarm state",
	}
	cmd.AddCommand(stateGetCmd(opts), stateSetCmd(opts), stateListCmd(opts))
	return cmd
}

func stateGetCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print a state value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b := newBroker(opts.env, orchestrator.AgentID)
			defer b.Disconnect()

			v, err := b.GetState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if v == nil {
				return fmt.Errorf("key not found: %s", args[0])
			}
			if s, ok := v.(string); ok && !opts.json {
				fmt.Fprintln(cmd.OutOrStdout(), s)
				return nil
			}
			return printJSON(cmd, v)
		},
	}
}

func stateSetCmd(opts *cliOptions) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a state value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b := newBroker(opts.env, orchestrator.AgentID)
			defer b.Disconnect()

			if err := b.SetState(cmd.Context(), args[0], args[1], ttl); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Expiry (0 keeps the key forever)")
	return cmd
}

func stateListCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List state keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b := newBroker(opts.env, orchestrator.AgentID)
			defer b.Disconnect()

			keys, err := b.ListState(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd, keys)
			}
			if len(keys) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No state keys")
				return nil
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
}
