package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joss/swarm/internal/logging"
	"github.com/joss/swarm/internal/orchestrator"
	"github.com/joss/swarm/internal/render"
	"github.com/joss/swarm/internal/runtime"
)

func executeCmd(opts *cliOptions) *cobra.Command {
	var (
		strategy string
		dataFile string
	)

	cmd := &cobra.Command{
		Use:   "execute <task>",
		Short: "Plan and run a task across the swarm",
		Example: `  swarm execute "Review the auth package for security issues"
  swarm execute "Refactor then test the parser" --strategy pipeline
  swarm execute "Summarize each log entry" -s map-reduce --data app.log`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strat, err := orchestrator.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			var data any
			if dataFile != "" {
				if data, err = loadData(dataFile, cmd.InOrStdin()); err != nil {
					return err
				}
			}

			orch, b, closeHistory := newOrchestrator(opts.env)
			defer closeHistory()

			mgr := runtime.NewShutdownManager(cmd.Context(), opts.env.ShutdownGrace, logging.New("shutdown"))
			mgr.Register("broker", func(context.Context) error { return b.Disconnect() })
			mgr.ListenForSignals()
			defer mgr.Shutdown()

			var res *orchestrator.ExecutionResult
			run := func(ctx context.Context) error {
				var err error
				res, err = orch.Execute(ctx, args[0], strat, data)
				return err
			}
			if opts.pretty && !opts.json {
				err = render.Spin(mgr.Context(), os.Stderr, "Executing task...", run)
			} else {
				err = run(mgr.Context())
			}
			if err != nil {
				return err
			}

			if opts.json {
				if err := printJSON(cmd, res); err != nil {
					return err
				}
			} else {
				renderer(cmd, opts).Execution(res)
			}
			if !res.Success {
				return fmt.Errorf("execution failed: %s", res.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&strategy, "strategy", "s", "auto", "Strategy: auto, fan-out, pipeline, map-reduce")
	cmd.Flags().StringVar(&dataFile, "data", "", "Map-reduce input file (- for stdin)")
	return cmd
}
