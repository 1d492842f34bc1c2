package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joss/swarm/internal/broker"
	"github.com/joss/swarm/internal/config"
	"github.com/joss/swarm/internal/logging"
	"github.com/joss/swarm/internal/orchestrator"
	"github.com/joss/swarm/internal/runtime"
	"github.com/joss/swarm/internal/tools"
	"github.com/joss/swarm/internal/worker"
)

// buildWorker resolves typeName and wires a worker with its own broker.
func buildWorker(env *config.SwarmEnv, typeName string) (*worker.Worker, *broker.Broker, error) {
	reg, err := workerRegistry(env)
	if err != nil {
		return nil, nil, err
	}
	typ, ok := reg.Get(typeName)
	if !ok || typ.Name == orchestrator.AgentID {
		var names []string
		for _, n := range reg.Names() {
			if n != orchestrator.AgentID {
				names = append(names, n)
			}
		}
		return nil, nil, fmt.Errorf("unknown worker type %q (available: %s)", typeName, strings.Join(names, ", "))
	}

	b := newBroker(env, worker.AgentID(typ.Name))
	w := worker.New(typ, b, newCompleter(env), tools.DefaultRegistry(env.Workdir, b), logging.New("worker"), worker.Options{
		HeartbeatInterval: env.HeartbeatInterval,
		MaxTurns:          env.MaxTurns,
		DefaultModel:      env.WorkerModel,
	})
	return w, b, nil
}

func workerCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker <type>",
		Short: "Start a worker that serves tasks until shutdown",
		Long: `Start a worker of the given type. It listens on its task topic,
sends heartbeats and runs until a shutdown broadcast, SIGINT or SIGTERM.`,
		Example: "  swarm worker analyst",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, _, err := buildWorker(opts.env, args[0])
			if err != nil {
				return err
			}

			log := logging.New("worker").WithWorker(w.ID())
			mgr := runtime.NewShutdownManager(cmd.Context(), runtime.DefaultShutdownTimeout, log)
			mgr.Register("worker", w.Stop)
			mgr.ListenForSignals()

			fmt.Fprintf(cmd.ErrOrStderr(), "Starting worker: %s\n", w.ID())
			startErr := w.Start(mgr.Context())
			if startErr != nil {
				log.Error("worker_failed", startErr, zap.String("type", args[0]))
			}
			if err := mgr.Shutdown(); err != nil && startErr == nil {
				return err
			}
			return startErr
		},
	}
}

func runCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <type> <instruction>",
		Short: "Run one instruction with a worker type, without the task bus",
		Example: `  swarm run analyst "Describe the package layout of ./internal"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, b, err := buildWorker(opts.env, args[0])
			if err != nil {
				return err
			}
			defer b.Disconnect()

			result := w.ProcessTask(cmd.Context(), "direct-"+logging.NewRunID(), args[1])
			if err := printJSON(cmd, result); err != nil {
				return err
			}
			if ok, _ := result["success"].(bool); !ok {
				return fmt.Errorf("task failed")
			}
			return nil
		},
	}
}
