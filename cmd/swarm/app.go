package main

import (
	"github.com/spf13/cobra"

	"github.com/joss/swarm/internal/broker"
	"github.com/joss/swarm/internal/config"
	"github.com/joss/swarm/internal/logging"
	"github.com/joss/swarm/internal/orchestrator"
	"github.com/joss/swarm/internal/provider"
	"github.com/joss/swarm/internal/render"
	"github.com/joss/swarm/internal/store"
	"github.com/joss/swarm/internal/worker"
	"github.com/joss/swarm/pkg/llm"
)

// Wiring helpers. Every command builds what it needs from opts.env.

func redisOpener(env *config.SwarmEnv) store.Opener {
	return store.RedisOpener(store.RedisConfig{
		Host:     env.RedisHost,
		Port:     env.RedisPort,
		Password: env.RedisPassword,
		DB:       env.RedisDB,
	})
}

func newBroker(env *config.SwarmEnv, agentID string) *broker.Broker {
	return broker.New(agentID, redisOpener(env), logging.New("broker").WithWorker(agentID), broker.Options{
		PollInterval: env.PollInterval,
		HeartbeatTTL: env.HeartbeatTTL,
	})
}

func newCompleter(env *config.SwarmEnv) llm.Completer {
	return provider.NewAnthropic(env.AnthropicKey, env.AnthropicBaseURL, nil)
}

func workerRegistry(env *config.SwarmEnv) (*worker.Registry, error) {
	path := env.RegistryFile
	if path == "" {
		path = config.GetPaths().Registry
	}
	return worker.LoadRegistry(path)
}

func historyPath(env *config.SwarmEnv) string {
	if env.HistoryDB != "" {
		return env.HistoryDB
	}
	return config.GetPaths().HistoryDB
}

// newOrchestrator wires an orchestrator on its own broker. The returned
// close func releases the history store; the broker is closed by the caller
// through Shutdown or Disconnect.
func newOrchestrator(env *config.SwarmEnv) (*orchestrator.Orchestrator, *broker.Broker, func()) {
	b := newBroker(env, orchestrator.AgentID)
	log := logging.New("orchestrator")

	opts := orchestrator.Options{
		CollectTimeout:  env.CollectTimeout,
		ShutdownGrace:   env.ShutdownGrace,
		MapReduceWorker: env.MapReduceWorker,
		Model:           env.OrchestratorModel,
	}
	closeFn := func() {}
	if runs, err := orchestrator.OpenRunStore(historyPath(env)); err != nil {
		log.Warn("history_unavailable", err)
	} else {
		opts.Recorder = runs
		closeFn = func() { runs.Close() }
	}

	return orchestrator.New(b, newCompleter(env), log, opts), b, closeFn
}

func renderer(cmd *cobra.Command, opts *cliOptions) *render.Renderer {
	return render.New(cmd.OutOrStdout(), opts.pretty && !opts.json)
}
