// Package config provides centralized configuration management.
// Values come from the process environment, then an optional .env file.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// SwarmEnv holds all swarm settings.
type SwarmEnv struct {
	// RedisHost is the Redis hostname (SWARM_REDIS_HOST)
	RedisHost string
	// RedisPort is the Redis port (SWARM_REDIS_PORT)
	RedisPort int
	// RedisPassword authenticates to Redis (SWARM_REDIS_PASSWORD)
	RedisPassword string
	// RedisDB selects the Redis database (SWARM_REDIS_DB)
	RedisDB int

	// AgentID identifies this process on the bus (SWARM_AGENT_ID)
	AgentID string
	// AgentType is the worker type of this process (SWARM_AGENT_TYPE)
	AgentType string

	// AnthropicKey is the Anthropic API key (ANTHROPIC_API_KEY)
	AnthropicKey string
	// AnthropicBaseURL overrides the Anthropic API base URL (ANTHROPIC_BASE_URL)
	AnthropicBaseURL string
	// WorkerModel is the default worker model (CLAUDE_MODEL)
	WorkerModel string
	// OrchestratorModel is used for planning and synthesis (ORCHESTRATOR_MODEL)
	OrchestratorModel string

	CollectTimeout    time.Duration // SWARM_COLLECT_TIMEOUT
	PollInterval      time.Duration // SWARM_POLL_INTERVAL
	HeartbeatInterval time.Duration // SWARM_HEARTBEAT_INTERVAL
	HeartbeatTTL      time.Duration // SWARM_HEARTBEAT_TTL
	ShutdownGrace     time.Duration // SWARM_SHUTDOWN_GRACE

	// MaxTurns bounds the worker tool loop (SWARM_MAX_TURNS)
	MaxTurns int
	// MapReduceWorker is the worker type that processes chunks (SWARM_MAP_REDUCE_WORKER)
	MapReduceWorker string

	// RegistryFile optionally overrides worker types (SWARM_REGISTRY_FILE)
	RegistryFile string
	// HistoryDB is the run history database path (SWARM_HISTORY_DB)
	HistoryDB string
	// LogLevel is debug, info, warn or error (SWARM_LOG_LEVEL)
	LogLevel string
	// Workdir is the root for file tools (SWARM_WORKDIR)
	Workdir string
}

var (
	env     *SwarmEnv
	envOnce sync.Once
)

// Env returns the singleton environment configuration.
// Thread-safe, loads once on first call.
func Env() *SwarmEnv {
	envOnce.Do(func() {
		env = Load(DefaultEnvFiles()...)
	})
	return env
}

// ResetEnv resets the cached environment (for testing).
func ResetEnv() {
	envOnce = sync.Once{}
	env = nil
}

// DefaultEnvFiles lists the .env files consulted, first match wins.
func DefaultEnvFiles() []string {
	return []string{".env", GetPaths().EnvFile}
}

// Load builds a configuration from the environment and the first readable
// file in envFiles. Environment variables take precedence over the file.
func Load(envFiles ...string) *SwarmEnv {
	v := viper.New()
	setDefaults(v)
	for _, f := range envFiles {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			continue
		}
		v.SetConfigFile(f)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err == nil {
			break
		}
	}
	v.AutomaticEnv()

	return &SwarmEnv{
		RedisHost:         v.GetString("SWARM_REDIS_HOST"),
		RedisPort:         v.GetInt("SWARM_REDIS_PORT"),
		RedisPassword:     v.GetString("SWARM_REDIS_PASSWORD"),
		RedisDB:           v.GetInt("SWARM_REDIS_DB"),
		AgentID:           v.GetString("SWARM_AGENT_ID"),
		AgentType:         v.GetString("SWARM_AGENT_TYPE"),
		AnthropicKey:      v.GetString("ANTHROPIC_API_KEY"),
		AnthropicBaseURL:  v.GetString("ANTHROPIC_BASE_URL"),
		WorkerModel:       v.GetString("CLAUDE_MODEL"),
		OrchestratorModel: v.GetString("ORCHESTRATOR_MODEL"),
		CollectTimeout:    durationOf(v, "SWARM_COLLECT_TIMEOUT", 30*time.Second),
		PollInterval:      durationOf(v, "SWARM_POLL_INTERVAL", 500*time.Millisecond),
		HeartbeatInterval: durationOf(v, "SWARM_HEARTBEAT_INTERVAL", 10*time.Second),
		HeartbeatTTL:      durationOf(v, "SWARM_HEARTBEAT_TTL", 60*time.Second),
		ShutdownGrace:     durationOf(v, "SWARM_SHUTDOWN_GRACE", 2*time.Second),
		MaxTurns:          v.GetInt("SWARM_MAX_TURNS"),
		MapReduceWorker:   v.GetString("SWARM_MAP_REDUCE_WORKER"),
		RegistryFile:      v.GetString("SWARM_REGISTRY_FILE"),
		HistoryDB:         v.GetString("SWARM_HISTORY_DB"),
		LogLevel:          v.GetString("SWARM_LOG_LEVEL"),
		Workdir:           v.GetString("SWARM_WORKDIR"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SWARM_REDIS_HOST", "localhost")
	v.SetDefault("SWARM_REDIS_PORT", 6379)
	v.SetDefault("SWARM_REDIS_DB", 0)
	v.SetDefault("SWARM_AGENT_ID", "unknown")
	v.SetDefault("SWARM_AGENT_TYPE", "worker")
	v.SetDefault("CLAUDE_MODEL", "claude-sonnet-4-20250514")
	v.SetDefault("ORCHESTRATOR_MODEL", "claude-opus-4-5-20251101")
	v.SetDefault("SWARM_MAX_TURNS", 20)
	v.SetDefault("SWARM_MAP_REDUCE_WORKER", "analyst")
	v.SetDefault("SWARM_HISTORY_DB", GetPaths().HistoryDB)
	v.SetDefault("SWARM_LOG_LEVEL", "info")
	v.SetDefault("SWARM_WORKDIR", ".")
}

func durationOf(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	d, err := ParseDuration(v.GetString(key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ParseDuration accepts Go duration syntax ("1m30s") or bare seconds ("45", "0.5").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// Paths holds standard swarm directory paths.
type Paths struct {
	// Home is the swarm home directory (~/.swarm)
	Home string

	// EnvFile is the .env file path (~/.swarm/.env)
	EnvFile string

	// HistoryDB is the default run history database (~/.swarm/history.db)
	HistoryDB string

	// Registry is the default worker registry override (~/.swarm/workers.yaml)
	Registry string
}

var (
	paths     *Paths
	pathsOnce sync.Once
)

// GetPaths returns the singleton paths configuration.
func GetPaths() *Paths {
	pathsOnce.Do(func() {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		swarmHome := filepath.Join(home, ".swarm")

		paths = &Paths{
			Home:      swarmHome,
			EnvFile:   filepath.Join(swarmHome, ".env"),
			HistoryDB: filepath.Join(swarmHome, "history.db"),
			Registry:  filepath.Join(swarmHome, "workers.yaml"),
		}
	})
	return paths
}

// EnsureHome creates the swarm home directory if needed.
func EnsureHome() error {
	return os.MkdirAll(GetPaths().Home, 0o755)
}
