package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string // secrets file account for secret keys
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "ECOSIM_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.driver", typ: kString, env: "ECOSIM_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.dsn", typ: kString, env: "ECOSIM_STORAGE_DSN",
		apply:   func(cfg *Config, v any) { cfg.Storage.DSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DSN },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ECOSIM_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.connect_attempts", typ: kInt, env: "ECOSIM_STORAGE_CONNECT_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Storage.ConnectAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.ConnectAttempts },
	},
	{
		key: "storage.seed_samples", typ: kBool, env: "ECOSIM_STORAGE_SEED_SAMPLES",
		apply:   func(cfg *Config, v any) { cfg.Storage.SeedSamples = v.(bool) },
		extract: func(cfg Config) any { return cfg.Storage.SeedSamples },
	},
	{
		key: "completion.provider", typ: kString, env: "ECOSIM_COMPLETION_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Completion.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.Provider },
	},
	{
		key: "completion.model", typ: kString, env: "ECOSIM_COMPLETION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Completion.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.Model },
	},
	{
		key: "completion.eval_model", typ: kString, env: "ECOSIM_COMPLETION_EVAL_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Completion.EvalModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.EvalModel },
	},
	{
		key: "completion.timeout", typ: kString, env: "ECOSIM_COMPLETION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Completion.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.Timeout },
	},
	{
		key: "completion.max_tokens", typ: kInt, env: "ECOSIM_COMPLETION_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Completion.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Completion.MaxTokens },
	},
	{
		key: "completion.ollama_base_url", typ: kString, env: "ECOSIM_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Completion.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.OllamaBaseURL },
	},
	{
		key: "completion.openrouter_api_key", typ: kString, env: "ECOSIM_OPENROUTER_API_KEY",
		secret: true, account: "openrouter_api_key",
		apply:   func(cfg *Config, v any) { cfg.Completion.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.OpenRouterAPIKey },
	},
	{
		key: "completion.gemini_api_key", typ: kString, env: "ECOSIM_GEMINI_API_KEY",
		secret: true, account: "gemini_api_key",
		apply:   func(cfg *Config, v any) { cfg.Completion.GeminiAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.GeminiAPIKey },
	},
	{
		key: "embedding.model", typ: kString, env: "ECOSIM_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "ECOSIM_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.max_context_tokens", typ: kInt, env: "ECOSIM_RETRIEVAL_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxContextTokens },
	},
	{
		key: "retrieval.timeout", typ: kString, env: "ECOSIM_RETRIEVAL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.Timeout },
	},
	{
		key: "simulation.temperature", typ: kFloat, env: "ECOSIM_SIMULATION_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Simulation.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Simulation.Temperature },
	},
	{
		key: "simulation.turns_per_minute", typ: kFloat, env: "ECOSIM_SIMULATION_TURNS_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.Simulation.TurnsPerMinute = v.(float64) },
		extract: func(cfg Config) any { return cfg.Simulation.TurnsPerMinute },
	},
	{
		key: "simulation.turn_burst", typ: kInt, env: "ECOSIM_SIMULATION_TURN_BURST",
		apply:   func(cfg *Config, v any) { cfg.Simulation.TurnBurst = v.(int) },
		extract: func(cfg Config) any { return cfg.Simulation.TurnBurst },
	},
	{
		key: "evaluation.temperature", typ: kFloat, env: "ECOSIM_EVALUATION_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Evaluation.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Evaluation.Temperature },
	},
	{
		key: "evaluation.max_tokens", typ: kInt, env: "ECOSIM_EVALUATION_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Evaluation.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Evaluation.MaxTokens },
	},
	{
		key: "evaluation.timeout", typ: kString, env: "ECOSIM_EVALUATION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Evaluation.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Evaluation.Timeout },
	},
	{
		key: "worker.poll_interval", typ: kString, env: "ECOSIM_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "lock.redis_addr", typ: kString, env: "ECOSIM_LOCK_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Lock.RedisAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Lock.RedisAddr },
	},
	{
		key: "lock.ttl", typ: kString, env: "ECOSIM_LOCK_TTL",
		apply:   func(cfg *Config, v any) { cfg.Lock.TTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Lock.TTL },
	},
	{
		key: "log.level", typ: kString, env: "ECOSIM_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
