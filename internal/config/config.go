package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Completion providers.
const (
	ProviderOllama     = "ollama"
	ProviderOpenRouter = "openrouter"
	ProviderGemini     = "gemini"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Completion CompletionConfig
	Embedding  EmbeddingConfig
	Retrieval  RetrievalConfig
	Simulation SimulationConfig
	Evaluation EvaluationConfig
	Worker     WorkerConfig
	Lock       LockConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	Driver          string
	DSN             string
	DataDir         string
	ConnectAttempts int
	SeedSamples     bool
}

type CompletionConfig struct {
	Provider         string
	Model            string
	EvalModel        string // defaults to Model
	Timeout          string
	MaxTokens        int
	OllamaBaseURL    string
	OpenRouterAPIKey string
	GeminiAPIKey     string
}

type EmbeddingConfig struct {
	Model string
}

type RetrievalConfig struct {
	TopK             int
	MaxContextTokens int
	Timeout          string
}

type SimulationConfig struct {
	Temperature    float64
	TurnsPerMinute float64
	TurnBurst      int
}

type EvaluationConfig struct {
	Temperature float64
	MaxTokens   int
	Timeout     string
}

type WorkerConfig struct {
	PollInterval string
}

type LockConfig struct {
	RedisAddr string
	TTL       string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			Driver:          "sqlite",
			DataDir:         defaultDataDir(),
			ConnectAttempts: 5,
			SeedSamples:     true,
		},
		Completion: CompletionConfig{
			Provider:      ProviderOllama,
			Model:         "llama3.1",
			Timeout:       "60s",
			MaxTokens:     300,
			OllamaBaseURL: "http://localhost:11434",
		},
		Embedding: EmbeddingConfig{
			Model: "nomic-embed-text",
		},
		Retrieval: RetrievalConfig{
			TopK:             5,
			MaxContextTokens: 1000,
			Timeout:          "2s",
		},
		Simulation: SimulationConfig{
			Temperature:    0.7,
			TurnsPerMinute: 20,
			TurnBurst:      5,
		},
		Evaluation: EvaluationConfig{
			Temperature: 0.3,
			MaxTokens:   1200,
			Timeout:     "2m",
		},
		Worker: WorkerConfig{
			PollInterval: "500ms",
		},
		Lock: LockConfig{
			TTL: "90s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "ecosim-data"
		}
	}
	return filepath.Join(dir, "ecosim")
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/ecosim/config.json, then applies ECOSIM_* environment
// variables. API keys missing from the environment are read from the
// secrets file at $XDG_DATA_HOME/ecosim/secrets.json.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), NewSecrets())
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applySecrets fills secret keys still empty after env overrides.
func applySecrets(cfg *Config, secrets SecretStore) {
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if cur, _ := s.extract(*cfg).(string); cur != "" {
			continue
		}
		if v, err := secrets.Get(s.account); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	switch c.Completion.Provider {
	case ProviderOllama:
	case ProviderOpenRouter:
		if c.Completion.OpenRouterAPIKey == "" {
			return fmt.Errorf("missing required config: OpenRouter API key. " +
				"Set it via environment variable ECOSIM_OPENROUTER_API_KEY")
		}
	case ProviderGemini:
		if c.Completion.GeminiAPIKey == "" {
			return fmt.Errorf("missing required config: Gemini API key. " +
				"Set it via environment variable ECOSIM_GEMINI_API_KEY")
		}
	default:
		return fmt.Errorf("invalid completion.provider %q: want one of ollama, openrouter, gemini", c.Completion.Provider)
	}

	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("missing required config: storage.dsn for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid storage.driver %q: want sqlite or postgres", c.Storage.Driver)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}

	for key, raw := range map[string]string{
		"completion.timeout":   c.Completion.Timeout,
		"retrieval.timeout":    c.Retrieval.Timeout,
		"evaluation.timeout":   c.Evaluation.Timeout,
		"worker.poll_interval": c.Worker.PollInterval,
		"lock.ttl":             c.Lock.TTL,
	} {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, raw, err)
		}
	}

	if c.Simulation.TurnsPerMinute < 0 {
		return fmt.Errorf("invalid simulation.turns_per_minute %v: must not be negative", c.Simulation.TurnsPerMinute)
	}
	return nil
}

// Duration parses a validated duration string, returning fallback when it is
// empty or malformed.
func Duration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// EvaluationModel is the model used for scoring transcripts.
func (c CompletionConfig) EvaluationModel() string {
	if c.EvalModel != "" {
		return c.EvalModel
	}
	return c.Model
}
