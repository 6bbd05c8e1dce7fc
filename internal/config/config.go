package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	LLM       LLMConfig
	Proxy     ProxyConfig
	Storage   StorageConfig
	Log       LogConfig
	Ingest    IngestConfig
	Retrieval RetrievalConfig
	Chat      ChatConfig
	Study     StudyConfig
}

type ServerConfig struct {
	Port       int
	MCPEnabled bool
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
	// KeepAlive is how long Ollama keeps the embed model loaded between requests.
	KeepAlive string
}

// LLMConfig selects the chat-completion backend. Provider is "openrouter"
// or "openai" (any OpenAI-compatible endpoint at BaseURL).
type LLMConfig struct {
	Provider string
	BaseURL  string
	Model    string
	APIKey   string
}

type ProxyConfig struct {
	OpenRouterAPIKey string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type IngestConfig struct {
	BatchSize    int
	BatchDelay   time.Duration
	Workers      int
	PollInterval time.Duration
}

type RetrievalConfig struct {
	TopK      int
	Threshold float64
}

type ChatConfig struct {
	MaxSteps  int
	RateLimit float64 // requests per second per user
	RateBurst int
}

type StudyConfig struct {
	CharBudget int
}

const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
			KeepAlive:  "10m",
		},
		LLM: LLMConfig{
			Provider: ProviderOpenRouter,
			Model:    "openai/gpt-4o-mini",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Ingest: IngestConfig{
			BatchSize:    9,
			BatchDelay:   40 * time.Millisecond,
			Workers:      2,
			PollInterval: 500 * time.Millisecond,
		},
		Retrieval: RetrievalConfig{
			TopK:      3,
			Threshold: 0.8,
		},
		Chat: ChatConfig{
			MaxSteps:  3,
			RateLimit: 1,
			RateBurst: 5,
		},
		Study: StudyConfig{
			CharBudget: 24000,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// A .env file in the working directory is loaded first; it never replaces
// variables that are already set.
//
// On macOS the backend is UserDefaults (domain: com.lectern.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/lectern/config.json
// and secrets come from environment variables or the secrets file.
//
// Environment variables (LECTERN_*) override backend values on all platforms.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env: %v\n", err)
	}
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b Backend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try platform keychain for secrets that are still empty.
	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if key, err := kc.Get(secretService, s.account); err == nil && key != "" {
			s.apply(&cfg, key)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.LLM.Provider {
	case ProviderOpenRouter:
		if cfg.Proxy.OpenRouterAPIKey == "" {
			return errors.New("missing required config: OpenRouter API key. " +
				"Set it via environment variable LECTERN_OPENROUTER_API_KEY" + apiKeyHint("openrouter_api_key"))
		}
	case ProviderOpenAI:
		if cfg.LLM.APIKey == "" {
			return errors.New("missing required config: LLM API key. " +
				"Set it via environment variable LECTERN_LLM_API_KEY" + apiKeyHint("llm_api_key"))
		}
	default:
		return fmt.Errorf("invalid llm.provider %q: want %q or %q", cfg.LLM.Provider, ProviderOpenRouter, ProviderOpenAI)
	}

	if cfg.Ingest.BatchSize < 1 {
		return fmt.Errorf("invalid ingest.batch_size %d: must be at least 1", cfg.Ingest.BatchSize)
	}
	if cfg.Ingest.BatchDelay < 0 {
		return fmt.Errorf("invalid ingest.batch_delay %s: must not be negative", cfg.Ingest.BatchDelay)
	}
	if cfg.Ingest.Workers < 1 {
		return fmt.Errorf("invalid ingest.workers %d: must be at least 1", cfg.Ingest.Workers)
	}
	if cfg.Retrieval.TopK < 1 {
		return fmt.Errorf("invalid retrieval.top_k %d: must be at least 1", cfg.Retrieval.TopK)
	}
	if cfg.Retrieval.Threshold < -1 || cfg.Retrieval.Threshold > 1 {
		return fmt.Errorf("invalid retrieval.threshold %v: must be within [-1, 1]", cfg.Retrieval.Threshold)
	}
	if cfg.Chat.MaxSteps < 1 {
		return fmt.Errorf("invalid chat.max_steps %d: must be at least 1", cfg.Chat.MaxSteps)
	}
	return nil
}

// keychainReader reads secrets from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
