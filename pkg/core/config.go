// Package core provides the PowerMem HOT/COLD memory client.
package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/oceanbase/powermem-hotcold/pkg/ingest"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
	"github.com/oceanbase/powermem-hotcold/pkg/queue"
	"github.com/oceanbase/powermem-hotcold/pkg/retrieval"
	"gopkg.in/yaml.v3"
)

// Config contains the complete configuration for a PowerMem client.
//
// It includes settings for:
//   - Feature flags (memory on/off, HOT and COLD paths, rerank, redaction)
//   - Embedding provider (for vector generation)
//   - Index store (for memory persistence)
//   - LLM provider (optional, for rerank and decider assist)
//   - HOT retrieval and COLD ingestion tunables
//
// Example:
//
//	config := core.DefaultConfig()
//	config.Embedder = core.EmbedderConfig{
//	    Provider:   "openai",
//	    APIKey:     "sk-...",
//	    Model:      "text-embedding-3-small",
//	    Dimensions: 1536,
//	}
//	config.VectorStore = core.VectorStoreConfig{
//	    Provider: "sqlite",
//	    Config: map[string]interface{}{
//	        "db_path": "./memories.db",
//	    },
//	}
type Config struct {
	// Flags switches features on and off.
	Flags Flags `json:"flags" yaml:"flags"`

	// LLM contains LLM provider configuration (optional).
	LLM LLMConfig `json:"llm" yaml:"llm"`

	// Embedder contains embedding provider configuration.
	Embedder EmbedderConfig `json:"embedder" yaml:"embedder"`

	// VectorStore contains index store configuration.
	VectorStore VectorStoreConfig `json:"vector_store" yaml:"vector_store"`

	// Retrieval tunes the HOT path.
	Retrieval RetrievalConfig `json:"retrieval" yaml:"retrieval"`

	// Ingest tunes the COLD path.
	Ingest IngestConfig `json:"ingest" yaml:"ingest"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

// Flags are the runtime feature switches.
//
// MemoryEnabled gates everything: when it is false Retrieve returns no hits
// and EnqueueWrite drops events without touching the queue.
type Flags struct {
	MemoryEnabled         bool `json:"memory_enabled" yaml:"memory_enabled"`
	HotRetrievalEnabled   bool `json:"hot_retrieval_enabled" yaml:"hot_retrieval_enabled"`
	ColdIngestEnabled     bool `json:"cold_ingest_enabled" yaml:"cold_ingest_enabled"`
	SemanticRerankEnabled bool `json:"semantic_rerank_enabled" yaml:"semantic_rerank_enabled"`
	PIIRedactionEnabled   bool `json:"pii_redaction_enabled" yaml:"pii_redaction_enabled"`
	DeciderLLMEnabled     bool `json:"decider_llm_enabled" yaml:"decider_llm_enabled"`
}

// LLMConfig contains configuration for the LLM provider.
//
// Supported providers: openai, ollama. OpenAI-compatible services
// (DeepSeek, Qwen compatible mode) use "openai" with a BaseURL.
type LLMConfig struct {
	// Provider is the LLM provider name. Empty disables the LLM.
	Provider string `json:"provider" yaml:"provider"`

	// APIKey is the API key for the LLM provider.
	APIKey string `json:"api_key" yaml:"api_key"`

	// Model is the model name to use (e.g., "gpt-4o-mini", "llama3.1").
	Model string `json:"model" yaml:"model"`

	// BaseURL is the base URL for the API (optional, uses provider default if empty).
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// EmbedderConfig contains configuration for the embedding provider.
//
// Supported providers: openai, ollama, hashing. The hashing provider is
// local and deterministic and needs no credentials.
type EmbedderConfig struct {
	// Provider is the embedding provider name (openai, ollama, hashing).
	Provider string `json:"provider" yaml:"provider"`

	// APIKey is the API key for the embedding provider.
	APIKey string `json:"api_key" yaml:"api_key"`

	// Model is the embedding model name (e.g., "text-embedding-3-small").
	Model string `json:"model" yaml:"model"`

	// BaseURL is the base URL for the API (optional, uses provider default if empty).
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// Dimensions is the dimension of the embedding vectors (e.g., 1536, 768).
	Dimensions int `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`

	// MaxConcurrency caps in-flight embedding calls.
	MaxConcurrency int64 `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`

	// CacheSize is the number of vectors kept in the embedding cache.
	CacheSize int64 `json:"cache_size,omitempty" yaml:"cache_size,omitempty"`
}

// VectorStoreConfig contains configuration for the index store.
//
// Supported providers: oceanbase, sqlite, postgres
type VectorStoreConfig struct {
	// Provider is the index store provider name (oceanbase, sqlite, postgres).
	Provider string `json:"provider" yaml:"provider"`

	// Config contains provider-specific configuration.
	// For SQLite: db_path, collection_name
	// For OceanBase: host, port, user, password, db_name, collection_name
	// For PostgreSQL: dsn or host, port, user, password, db_name, ssl_mode, collection_name
	// The vector dimension always follows the embedder.
	Config map[string]interface{} `json:"config" yaml:"config"`
}

// RetrievalConfig tunes HOT retrieval. Zero values take the engine defaults.
type RetrievalConfig struct {
	K          int `json:"k,omitempty" yaml:"k,omitempty"`
	FanOut     int `json:"fan_out,omitempty" yaml:"fan_out,omitempty"`
	RRFK       int `json:"rrf_k,omitempty" yaml:"rrf_k,omitempty"`
	RerankTopN int `json:"rerank_top_n,omitempty" yaml:"rerank_top_n,omitempty"`

	// BudgetMS is the end-to-end HOT deadline in milliseconds.
	BudgetMS int `json:"budget_ms,omitempty" yaml:"budget_ms,omitempty"`
}

// IngestConfig tunes COLD ingestion.
type IngestConfig struct {
	// Workers is the number of queue partitions, one worker each.
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty"`

	// QueueBuffer is the per-partition queue capacity.
	QueueBuffer int `json:"queue_buffer,omitempty" yaml:"queue_buffer,omitempty"`

	// MaxAttempts bounds retries of transient failures.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	// BaseBackoffMS is the first retry delay in milliseconds.
	BaseBackoffMS int `json:"base_backoff_ms,omitempty" yaml:"base_backoff_ms,omitempty"`

	// RedactionMode is mask, drop or tag.
	RedactionMode string `json:"redaction_mode,omitempty" yaml:"redaction_mode,omitempty"`

	// SweepSchedule is the cron spec of the TTL sweep.
	SweepSchedule string `json:"sweep_schedule,omitempty" yaml:"sweep_schedule,omitempty"`

	// DeadLetterPath is a SQLite file for dead letters. Empty keeps them
	// in memory.
	DeadLetterPath string `json:"dead_letter_path,omitempty" yaml:"dead_letter_path,omitempty"`
}

// DefaultFlags enables memory with both paths and redaction on, and the
// LLM-backed features off.
func DefaultFlags() Flags {
	return Flags{
		MemoryEnabled:       true,
		HotRetrievalEnabled: true,
		ColdIngestEnabled:   true,
		PIIRedactionEnabled: true,
	}
}

// DefaultConfig returns a local configuration: SQLite storage and the
// hashing embedder, no LLM.
func DefaultConfig() *Config {
	return &Config{
		Flags: DefaultFlags(),
		Embedder: EmbedderConfig{
			Provider:   "hashing",
			Dimensions: 256,
		},
		VectorStore: VectorStoreConfig{
			Provider: "sqlite",
			Config: map[string]interface{}{
				"db_path":         "./powermem.db",
				"collection_name": "memories",
			},
		},
		Retrieval: RetrievalConfig{
			K:          retrieval.DefaultK,
			RRFK:       retrieval.DefaultRRFK,
			RerankTopN: retrieval.DefaultRerankTopN,
			BudgetMS:   int(retrieval.DefaultBudget.Milliseconds()),
		},
		Ingest: IngestConfig{
			Workers:       queue.DefaultPartitions,
			QueueBuffer:   queue.DefaultBuffer,
			MaxAttempts:   ingest.DefaultMaxAttempts,
			BaseBackoffMS: int(ingest.DefaultBaseBackoff.Milliseconds()),
			RedactionMode: string(model.ModeMask),
			SweepSchedule: ingest.DefaultSweepSchedule,
		},
		LogLevel: "info",
	}
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for .env or .env.example files (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables over DefaultConfig
//
// Supported environment variables:
//   - MEMORY_ENABLED, HOT_RETRIEVAL_ENABLED, COLD_INGEST_ENABLED,
//     SEMANTIC_RERANK_ENABLED, PII_REDACTION_ENABLED, MEMORY_DECIDER_LLM_ENABLED
//   - MEMORY_K, MEMORY_FAN_OUT, RRF_K, RERANK_TOP_N, HOT_BUDGET_MS
//   - INGEST_WORKERS, INGEST_MAX_ATTEMPTS, QUEUE_BUFFER, PII_REDACTION_MODE,
//     SWEEP_SCHEDULE, DEADLETTER_PATH
//   - DATABASE_PROVIDER (sqlite, oceanbase, postgres)
//   - SQLITE_PATH, SQLITE_COLLECTION
//   - OCEANBASE_HOST, OCEANBASE_PORT, OCEANBASE_USER, OCEANBASE_PASSWORD, etc.
//   - POSTGRES_DSN, POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, etc.
//   - EMBEDDING_PROVIDER, EMBEDDING_API_KEY, EMBEDDING_MODEL, EMBEDDING_BASE_URL,
//     VECTOR_DIM, EMBED_CONCURRENCY, EMBED_CACHE_SIZE
//   - LLM_PROVIDER, LLM_API_KEY, LLM_MODEL, LLM_BASE_URL
//   - LOG_LEVEL
//
// Returns a Config instance, or an error if a variable cannot be parsed.
//
// Example:
//
//	config, err := core.LoadConfigFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
func LoadConfigFromEnv() (*Config, error) {
	// Use FindEnvFile to locate .env file (supports upward search)
	if envPath, found := FindEnvFile(); found {
		_ = godotenv.Load(envPath)
	}

	cfg := DefaultConfig()
	p := &envParser{}

	cfg.Flags = Flags{
		MemoryEnabled:         p.boolVar("MEMORY_ENABLED", cfg.Flags.MemoryEnabled),
		HotRetrievalEnabled:   p.boolVar("HOT_RETRIEVAL_ENABLED", cfg.Flags.HotRetrievalEnabled),
		ColdIngestEnabled:     p.boolVar("COLD_INGEST_ENABLED", cfg.Flags.ColdIngestEnabled),
		SemanticRerankEnabled: p.boolVar("SEMANTIC_RERANK_ENABLED", cfg.Flags.SemanticRerankEnabled),
		PIIRedactionEnabled:   p.boolVar("PII_REDACTION_ENABLED", cfg.Flags.PIIRedactionEnabled),
		DeciderLLMEnabled:     p.boolVar("MEMORY_DECIDER_LLM_ENABLED", cfg.Flags.DeciderLLMEnabled),
	}

	cfg.Retrieval = RetrievalConfig{
		K:          p.intVar("MEMORY_K", cfg.Retrieval.K),
		FanOut:     p.intVar("MEMORY_FAN_OUT", cfg.Retrieval.FanOut),
		RRFK:       p.intVar("RRF_K", cfg.Retrieval.RRFK),
		RerankTopN: p.intVar("RERANK_TOP_N", cfg.Retrieval.RerankTopN),
		BudgetMS:   p.intVar("HOT_BUDGET_MS", cfg.Retrieval.BudgetMS),
	}

	cfg.Ingest = IngestConfig{
		Workers:        p.intVar("INGEST_WORKERS", cfg.Ingest.Workers),
		QueueBuffer:    p.intVar("QUEUE_BUFFER", cfg.Ingest.QueueBuffer),
		MaxAttempts:    p.intVar("INGEST_MAX_ATTEMPTS", cfg.Ingest.MaxAttempts),
		BaseBackoffMS:  p.intVar("INGEST_BASE_BACKOFF_MS", cfg.Ingest.BaseBackoffMS),
		RedactionMode:  getEnvOrDefault("PII_REDACTION_MODE", cfg.Ingest.RedactionMode),
		SweepSchedule:  getEnvOrDefault("SWEEP_SCHEDULE", cfg.Ingest.SweepSchedule),
		DeadLetterPath: os.Getenv("DEADLETTER_PATH"),
	}

	// Get database provider
	provider := getEnvOrDefault("DATABASE_PROVIDER", "sqlite")
	vectorStoreConfig := make(map[string]interface{})

	switch provider {
	case "oceanbase":
		vectorStoreConfig = map[string]interface{}{
			"host":            getEnvOrDefault("OCEANBASE_HOST", "127.0.0.1"),
			"port":            p.intVar("OCEANBASE_PORT", 2881),
			"user":            getEnvOrDefault("OCEANBASE_USER", "root@sys"),
			"password":        os.Getenv("OCEANBASE_PASSWORD"),
			"db_name":         getEnvOrDefault("OCEANBASE_DATABASE", "powermem"),
			"collection_name": getEnvOrDefault("OCEANBASE_COLLECTION", "memories"),
		}
	case "sqlite":
		vectorStoreConfig = map[string]interface{}{
			"db_path":         getEnvOrDefault("SQLITE_PATH", "./powermem.db"),
			"collection_name": getEnvOrDefault("SQLITE_COLLECTION", "memories"),
		}
	case "postgres":
		vectorStoreConfig = map[string]interface{}{
			"dsn":             os.Getenv("POSTGRES_DSN"),
			"host":            getEnvOrDefault("POSTGRES_HOST", "localhost"),
			"port":            p.intVar("POSTGRES_PORT", 5432),
			"user":            getEnvOrDefault("POSTGRES_USER", "postgres"),
			"password":        os.Getenv("POSTGRES_PASSWORD"),
			"db_name":         getEnvOrDefault("POSTGRES_DATABASE", "powermem"),
			"collection_name": getEnvOrDefault("POSTGRES_COLLECTION", "memories"),
			"ssl_mode":        getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
		}
	}
	cfg.VectorStore = VectorStoreConfig{Provider: provider, Config: vectorStoreConfig}

	// Embedding settings: EMBEDDING_*
	embedderProvider := getEnvOrDefault("EMBEDDING_PROVIDER", cfg.Embedder.Provider)
	embedderBaseURL := os.Getenv("EMBEDDING_BASE_URL")
	embedderModel := os.Getenv("EMBEDDING_MODEL")
	dims := p.intVar("VECTOR_DIM", 0)

	switch embedderProvider {
	case "openai":
		if embedderBaseURL == "" {
			embedderBaseURL = os.Getenv("OPENAI_EMBEDDING_BASE_URL")
		}
		if embedderModel == "" {
			embedderModel = "text-embedding-3-small"
		}
	case "ollama":
		if embedderBaseURL == "" {
			embedderBaseURL = getEnvOrDefault("OLLAMA_EMBEDDING_BASE_URL", "http://localhost:11434")
		}
		if embedderModel == "" {
			embedderModel = "nomic-embed-text"
		}
	case "hashing":
		if dims == 0 {
			dims = cfg.Embedder.Dimensions
		}
	}

	cfg.Embedder = EmbedderConfig{
		Provider:       embedderProvider,
		APIKey:         os.Getenv("EMBEDDING_API_KEY"),
		Model:          embedderModel,
		BaseURL:        embedderBaseURL,
		Dimensions:     dims,
		MaxConcurrency: int64(p.intVar("EMBED_CONCURRENCY", 0)),
		CacheSize:      int64(p.intVar("EMBED_CACHE_SIZE", 0)),
	}

	// The LLM is optional; without LLM_PROVIDER rerank falls back to the
	// lexical reranker and the decider runs heuristics only.
	llmProvider := os.Getenv("LLM_PROVIDER")
	llmBaseURL := os.Getenv("LLM_BASE_URL")
	var defaultModel string
	switch llmProvider {
	case "ollama":
		if llmBaseURL == "" {
			llmBaseURL = getEnvOrDefault("OLLAMA_LLM_BASE_URL", "http://localhost:11434")
		}
		defaultModel = "llama3.1"
	case "openai":
		defaultModel = "gpt-4o-mini"
	}
	cfg.LLM = LLMConfig{
		Provider: llmProvider,
		APIKey:   os.Getenv("LLM_API_KEY"),
		Model:    getEnvOrDefault("LLM_MODEL", defaultModel),
		BaseURL:  llmBaseURL,
	}

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)

	if p.err != nil {
		return nil, NewMemoryError("LoadConfigFromEnv", p.err)
	}
	return cfg, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
//
// Parameters:
//   - envPath: Path to the .env file
//
// Returns a Config instance, or an error if loading fails.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, NewMemoryError("LoadConfigFromEnvFile", fmt.Errorf("failed to load .env file: %w", err))
	}
	return LoadConfigFromEnv()
}

// LoadConfigFromYAML loads configuration from a YAML file. Fields absent
// from the file keep their DefaultConfig values.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns a Config instance, or an error if loading or parsing fails.
func LoadConfigFromYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadConfigFromYAML", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, NewMemoryError("LoadConfigFromYAML", fmt.Errorf("%w: %v", model.ErrConfiguration, err))
	}
	return config, nil
}

// LoadConfigFromJSON loads configuration from a JSON file. Fields absent
// from the file keep their DefaultConfig values.
//
// Parameters:
//   - path: Path to the JSON configuration file
//
// Returns a Config instance, or an error if loading or parsing fails.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", fmt.Errorf("%w: %v", model.ErrConfiguration, err))
	}
	return config, nil
}

// Validate validates the configuration.
//
// Checks that:
//   - Embedder and vector store providers are specified
//   - The redaction mode is known
//   - An LLM provider is configured when the decider assist is enabled
//   - Numeric tunables are not negative
//
// Returns a MemoryError wrapping ErrInvalidConfig if validation fails.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return NewMemoryError("Validate", fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidConfig}, args...)...))
	}

	if c.Embedder.Provider == "" {
		return invalid("embedder provider is required")
	}
	if c.VectorStore.Provider == "" {
		return invalid("vector store provider is required")
	}
	switch model.RedactionMode(strings.ToLower(c.Ingest.RedactionMode)) {
	case "", model.ModeMask, model.ModeDrop, model.ModeTag:
	default:
		return invalid("unknown redaction mode %q", c.Ingest.RedactionMode)
	}
	if c.Flags.DeciderLLMEnabled && c.LLM.Provider == "" {
		return invalid("decider LLM assist needs an llm provider")
	}
	for name, v := range map[string]int{
		"k":            c.Retrieval.K,
		"fan_out":      c.Retrieval.FanOut,
		"rrf_k":        c.Retrieval.RRFK,
		"rerank_top_n": c.Retrieval.RerankTopN,
		"budget_ms":    c.Retrieval.BudgetMS,
		"workers":      c.Ingest.Workers,
		"queue_buffer": c.Ingest.QueueBuffer,
		"max_attempts": c.Ingest.MaxAttempts,
		"dimensions":   c.Embedder.Dimensions,
	} {
		if v < 0 {
			return invalid("%s must not be negative", name)
		}
	}
	return nil
}

// envParser reads typed variables and keeps the first parse error.
type envParser struct {
	err error
}

func (p *envParser) intVar(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		if p.err == nil {
			p.err = fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, key, raw)
		}
		return defaultValue
	}
	return v
}

func (p *envParser) boolVar(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		if p.err == nil {
			p.err = fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidConfig, key, raw)
		}
		return defaultValue
	}
	return v
}

// getEnvOrDefault gets an environment variable or returns the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
//
// Returns:
//   - path: Path to the found file (empty if not found)
//   - found: True if a file was found, false otherwise
func FindEnvFile() (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		for _, name := range []string{".env", ".env.example"} {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, true
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}
