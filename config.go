package auditrag

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the audit RAG engine.
// Values resolve in three layers: DefaultConfig, then an optional JSON or
// YAML file, then AUDITRAG_* environment variables.
type Config struct {
	// DataDir is where all persistent state lives: registry.json,
	// vector.index, vector.docs, graph.bin, queries.db.
	DataDir string `json:"data_dir" yaml:"data_dir" env:"AUDITRAG_DATA_DIR"`

	// LogLevel controls slog verbosity: debug, info, warn, error.
	LogLevel string `json:"log_level" yaml:"log_level" env:"AUDITRAG_LOG_LEVEL"`

	// Chunking
	ChunkerType string `json:"chunker_type" yaml:"chunker_type" env:"AUDITRAG_CHUNKER_TYPE"` // smart, regulation, audit_report, audit_issue, default
	ChunkSize   int    `json:"chunk_size" yaml:"chunk_size" env:"AUDITRAG_CHUNK_SIZE"`

	// Retrieval
	TopK            int     `json:"top_k" yaml:"top_k" env:"AUDITRAG_TOP_K"`
	RerankTopK      int     `json:"rerank_top_k" yaml:"rerank_top_k" env:"AUDITRAG_RERANK_TOP_K"`
	HybridAlpha     float64 `json:"hybrid_alpha" yaml:"hybrid_alpha" env:"AUDITRAG_HYBRID_ALPHA"`
	GraphHops       int     `json:"graph_hops" yaml:"graph_hops" env:"AUDITRAG_GRAPH_HOPS"`
	GraphTopK       int     `json:"graph_top_k" yaml:"graph_top_k" env:"AUDITRAG_GRAPH_TOP_K"`
	GraphNodeBudget int     `json:"graph_node_budget" yaml:"graph_node_budget" env:"AUDITRAG_GRAPH_NODE_BUDGET"`

	// Ingestion
	EmbedBatchSize    int `json:"embed_batch_size" yaml:"embed_batch_size" env:"AUDITRAG_EMBED_BATCH_SIZE"`
	EmbeddingDim      int `json:"embedding_dim" yaml:"embedding_dim" env:"AUDITRAG_EMBEDDING_DIM"` // 0 = discover from first response
	IngestConcurrency int `json:"ingest_concurrency" yaml:"ingest_concurrency" env:"AUDITRAG_INGEST_CONCURRENCY"`

	// Sessions
	SessionMaxMessages int `json:"session_max_messages" yaml:"session_max_messages" env:"AUDITRAG_SESSION_MAX_MESSAGES"`
	SessionTTLMinutes  int `json:"session_ttl_minutes" yaml:"session_ttl_minutes" env:"AUDITRAG_SESSION_TTL_MINUTES"`

	// Providers
	Chat      LLMConfig    `json:"chat" yaml:"chat"`
	Embedding LLMConfig    `json:"embedding" yaml:"embedding"`
	Rerank    RerankConfig `json:"rerank" yaml:"rerank"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider" env:"PROVIDER"` // openai, ollama, custom
	Model    string `json:"model" yaml:"model" env:"MODEL"`
	BaseURL  string `json:"base_url" yaml:"base_url" env:"BASE_URL"`
	APIKey   string `json:"api_key" yaml:"api_key" env:"API_KEY"`
}

// RerankConfig configures the optional rerank endpoint.
type RerankConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Model   string `json:"model" yaml:"model" env:"MODEL"`
	BaseURL string `json:"base_url" yaml:"base_url" env:"BASE_URL"`
	APIKey  string `json:"api_key" yaml:"api_key" env:"API_KEY"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
func DefaultConfig() Config {
	return Config{
		DataDir:     "./data",
		LogLevel:    "info",
		ChunkerType: "smart",
		ChunkSize:   800,

		TopK:            5,
		RerankTopK:      10,
		HybridAlpha:     0.65,
		GraphHops:       2,
		GraphTopK:       12,
		GraphNodeBudget: 200,

		EmbedBatchSize:    32,
		IngestConcurrency: 4,

		SessionMaxMessages: 24,
		SessionTTLMinutes:  120,

		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "qwen2.5:7b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "bge-m3",
			BaseURL:  "http://localhost:11434",
		},
	}
}

// LoadConfig resolves the full configuration: defaults, then the file at
// path (JSON or YAML, chosen by extension; empty path skips the file),
// then environment variables. A .env file in the working directory is
// loaded first so local development can keep keys out of the shell.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing YAML config: %w", err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing JSON config: %w", err)
			}
		}
	}

	// .env is optional; absence is not an error.
	_ = godotenv.Load()

	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix: "",
	}); err != nil {
		return cfg, fmt.Errorf("parsing environment: %w", err)
	}
	// Nested provider blocks get their own prefixes.
	if err := env.ParseWithOptions(&cfg.Chat, env.Options{Prefix: "AUDITRAG_CHAT_"}); err != nil {
		return cfg, fmt.Errorf("parsing chat environment: %w", err)
	}
	if err := env.ParseWithOptions(&cfg.Embedding, env.Options{Prefix: "AUDITRAG_EMBED_"}); err != nil {
		return cfg, fmt.Errorf("parsing embedding environment: %w", err)
	}
	if err := env.ParseWithOptions(&cfg.Rerank, env.Options{Prefix: "AUDITRAG_RERANK_"}); err != nil {
		return cfg, fmt.Errorf("parsing rerank environment: %w", err)
	}

	cfg.normalize()
	return cfg, nil
}

// normalize replaces zero or out-of-range values with defaults.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.ChunkerType == "" {
		c.ChunkerType = def.ChunkerType
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.TopK <= 0 {
		c.TopK = def.TopK
	}
	if c.RerankTopK <= 0 {
		c.RerankTopK = def.RerankTopK
	}
	if c.HybridAlpha <= 0 || c.HybridAlpha > 1 {
		c.HybridAlpha = def.HybridAlpha
	}
	if c.GraphHops <= 0 {
		c.GraphHops = def.GraphHops
	}
	if c.GraphTopK <= 0 {
		c.GraphTopK = def.GraphTopK
	}
	if c.GraphNodeBudget <= 0 {
		c.GraphNodeBudget = def.GraphNodeBudget
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = def.EmbedBatchSize
	}
	if c.IngestConcurrency <= 0 {
		c.IngestConcurrency = def.IngestConcurrency
	}
	if c.SessionMaxMessages < 6 {
		c.SessionMaxMessages = def.SessionMaxMessages
	}
	if c.SessionTTLMinutes*60 < 300 {
		c.SessionTTLMinutes = def.SessionTTLMinutes
	}
}
