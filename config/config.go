// Package config loads and validates kgforge configuration.
//
// Configuration is TOML, merged from /etc/kgforge, ~/.kgforge, and a
// project-level kgforge.toml found by walking up from the working directory.
// Environment variables prefixed KGFORGE_ override file values.
package config

// Config represents the core kgforge configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	LLM        LLMConfig        `mapstructure:"llm"`
	GraphStore GraphStoreConfig `mapstructure:"graphstore"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the kgforge status server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MetricsEnabled bool     `mapstructure:"metrics_enabled"`
}

// Server port constants
const (
	DefaultServerPort = 8741
)

// EngineConfig configures the durable execution engine
type EngineConfig struct {
	Workers             int     `mapstructure:"workers"`               // Concurrent execution workers (default: 2)
	PollIntervalSeconds int     `mapstructure:"poll_interval_seconds"` // Queue poll cadence (default: 2)
	MaxAttempts         int     `mapstructure:"max_attempts"`          // Attempts before an execution stops retrying (default: 3)
	BackoffBaseSeconds  int     `mapstructure:"backoff_base_seconds"`  // First retry delay (default: 5)
	BackoffMaxSeconds   int     `mapstructure:"backoff_max_seconds"`   // Retry delay cap (default: 300)
	MaxMemoryPercent    float64 `mapstructure:"max_memory_percent"`    // Defer dequeue above this system memory usage; 0 disables
}

// PipelineConfig configures stage behavior for batch workflows
type PipelineConfig struct {
	SkipPreprocessing bool             `mapstructure:"skip_preprocessing"` // Skip the preprocessing stage entirely
	Inference         InferenceConfig  `mapstructure:"inference"`
	Validation        ValidationConfig `mapstructure:"validation"`
}

// InferenceConfig gates the forward-chaining rule stage
type InferenceConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	RulesPath string `mapstructure:"rules_path"` // TOML rule file (empty = built-in RDFS rules only)
}

// ValidationConfig sets the default validation policy.
// Manifests may override per batch.
type ValidationConfig struct {
	FailOnViolation bool `mapstructure:"fail_on_violation"` // default: true
	FailOnWarning   bool `mapstructure:"fail_on_warning"`   // default: false
}

// RegistryConfig configures the canonical entity registry and resolver
type RegistryConfig struct {
	Enabled               bool    `mapstructure:"enabled"`                  // Cross-batch resolution on/off
	Namespace             string  `mapstructure:"namespace"`                // IRI namespace for minted canonicals
	ResolutionThreshold   float64 `mapstructure:"resolution_threshold"`     // Min similarity to merge (default: 0.8)
	CandidateThreshold    float64 `mapstructure:"candidate_threshold"`      // ANN candidate floor (default: 0.6)
	MaxCandidatesPerEntity int    `mapstructure:"max_candidates_per_entity"` // ANN candidate cap (default: 20)
	MaxBlockingCandidates int     `mapstructure:"max_blocking_candidates"`  // Token candidate cap (default: 100)
	StatsTTLSeconds       int     `mapstructure:"stats_ttl_seconds"`        // Stats cache TTL (default: 60)
}

// EmbeddingsConfig configures the embedding provider
type EmbeddingsConfig struct {
	BaseURL           string  `mapstructure:"base_url"` // OpenAI-compatible endpoint
	APIKey            string  `mapstructure:"api_key"`
	Model             string  `mapstructure:"model"`
	Dimensions        int     `mapstructure:"dimensions"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"` // 0 = unlimited
}

// LLMConfig configures the extraction model client
type LLMConfig struct {
	BaseURL            string   `mapstructure:"base_url"`
	APIKey             string   `mapstructure:"api_key"`
	Model              string   `mapstructure:"model"`
	Temperature        *float64 `mapstructure:"temperature"`  // nil = default 0.2
	MaxTokens          *int     `mapstructure:"max_tokens"`   // nil = default 4000
	TimeoutSeconds     int      `mapstructure:"timeout_seconds"`
	MaxCallsPerMinute  int      `mapstructure:"max_calls_per_minute"` // 0 = unlimited
}

// GraphStoreConfig selects and configures the canonical triple store
type GraphStoreConfig struct {
	Backend string      `mapstructure:"backend"` // "sqlite" (default) or "neo4j"
	Neo4j   Neo4jConfig `mapstructure:"neo4j"`
}

// Neo4jConfig configures the Neo4j triple store backend
type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
