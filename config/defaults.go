package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "kgforge.db")

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.metrics_enabled", true)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	// Engine defaults
	v.SetDefault("engine.workers", 2)
	v.SetDefault("engine.poll_interval_seconds", 2)
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.backoff_base_seconds", 5)
	v.SetDefault("engine.backoff_max_seconds", 300)
	v.SetDefault("engine.max_memory_percent", 90.0)

	// Pipeline defaults
	v.SetDefault("pipeline.skip_preprocessing", false)
	v.SetDefault("pipeline.inference.enabled", false)
	v.SetDefault("pipeline.validation.fail_on_violation", true)
	v.SetDefault("pipeline.validation.fail_on_warning", false)

	// Registry / resolver defaults
	v.SetDefault("registry.enabled", false)
	v.SetDefault("registry.namespace", "https://kg.kriegcloud.dev/entity/")
	v.SetDefault("registry.resolution_threshold", 0.8)
	v.SetDefault("registry.candidate_threshold", 0.6)
	v.SetDefault("registry.max_candidates_per_entity", 20)
	v.SetDefault("registry.max_blocking_candidates", 100)
	v.SetDefault("registry.stats_ttl_seconds", 60)

	// Embedding provider defaults
	v.SetDefault("embeddings.base_url", "https://api.openai.com/v1")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.dimensions", 768)
	v.SetDefault("embeddings.requests_per_second", 5.0)

	// LLM extraction defaults
	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.model", "openai/gpt-4o-mini") // Cost-effective default
	v.SetDefault("llm.temperature", 0.2)            // Deterministic
	v.SetDefault("llm.max_tokens", 4000)
	v.SetDefault("llm.timeout_seconds", 120)
	v.SetDefault("llm.max_calls_per_minute", 30)

	// Graph store defaults
	v.SetDefault("graphstore.backend", "sqlite")
	v.SetDefault("graphstore.neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("graphstore.neo4j.username", "neo4j")
	v.SetDefault("graphstore.neo4j.database", "neo4j")
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "KGFORGE_DATABASE_PATH")
	v.BindEnv("llm.api_key", "KGFORGE_LLM_API_KEY")
	v.BindEnv("embeddings.api_key", "KGFORGE_EMBEDDINGS_API_KEY")
	v.BindEnv("graphstore.neo4j.password", "KGFORGE_NEO4J_PASSWORD")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "kgforge.db" // Fallback default
	}
	return c.Database.Path
}

// GetServerPort returns the configured server port
func (c *Config) GetServerPort() int {
	if c.Server.Port == 0 {
		return DefaultServerPort
	}
	return c.Server.Port
}

// GetServerAllowedOrigins returns the allowed CORS origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{
			"http://localhost",
			"https://localhost",
			"http://127.0.0.1",
			"https://127.0.0.1",
		}
	}
	return c.Server.AllowedOrigins
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Engine: {Workers: %d}, Registry: {Enabled: %t}}",
		c.Database.Path, c.Engine.Workers, c.Registry.Enabled)
}
