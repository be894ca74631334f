package config

import "github.com/kriegcloud/kgforge/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Database path is optional - empty defaults to "kgforge.db" per defaults.go

	// Server port: negative is invalid, 0 falls back to default
	if c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", c.Server.Port)
	}

	// Engine workers: 0 = no background workers, negative = invalid
	if c.Engine.Workers < 0 {
		return errors.Newf("engine.workers must be >= 0, got %d", c.Engine.Workers)
	}
	if c.Engine.PollIntervalSeconds < 0 {
		return errors.Newf("engine.poll_interval_seconds must be >= 0, got %d", c.Engine.PollIntervalSeconds)
	}
	if c.Engine.MaxAttempts < 1 {
		return errors.Newf("engine.max_attempts must be >= 1, got %d", c.Engine.MaxAttempts)
	}
	if c.Engine.BackoffBaseSeconds < 0 {
		return errors.Newf("engine.backoff_base_seconds must be >= 0, got %d", c.Engine.BackoffBaseSeconds)
	}
	if c.Engine.BackoffMaxSeconds < c.Engine.BackoffBaseSeconds {
		return errors.Newf("engine.backoff_max_seconds must be >= engine.backoff_base_seconds, got %d < %d",
			c.Engine.BackoffMaxSeconds, c.Engine.BackoffBaseSeconds)
	}
	if c.Engine.MaxMemoryPercent < 0 || c.Engine.MaxMemoryPercent > 100 {
		return errors.Newf("engine.max_memory_percent must be in [0, 100], got %f", c.Engine.MaxMemoryPercent)
	}

	// Registry thresholds are similarity floors in [-1, 1]; the useful range
	// is (0, 1] and the candidate floor must not exceed the merge floor.
	if c.Registry.Enabled {
		if c.Registry.Namespace == "" {
			return errors.New("registry.namespace cannot be empty when registry is enabled")
		}
		if c.Registry.ResolutionThreshold <= 0 || c.Registry.ResolutionThreshold > 1 {
			return errors.Newf("registry.resolution_threshold must be in (0, 1], got %f", c.Registry.ResolutionThreshold)
		}
		if c.Registry.CandidateThreshold < 0 || c.Registry.CandidateThreshold > 1 {
			return errors.Newf("registry.candidate_threshold must be in [0, 1], got %f", c.Registry.CandidateThreshold)
		}
		if c.Registry.CandidateThreshold > c.Registry.ResolutionThreshold {
			return errors.Newf("registry.candidate_threshold (%f) cannot exceed registry.resolution_threshold (%f)",
				c.Registry.CandidateThreshold, c.Registry.ResolutionThreshold)
		}
		if c.Registry.MaxCandidatesPerEntity <= 0 {
			return errors.Newf("registry.max_candidates_per_entity must be > 0, got %d", c.Registry.MaxCandidatesPerEntity)
		}
		if c.Registry.MaxBlockingCandidates <= 0 {
			return errors.Newf("registry.max_blocking_candidates must be > 0, got %d", c.Registry.MaxBlockingCandidates)
		}
	}

	// Embedding provider config is required whenever the registry is enabled
	if c.Registry.Enabled {
		if c.Embeddings.Model == "" {
			return errors.New("embeddings.model cannot be empty when registry is enabled")
		}
		if c.Embeddings.Dimensions <= 0 {
			return errors.Newf("embeddings.dimensions must be > 0, got %d", c.Embeddings.Dimensions)
		}
	}

	// LLM timeouts and rate limits
	if c.LLM.TimeoutSeconds < 0 {
		return errors.Newf("llm.timeout_seconds must be >= 0, got %d", c.LLM.TimeoutSeconds)
	}
	if c.LLM.MaxCallsPerMinute < 0 {
		return errors.Newf("llm.max_calls_per_minute must be >= 0, got %d", c.LLM.MaxCallsPerMinute)
	}

	// Graph store backend selection
	switch c.GraphStore.Backend {
	case "", "sqlite":
		// default backend, nothing to check
	case "neo4j":
		if c.GraphStore.Neo4j.URI == "" {
			return errors.New("graphstore.neo4j.uri cannot be empty when backend is neo4j")
		}
	default:
		return errors.Newf("graphstore.backend must be \"sqlite\" or \"neo4j\", got %q", c.GraphStore.Backend)
	}

	return nil
}
