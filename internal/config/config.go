// Package config provides configuration loading for regressd.
package config

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/regressd/internal/logging"
)

// ErrThresholdMisconfiguration is returned when a threshold or weight is
// outside its valid range. Configuration with this defect is rejected at
// startup, never silently clamped.
var ErrThresholdMisconfiguration = errors.New("threshold misconfiguration")

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Logging  logging.Config `koanf:"logging"`
	Store    StoreConfig    `koanf:"store"`
	Vector   VectorConfig   `koanf:"vector"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Agent    AgentConfig    `koanf:"agent"`

	Embeddings EmbeddingsConfig `koanf:"embeddings"`

	Scoring ScoringConfig `koanf:"scoring"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `koanf:"driver"`

	// Path is the SQLite database file. Ignored for the memory driver.
	Path string `koanf:"path"`
}

// VectorConfig configures the embedded vector store.
type VectorConfig struct {
	// Path is the persistence directory. Empty selects an in-memory store.
	Path string `koanf:"path"`

	// Collection holds the indexed regression-test corpus.
	Collection string `koanf:"collection"`

	// VectorSize is the embedder's output dimension.
	VectorSize int `koanf:"vector_size"`
}

// PipelineConfig configures the approval machinery.
type PipelineConfig struct {
	// ApprovalTimeout is how long a gate stays pending before the sweep
	// auto-rejects it.
	ApprovalTimeout Duration `koanf:"approval_timeout"`

	// SweepInterval is how often the timeout sweep runs.
	SweepInterval Duration `koanf:"sweep_interval"`
}

// AgentConfig configures agent capability calls.
type AgentConfig struct {
	// BaseURL is the external agent service handling ingestion,
	// classification and generation.
	BaseURL string `koanf:"base_url"`

	// CatalogPath is the JSON file holding the regression-test corpus.
	CatalogPath string `koanf:"catalog_path"`

	CallTimeout     Duration `koanf:"call_timeout"`
	MaxTries        uint     `koanf:"max_tries"`
	InitialInterval Duration `koanf:"initial_interval"`
}

// EmbeddingsConfig configures the embedding backend.
type EmbeddingsConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
}

// ScoringConfig carries the quantitative knobs of the coverage and ranking
// engines.
type ScoringConfig struct {
	// ACMatchThreshold is the similarity cutoff at or above which an AC
	// counts as matched.
	ACMatchThreshold float64 `koanf:"ac_match_threshold"`

	// GenerationThreshold gates the generation phase on the top qualified
	// score rescaled to [0,1]. Zero is a legitimate setting (generation
	// runs whenever any test qualifies), not shorthand for the default.
	GenerationThreshold float64 `koanf:"generation_score_threshold"`

	Weights WeightsConfig `koanf:"weights"`
}

// WeightsConfig holds the five ranking factor weights.
type WeightsConfig struct {
	Similarity    float64 `koanf:"similarity"`
	Coverage      float64 `koanf:"coverage"`
	DefectDensity float64 `koanf:"defect_density"`
	Criticality   float64 `koanf:"criticality"`
	Recurrence    float64 `koanf:"recurrence"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be in [1, 65535], got %d", c.Server.Port)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store path required for sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("store driver must be 'sqlite' or 'memory', got %q", c.Store.Driver)
	}

	if c.Vector.VectorSize <= 0 {
		return fmt.Errorf("vector size must be positive, got %d", c.Vector.VectorSize)
	}

	if c.Pipeline.ApprovalTimeout.Duration() <= 0 {
		return fmt.Errorf("approval timeout must be positive")
	}
	if c.Pipeline.SweepInterval.Duration() <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if c.Agent.CallTimeout.Duration() <= 0 {
		return fmt.Errorf("agent call timeout must be positive")
	}
	if c.Agent.BaseURL == "" {
		return fmt.Errorf("agent base_url is required")
	}
	if c.Embeddings.BaseURL == "" {
		return fmt.Errorf("embeddings base_url is required")
	}

	return c.Scoring.Validate()
}

// Validate checks thresholds and weights.
func (c *ScoringConfig) Validate() error {
	if c.ACMatchThreshold < 0 || c.ACMatchThreshold > 1 {
		return fmt.Errorf("%w: ac_match_threshold must be in [0, 1], got %g",
			ErrThresholdMisconfiguration, c.ACMatchThreshold)
	}
	if c.GenerationThreshold < 0 || c.GenerationThreshold > 1 {
		return fmt.Errorf("%w: generation_score_threshold must be in [0, 1], got %g",
			ErrThresholdMisconfiguration, c.GenerationThreshold)
	}

	weights := map[string]float64{
		"similarity":     c.Weights.Similarity,
		"coverage":       c.Weights.Coverage,
		"defect_density": c.Weights.DefectDensity,
		"criticality":    c.Weights.Criticality,
		"recurrence":     c.Weights.Recurrence,
	}
	sum := 0.0
	for name, w := range weights {
		if w < 0 {
			return fmt.Errorf("%w: weight %s cannot be negative, got %g",
				ErrThresholdMisconfiguration, name, w)
		}
		sum += w
	}
	if sum == 0 {
		return fmt.Errorf("%w: at least one ranking weight must be positive",
			ErrThresholdMisconfiguration)
	}
	return nil
}
