package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	chromem "github.com/philippgille/chromem-go"
)

// Embedder produces embedding vectors for text. Implementations wrap
// whatever embedding backend is deployed; the pipeline never sees the
// vectors themselves.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorConfig configures the chromem-go embedded vector store backing the
// embedding and retrieval capabilities.
type VectorConfig struct {
	// Path is the directory for persistent storage. Empty selects an
	// in-memory store.
	Path string `koanf:"path"`

	// Collection is the collection holding the indexed regression-test
	// corpus.
	Collection string `koanf:"collection"`

	// VectorSize is the embedder's output dimension.
	VectorSize int `koanf:"vector_size"`
}

// ApplyDefaults sets default values for unset fields.
func (c *VectorConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "regressd_tests"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
}

// Validate validates the configuration.
func (c *VectorConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("vector size must be positive, got %d", c.VectorSize)
	}
	return nil
}

// OpenVectorDB opens the chromem database described by cfg.
func OpenVectorDB(cfg VectorConfig) (*chromem.DB, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating vector config: %w", err)
	}

	if cfg.Path == "" {
		return chromem.NewDB(), nil
	}

	path := expandHome(cfg.Path)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating vector store directory %s: %w", path, err)
	}
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("opening chromem DB: %w", err)
	}
	return db, nil
}

// embeddingFunc adapts an Embedder to chromem's callback.
func embeddingFunc(e Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return e.Embed(ctx, text)
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
