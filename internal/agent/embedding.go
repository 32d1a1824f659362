package agent

import (
	"context"
	"encoding/json"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// EmbeddingCapability indexes a run's acceptance criteria into the vector
// store. Its output carries only the collection name and document count;
// the vectors stay inside the store.
type EmbeddingCapability struct {
	db       *chromem.DB
	embedder Embedder
	logger   *zap.Logger
}

// NewEmbeddingCapability creates the embedding capability.
func NewEmbeddingCapability(db *chromem.DB, embedder Embedder, logger *zap.Logger) (*EmbeddingCapability, error) {
	if db == nil {
		return nil, fmt.Errorf("vector db cannot be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmbeddingCapability{db: db, embedder: embedder, logger: logger}, nil
}

// Name implements Capability.
func (c *EmbeddingCapability) Name() string { return "embedding" }

// Execute indexes every acceptance criterion from the approved ingestion
// output into a per-run collection.
func (c *EmbeddingCapability) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	var ingestion IngestionOutput
	if err := req.ContextValue("ingestion", &ingestion); err != nil {
		return nil, PermanentError(req.Phase, fmt.Errorf("reading ingestion output: %w", err))
	}
	if len(ingestion.AcceptanceCriteria) == 0 {
		return nil, PermanentError(req.Phase, fmt.Errorf("no acceptance criteria to index"))
	}

	name := acCollectionName(req.RunID)
	collection, err := c.db.GetOrCreateCollection(name, nil, embeddingFunc(c.embedder))
	if err != nil {
		return nil, TransientError(req.Phase, fmt.Errorf("opening collection %s: %w", name, err))
	}

	docs := make([]chromem.Document, 0, len(ingestion.AcceptanceCriteria))
	for _, ac := range ingestion.AcceptanceCriteria {
		docs = append(docs, chromem.Document{
			ID:      ac.ID,
			Content: ac.Text,
			Metadata: map[string]string{
				"run_id": req.RunID,
			},
		})
	}
	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		return nil, TransientError(req.Phase, fmt.Errorf("indexing acceptance criteria: %w", err))
	}

	c.logger.Debug("acceptance criteria indexed",
		zap.String("run_id", req.RunID),
		zap.String("collection", name),
		zap.Int("count", len(docs)),
	)

	return json.Marshal(EmbeddingOutput{
		Collection: name,
		Indexed:    len(docs),
	})
}

// acCollectionName is the per-run collection for acceptance criteria.
func acCollectionName(runID string) string {
	return "regressd_acs_" + runID
}
