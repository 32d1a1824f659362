package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// CatalogTest is one entry of the regression-test corpus the retrieval
// capability searches: the candidate test plus the text that gets indexed.
type CatalogTest struct {
	CandidateTest
	Text string `json:"text"`
}

// RetrievalCapability finds candidate tests for a story's acceptance
// criteria by querying the indexed test corpus. The similarity matrix is
// assembled from the store's query scores; a pair absent from the results
// keeps similarity 0.
type RetrievalCapability struct {
	db       *chromem.DB
	embedder Embedder
	cfg      VectorConfig
	catalog  []CatalogTest
	logger   *zap.Logger

	indexOnce sync.Once
	indexErr  error
}

// NewRetrievalCapability creates the retrieval capability over the given
// test catalog.
func NewRetrievalCapability(db *chromem.DB, embedder Embedder, cfg VectorConfig, catalog []CatalogTest, logger *zap.Logger) (*RetrievalCapability, error) {
	if db == nil {
		return nil, fmt.Errorf("vector db cannot be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}
	if len(catalog) == 0 {
		return nil, fmt.Errorf("test catalog cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	return &RetrievalCapability{
		db:       db,
		embedder: embedder,
		cfg:      cfg,
		catalog:  catalog,
		logger:   logger,
	}, nil
}

// Name implements Capability.
func (c *RetrievalCapability) Name() string { return "retrieval" }

// Execute queries the test corpus with each acceptance criterion and
// returns the candidate tests with their similarity matrix.
func (c *RetrievalCapability) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	var ingestion IngestionOutput
	if err := req.ContextValue("ingestion", &ingestion); err != nil {
		return nil, PermanentError(req.Phase, fmt.Errorf("reading ingestion output: %w", err))
	}

	collection, err := c.ensureIndexed(ctx)
	if err != nil {
		return nil, TransientError(req.Phase, err)
	}

	similarities := make(map[string]map[string]float64, len(ingestion.AcceptanceCriteria))
	for _, ac := range ingestion.AcceptanceCriteria {
		results, err := collection.Query(ctx, ac.Text, collection.Count(), nil, nil)
		if err != nil {
			return nil, TransientError(req.Phase, fmt.Errorf("querying corpus for AC %s: %w", ac.ID, err))
		}
		row := make(map[string]float64, len(results))
		for _, res := range results {
			row[res.ID] = clampUnit(float64(res.Similarity))
		}
		similarities[ac.ID] = row
	}

	tests := make([]CandidateTest, 0, len(c.catalog))
	for _, entry := range c.catalog {
		tests = append(tests, entry.CandidateTest)
	}

	c.logger.Debug("candidate tests retrieved",
		zap.String("run_id", req.RunID),
		zap.Int("tests", len(tests)),
		zap.Int("acs", len(ingestion.AcceptanceCriteria)),
	)

	return json.Marshal(RetrievalOutput{
		Tests:        tests,
		Similarities: similarities,
	})
}

// ensureIndexed lazily indexes the catalog into the corpus collection.
func (c *RetrievalCapability) ensureIndexed(ctx context.Context) (*chromem.Collection, error) {
	collection, err := c.db.GetOrCreateCollection(c.cfg.Collection, nil, embeddingFunc(c.embedder))
	if err != nil {
		return nil, fmt.Errorf("opening corpus collection %s: %w", c.cfg.Collection, err)
	}

	c.indexOnce.Do(func() {
		if collection.Count() >= len(c.catalog) {
			return
		}
		docs := make([]chromem.Document, 0, len(c.catalog))
		for _, entry := range c.catalog {
			docs = append(docs, chromem.Document{
				ID:      entry.ID,
				Content: entry.Text,
				Metadata: map[string]string{
					"name": entry.Name,
				},
			})
		}
		c.indexErr = collection.AddDocuments(ctx, docs, 1)
	})
	if c.indexErr != nil {
		return nil, fmt.Errorf("indexing test catalog: %w", c.indexErr)
	}
	return collection, nil
}

// clampUnit bounds cosine similarity into [0,1]; negative similarity means
// no meaningful match.
func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
