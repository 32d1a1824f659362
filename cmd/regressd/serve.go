package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/regressd/internal/agent"
	"github.com/fyrsmithlabs/regressd/internal/audit"
	"github.com/fyrsmithlabs/regressd/internal/config"
	regressdhttp "github.com/fyrsmithlabs/regressd/internal/http"
	"github.com/fyrsmithlabs/regressd/internal/logging"
	"github.com/fyrsmithlabs/regressd/internal/pipeline"
	"github.com/fyrsmithlabs/regressd/internal/ranking"
	"github.com/fyrsmithlabs/regressd/internal/store"
)

// serveCmd starts the regressd daemon.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the regressd daemon",
	Long: `Start the regressd HTTP server with the full pipeline wired:
persistence, vector store, agent capabilities, approval machinery and the
gate timeout sweep.

Examples:
  # Start with defaults
  regressd serve

  # Start with an explicit config file
  regressd serve --config /etc/regressd/config.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	logger.Info("starting regressd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
	)

	// Persistence.
	var (
		registry pipeline.Registry
		sink     audit.Sink
		closeFn  func() error
	)
	switch cfg.Store.Driver {
	case "memory":
		mem := store.NewMemory()
		registry, sink = mem, mem
		closeFn = func() error { return nil }
	default:
		db, err := store.OpenSQLite(expandHome(cfg.Store.Path))
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		registry, sink = db, db
		closeFn = db.Close
	}
	defer func() { _ = closeFn() }()

	recorder, err := audit.NewRecorder(sink, logger.Named("audit"))
	if err != nil {
		return err
	}

	machine, err := pipeline.NewMachine(registry, recorder, logger.Named("pipeline"), pipeline.Config{
		ApprovalTimeout:     cfg.Pipeline.ApprovalTimeout.Duration(),
		GenerationThreshold: &cfg.Scoring.GenerationThreshold,
	})
	if err != nil {
		return err
	}

	agents, err := buildAgentClient(cfg, logger)
	if err != nil {
		return err
	}

	runner, err := pipeline.NewRunner(machine, agents, recorder, pipeline.ScoringConfig{
		ACMatchThreshold: cfg.Scoring.ACMatchThreshold,
		Weights: ranking.Weights{
			Similarity:    cfg.Scoring.Weights.Similarity,
			Coverage:      cfg.Scoring.Weights.Coverage,
			DefectDensity: cfg.Scoring.Weights.DefectDensity,
			Criticality:   cfg.Scoring.Weights.Criticality,
			Recurrence:    cfg.Scoring.Weights.Recurrence,
		},
	}, logger.Named("runner"))
	if err != nil {
		return err
	}

	sweeper, err := pipeline.NewSweeper(machine, cfg.Pipeline.SweepInterval.Duration(), logger.Named("sweeper"))
	if err != nil {
		return err
	}
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	server, err := regressdhttp.NewServer(registry, machine, runner, recorder, logger.Named("http"), &regressdhttp.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// buildAgentClient wires every phase capability: remote capabilities for
// the semantic phases, local chromem-backed capabilities for embedding and
// retrieval.
func buildAgentClient(cfg *config.Config, logger *zap.Logger) (*agent.Client, error) {
	vectorDB, err := agent.OpenVectorDB(agent.VectorConfig{
		Path:       cfg.Vector.Path,
		Collection: cfg.Vector.Collection,
		VectorSize: cfg.Vector.VectorSize,
	})
	if err != nil {
		return nil, fmt.Errorf("opening vector store: %w", err)
	}

	embedder, err := agent.NewTEIEmbedder(agent.EmbedderConfig{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	catalog, err := agent.LoadCatalog(cfg.Agent.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("loading test catalog: %w", err)
	}

	agentLogger := logger.Named("agent")
	reg := agent.NewRegistry()

	remoteCfg := agent.RemoteConfig{BaseURL: cfg.Agent.BaseURL}
	for _, phase := range []string{"ingestion", "classification", "generation"} {
		capability, err := agent.NewRemoteCapability(phase, remoteCfg, agentLogger)
		if err != nil {
			return nil, err
		}
		reg.Register(capability)
	}

	embedding, err := agent.NewEmbeddingCapability(vectorDB, embedder, agentLogger)
	if err != nil {
		return nil, err
	}
	reg.Register(embedding)

	retrieval, err := agent.NewRetrievalCapability(vectorDB, embedder, agent.VectorConfig{
		Path:       cfg.Vector.Path,
		Collection: cfg.Vector.Collection,
		VectorSize: cfg.Vector.VectorSize,
	}, catalog, agentLogger)
	if err != nil {
		return nil, err
	}
	reg.Register(retrieval)

	return agent.NewClient(reg, agent.CallPolicy{
		Timeout:         cfg.Agent.CallTimeout.Duration(),
		MaxTries:        cfg.Agent.MaxTries,
		InitialInterval: cfg.Agent.InitialInterval.Duration(),
	}, agentLogger)
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
