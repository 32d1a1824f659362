package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/regressd/internal/audit"
	"github.com/fyrsmithlabs/regressd/internal/config"
	"github.com/fyrsmithlabs/regressd/internal/logging"
	"github.com/fyrsmithlabs/regressd/internal/pipeline"
	"github.com/fyrsmithlabs/regressd/internal/store"
)

// sweepCmd runs a single pass over expired approval gates. The daemon sweeps
// on its own interval; this command covers downtime gaps and cron-style use.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reject approval gates past their deadline",
	Long: `Run one sweep over pending approval gates and reject those whose
deadline has passed. The serve command runs the same sweep periodically;
use this against the shared store when the daemon was down.

Examples:
  # Sweep with the default config
  regressd sweep

  # Sweep a specific deployment
  regressd sweep --config /etc/regressd/config.yaml`,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.Store.Driver == "memory" {
		return fmt.Errorf("sweep requires a persistent store, store.driver is %q", cfg.Store.Driver)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	db, err := store.OpenSQLite(expandHome(cfg.Store.Path))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = db.Close() }()

	recorder, err := audit.NewRecorder(db, logger.Named("audit"))
	if err != nil {
		return err
	}
	machine, err := pipeline.NewMachine(db, recorder, logger.Named("pipeline"), pipeline.Config{
		ApprovalTimeout:     cfg.Pipeline.ApprovalTimeout.Duration(),
		GenerationThreshold: &cfg.Scoring.GenerationThreshold,
	})
	if err != nil {
		return err
	}

	swept, err := machine.SweepExpired(cmd.Context(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sweeping gates: %w", err)
	}

	fmt.Printf("Rejected %d expired gate(s)\n", swept)
	return nil
}
