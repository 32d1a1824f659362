package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/regressd/internal/audit"
	"github.com/fyrsmithlabs/regressd/internal/ranking"
)

const (
	// DefaultApprovalTimeout is the gate deadline offset when none is
	// configured.
	DefaultApprovalTimeout = 24 * time.Hour

	// DefaultGenerationThreshold gates the generation phase on the top
	// qualified score, rescaled to [0,1].
	DefaultGenerationThreshold = 0.7

	// timeoutFeedback is the system-generated note attached to gates the
	// sweep rejects.
	timeoutFeedback = "approval deadline expired; auto-rejected by timeout sweep"

	// systemDecider identifies machine-resolved gates.
	systemDecider = "system"
)

// Config holds the machine's tunables. Validation of the values themselves
// happens at configuration load; the machine only fills missing values with
// defaults. GenerationThreshold is a pointer so a configured zero (admit
// generation whenever any test qualifies) is distinguishable from unset.
type Config struct {
	ApprovalTimeout     time.Duration
	GenerationThreshold *float64
}

// Machine enforces the fixed phase order and the approval protocol over a
// Registry. All methods are safe for concurrent use across runs; within a
// run the sequencing invariant, not locking, prevents races: a conflicting
// Advance fails with ErrSequenceViolation instead of executing.
type Machine struct {
	reg                 Registry
	recorder            *audit.Recorder
	logger              *zap.Logger
	approvalTimeout     time.Duration
	generationThreshold float64
}

// NewMachine creates a machine over the given registry and audit recorder.
func NewMachine(reg Registry, recorder *audit.Recorder, logger *zap.Logger, cfg Config) (*Machine, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if recorder == nil {
		return nil, fmt.Errorf("audit recorder cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.ApprovalTimeout
	if timeout == 0 {
		timeout = DefaultApprovalTimeout
	}
	threshold := DefaultGenerationThreshold
	if cfg.GenerationThreshold != nil {
		threshold = *cfg.GenerationThreshold
	}
	return &Machine{
		reg:                 reg,
		recorder:            recorder,
		logger:              logger,
		approvalTimeout:     timeout,
		generationThreshold: threshold,
	}, nil
}

// CreateRun registers a new run for the given story, expecting ingestion
// output first.
func (m *Machine) CreateRun(ctx context.Context, story string) (*Run, error) {
	if story == "" {
		return nil, fmt.Errorf("story cannot be empty")
	}

	now := time.Now().UTC()
	run := &Run{
		ID:            uuid.NewString(),
		Story:         story,
		Status:        RunInProgress,
		ExpectedPhase: PhaseIngestion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.reg.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	m.logger.Info("run created", zap.String("run_id", run.ID))
	return run, nil
}

// Advance accepts the output of the run's expected phase, records a new
// PhaseExecution and opens its approval gate. The expected-phase pointer
// does not move until that gate is approved, so a second Advance for the
// same phase, or an Advance naming any other phase, fails with
// ErrSequenceViolation. Late agent results for abandoned or advanced-past
// phases are rejected by the same check.
func (m *Machine) Advance(ctx context.Context, runID string, phase Phase, output json.RawMessage) (*ApprovalGate, error) {
	run, err := m.reg.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != RunInProgress {
		return nil, fmt.Errorf("%w: run %s is %s", ErrRunNotActive, runID, run.Status)
	}
	if !ValidPhase(phase) {
		return nil, fmt.Errorf("%w: unknown phase %q", ErrSequenceViolation, phase)
	}
	if phase != run.ExpectedPhase {
		return nil, fmt.Errorf("%w: got %s output, expected %s", ErrSequenceViolation, phase, run.ExpectedPhase)
	}

	pending, err := m.reg.PendingGate(ctx, runID)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return nil, fmt.Errorf("%w: phase %s output already awaiting approval", ErrSequenceViolation, pending.Phase)
	}

	input, attempt, err := m.snapshot(ctx, runID, phase)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	exec := &PhaseExecution{
		ID:         uuid.NewString(),
		RunID:      runID,
		Phase:      phase,
		Attempt:    attempt,
		Input:      input,
		Output:     output,
		Status:     ExecutionExecuted,
		ExecutedAt: now,
	}
	if err := m.reg.AppendExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("recording execution: %w", err)
	}

	gate := &ApprovalGate{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		RunID:       runID,
		Phase:       phase,
		Status:      GatePending,
		CreatedAt:   now,
		Deadline:    now.Add(m.approvalTimeout),
	}
	if err := m.reg.CreateGate(ctx, gate); err != nil {
		return nil, fmt.Errorf("creating approval gate: %w", err)
	}

	if err := m.recorder.PhaseCompleted(ctx, runID, string(phase)); err != nil {
		return nil, err
	}

	m.logger.Info("phase output recorded, awaiting approval",
		zap.String("run_id", runID),
		zap.String("phase", string(phase)),
		zap.Int("attempt", attempt),
		zap.String("gate_id", gate.ID),
		zap.Time("deadline", gate.Deadline),
	)
	phasesExecuted.WithLabelValues(string(phase), string(ExecutionExecuted)).Inc()
	return gate, nil
}

// SubmitApproval resolves exactly one pending gate. A rejection marks the
// execution rejected and leaves the expected phase unchanged; the caller
// resubmits corrected output for the same phase, creating a new attempt.
// An approval marks the execution approved and advances the pointer,
// evaluating the generation gate when ranking is approved. Decisions on
// gates of runs no longer in progress are stale and refused, so an
// abandoned run can never advance or complete.
func (m *Machine) SubmitApproval(ctx context.Context, gateID string, approved bool, feedback, decider string) error {
	gate, err := m.reg.GetGate(ctx, gateID)
	if err != nil {
		return err
	}
	run, err := m.reg.GetRun(ctx, gate.RunID)
	if err != nil {
		return err
	}
	if run.Status != RunInProgress {
		return fmt.Errorf("%w: run %s is %s", ErrRunNotActive, run.ID, run.Status)
	}

	status := GateRejected
	if approved {
		status = GateApproved
	}
	now := time.Now().UTC()

	ok, err := m.reg.ResolveGate(ctx, gateID, status, decider, feedback, now)
	if err != nil {
		return fmt.Errorf("resolving gate: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: gate %s", ErrGateResolved, gateID)
	}

	if err := m.recorder.ApprovalDecided(ctx, gate.RunID, string(gate.Phase), decider, approved, feedback); err != nil {
		return err
	}
	approvalDecisions.WithLabelValues(string(status)).Inc()

	if !approved {
		if err := m.reg.UpdateExecutionStatus(ctx, gate.ExecutionID, ExecutionRejected, ""); err != nil {
			return err
		}
		m.logger.Info("phase rejected, awaiting resubmission",
			zap.String("run_id", gate.RunID),
			zap.String("phase", string(gate.Phase)),
			zap.String("decider", decider),
		)
		return nil
	}

	if err := m.reg.UpdateExecutionStatus(ctx, gate.ExecutionID, ExecutionApproved, ""); err != nil {
		return err
	}
	return m.advancePointer(ctx, gate)
}

// MarkFailed records a phase execution failure. The run stays in_progress,
// paused on the same expected phase, so corrected input can be resubmitted.
func (m *Machine) MarkFailed(ctx context.Context, runID string, phase Phase, reason string) error {
	run, err := m.reg.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != RunInProgress {
		return fmt.Errorf("%w: run %s is %s", ErrRunNotActive, runID, run.Status)
	}
	if phase != run.ExpectedPhase {
		return fmt.Errorf("%w: cannot fail %s, expected phase is %s", ErrSequenceViolation, phase, run.ExpectedPhase)
	}

	input, attempt, err := m.snapshot(ctx, runID, phase)
	if err != nil {
		return err
	}
	exec := &PhaseExecution{
		ID:         uuid.NewString(),
		RunID:      runID,
		Phase:      phase,
		Attempt:    attempt,
		Input:      input,
		Status:     ExecutionFailed,
		Error:      reason,
		ExecutedAt: time.Now().UTC(),
	}
	if err := m.reg.AppendExecution(ctx, exec); err != nil {
		return fmt.Errorf("recording failed execution: %w", err)
	}

	if err := m.recorder.PhaseFailed(ctx, runID, string(phase), reason); err != nil {
		return err
	}
	phasesExecuted.WithLabelValues(string(phase), string(ExecutionFailed)).Inc()

	m.logger.Warn("phase failed, run paused for human decision",
		zap.String("run_id", runID),
		zap.String("phase", string(phase)),
		zap.String("reason", reason),
	)
	return nil
}

// Abandon marks a run failed. Only allowed between phases: a pending gate
// must be resolved first so the history stays unambiguous.
func (m *Machine) Abandon(ctx context.Context, runID string) error {
	run, err := m.reg.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != RunInProgress {
		return fmt.Errorf("%w: run %s is %s", ErrRunNotActive, runID, run.Status)
	}
	pending, err := m.reg.PendingGate(ctx, runID)
	if err != nil {
		return err
	}
	if pending != nil {
		return fmt.Errorf("%w: pending %s gate must be resolved before abandoning", ErrSequenceViolation, pending.Phase)
	}

	if err := m.reg.UpdateRunStatus(ctx, runID, RunFailed); err != nil {
		return err
	}
	runsFinished.WithLabelValues(string(RunFailed)).Inc()
	m.logger.Info("run abandoned", zap.String("run_id", runID))
	return nil
}

// SweepExpired resolves every gate past its deadline to rejected with a
// system feedback note, identically to a human rejection. Idempotent:
// already-resolved gates are skipped, so a double sweep produces one
// resolution and one audit entry.
func (m *Machine) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := m.reg.ListExpiredGates(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("listing expired gates: %w", err)
	}

	swept := 0
	for _, gate := range expired {
		ok, err := m.reg.ResolveGate(ctx, gate.ID, GateRejected, systemDecider, timeoutFeedback, now)
		if err != nil {
			return swept, fmt.Errorf("resolving expired gate %s: %w", gate.ID, err)
		}
		if !ok {
			// Resolved between listing and update; nothing to do.
			continue
		}
		if err := m.reg.UpdateExecutionStatus(ctx, gate.ExecutionID, ExecutionRejected, ""); err != nil {
			return swept, err
		}
		if err := m.recorder.ApprovalTimedOut(ctx, gate.RunID, string(gate.Phase), gate.Deadline); err != nil {
			return swept, err
		}
		gateTimeouts.Inc()
		swept++

		m.logger.Info("approval gate expired, auto-rejected",
			zap.String("run_id", gate.RunID),
			zap.String("phase", string(gate.Phase)),
			zap.String("gate_id", gate.ID),
		)
	}
	return swept, nil
}

// Context assembles the cumulative context for a run: the story plus the
// latest approved output of each phase, keyed by phase name.
func (m *Machine) Context(ctx context.Context, runID string) (map[string]json.RawMessage, error) {
	run, err := m.reg.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	execs, err := m.reg.ListExecutions(ctx, runID)
	if err != nil {
		return nil, err
	}

	storyJSON, err := json.Marshal(run.Story)
	if err != nil {
		return nil, err
	}
	out := map[string]json.RawMessage{"story": storyJSON}
	for _, e := range execs {
		if e.Status == ExecutionApproved {
			out[string(e.Phase)] = e.Output
		}
	}
	return out, nil
}

// advancePointer moves the run's expected phase after an approval.
func (m *Machine) advancePointer(ctx context.Context, gate *ApprovalGate) error {
	var next Phase

	switch gate.Phase {
	case PhaseRanking:
		admitted, err := m.evaluateGenerationGate(ctx, gate)
		if err != nil {
			return err
		}
		if admitted {
			next = PhaseGeneration
		} else {
			next = PhaseAudit
		}

	case PhaseAudit:
		return m.complete(ctx, gate.RunID)

	default:
		n, ok := nextPhase(gate.Phase)
		if !ok {
			return fmt.Errorf("%w: no phase follows %s", ErrSequenceViolation, gate.Phase)
		}
		next = n
	}

	if err := m.reg.UpdateExpectedPhase(ctx, gate.RunID, next); err != nil {
		return err
	}
	m.logger.Info("run advanced",
		zap.String("run_id", gate.RunID),
		zap.String("approved_phase", string(gate.Phase)),
		zap.String("next_phase", string(next)),
	)
	return nil
}

// evaluateGenerationGate compares the top qualified ranking score, rescaled
// to [0,1], against the configured threshold. Below threshold the
// generation phase is skipped entirely and a generation_gated audit entry
// records the arithmetic.
func (m *Machine) evaluateGenerationGate(ctx context.Context, gate *ApprovalGate) (bool, error) {
	exec, err := m.reg.GetExecution(ctx, gate.ExecutionID)
	if err != nil {
		return false, err
	}

	var result ranking.Result
	if err := json.Unmarshal(exec.Output, &result); err != nil {
		return false, fmt.Errorf("parsing ranking output: %w", err)
	}

	stat := result.GateStatistic()
	threshold := m.generationThreshold
	admitted := result.AdmitsGeneration(threshold)

	if err := m.recorder.ThresholdEvaluated(ctx, gate.RunID, "generation_gate", stat, threshold, admitted); err != nil {
		return false, err
	}
	if !admitted {
		if err := m.recorder.GenerationGated(ctx, gate.RunID, stat, threshold); err != nil {
			return false, err
		}
		generationsGated.Inc()
	}

	m.logger.Info("generation gate evaluated",
		zap.String("run_id", gate.RunID),
		zap.Float64("statistic", stat),
		zap.Float64("threshold", threshold),
		zap.Bool("admitted", admitted),
	)
	return admitted, nil
}

// complete transitions a run to completed after verifying every phase
// slot's latest execution is approved. Generation is exempt when it was
// gated (it has no executions at all in that case).
func (m *Machine) complete(ctx context.Context, runID string) error {
	execs, err := m.reg.ListExecutions(ctx, runID)
	if err != nil {
		return err
	}

	latest := make(map[Phase]*PhaseExecution)
	for _, e := range execs {
		latest[e.Phase] = e
	}

	for _, phase := range Phases() {
		e, ok := latest[phase]
		if !ok {
			if phase == PhaseGeneration {
				continue
			}
			return fmt.Errorf("%w: phase %s never executed", ErrSequenceViolation, phase)
		}
		if e.Status != ExecutionApproved {
			return fmt.Errorf("%w: latest %s execution is %s, not approved", ErrSequenceViolation, phase, e.Status)
		}
	}

	if err := m.reg.UpdateRunStatus(ctx, runID, RunCompleted); err != nil {
		return err
	}
	runsFinished.WithLabelValues(string(RunCompleted)).Inc()
	m.logger.Info("run completed", zap.String("run_id", runID))
	return nil
}

// snapshot builds the input snapshot and attempt number for a new
// execution of phase.
func (m *Machine) snapshot(ctx context.Context, runID string, phase Phase) (json.RawMessage, int, error) {
	cumulative, err := m.Context(ctx, runID)
	if err != nil {
		return nil, 0, err
	}
	input, err := json.Marshal(cumulative)
	if err != nil {
		return nil, 0, fmt.Errorf("marshaling input snapshot: %w", err)
	}

	execs, err := m.reg.ListExecutions(ctx, runID)
	if err != nil {
		return nil, 0, err
	}
	attempt := 1
	for _, e := range execs {
		if e.Phase == phase {
			attempt++
		}
	}
	return input, attempt, nil
}
