// Package pipeline implements the phase state machine that turns a
// requirement story into a prioritized regression-test suite. Every phase
// output suspends the run behind a human approval gate before the machine
// advances.
package pipeline

import (
	"context"
	"encoding/json"
	"time"
)

// Phase identifies one step of the fixed analysis sequence.
type Phase string

const (
	// PhaseIngestion parses the story and extracts acceptance criteria.
	PhaseIngestion Phase = "ingestion"

	// PhaseClassification assigns the story a category and tags.
	PhaseClassification Phase = "classification"

	// PhaseEmbedding indexes acceptance criteria into the vector store.
	PhaseEmbedding Phase = "embedding"

	// PhaseRetrieval finds candidate tests and their AC similarity matrix.
	PhaseRetrieval Phase = "retrieval"

	// PhaseCoverage computes per-test AC coverage ratios.
	PhaseCoverage Phase = "coverage"

	// PhaseRanking scores and orders the qualified tests.
	PhaseRanking Phase = "ranking"

	// PhaseGeneration synthesizes tests for uncovered ACs. Conditional:
	// skipped entirely when the generation gate statistic is below threshold.
	PhaseGeneration Phase = "generation"

	// PhaseAudit writes the final ranking breakdown and closes the run.
	PhaseAudit Phase = "audit"
)

// Phases returns all phases in execution order, including the conditional
// generation phase.
func Phases() []Phase {
	return []Phase{
		PhaseIngestion,
		PhaseClassification,
		PhaseEmbedding,
		PhaseRetrieval,
		PhaseCoverage,
		PhaseRanking,
		PhaseGeneration,
		PhaseAudit,
	}
}

// ValidPhase reports whether p names a known phase.
func ValidPhase(p Phase) bool {
	return phaseIndex(p) >= 0
}

// phaseIndex returns the position of p in the fixed order, or -1.
func phaseIndex(p Phase) int {
	for i, ph := range Phases() {
		if ph == p {
			return i
		}
	}
	return -1
}

// nextPhase returns the phase following p. The second return is false for
// the final phase or an unknown phase. Callers decide whether generation is
// entered or skipped; nextPhase only reflects the fixed order.
func nextPhase(p Phase) (Phase, bool) {
	idx := phaseIndex(p)
	if idx < 0 || idx == len(Phases())-1 {
		return "", false
	}
	return Phases()[idx+1], true
}

// RunStatus is the lifecycle status of a Run.
type RunStatus string

const (
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

// ExecutionStatus is the lifecycle status of a PhaseExecution.
type ExecutionStatus string

const (
	// ExecutionPending is a phase slot that has been opened but has no
	// output yet.
	ExecutionPending ExecutionStatus = "pending"

	// ExecutionExecuted has output recorded and awaits its approval gate.
	ExecutionExecuted ExecutionStatus = "executed"

	ExecutionApproved ExecutionStatus = "approved"
	ExecutionRejected ExecutionStatus = "rejected"
	ExecutionFailed   ExecutionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionApproved || s == ExecutionRejected || s == ExecutionFailed
}

// GateStatus is the resolution state of an ApprovalGate.
type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
	GateRejected GateStatus = "rejected"
)

// Run is one end-to-end pipeline invocation for one story.
type Run struct {
	ID        string    `json:"id"`
	Story     string    `json:"story"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ExpectedPhase is the monotonically advancing pointer to the phase
	// whose output the machine will accept next. It moves only when the
	// previous phase's gate is approved, so late agent results for any
	// other phase are rejected, never raced.
	ExpectedPhase Phase `json:"expected_phase"`
}

// PhaseExecution records one attempt at one phase within a run. Rejected
// attempts are never mutated; resubmission appends a new attempt.
type PhaseExecution struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	Phase      Phase           `json:"phase"`
	Attempt    int             `json:"attempt"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Status     ExecutionStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// ApprovalGate is the mandatory human checkpoint attached to a
// PhaseExecution. It resolves exactly once: by decision or by the timeout
// sweep, which rejects it with a system feedback note.
type ApprovalGate struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	RunID       string     `json:"run_id"`
	Phase       Phase      `json:"phase"`
	Status      GateStatus `json:"status"`
	Feedback    string     `json:"feedback,omitempty"`
	Decider     string     `json:"decider,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Deadline    time.Time  `json:"deadline"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
}

// Registry is the persistence contract for runs, executions, gates and
// audit entries. Implementations must make ResolveGate a guarded,
// resolve-once operation and must never expose update or delete of audit
// entries.
type Registry interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus) error
	UpdateExpectedPhase(ctx context.Context, id string, phase Phase) error

	AppendExecution(ctx context.Context, exec *PhaseExecution) error
	GetExecution(ctx context.Context, id string) (*PhaseExecution, error)
	UpdateExecutionStatus(ctx context.Context, id string, status ExecutionStatus, errDetail string) error
	ListExecutions(ctx context.Context, runID string) ([]*PhaseExecution, error)

	CreateGate(ctx context.Context, gate *ApprovalGate) error
	GetGate(ctx context.Context, id string) (*ApprovalGate, error)
	// ResolveGate transitions a pending gate to status and returns false
	// if the gate was already resolved.
	ResolveGate(ctx context.Context, id string, status GateStatus, decider, feedback string, decidedAt time.Time) (bool, error)
	// PendingGate returns the run's pending gate, or nil when none exists.
	PendingGate(ctx context.Context, runID string) (*ApprovalGate, error)
	ListExpiredGates(ctx context.Context, now time.Time) ([]*ApprovalGate, error)
}
