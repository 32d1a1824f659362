package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/regressd/internal/agent"
	"github.com/fyrsmithlabs/regressd/internal/audit"
	"github.com/fyrsmithlabs/regressd/internal/coverage"
	"github.com/fyrsmithlabs/regressd/internal/ranking"
)

// ScoringConfig carries the externally supplied quantitative knobs.
type ScoringConfig struct {
	// ACMatchThreshold is the similarity cutoff at or above which an AC
	// counts as matched by a test.
	ACMatchThreshold float64

	// Weights are the five ranking factor weights.
	Weights ranking.Weights
}

// AuditSummary is the audit phase's output payload.
type AuditSummary struct {
	RankedTests       int     `json:"ranked_tests"`
	QualifiedTests    int     `json:"qualified_tests"`
	TopQualifiedScore float64 `json:"top_qualified_score"`
	GeneratedTests    int     `json:"generated_tests"`
}

// Runner executes one phase at a time for a run: semantic phases through
// the agent client, coverage/ranking/audit through the in-process engines.
// Every successful execution lands in Machine.Advance, so the run always
// suspends behind an approval gate afterwards; failures land in
// Machine.MarkFailed and pause the run for a human decision.
type Runner struct {
	machine  *Machine
	agents   *agent.Client
	recorder *audit.Recorder
	scoring  ScoringConfig
	logger   *zap.Logger
}

// NewRunner creates a runner.
func NewRunner(machine *Machine, agents *agent.Client, recorder *audit.Recorder, scoring ScoringConfig, logger *zap.Logger) (*Runner, error) {
	if machine == nil {
		return nil, fmt.Errorf("machine cannot be nil")
	}
	if agents == nil {
		return nil, fmt.Errorf("agent client cannot be nil")
	}
	if recorder == nil {
		return nil, fmt.Errorf("audit recorder cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		machine:  machine,
		agents:   agents,
		recorder: recorder,
		scoring:  scoring,
		logger:   logger,
	}, nil
}

// ExecuteNext executes the run's expected phase and records its output,
// returning the approval gate now awaiting a decision. Calling it on a run
// whose output is already awaiting approval is a sequence violation; after
// a rejection it re-executes the same phase as a fresh attempt.
func (r *Runner) ExecuteNext(ctx context.Context, runID string) (*ApprovalGate, error) {
	run, err := r.machine.reg.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != RunInProgress {
		return nil, fmt.Errorf("%w: run %s is %s", ErrRunNotActive, runID, run.Status)
	}
	pending, err := r.machine.reg.PendingGate(ctx, runID)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return nil, fmt.Errorf("%w: phase %s output awaiting approval", ErrSequenceViolation, pending.Phase)
	}

	phase := run.ExpectedPhase
	if err := r.recorder.PhaseStarted(ctx, runID, string(phase)); err != nil {
		return nil, err
	}

	cumulative, err := r.machine.Context(ctx, runID)
	if err != nil {
		return nil, err
	}

	output, err := r.execute(ctx, runID, phase, cumulative)
	if err != nil {
		if failErr := r.machine.MarkFailed(ctx, runID, phase, err.Error()); failErr != nil {
			return nil, fmt.Errorf("marking phase failed: %w (original: %v)", failErr, err)
		}
		return nil, err
	}

	return r.machine.Advance(ctx, runID, phase, output)
}

func (r *Runner) execute(ctx context.Context, runID string, phase Phase, cumulative map[string]json.RawMessage) (json.RawMessage, error) {
	switch phase {
	case PhaseCoverage:
		return r.runCoverage(cumulative)
	case PhaseRanking:
		return r.runRanking(cumulative)
	case PhaseAudit:
		return r.runAudit(ctx, runID, cumulative)
	default:
		return r.agents.Execute(ctx, agent.Request{
			RunID:   runID,
			Phase:   string(phase),
			Context: cumulative,
		})
	}
}

// runCoverage feeds the approved ingestion and retrieval outputs to the
// coverage engine.
func (r *Runner) runCoverage(cumulative map[string]json.RawMessage) (json.RawMessage, error) {
	var ingestion agent.IngestionOutput
	if err := unmarshalPhase(cumulative, PhaseIngestion, &ingestion); err != nil {
		return nil, err
	}
	var retrieval agent.RetrievalOutput
	if err := unmarshalPhase(cumulative, PhaseRetrieval, &retrieval); err != nil {
		return nil, err
	}

	in := coverage.Input{
		ACIDs:          make([]string, 0, len(ingestion.AcceptanceCriteria)),
		TestIDs:        make([]string, 0, len(retrieval.Tests)),
		Similarities:   retrieval.Similarities,
		MatchThreshold: r.scoring.ACMatchThreshold,
	}
	for _, ac := range ingestion.AcceptanceCriteria {
		in.ACIDs = append(in.ACIDs, ac.ID)
	}
	for _, t := range retrieval.Tests {
		in.TestIDs = append(in.TestIDs, t.ID)
	}

	result, err := coverage.Evaluate(in)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

// runRanking builds one candidate per retrieved test. The similarity
// factor is the test's best similarity across the story's ACs; the
// coverage factor is the ratio the coverage engine computed.
func (r *Runner) runRanking(cumulative map[string]json.RawMessage) (json.RawMessage, error) {
	var retrieval agent.RetrievalOutput
	if err := unmarshalPhase(cumulative, PhaseRetrieval, &retrieval); err != nil {
		return nil, err
	}
	var cov coverage.Result
	if err := unmarshalPhase(cumulative, PhaseCoverage, &cov); err != nil {
		return nil, err
	}

	ratios := make(map[string]float64, len(cov.Qualified)+len(cov.Rejected))
	qualified := make(map[string]bool, len(cov.Qualified))
	for _, tc := range cov.Qualified {
		ratios[tc.TestID] = tc.Ratio
		qualified[tc.TestID] = true
	}
	for _, tc := range cov.Rejected {
		ratios[tc.TestID] = tc.Ratio
	}

	candidates := make([]ranking.Candidate, 0, len(retrieval.Tests))
	for _, t := range retrieval.Tests {
		best := 0.0
		for _, row := range retrieval.Similarities {
			if sim, ok := row[t.ID]; ok && sim > best {
				best = sim
			}
		}
		candidates = append(candidates, ranking.Candidate{
			TestID:    t.ID,
			Qualified: qualified[t.ID],
			Factors: ranking.Factors{
				Similarity:    best,
				Coverage:      ratios[t.ID],
				DefectDensity: t.DefectDensity,
				Criticality:   t.Criticality,
				Recurrence:    t.Recurrence,
			},
		})
	}

	result, err := ranking.Rank(r.scoring.Weights, candidates)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

// runAudit writes the final ranking breakdown to the audit log and emits
// the run summary.
func (r *Runner) runAudit(ctx context.Context, runID string, cumulative map[string]json.RawMessage) (json.RawMessage, error) {
	var rank ranking.Result
	if err := unmarshalPhase(cumulative, PhaseRanking, &rank); err != nil {
		return nil, err
	}

	breakdown := make([]audit.ScoreBreakdown, 0, len(rank.Scores))
	qualifiedCount := 0
	for _, s := range rank.Scores {
		if s.Qualified {
			qualifiedCount++
		}
		breakdown = append(breakdown, audit.ScoreBreakdown{
			TestID:     s.TestID,
			FinalScore: s.Final,
			RawScore:   s.Raw,
			Factors:    s.Factors.Map(),
		})
	}
	if err := r.recorder.RankingRecorded(ctx, runID, breakdown); err != nil {
		return nil, err
	}

	summary := AuditSummary{
		RankedTests:       len(rank.Scores),
		QualifiedTests:    qualifiedCount,
		TopQualifiedScore: rank.TopQualifiedScore,
	}
	if raw, ok := cumulative[string(PhaseGeneration)]; ok {
		var gen agent.GenerationOutput
		if err := json.Unmarshal(raw, &gen); err != nil {
			return nil, fmt.Errorf("parsing generation output: %w", err)
		}
		summary.GeneratedTests = len(gen.Tests)
	}
	return json.Marshal(summary)
}

func unmarshalPhase(cumulative map[string]json.RawMessage, phase Phase, out any) error {
	raw, ok := cumulative[string(phase)]
	if !ok {
		return fmt.Errorf("%w: no approved %s output in context", ErrSequenceViolation, phase)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parsing %s output: %w", phase, err)
	}
	return nil
}
