// Package audit provides the append-only decision log for pipeline runs.
//
// The recorder's write contract is one typed method per event. There is no
// free-form payload parameter, so raw embedding vectors and agent reasoning
// text have no field to arrive through; exclusion is enforced by the
// interface, not by filtering. Entries are insert-only: neither the recorder
// nor the sink exposes update or delete.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EntryType categorizes audit entries.
type EntryType string

const (
	EntryPhaseStarted        EntryType = "phase_started"
	EntryPhaseCompleted      EntryType = "phase_completed"
	EntryPhaseFailed         EntryType = "phase_failed"
	EntryApprovalDecision    EntryType = "approval_decision"
	EntryApprovalTimeout     EntryType = "approval_timeout"
	EntryThresholdEvaluation EntryType = "threshold_evaluation"
	EntryGenerationGated     EntryType = "generation_gated"
	EntryRankingBreakdown    EntryType = "ranking_breakdown"
)

// Entry is one immutable audit record, ordered per run by creation time.
// Detail is produced exclusively by the recorder's typed methods.
type Entry struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      EntryType       `json:"type"`
	Phase     string          `json:"phase,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Sink persists entries. Append-only: implementations must not expose
// mutation of stored entries.
type Sink interface {
	AppendAudit(ctx context.Context, entry *Entry) error
	ListAudit(ctx context.Context, runID string) ([]*Entry, error)
}

// ScoreBreakdown is the per-test record written with the final ranking.
// It carries only the arithmetic that produced the score.
type ScoreBreakdown struct {
	TestID     string             `json:"test_id"`
	FinalScore float64            `json:"final_score"`
	RawScore   float64            `json:"raw_score"`
	Factors    map[string]float64 `json:"factors"`
}

// Recorder writes typed audit entries to a sink.
type Recorder struct {
	sink   Sink
	logger *zap.Logger
}

// NewRecorder creates a recorder. logger may be nil.
func NewRecorder(sink Sink, logger *zap.Logger) (*Recorder, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{sink: sink, logger: logger}, nil
}

// List returns a run's entries ordered by creation time.
func (r *Recorder) List(ctx context.Context, runID string) ([]*Entry, error) {
	return r.sink.ListAudit(ctx, runID)
}

// PhaseStarted records the start of a phase execution.
func (r *Recorder) PhaseStarted(ctx context.Context, runID, phase string) error {
	return r.append(ctx, runID, EntryPhaseStarted, phase, nil)
}

// PhaseCompleted records a phase execution producing output.
func (r *Recorder) PhaseCompleted(ctx context.Context, runID, phase string) error {
	return r.append(ctx, runID, EntryPhaseCompleted, phase, nil)
}

// PhaseFailed records a phase execution failure and its reason.
func (r *Recorder) PhaseFailed(ctx context.Context, runID, phase, reason string) error {
	return r.append(ctx, runID, EntryPhaseFailed, phase, map[string]any{
		"reason": reason,
	})
}

// ApprovalDecided records a human approval decision.
func (r *Recorder) ApprovalDecided(ctx context.Context, runID, phase, decider string, approved bool, feedback string) error {
	return r.append(ctx, runID, EntryApprovalDecision, phase, map[string]any{
		"approved": approved,
		"decider":  decider,
		"feedback": feedback,
	})
}

// ApprovalTimedOut records a gate auto-rejected by the timeout sweep.
func (r *Recorder) ApprovalTimedOut(ctx context.Context, runID, phase string, deadline time.Time) error {
	return r.append(ctx, runID, EntryApprovalTimeout, phase, map[string]any{
		"deadline": deadline.UTC().Format(time.RFC3339),
	})
}

// ThresholdEvaluated records a threshold comparison and its outcome.
func (r *Recorder) ThresholdEvaluated(ctx context.Context, runID, name string, value, threshold float64, passed bool) error {
	return r.append(ctx, runID, EntryThresholdEvaluation, "", map[string]any{
		"name":      name,
		"value":     value,
		"threshold": threshold,
		"passed":    passed,
	})
}

// GenerationGated records that the generation phase was skipped, with the
// statistic and threshold that gated it.
func (r *Recorder) GenerationGated(ctx context.Context, runID string, statistic, threshold float64) error {
	return r.append(ctx, runID, EntryGenerationGated, "", map[string]any{
		"statistic": statistic,
		"threshold": threshold,
	})
}

// RankingRecorded writes the final ranking breakdown.
func (r *Recorder) RankingRecorded(ctx context.Context, runID string, scores []ScoreBreakdown) error {
	return r.append(ctx, runID, EntryRankingBreakdown, "", map[string]any{
		"scores": scores,
	})
}

func (r *Recorder) append(ctx context.Context, runID string, typ EntryType, phase string, detail map[string]any) error {
	var raw json.RawMessage
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		raw = b
	}

	entry := &Entry{
		ID:        uuid.NewString(),
		RunID:     runID,
		Type:      typ,
		Phase:     phase,
		Detail:    raw,
		CreatedAt: time.Now().UTC(),
	}

	if err := r.sink.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}

	r.logger.Debug("audit entry recorded",
		zap.String("run_id", runID),
		zap.String("type", string(typ)),
		zap.String("phase", phase),
	)
	return nil
}
