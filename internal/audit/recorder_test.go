package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memorySink collects entries in order.
type memorySink struct {
	entries []*Entry
}

func (s *memorySink) AppendAudit(_ context.Context, entry *Entry) error {
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memorySink) ListAudit(_ context.Context, runID string) ([]*Entry, error) {
	var out []*Entry
	for _, e := range s.entries {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	sink := &memorySink{}
	rec, err := NewRecorder(sink, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, rec.PhaseStarted(ctx, "r1", "ingestion"))
	require.NoError(t, rec.PhaseCompleted(ctx, "r1", "ingestion"))
	require.NoError(t, rec.PhaseFailed(ctx, "r1", "retrieval", "timeout"))
	require.NoError(t, rec.ApprovalDecided(ctx, "r1", "ingestion", "qa-lead", false, "criteria wrong"))
	require.NoError(t, rec.ApprovalTimedOut(ctx, "r1", "coverage", time.Now().UTC()))
	require.NoError(t, rec.ThresholdEvaluated(ctx, "r1", "generation_gate", 0.58, 0.7, false))
	require.NoError(t, rec.GenerationGated(ctx, "r1", 0.58, 0.7))
	require.NoError(t, rec.RankingRecorded(ctx, "r1", []ScoreBreakdown{
		{TestID: "T1", FinalScore: 58, RawScore: 0.58, Factors: map[string]float64{"similarity": 0.9}},
	}))

	entries, err := rec.List(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, entries, 8)

	wantTypes := []EntryType{
		EntryPhaseStarted,
		EntryPhaseCompleted,
		EntryPhaseFailed,
		EntryApprovalDecision,
		EntryApprovalTimeout,
		EntryThresholdEvaluation,
		EntryGenerationGated,
		EntryRankingBreakdown,
	}
	for i, e := range entries {
		assert.Equal(t, wantTypes[i], e.Type)
		assert.Equal(t, "r1", e.RunID)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.CreatedAt.IsZero())
	}

	var decision struct {
		Approved bool   `json:"approved"`
		Decider  string `json:"decider"`
		Feedback string `json:"feedback"`
	}
	require.NoError(t, json.Unmarshal(entries[3].Detail, &decision))
	assert.False(t, decision.Approved)
	assert.Equal(t, "qa-lead", decision.Decider)
	assert.Equal(t, "criteria wrong", decision.Feedback)

	var gated struct {
		Statistic float64 `json:"statistic"`
		Threshold float64 `json:"threshold"`
	}
	require.NoError(t, json.Unmarshal(entries[6].Detail, &gated))
	assert.InDelta(t, 0.58, gated.Statistic, 1e-9)
	assert.InDelta(t, 0.7, gated.Threshold, 1e-9)
}

func TestNewRecorderRequiresSink(t *testing.T) {
	_, err := NewRecorder(nil, zap.NewNop())
	require.Error(t, err)
}
