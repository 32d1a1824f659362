package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/regressd/internal/audit"
	"github.com/fyrsmithlabs/regressd/internal/pipeline"
)

func newSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "regressd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRun(id string) *pipeline.Run {
	now := time.Now().UTC().Truncate(time.Second)
	return &pipeline.Run{
		ID:            id,
		Story:         "password reset",
		Status:        pipeline.RunInProgress,
		ExpectedPhase: pipeline.PhaseIngestion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestSQLiteRuns(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)

	run := sampleRun("r1")
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, run.Story, got.Story)
	assert.Equal(t, pipeline.RunInProgress, got.Status)
	assert.Equal(t, pipeline.PhaseIngestion, got.ExpectedPhase)

	_, err = s.GetRun(ctx, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrRunNotFound)

	require.NoError(t, s.UpdateRunStatus(ctx, "r1", pipeline.RunFailed))
	require.NoError(t, s.UpdateExpectedPhase(ctx, "r1", pipeline.PhaseCoverage))

	got, err = s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunFailed, got.Status)
	assert.Equal(t, pipeline.PhaseCoverage, got.ExpectedPhase)

	err = s.UpdateRunStatus(ctx, "missing", pipeline.RunFailed)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrRunNotFound)
}

func TestSQLiteListRuns(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)

	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, s.CreateRun(ctx, sampleRun(id)))
	}

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	runs, err = s.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestSQLiteExecutions(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)
	require.NoError(t, s.CreateRun(ctx, sampleRun("r1")))

	exec := &pipeline.PhaseExecution{
		ID:         "e1",
		RunID:      "r1",
		Phase:      pipeline.PhaseIngestion,
		Attempt:    1,
		Input:      json.RawMessage(`{"story":"s"}`),
		Output:     json.RawMessage(`{"acceptance_criteria":[]}`),
		Status:     pipeline.ExecutionExecuted,
		ExecutedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.AppendExecution(ctx, exec))

	got, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, exec.Phase, got.Phase)
	assert.Equal(t, exec.Attempt, got.Attempt)
	assert.JSONEq(t, string(exec.Output), string(got.Output))
	assert.Equal(t, pipeline.ExecutionExecuted, got.Status)

	require.NoError(t, s.UpdateExecutionStatus(ctx, "e1", pipeline.ExecutionApproved, ""))
	got, err = s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.ExecutionApproved, got.Status)

	execs, err := s.ListExecutions(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, execs, 1)

	_, err = s.GetExecution(ctx, "missing")
	require.Error(t, err)
}

func TestSQLiteGates(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)
	require.NoError(t, s.CreateRun(ctx, sampleRun("r1")))

	exec := &pipeline.PhaseExecution{
		ID:         "e1",
		RunID:      "r1",
		Phase:      pipeline.PhaseIngestion,
		Attempt:    1,
		Status:     pipeline.ExecutionExecuted,
		ExecutedAt: time.Now().UTC(),
	}
	require.NoError(t, s.AppendExecution(ctx, exec))

	now := time.Now().UTC().Truncate(time.Second)
	gate := &pipeline.ApprovalGate{
		ID:          "g1",
		ExecutionID: "e1",
		RunID:       "r1",
		Phase:       pipeline.PhaseIngestion,
		Status:      pipeline.GatePending,
		CreatedAt:   now,
		Deadline:    now.Add(time.Hour),
	}
	require.NoError(t, s.CreateGate(ctx, gate))

	t.Run("pending gate lookup", func(t *testing.T) {
		got, err := s.PendingGate(ctx, "r1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "g1", got.ID)
		assert.Nil(t, got.DecidedAt)

		none, err := s.PendingGate(ctx, "other")
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("resolve is guarded", func(t *testing.T) {
		decidedAt := now.Add(time.Minute)
		ok, err := s.ResolveGate(ctx, "g1", pipeline.GateApproved, "qa-lead", "looks right", decidedAt)
		require.NoError(t, err)
		assert.True(t, ok)

		// Second resolution loses.
		ok, err = s.ResolveGate(ctx, "g1", pipeline.GateRejected, "system", "timeout", decidedAt)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetGate(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, pipeline.GateApproved, got.Status)
		assert.Equal(t, "qa-lead", got.Decider)
		assert.Equal(t, "looks right", got.Feedback)
		require.NotNil(t, got.DecidedAt)
	})

	t.Run("resolve unknown gate", func(t *testing.T) {
		_, err := s.ResolveGate(ctx, "missing", pipeline.GateApproved, "x", "", now)
		require.Error(t, err)
		assert.ErrorIs(t, err, pipeline.ErrGateNotFound)
	})
}

func TestSQLiteExpiredGates(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)
	require.NoError(t, s.CreateRun(ctx, sampleRun("r1")))

	now := time.Now().UTC().Truncate(time.Second)
	mkGate := func(id string, deadline time.Time) {
		exec := &pipeline.PhaseExecution{
			ID: "e-" + id, RunID: "r1", Phase: pipeline.PhaseIngestion,
			Attempt: 1, Status: pipeline.ExecutionExecuted, ExecutedAt: now,
		}
		require.NoError(t, s.AppendExecution(ctx, exec))
		require.NoError(t, s.CreateGate(ctx, &pipeline.ApprovalGate{
			ID: id, ExecutionID: exec.ID, RunID: "r1", Phase: pipeline.PhaseIngestion,
			Status: pipeline.GatePending, CreatedAt: now, Deadline: deadline,
		}))
	}
	mkGate("expired", now.Add(-time.Hour))
	mkGate("fresh", now.Add(time.Hour))

	expired, err := s.ListExpiredGates(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "expired", expired[0].ID)
}

func TestSQLiteAudit(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)

	entries := []*audit.Entry{
		{ID: "a1", RunID: "r1", Type: audit.EntryPhaseStarted, Phase: "ingestion", CreatedAt: time.Now().UTC()},
		{ID: "a2", RunID: "r1", Type: audit.EntryPhaseCompleted, Phase: "ingestion",
			Detail: json.RawMessage(`{"note":"ok"}`), CreatedAt: time.Now().UTC().Add(time.Second)},
		{ID: "a3", RunID: "other", Type: audit.EntryPhaseStarted, Phase: "ingestion", CreatedAt: time.Now().UTC()},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendAudit(ctx, e))
	}

	got, err := s.ListAudit(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, "a2", got[1].ID)
	assert.JSONEq(t, `{"note":"ok"}`, string(got[1].Detail))
	assert.Empty(t, got[0].Detail)
}

func TestMemoryMatchesRegistryContract(t *testing.T) {
	// The memory store backs most pipeline tests; this pins the guarded
	// resolution behavior to the same contract as SQLite.
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateRun(ctx, sampleRun("r1")))
	require.NoError(t, m.AppendExecution(ctx, &pipeline.PhaseExecution{
		ID: "e1", RunID: "r1", Phase: pipeline.PhaseIngestion, Attempt: 1,
		Status: pipeline.ExecutionExecuted, ExecutedAt: time.Now().UTC(),
	}))

	now := time.Now().UTC()
	require.NoError(t, m.CreateGate(ctx, &pipeline.ApprovalGate{
		ID: "g1", ExecutionID: "e1", RunID: "r1", Phase: pipeline.PhaseIngestion,
		Status: pipeline.GatePending, CreatedAt: now, Deadline: now.Add(time.Hour),
	}))

	ok, err := m.ResolveGate(ctx, "g1", pipeline.GateApproved, "qa-lead", "", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.ResolveGate(ctx, "g1", pipeline.GateRejected, "system", "", now)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.ResolveGate(ctx, "missing", pipeline.GateApproved, "x", "", now)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrGateNotFound)
}
