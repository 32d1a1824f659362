package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/regressd/internal/audit"
	"github.com/fyrsmithlabs/regressd/internal/pipeline"
)

// Memory is the in-memory store. It satisfies pipeline.Registry and
// audit.Sink with the same guarded-resolution semantics as the SQLite
// backend.
type Memory struct {
	mu    sync.RWMutex
	runs  map[string]*pipeline.Run
	execs map[string]*pipeline.PhaseExecution
	gates map[string]*pipeline.ApprovalGate
	audit map[string][]*audit.Entry

	execOrder map[string][]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:      make(map[string]*pipeline.Run),
		execs:     make(map[string]*pipeline.PhaseExecution),
		gates:     make(map[string]*pipeline.ApprovalGate),
		audit:     make(map[string][]*audit.Entry),
		execOrder: make(map[string][]string),
	}
}

// CreateRun inserts a run.
func (m *Memory) CreateRun(_ context.Context, run *pipeline.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

// GetRun retrieves a run by ID.
func (m *Memory) GetRun(_ context.Context, id string) (*pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, id)
	}
	cp := *run
	return &cp, nil
}

// ListRuns returns runs ordered newest first, up to limit (0 means all).
func (m *Memory) ListRuns(_ context.Context, limit int) ([]*pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := make([]*pipeline.Run, 0, len(m.runs))
	for _, run := range m.runs {
		cp := *run
		runs = append(runs, &cp)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// UpdateRunStatus sets a run's status.
func (m *Memory) UpdateRunStatus(_ context.Context, id string, status pipeline.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, id)
	}
	run.Status = status
	run.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateExpectedPhase moves a run's expected-phase pointer.
func (m *Memory) UpdateExpectedPhase(_ context.Context, id string, phase pipeline.Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, id)
	}
	run.ExpectedPhase = phase
	run.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendExecution inserts a phase execution.
func (m *Memory) AppendExecution(_ context.Context, exec *pipeline.PhaseExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.execs[exec.ID]; ok {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	cp := *exec
	m.execs[exec.ID] = &cp
	m.execOrder[exec.RunID] = append(m.execOrder[exec.RunID], exec.ID)
	return nil
}

// GetExecution retrieves an execution by ID.
func (m *Memory) GetExecution(_ context.Context, id string) (*pipeline.PhaseExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.execs[id]
	if !ok {
		return nil, fmt.Errorf("execution %s not found", id)
	}
	cp := *exec
	return &cp, nil
}

// UpdateExecutionStatus sets an execution's status and error detail.
func (m *Memory) UpdateExecutionStatus(_ context.Context, id string, status pipeline.ExecutionStatus, errDetail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok {
		return fmt.Errorf("execution %s not found", id)
	}
	exec.Status = status
	exec.Error = errDetail
	return nil
}

// ListExecutions returns a run's executions in insertion order.
func (m *Memory) ListExecutions(_ context.Context, runID string) ([]*pipeline.PhaseExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.execOrder[runID]
	execs := make([]*pipeline.PhaseExecution, 0, len(ids))
	for _, id := range ids {
		cp := *m.execs[id]
		execs = append(execs, &cp)
	}
	return execs, nil
}

// CreateGate inserts an approval gate.
func (m *Memory) CreateGate(_ context.Context, gate *pipeline.ApprovalGate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gates[gate.ID]; ok {
		return fmt.Errorf("gate %s already exists", gate.ID)
	}
	cp := *gate
	m.gates[gate.ID] = &cp
	return nil
}

// GetGate retrieves a gate by ID.
func (m *Memory) GetGate(_ context.Context, id string) (*pipeline.ApprovalGate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gate, ok := m.gates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrGateNotFound, id)
	}
	cp := *gate
	return &cp, nil
}

// ResolveGate transitions a pending gate to status, returning false when
// the gate was already resolved.
func (m *Memory) ResolveGate(_ context.Context, id string, status pipeline.GateStatus, decider, feedback string, decidedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gate, ok := m.gates[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", pipeline.ErrGateNotFound, id)
	}
	if gate.Status != pipeline.GatePending {
		return false, nil
	}
	gate.Status = status
	gate.Decider = decider
	gate.Feedback = feedback
	t := decidedAt
	gate.DecidedAt = &t
	return true, nil
}

// PendingGate returns the run's pending gate, or nil when none exists.
func (m *Memory) PendingGate(_ context.Context, runID string) (*pipeline.ApprovalGate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, gate := range m.gates {
		if gate.RunID == runID && gate.Status == pipeline.GatePending {
			cp := *gate
			return &cp, nil
		}
	}
	return nil, nil
}

// ListExpiredGates returns pending gates whose deadline has passed.
func (m *Memory) ListExpiredGates(_ context.Context, now time.Time) ([]*pipeline.ApprovalGate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var gates []*pipeline.ApprovalGate
	for _, gate := range m.gates {
		if gate.Status == pipeline.GatePending && !gate.Deadline.After(now) {
			cp := *gate
			gates = append(gates, &cp)
		}
	}
	sort.Slice(gates, func(i, j int) bool {
		return gates[i].Deadline.Before(gates[j].Deadline)
	})
	return gates, nil
}

// AppendAudit inserts an audit entry.
func (m *Memory) AppendAudit(_ context.Context, entry *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.audit[entry.RunID] = append(m.audit[entry.RunID], &cp)
	return nil
}

// ListAudit returns a run's audit entries in insertion order.
func (m *Memory) ListAudit(_ context.Context, runID string) ([]*audit.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]*audit.Entry, 0, len(m.audit[runID]))
	for _, entry := range m.audit[runID] {
		cp := *entry
		entries = append(entries, &cp)
	}
	return entries, nil
}
