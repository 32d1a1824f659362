// Package store provides persistence for runs, phase executions, approval
// gates and audit entries. The SQLite backend is the default; the in-memory
// backend serves tests and ephemeral deployments.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/regressd/internal/audit"
	"github.com/fyrsmithlabs/regressd/internal/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	story          TEXT NOT NULL,
	status         TEXT NOT NULL,
	expected_phase TEXT NOT NULL,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	phase       TEXT NOT NULL,
	attempt     INTEGER NOT NULL,
	input       TEXT,
	output      TEXT,
	status      TEXT NOT NULL,
	error       TEXT,
	executed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_run ON executions(run_id, executed_at);

CREATE TABLE IF NOT EXISTS gates (
	id           TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES executions(id),
	run_id       TEXT NOT NULL REFERENCES runs(id),
	phase        TEXT NOT NULL,
	status       TEXT NOT NULL,
	feedback     TEXT,
	decider      TEXT,
	created_at   TIMESTAMP NOT NULL,
	deadline     TIMESTAMP NOT NULL,
	decided_at   TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_gates_run_status ON gates(run_id, status);
CREATE INDEX IF NOT EXISTS idx_gates_deadline ON gates(status, deadline);

CREATE TABLE IF NOT EXISTS audit_entries (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	type       TEXT NOT NULL,
	phase      TEXT,
	detail     TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_entries(run_id, created_at);
`

// SQLite is the SQLite-backed store. It satisfies pipeline.Registry and
// audit.Sink. Audit entries are insert-only: no update or delete statement
// exists for them.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path. Use ":memory:" for
// an ephemeral database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateRun inserts a run.
func (s *SQLite) CreateRun(ctx context.Context, run *pipeline.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, story, status, expected_phase, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.Story, string(run.Status), string(run.ExpectedPhase), run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLite) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, story, status, expected_phase, created_at, updated_at
		FROM runs WHERE id = ?
	`, id)

	var run pipeline.Run
	var status, phase string
	err := row.Scan(&run.ID, &run.Story, &status, &phase, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	run.Status = pipeline.RunStatus(status)
	run.ExpectedPhase = pipeline.Phase(phase)
	return &run, nil
}

// ListRuns returns runs ordered newest first, up to limit (0 means all).
func (s *SQLite) ListRuns(ctx context.Context, limit int) ([]*pipeline.Run, error) {
	query := `
		SELECT id, story, status, expected_phase, created_at, updated_at
		FROM runs ORDER BY created_at DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*pipeline.Run
	for rows.Next() {
		var run pipeline.Run
		var status, phase string
		if err := rows.Scan(&run.ID, &run.Story, &status, &phase, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		run.Status = pipeline.RunStatus(status)
		run.ExpectedPhase = pipeline.Phase(phase)
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// UpdateRunStatus sets a run's status.
func (s *SQLite) UpdateRunStatus(ctx context.Context, id string, status pipeline.RunStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating run status: %w", err)
	}
	return requireRow(res, pipeline.ErrRunNotFound, id)
}

// UpdateExpectedPhase moves a run's expected-phase pointer.
func (s *SQLite) UpdateExpectedPhase(ctx context.Context, id string, phase pipeline.Phase) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET expected_phase = ?, updated_at = ? WHERE id = ?
	`, string(phase), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating expected phase: %w", err)
	}
	return requireRow(res, pipeline.ErrRunNotFound, id)
}

// AppendExecution inserts a phase execution.
func (s *SQLite) AppendExecution(ctx context.Context, exec *pipeline.PhaseExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, run_id, phase, attempt, input, output, status, error, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.RunID, string(exec.Phase), exec.Attempt,
		nullableText(exec.Input), nullableText(exec.Output),
		string(exec.Status), exec.Error, exec.ExecutedAt)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLite) GetExecution(ctx context.Context, id string) (*pipeline.PhaseExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, phase, attempt, input, output, status, error, executed_at
		FROM executions WHERE id = ?
	`, id)

	exec, err := scanExecution(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s not found", id)
	}
	return exec, err
}

// UpdateExecutionStatus sets an execution's status and error detail.
func (s *SQLite) UpdateExecutionStatus(ctx context.Context, id string, status pipeline.ExecutionStatus, errDetail string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ?, error = ? WHERE id = ?
	`, string(status), errDetail, id)
	if err != nil {
		return fmt.Errorf("updating execution status: %w", err)
	}
	return requireRow(res, errors.New("execution not found"), id)
}

// ListExecutions returns a run's executions in execution order.
func (s *SQLite) ListExecutions(ctx context.Context, runID string) ([]*pipeline.PhaseExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, phase, attempt, input, output, status, error, executed_at
		FROM executions WHERE run_id = ? ORDER BY executed_at, attempt
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var execs []*pipeline.PhaseExecution
	for rows.Next() {
		exec, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// CreateGate inserts an approval gate.
func (s *SQLite) CreateGate(ctx context.Context, gate *pipeline.ApprovalGate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gates (id, execution_id, run_id, phase, status, feedback, decider, created_at, deadline, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, gate.ID, gate.ExecutionID, gate.RunID, string(gate.Phase), string(gate.Status),
		gate.Feedback, gate.Decider, gate.CreatedAt, gate.Deadline, nullableTime(gate.DecidedAt))
	if err != nil {
		return fmt.Errorf("inserting gate: %w", err)
	}
	return nil
}

// GetGate retrieves a gate by ID.
func (s *SQLite) GetGate(ctx context.Context, id string) (*pipeline.ApprovalGate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, run_id, phase, status, feedback, decider, created_at, deadline, decided_at
		FROM gates WHERE id = ?
	`, id)

	gate, err := scanGate(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrGateNotFound, id)
	}
	return gate, err
}

// ResolveGate transitions a pending gate to status. The guarded UPDATE makes
// resolution first-writer-wins: the second resolver sees zero rows affected
// and gets false.
func (s *SQLite) ResolveGate(ctx context.Context, id string, status pipeline.GateStatus, decider, feedback string, decidedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gates SET status = ?, decider = ?, feedback = ?, decided_at = ?
		WHERE id = ? AND status = 'pending'
	`, string(status), decider, feedback, decidedAt, id)
	if err != nil {
		return false, fmt.Errorf("resolving gate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish an already-resolved gate from a missing one.
		if _, err := s.GetGate(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// PendingGate returns the run's pending gate, or nil when none exists.
func (s *SQLite) PendingGate(ctx context.Context, runID string) (*pipeline.ApprovalGate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, run_id, phase, status, feedback, decider, created_at, deadline, decided_at
		FROM gates WHERE run_id = ? AND status = 'pending'
	`, runID)

	gate, err := scanGate(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return gate, err
}

// ListExpiredGates returns pending gates whose deadline has passed.
func (s *SQLite) ListExpiredGates(ctx context.Context, now time.Time) ([]*pipeline.ApprovalGate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, run_id, phase, status, feedback, decider, created_at, deadline, decided_at
		FROM gates WHERE status = 'pending' AND deadline <= ?
		ORDER BY deadline
	`, now)
	if err != nil {
		return nil, fmt.Errorf("listing expired gates: %w", err)
	}
	defer rows.Close()

	var gates []*pipeline.ApprovalGate
	for rows.Next() {
		gate, err := scanGate(rows.Scan)
		if err != nil {
			return nil, err
		}
		gates = append(gates, gate)
	}
	return gates, rows.Err()
}

// AppendAudit inserts an audit entry.
func (s *SQLite) AppendAudit(ctx context.Context, entry *audit.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, run_id, type, phase, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.RunID, string(entry.Type), entry.Phase,
		nullableText(entry.Detail), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListAudit returns a run's audit entries ordered by creation time.
func (s *SQLite) ListAudit(ctx context.Context, runID string) ([]*audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, type, phase, detail, created_at
		FROM audit_entries WHERE run_id = ? ORDER BY created_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*audit.Entry
	for rows.Next() {
		var entry audit.Entry
		var typ string
		var phase, detail sql.NullString
		if err := rows.Scan(&entry.ID, &entry.RunID, &typ, &phase, &detail, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		entry.Type = audit.EntryType(typ)
		entry.Phase = phase.String
		if detail.Valid && detail.String != "" {
			entry.Detail = []byte(detail.String)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

func scanExecution(scan func(...any) error) (*pipeline.PhaseExecution, error) {
	var exec pipeline.PhaseExecution
	var phase, status string
	var input, output, errDetail sql.NullString
	err := scan(&exec.ID, &exec.RunID, &phase, &exec.Attempt, &input, &output, &status, &errDetail, &exec.ExecutedAt)
	if err != nil {
		return nil, err
	}
	exec.Phase = pipeline.Phase(phase)
	exec.Status = pipeline.ExecutionStatus(status)
	exec.Error = errDetail.String
	if input.Valid && input.String != "" {
		exec.Input = []byte(input.String)
	}
	if output.Valid && output.String != "" {
		exec.Output = []byte(output.String)
	}
	return &exec, nil
}

func scanGate(scan func(...any) error) (*pipeline.ApprovalGate, error) {
	var gate pipeline.ApprovalGate
	var phase, status string
	var feedback, decider sql.NullString
	var decidedAt sql.NullTime
	err := scan(&gate.ID, &gate.ExecutionID, &gate.RunID, &phase, &status, &feedback, &decider, &gate.CreatedAt, &gate.Deadline, &decidedAt)
	if err != nil {
		return nil, err
	}
	gate.Phase = pipeline.Phase(phase)
	gate.Status = pipeline.GateStatus(status)
	gate.Feedback = feedback.String
	gate.Decider = decider.String
	if decidedAt.Valid {
		t := decidedAt.Time
		gate.DecidedAt = &t
	}
	return &gate, nil
}

func requireRow(res sql.Result, notFound error, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return nil
}

func nullableText(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
