package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/metalagman/stepflow/internal/engine"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusPassed  = "passed"
	StatusFailed  = "failed"
)

// Ledger persists run history. It implements engine.Recorder.
type Ledger struct {
	db *sql.DB
}

// New creates a ledger over an opened database.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// DB returns the underlying database handle.
func (l *Ledger) DB() *sql.DB {
	return l.db
}

// Run is a row of the runs table.
type Run struct {
	RunID         string
	CreatedAt     string
	Graph         string
	Status        string
	StepsExecuted int
	FinishedAt    string
	Error         string
	RunDir        string
}

// CreateRun inserts the run record and a run_started event.
func (l *Ledger) CreateRun(ctx context.Context, runID, graphPath, runDir string) error {
	createdAt := time.Now().UTC().Format(time.RFC3339)
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin create run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(run_id, created_at, graph, status, steps_executed, run_dir)
		VALUES(?, ?, ?, ?, 0, ?)`,
		runID, createdAt, graphPath, StatusRunning, runDir); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert run: %w", err)
	}
	if err := insertEvent(ctx, tx, runID, "run_started", "", "run started", ""); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create run: %w", err)
	}
	return nil
}

// FinishRun marks the run finished. A non-nil runErr marks it failed.
func (l *Ledger) FinishRun(ctx context.Context, runID string, runErr error) error {
	status, message, errText := StatusPassed, "run finished", ""
	if runErr != nil {
		status, message, errText = StatusFailed, "run failed", runErr.Error()
	}
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin finish run: %w", err)
	}
	if err := insertEvent(ctx, tx, runID, "run_"+status, "", message, ""); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, finished_at=?, error=? WHERE run_id=?`,
		status, time.Now().UTC().Format(time.RFC3339), nullableString(errText), runID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finish run: %w", err)
	}
	return nil
}

// RecordStep inserts the step record and bumps the run's step counter in one transaction.
func (l *Ledger) RecordStep(ctx context.Context, rec engine.StepRecord) error {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin record step: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO steps(run_id, step_index, step_id, scope, status, iterations, tool_calls, started_at, ended_at, summary)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Index, rec.StepID, rec.Scope, rec.Status, rec.Iterations, rec.ToolCalls,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.EndedAt.UTC().Format(time.RFC3339Nano), nullableString(rec.Summary)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert step: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET steps_executed=steps_executed+1 WHERE run_id=?`, rec.RunID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit step: %w", err)
	}
	return nil
}

// RecordEvent appends an event to the run's event log.
func (l *Ledger) RecordEvent(ctx context.Context, ev engine.Event) error {
	data := ""
	if ev.Data != nil {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		data = string(b)
	}
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin record event: %w", err)
	}
	if err := insertEvent(ctx, tx, ev.RunID, ev.Type, ev.Scope, ev.Message, data); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (l *Ledger) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `SELECT run_id, created_at, graph, status, steps_executed,
		COALESCE(finished_at, ''), COALESCE(error, ''), run_dir
		FROM runs ORDER BY created_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.CreatedAt, &r.Graph, &r.Status, &r.StepsExecuted, &r.FinishedAt, &r.Error, &r.RunDir); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// EventRow is a stored event.
type EventRow struct {
	Seq      int
	TS       string
	Type     string
	Scope    string
	Message  string
	DataJSON string
}

// Events returns a run's events in order.
func (l *Ledger) Events(ctx context.Context, runID string) ([]EventRow, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT seq, ts, type, COALESCE(scope, ''), message, COALESCE(data_json, '')
		FROM events WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.Seq, &e.TS, &e.Type, &e.Scope, &e.Message, &e.DataJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, runID, typ, scope, message, dataJSON string) error {
	seq, err := nextSeq(ctx, tx, runID)
	if err != nil {
		return err
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `INSERT INTO events(run_id, seq, ts, type, scope, message, data_json) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		runID, seq, ts, typ, nullableString(scope), message, nullableString(dataJSON)); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func nextSeq(ctx context.Context, tx *sql.Tx, runID string) (int, error) {
	var seq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE run_id=?`, runID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("read event seq: %w", err)
	}
	return seq + 1, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
