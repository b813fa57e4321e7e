package metricstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunState mirrors the driver's run lifecycle states as stored strings.
type RunState string

const (
	// RunStatePending indicates the run has been created but not launched.
	RunStatePending RunState = "PENDING"
	// RunStateLaunching indicates workers are being allocated and joined.
	RunStateLaunching RunState = "LAUNCHING"
	// RunStateRunning indicates epochs are executing.
	RunStateRunning RunState = "RUNNING"
	// RunStateSucceeded indicates all workers completed without error.
	RunStateSucceeded RunState = "SUCCEEDED"
	// RunStateFailed indicates at least one worker failed.
	RunStateFailed RunState = "FAILED"
)

// Terminal reports whether the state is a terminal state.
func (s RunState) Terminal() bool {
	return s == RunStateSucceeded || s == RunStateFailed
}

// Run represents a training run's stored lifecycle record.
type Run struct {
	RunID         string
	Name          string
	WorldSize     int
	State         RunState
	StartedAt     time.Time
	EndedAt       *time.Time
	FailureReason string
}

// Transition represents one recorded state transition.
type Transition struct {
	TransitionID string
	RunID        string
	From         RunState
	To           RunState
	Reason       string
	OccurredAt   time.Time
}

// CreateRun inserts a new run in PENDING state.
func CreateRun(ctx context.Context, db *sql.DB, runID, name string, worldSize int) (*Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UTC()

	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (run_id, name, world_size, state, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		runID, name, worldSize, string(RunStatePending), formatDBTime(now))
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	return &Run{
		RunID:     runID,
		Name:      name,
		WorldSize: worldSize,
		State:     RunStatePending,
		StartedAt: now,
	}, nil
}

// GetRun retrieves a run by ID. Returns nil if no run exists.
func GetRun(ctx context.Context, db *sql.DB, runID string) (*Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var r Run
	var startedAt string
	var endedAt, failureReason sql.NullString

	err := db.QueryRowContext(ctx,
		`SELECT run_id, name, world_size, state, started_at, ended_at, failure_reason
		 FROM runs WHERE run_id = ?`,
		runID).Scan(&r.RunID, &r.Name, &r.WorldSize, &r.State, &startedAt, &endedAt, &failureReason)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	r.StartedAt, err = parseDBTime(startedAt)
	if err != nil {
		return nil, err
	}
	r.EndedAt, err = parseOptionalDBTime(endedAt)
	if err != nil {
		return nil, err
	}
	if failureReason.Valid {
		r.FailureReason = failureReason.String
	}

	return &r, nil
}

// ListRuns lists runs, most recently started first.
// Limit of zero means no limit.
func ListRuns(ctx context.Context, db *sql.DB, limit int) ([]Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	query := `SELECT run_id, name, world_size, state, started_at, ended_at, failure_reason
		FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var r Run
		var startedAt string
		var endedAt, failureReason sql.NullString

		if err := rows.Scan(&r.RunID, &r.Name, &r.WorldSize, &r.State, &startedAt, &endedAt, &failureReason); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}

		r.StartedAt, err = parseDBTime(startedAt)
		if err != nil {
			return nil, err
		}
		r.EndedAt, err = parseOptionalDBTime(endedAt)
		if err != nil {
			return nil, err
		}
		if failureReason.Valid {
			r.FailureReason = failureReason.String
		}

		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, nil
}

// RecordTransition appends a state transition and updates the run row.
//
// Terminal transitions also stamp ended_at; transitions into FAILED record
// the failure reason on the run for quick listing.
func RecordTransition(ctx context.Context, db *sql.DB, runID string, from, to RunState, reason string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UTC()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_transitions (transition_id, run_id, from_state, to_state, reason, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), runID, string(from), string(to), nullIfEmpty(reason), formatDBTime(now))
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}

	if to.Terminal() {
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET state = ?, ended_at = ?, failure_reason = ? WHERE run_id = ?`,
			string(to), formatDBTime(now), nullIfEmpty(reason), runID)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET state = ? WHERE run_id = ?`,
			string(to), runID)
	}
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition tx: %w", err)
	}
	return nil
}

// ListTransitions retrieves a run's transitions in order of occurrence.
func ListTransitions(ctx context.Context, db *sql.DB, runID string) ([]Transition, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := db.QueryContext(ctx,
		`SELECT transition_id, run_id, from_state, to_state, reason, occurred_at
		 FROM run_transitions
		 WHERE run_id = ?
		 ORDER BY occurred_at ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var transitions []Transition
	for rows.Next() {
		var t Transition
		var reason sql.NullString
		var occurredAt string

		if err := rows.Scan(&t.TransitionID, &t.RunID, &t.From, &t.To, &reason, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}

		if reason.Valid {
			t.Reason = reason.String
		}
		t.OccurredAt, err = parseDBTime(occurredAt)
		if err != nil {
			return nil, err
		}

		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}

	return transitions, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
