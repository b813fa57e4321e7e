package metricstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Value is one named scalar within a metrics record.
type Value struct {
	Name  string
	Value float64
}

// MetricRecord is one worker's reported metrics for an epoch.
//
// Values keep the order training code reported them in; QueryMetrics
// returns them in the same order.
type MetricRecord struct {
	RunID      string
	Epoch      int
	Rank       int
	Values     []Value
	ReportedAt time.Time
}

// InsertMetricRecord persists a metrics record.
//
// All values of the record are written in one transaction so a record is
// never partially visible.
func InsertMetricRecord(ctx context.Context, db *sql.DB, rec MetricRecord) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if rec.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if len(rec.Values) == 0 {
		return nil
	}

	reportedAt := rec.ReportedAt
	if reportedAt.IsZero() {
		reportedAt = time.Now().UTC()
	}
	recordID := uuid.NewString()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics (record_id, run_id, epoch, rank, seq, name, value, reported_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare stmt: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for seq, v := range rec.Values {
		if _, err := stmt.ExecContext(ctx,
			recordID, rec.RunID, rec.Epoch, rec.Rank, seq, v.Name, v.Value, formatDBTime(reportedAt)); err != nil {
			return fmt.Errorf("insert metric %s: %w", v.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metrics tx: %w", err)
	}
	return nil
}

// QueryParams specifies filters for querying persisted metrics.
type QueryParams struct {
	// RunID limits the query to a specific run. Required.
	RunID string

	// Epoch filters to a single epoch. Optional.
	Epoch *int

	// Rank filters to a single world rank. Optional.
	Rank *int

	// Name filters to a single metric name. Optional.
	Name string

	// Limit caps the number of records returned. Zero means no limit.
	Limit int
}

// QueryMetrics returns records matching the filters, ordered by
// (epoch, rank, reported_at) with values in reporting order.
func QueryMetrics(ctx context.Context, db *sql.DB, params QueryParams) ([]MetricRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if params.RunID == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	query := `SELECT record_id, epoch, rank, seq, name, value, reported_at
		FROM metrics WHERE run_id = ?`
	args := []any{params.RunID}

	if params.Epoch != nil {
		query += ` AND epoch = ?`
		args = append(args, *params.Epoch)
	}
	if params.Rank != nil {
		query += ` AND rank = ?`
		args = append(args, *params.Rank)
	}
	if params.Name != "" {
		query += ` AND name = ?`
		args = append(args, params.Name)
	}

	query += ` ORDER BY epoch ASC, rank ASC, reported_at ASC, record_id ASC, seq ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []MetricRecord
	var currentID string

	for rows.Next() {
		var (
			recordID   string
			epoch      int
			rank       int
			seq        int
			name       string
			value      float64
			reportedAt string
		)
		if err := rows.Scan(&recordID, &epoch, &rank, &seq, &name, &value, &reportedAt); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}

		if recordID != currentID {
			if params.Limit > 0 && len(records) >= params.Limit {
				break
			}
			ts, err := parseDBTime(reportedAt)
			if err != nil {
				return nil, err
			}
			records = append(records, MetricRecord{
				RunID:      params.RunID,
				Epoch:      epoch,
				Rank:       rank,
				ReportedAt: ts,
			})
			currentID = recordID
		}

		last := &records[len(records)-1]
		last.Values = append(last.Values, Value{Name: name, Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}

	return records, nil
}

// LatestRecord returns a rank's most recently reported record for a run.
// Returns nil if the rank reported nothing.
func LatestRecord(ctx context.Context, db *sql.DB, runID string, rank int) (*MetricRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var recordID string
	err := db.QueryRowContext(ctx,
		`SELECT record_id FROM metrics
		 WHERE run_id = ? AND rank = ?
		 ORDER BY reported_at DESC, record_id DESC
		 LIMIT 1`,
		runID, rank).Scan(&recordID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find latest record: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT epoch, rank, seq, name, value, reported_at
		 FROM metrics WHERE record_id = ?
		 ORDER BY seq ASC`,
		recordID)
	if err != nil {
		return nil, fmt.Errorf("load latest record: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rec *MetricRecord
	for rows.Next() {
		var (
			epoch      int
			r          int
			seq        int
			name       string
			value      float64
			reportedAt string
		)
		if err := rows.Scan(&epoch, &r, &seq, &name, &value, &reportedAt); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		if rec == nil {
			ts, err := parseDBTime(reportedAt)
			if err != nil {
				return nil, err
			}
			rec = &MetricRecord{RunID: runID, Epoch: epoch, Rank: r, ReportedAt: ts}
		}
		rec.Values = append(rec.Values, Value{Name: name, Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record: %w", err)
	}

	return rec, nil
}

// CountRecords returns the number of metrics records stored for a run.
func CountRecords(ctx context.Context, db *sql.DB, runID string) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var count int64
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT record_id) FROM metrics WHERE run_id = ?`,
		runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}
