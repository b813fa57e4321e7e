package metricstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Claim states.
const (
	// ClaimStatePending indicates an upload is in progress.
	ClaimStatePending = "pending"
	// ClaimStateComplete indicates the store acknowledged every object.
	ClaimStateComplete = "complete"
	// ClaimStatePruned indicates the checkpoint was removed by retention.
	ClaimStatePruned = "pruned"
)

// ErrEpochClaimed indicates another writer already claimed the epoch's
// checkpoint path.
var ErrEpochClaimed = errors.New("checkpoint epoch already claimed")

// CheckpointClaim records ownership of one checkpoint_<epoch>/ path.
//
// Claims give each remote checkpoint path exactly one writer: an upload
// first claims (run, epoch), and a second claimant is refused until the
// first releases.
type CheckpointClaim struct {
	RunID       string
	Epoch       int
	Claimant    string
	State       string
	ClaimedAt   time.Time
	CompletedAt *time.Time
	RemotePath  string
	Objects     int
	Bytes       int64
}

// ClaimCheckpoint claims the checkpoint path for (run, epoch).
//
// Returns ErrEpochClaimed if the epoch is already claimed.
func ClaimCheckpoint(ctx context.Context, db *sql.DB, runID string, epoch int, claimant string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := db.ExecContext(ctx,
		`INSERT INTO checkpoint_claims (run_id, epoch, claimant, state, claimed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, epoch) DO NOTHING`,
		runID, epoch, claimant, ClaimStatePending, formatDBTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("claim checkpoint: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim checkpoint: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %s epoch %d: %w", runID, epoch, ErrEpochClaimed)
	}
	return nil
}

// CompleteCheckpoint marks a claimed epoch as durably uploaded.
func CompleteCheckpoint(ctx context.Context, db *sql.DB, runID string, epoch int, remotePath string, objects int, bytes int64) error {
	if ctx == nil {
		ctx = context.Background()
	}

	_, err := db.ExecContext(ctx,
		`UPDATE checkpoint_claims
		 SET state = ?, completed_at = ?, remote_path = ?, objects = ?, bytes = ?
		 WHERE run_id = ? AND epoch = ?`,
		ClaimStateComplete, formatDBTime(time.Now().UTC()), remotePath, objects, bytes, runID, epoch)
	if err != nil {
		return fmt.Errorf("complete checkpoint claim: %w", err)
	}
	return nil
}

// ReleaseCheckpoint drops a claim so the epoch can be claimed again.
//
// Used when an upload fails: the staging copy is retained and a retry
// reclaims the epoch.
func ReleaseCheckpoint(ctx context.Context, db *sql.DB, runID string, epoch int) error {
	if ctx == nil {
		ctx = context.Background()
	}

	_, err := db.ExecContext(ctx,
		`DELETE FROM checkpoint_claims WHERE run_id = ? AND epoch = ?`,
		runID, epoch)
	if err != nil {
		return fmt.Errorf("release checkpoint claim: %w", err)
	}
	return nil
}

// MarkCheckpointPruned records that retention removed the epoch's
// checkpoint from durable storage.
func MarkCheckpointPruned(ctx context.Context, db *sql.DB, runID string, epoch int) error {
	if ctx == nil {
		ctx = context.Background()
	}

	_, err := db.ExecContext(ctx,
		`UPDATE checkpoint_claims SET state = ? WHERE run_id = ? AND epoch = ?`,
		ClaimStatePruned, runID, epoch)
	if err != nil {
		return fmt.Errorf("mark checkpoint pruned: %w", err)
	}
	return nil
}

// ListCheckpoints retrieves a run's checkpoint claims, newest epoch first.
func ListCheckpoints(ctx context.Context, db *sql.DB, runID string) ([]CheckpointClaim, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := db.QueryContext(ctx,
		`SELECT run_id, epoch, claimant, state, claimed_at, completed_at, remote_path, objects, bytes
		 FROM checkpoint_claims
		 WHERE run_id = ?
		 ORDER BY epoch DESC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoint claims: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var claims []CheckpointClaim
	for rows.Next() {
		var c CheckpointClaim
		var claimedAt string
		var completedAt, remotePath sql.NullString

		if err := rows.Scan(&c.RunID, &c.Epoch, &c.Claimant, &c.State, &claimedAt, &completedAt, &remotePath, &c.Objects, &c.Bytes); err != nil {
			return nil, fmt.Errorf("scan checkpoint claim: %w", err)
		}

		c.ClaimedAt, err = parseDBTime(claimedAt)
		if err != nil {
			return nil, err
		}
		c.CompletedAt, err = parseOptionalDBTime(completedAt)
		if err != nil {
			return nil, err
		}
		if remotePath.Valid {
			c.RemotePath = remotePath.String
		}

		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoint claims: %w", err)
	}

	return claims, nil
}
