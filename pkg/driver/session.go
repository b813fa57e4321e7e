package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/3leaps/gocohort/pkg/checkpoint"
	"github.com/3leaps/gocohort/pkg/cohort"
	"github.com/3leaps/gocohort/pkg/events"
	"github.com/3leaps/gocohort/pkg/gradsync"
	"github.com/3leaps/gocohort/pkg/metricstore"
	"github.com/3leaps/gocohort/pkg/report"
	"github.com/3leaps/gocohort/pkg/shard"
)

// Session is the per-worker handle passed to the training function.
//
// It bundles the worker's identity, the collective, its data shard, the
// metrics reporter, and checkpoint submission. One Session exists per live
// worker; it is not shared across ranks.
type Session struct {
	wc         cohort.WorkerContext
	collective *cohort.Collective
	sharder    *shard.Sharder
	reporter   *report.Session
	uploader   *checkpoint.Uploader
	driver     *Driver
	writer     *claimWriter

	mu   sync.Mutex
	sync *gradsync.Sync
}

// Context returns the worker's read-only identity.
func (s *Session) Context() cohort.WorkerContext {
	return s.wc
}

// Rank returns the worker's world rank.
func (s *Session) Rank() int {
	return s.wc.WorldRank
}

// WorldSize returns the collective size.
func (s *Session) WorldSize() int {
	return s.wc.WorldSize
}

// Device returns the compute device assigned to this worker.
func (s *Session) Device() cohort.Device {
	return s.wc.Device
}

// Collective returns the communication group.
func (s *Session) Collective() *cohort.Collective {
	return s.collective
}

// Epochs returns the configured epoch count.
func (s *Session) Epochs() int {
	return s.driver.cfg.Epochs
}

// BatchSize returns the per-worker batch size hint, zero when unset.
func (s *Session) BatchSize() int {
	return s.driver.cfg.BatchSize
}

// Params returns the opaque hyperparameters from the run configuration.
func (s *Session) Params() map[string]any {
	return s.driver.cfg.Params
}

// SetEpoch advances the shard permutation to the given epoch.
// All ranks calling SetEpoch with the same value see disjoint slices of the
// identical epoch ordering.
func (s *Session) SetEpoch(epoch int) {
	s.sharder.SetEpoch(epoch)
}

// Epoch returns the sharder's current epoch.
func (s *Session) Epoch() int {
	return s.sharder.Epoch()
}

// Indices returns this rank's sample indices for the current epoch.
func (s *Session) Indices() []int {
	return s.sharder.Indices()
}

// Wrap verifies model structure across the collective and returns the
// gradient synchronizer for this worker. The model is placed on the worker's
// device when it supports placement.
func (s *Session) Wrap(ctx context.Context, model gradsync.Model, optimizer gradsync.Optimizer) (*gradsync.Sync, error) {
	sy, err := gradsync.Wrap(ctx, s.collective, s.wc.WorldRank, model, optimizer)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.sync = sy
	s.mu.Unlock()
	return sy, nil
}

// Report submits one epoch's metrics to the driver-side collector.
// Ownership of m transfers on submission.
func (s *Session) Report(ctx context.Context, m *report.Metrics) error {
	return s.reporter.Report(ctx, m)
}

// ShouldCheckpoint reports whether the configured checkpoint interval selects
// this epoch. Always false when no checkpoint store is configured.
func (s *Session) ShouldCheckpoint(epoch int) bool {
	if s.uploader == nil {
		return false
	}
	every := s.driver.cfg.CheckpointEvery
	if every <= 1 {
		return true
	}
	return (epoch+1)%every == 0
}

// SaveCheckpoint stages dir and begins uploading it to the durable store.
//
// The epoch is claimed in the metric store before any object is written, so
// two writers can never race on the same checkpoint path. With all-ranks
// scope, ranks that lose the claim still upload their rank-qualified shard
// under the claim holder's epoch path.
func (s *Session) SaveCheckpoint(ctx context.Context, dir string, epoch int) (*checkpoint.Handle, error) {
	if s.uploader == nil {
		return nil, errors.New("no checkpoint store configured")
	}

	allRanks := s.driver.cfg.CheckpointAllRanks
	if err := s.claimEpoch(ctx, epoch, allRanks); err != nil {
		return nil, err
	}

	h, err := s.uploader.Submit(ctx, checkpoint.Request{
		Dir:      dir,
		Epoch:    epoch,
		Rank:     s.wc.WorldRank,
		AllRanks: allRanks,
	})
	if err != nil {
		if s.driver.cfg.DB != nil && s.writer.claims.take(epoch) {
			_ = metricstore.ReleaseCheckpoint(ctx, s.driver.cfg.DB, s.driver.runID, epoch)
		}
		return nil, err
	}
	return h, nil
}

func (s *Session) claimEpoch(ctx context.Context, epoch int, allRanks bool) error {
	db := s.driver.cfg.DB
	if db == nil {
		return nil
	}
	claimant := fmt.Sprintf("rank-%d", s.wc.WorldRank)
	err := metricstore.ClaimCheckpoint(ctx, db, s.driver.runID, epoch, claimant)
	if err == nil {
		s.writer.claims.add(epoch)
		return nil
	}
	if errors.Is(err, metricstore.ErrEpochClaimed) && allRanks {
		// A peer holds the claim; rank-qualified names keep shards apart.
		return nil
	}
	return err
}

// EpochBarrier is the per-epoch synchronization point: a collective barrier
// followed by a join on all in-flight checkpoint uploads, so upload
// completion is observed by every rank at the same epoch boundary.
func (s *Session) EpochBarrier(ctx context.Context) error {
	if err := s.collective.Barrier(ctx, s.wc.WorldRank); err != nil {
		return err
	}
	if s.uploader != nil {
		if err := s.uploader.Flush(ctx); err != nil {
			return err
		}
	}
	s.emitProgress(ctx)
	return nil
}

func (s *Session) emitProgress(ctx context.Context) {
	d := s.driver
	if !d.cfg.Progress || d.cfg.Writer == nil || s.wc.WorldRank != 0 {
		return
	}
	var steps int64
	s.mu.Lock()
	if s.sync != nil {
		steps = int64(s.sync.Steps())
	}
	s.mu.Unlock()
	_ = d.cfg.Writer.WriteProgress(ctx, &events.ProgressRecord{
		Phase:          events.PhaseTraining,
		Epoch:          s.sharder.Epoch(),
		EpochsTotal:    d.cfg.Epochs,
		StepsCompleted: steps,
		WorkersLive:    s.wc.WorldSize,
	})
}
