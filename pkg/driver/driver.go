// Package driver executes distributed training runs end to end.
//
// A Driver allocates a worker group from a resource pool, forms the
// collective, hands each worker a Session, and supervises the run until all
// workers finish or the first failure cancels the rest. Run state follows
// PENDING -> LAUNCHING -> RUNNING -> {SUCCEEDED, FAILED}; every transition
// is recorded in the metric store and emitted as a JSONL event when those
// sinks are configured.
package driver

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/gocohort/pkg/checkpoint"
	"github.com/3leaps/gocohort/pkg/cohort"
	"github.com/3leaps/gocohort/pkg/events"
	"github.com/3leaps/gocohort/pkg/metricstore"
	"github.com/3leaps/gocohort/pkg/provider"
	"github.com/3leaps/gocohort/pkg/report"
	"github.com/3leaps/gocohort/pkg/shard"
)

// TrainFunc is the per-worker training function. It runs once per rank in
// its own goroutine; the context is canceled when any peer fails.
type TrainFunc func(ctx context.Context, sess *Session) error

// RunConfig is the immutable identity of one run.
type RunConfig struct {
	// RunName is the human-chosen run name; it becomes a path segment
	// under StoragePath.
	RunName string

	// StoragePath is the durable store key prefix checkpoints upload
	// under. Defaults to checkpoint.DefaultPrefix.
	StoragePath string

	// RetentionCount is how many checkpoint groups to retain in durable
	// storage. Zero keeps all.
	RetentionCount int
}

// Config configures a Driver.
type Config struct {
	// Run identifies the run. RunName is required.
	Run RunConfig

	// Spec is the worker group shape. Validated by New.
	Spec cohort.ScalingSpec

	// Pool supplies capacity. Nil uses cohort.NewLocalPool.
	Pool *cohort.Pool

	// JoinTimeout bounds cohort assembly. Zero uses the collective default.
	JoinTimeout time.Duration

	// DatasetSize is the number of samples sharded across workers.
	DatasetSize int

	// Shuffle enables epoch-seeded shard shuffling.
	Shuffle bool

	// Seed is the base shuffle seed shared by all ranks.
	Seed int64

	// Epochs is the epoch count. Zero means one.
	Epochs int

	// BatchSize is a per-worker hint passed through to training code.
	BatchSize int

	// Params are opaque hyperparameters passed through to training code.
	Params map[string]any

	// Store is the durable checkpoint store. Nil disables checkpointing.
	Store provider.Provider

	// CheckpointEvery uploads a checkpoint every N epochs. Zero or one
	// means every epoch.
	CheckpointEvery int

	// CheckpointAllRanks marks checkpoints as per-rank shards of one
	// model; object names are rank-qualified.
	CheckpointAllRanks bool

	// StagingRoot is the local checkpoint staging directory. Empty uses
	// the uploader default under the OS temp dir.
	StagingRoot string

	// Retry bounds checkpoint upload retries. Zero values take defaults.
	Retry checkpoint.RetryConfig

	// DB is the open metric store. Optional; state transitions, metrics,
	// and checkpoint claims are not persisted without it.
	DB *sql.DB

	// Writer receives run events as JSONL. Optional.
	Writer events.Writer

	// Logger receives structured run logs. Optional.
	Logger *zap.Logger

	// Instruments are Prometheus collectors updated during the run. Optional.
	Instruments *Instruments

	// SurfaceAllRanks logs every rank's metrics instead of rank 0 only.
	SurfaceAllRanks bool

	// Progress enables per-epoch progress record emission.
	Progress bool

	// RunID overrides the generated run correlation ID. Tests mostly.
	RunID string
}

// teardownGrace extends the join timeout when waiting for workers to unwind
// after a fail-fast cancellation.
const teardownGrace = 5 * time.Second

// Result summarizes a finished run.
type Result struct {
	// State is the terminal run state.
	State metricstore.RunState

	// Epochs is the number of epochs rank 0 reported metrics for.
	Epochs int

	// FinalMetrics are rank 0's last reported values, when any.
	FinalMetrics []events.MetricValue

	// LatestCheckpoint is the durable prefix of the newest uploaded
	// checkpoint group, empty when none uploaded.
	LatestCheckpoint string

	// MetricsRecords is the count of metrics records collected.
	MetricsRecords int64

	// Duration is the wall time of the run.
	Duration time.Duration
}

// Driver supervises one training run. A Driver executes exactly once.
type Driver struct {
	cfg    Config
	runID  string
	logger *zap.Logger
	ran    atomic.Bool
}

// New validates cfg and returns a Driver.
func New(cfg Config) (*Driver, error) {
	if cfg.Run.RunName == "" {
		return nil, errors.New("driver: run name is required")
	}
	if err := cfg.Spec.Validate(); err != nil {
		return nil, err
	}
	if cfg.DatasetSize < 0 {
		return nil, errors.New("driver: dataset size must be >= 0")
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = 1
	}
	if cfg.Run.StoragePath == "" {
		cfg.Run.StoragePath = checkpoint.DefaultPrefix
	}

	runID := cfg.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Driver{cfg: cfg, runID: runID, logger: logger}, nil
}

// RunID returns the run's correlation ID.
func (d *Driver) RunID() string {
	return d.runID
}

// Fit executes the run. It returns the Result for both terminal states; the
// error is non-nil only when the run failed, and carries the originating
// rank for worker failures.
func (d *Driver) Fit(ctx context.Context, trainFn TrainFunc) (*Result, error) {
	if !d.ran.CompareAndSwap(false, true) {
		return nil, ErrDriverClosed
	}
	if trainFn == nil {
		return nil, errors.New("driver: train function is required")
	}

	start := time.Now()
	state := metricstore.RunStatePending
	world := d.cfg.Spec.WorkerCount

	// Bookkeeping writes must survive run-context cancellation.
	bookCtx := context.WithoutCancel(ctx)

	if d.cfg.DB != nil {
		if _, err := metricstore.CreateRun(bookCtx, d.cfg.DB, d.runID, d.cfg.Run.RunName, world); err != nil {
			return nil, err
		}
	}
	d.cfg.Instruments.runStarted()

	cw := &claimWriter{
		inner:       d.cfg.Writer,
		db:          d.cfg.DB,
		runID:       d.runID,
		claims:      newClaimTable(),
		instruments: d.cfg.Instruments,
	}

	d.transition(bookCtx, &state, metricstore.RunStateLaunching, "")
	d.emitPhase(bookCtx, events.PhaseLaunching, 0, world)

	pool := d.cfg.Pool
	if pool == nil {
		pool = cohort.NewLocalPool()
	}
	alloc, err := pool.Allocate(d.cfg.Spec)
	if err != nil {
		return d.fail(bookCtx, cw, &state, start, nil, err)
	}
	defer alloc.Release()

	coll, err := cohort.NewCollective(alloc.Placements(), cohort.CollectiveOptions{JoinTimeout: d.cfg.JoinTimeout})
	if err != nil {
		return d.fail(bookCtx, cw, &state, start, nil, err)
	}
	defer coll.Close()

	collector := report.NewCollector(report.CollectorConfig{
		RunID:           d.runID,
		RunName:         d.cfg.Run.RunName,
		DB:              d.cfg.DB,
		Writer:          d.cfg.Writer,
		Logger:          d.cfg.Logger,
		SurfaceAllRanks: d.cfg.SurfaceAllRanks,
	})
	defer collector.Close()

	var uploader *checkpoint.Uploader
	if d.cfg.Store != nil {
		uploader, err = checkpoint.New(checkpoint.Config{
			Store:       d.cfg.Store,
			RunName:     d.cfg.Run.RunName,
			Prefix:      d.cfg.Run.StoragePath,
			StagingRoot: d.cfg.StagingRoot,
			Keep:        d.cfg.Run.RetentionCount,
			Retry:       d.cfg.Retry,
			Writer:      cw,
		})
		if err != nil {
			return d.fail(bookCtx, cw, &state, start, nil, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		joinWG   sync.WaitGroup
		firstErr atomic.Pointer[WorkerError]
	)
	joinWG.Add(world)
	joined := make(chan struct{})
	go func() {
		joinWG.Wait()
		close(joined)
	}()

	recordFailure := func(rank int, err error) {
		werr := &WorkerError{Rank: rank, Err: err}
		if firstErr.CompareAndSwap(nil, werr) {
			cancel()
		}
	}

	d.cfg.Instruments.workers(float64(world))
	for rank := 0; rank < world; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			defer d.cfg.Instruments.workers(-1)

			wc, err := coll.Join(runCtx, rank)
			joinWG.Done()
			if err != nil {
				recordFailure(rank, err)
				return
			}

			sharder, err := shard.NewSharder(shard.Config{
				DatasetSize: d.cfg.DatasetSize,
				WorldSize:   world,
				Rank:        rank,
				Shuffle:     d.cfg.Shuffle,
				Seed:        d.cfg.Seed,
			})
			if err != nil {
				recordFailure(rank, err)
				return
			}

			sess := &Session{
				wc:         wc,
				collective: coll,
				sharder:    sharder,
				reporter:   collector.Session(rank),
				uploader:   uploader,
				driver:     d,
				writer:     cw,
			}
			if err := trainFn(runCtx, sess); err != nil {
				recordFailure(rank, err)
			}
		}(rank)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	running := false
	for !running {
		select {
		case <-joined:
			if firstErr.Load() == nil {
				d.transition(bookCtx, &state, metricstore.RunStateRunning, "")
			}
			running = true
		case <-done:
			// All workers returned before assembly completed; a join
			// failure is pending in firstErr.
			running = true
		}
	}

	select {
	case <-done:
	case <-runCtx.Done():
		// Fail-fast canceled the run. Workers get join_timeout plus a
		// short grace to unwind; stragglers ignoring cancellation are
		// abandoned so teardown stays bounded.
		grace := d.cfg.JoinTimeout
		if grace <= 0 {
			grace = cohort.DefaultJoinTimeout
		}
		grace += teardownGrace
		timer := time.NewTimer(grace)
		select {
		case <-done:
			timer.Stop()
		case <-timer.C:
			d.logger.Warn("abandoning workers still running after cancellation",
				zap.String("run_id", d.runID),
				zap.Duration("teardown_bound", grace))
		}
	}

	if werr := firstErr.Load(); werr != nil {
		return d.fail(bookCtx, cw, &state, start, collector, werr)
	}
	if err := ctx.Err(); err != nil {
		return d.fail(bookCtx, cw, &state, start, collector, err)
	}

	// Join outstanding uploads so a late upload failure fails the run.
	if uploader != nil {
		if err := uploader.Flush(bookCtx); err != nil {
			return d.fail(bookCtx, cw, &state, start, collector, err)
		}
	}

	collector.Close()
	d.transition(bookCtx, &state, metricstore.RunStateSucceeded, "")
	d.cfg.Instruments.runSucceeded()
	d.emitPhase(bookCtx, events.PhaseComplete, d.cfg.Epochs, 0)

	res := d.result(metricstore.RunStateSucceeded, collector, cw, start)
	d.emitSummary(bookCtx, cw, res)
	d.logger.Info("run succeeded",
		zap.String("run_id", d.runID),
		zap.String("run", d.cfg.Run.RunName),
		zap.Int("epochs", res.Epochs),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// fail drives the run to FAILED: releases claims, records the transition,
// emits the error record and summary, and returns the failure.
func (d *Driver) fail(ctx context.Context, cw *claimWriter, state *metricstore.RunState, start time.Time, collector *report.Collector, err error) (*Result, error) {
	cw.releaseRemaining(ctx)
	if collector != nil {
		collector.Close()
	}

	code := errorCode(err)
	rec := &events.ErrorRecord{Code: code, Message: err.Error()}
	var werr *WorkerError
	if errors.As(err, &werr) {
		rank := werr.Rank
		rec.Rank = &rank
	}
	_ = cw.WriteError(ctx, rec)

	d.transition(ctx, state, metricstore.RunStateFailed, err.Error())
	d.cfg.Instruments.runFailed()

	res := d.result(metricstore.RunStateFailed, collector, cw, start)
	d.emitSummary(ctx, cw, res)
	d.logger.Error("run failed",
		zap.String("run_id", d.runID),
		zap.String("run", d.cfg.Run.RunName),
		zap.String("code", code),
		zap.Error(err))
	return res, err
}

func (d *Driver) result(state metricstore.RunState, collector *report.Collector, cw *claimWriter, start time.Time) *Result {
	res := &Result{
		State:            state,
		LatestCheckpoint: cw.latest(),
		Duration:         time.Since(start),
	}
	if collector != nil {
		res.MetricsRecords = collector.Count()
		res.FinalMetrics = collector.FinalMetrics()
		if latest := collector.Latest(0); latest != nil {
			res.Epochs = latest.Epoch + 1
		}
	}
	return res
}

func (d *Driver) transition(ctx context.Context, state *metricstore.RunState, to metricstore.RunState, reason string) {
	from := *state
	if d.cfg.DB != nil {
		if err := metricstore.RecordTransition(ctx, d.cfg.DB, d.runID, from, to, reason); err != nil {
			d.logger.Warn("record transition",
				zap.String("run_id", d.runID),
				zap.String("to", string(to)),
				zap.Error(err))
		}
	}
	if d.cfg.Writer != nil {
		_ = d.cfg.Writer.WriteState(ctx, &events.StateRecord{From: string(from), To: string(to), Reason: reason})
	}
	d.logger.Info("run state",
		zap.String("run_id", d.runID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	*state = to
}

func (d *Driver) emitPhase(ctx context.Context, phase string, epoch, workersLive int) {
	if !d.cfg.Progress || d.cfg.Writer == nil {
		return
	}
	_ = d.cfg.Writer.WriteProgress(ctx, &events.ProgressRecord{
		Phase:       phase,
		Epoch:       epoch,
		EpochsTotal: d.cfg.Epochs,
		WorkersLive: workersLive,
	})
}

func (d *Driver) emitSummary(ctx context.Context, cw *claimWriter, res *Result) {
	if d.cfg.Writer == nil {
		return
	}
	_ = d.cfg.Writer.WriteSummary(ctx, &events.SummaryRecord{
		State:               string(res.State),
		Epochs:              res.Epochs,
		MetricsRecords:      res.MetricsRecords,
		CheckpointsUploaded: cw.checkpoints(),
		Errors:              cw.errors(),
		Duration:            res.Duration,
		DurationHuman:       res.Duration.Round(time.Millisecond).String(),
		FinalMetrics:        res.FinalMetrics,
	})
}
