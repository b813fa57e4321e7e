package driver

import (
	"context"
	"database/sql"
	"sync"

	"github.com/3leaps/gocohort/pkg/events"
	"github.com/3leaps/gocohort/pkg/metricstore"
)

// claimTable tracks checkpoint epoch claims this run owns but has not yet
// completed. Claims still present at teardown are released so no
// partially-claimed epoch remains visible in the store.
type claimTable struct {
	mu    sync.Mutex
	owned map[int]bool
}

func newClaimTable() *claimTable {
	return &claimTable{owned: make(map[int]bool)}
}

func (t *claimTable) add(epoch int) {
	t.mu.Lock()
	t.owned[epoch] = true
	t.mu.Unlock()
}

func (t *claimTable) take(epoch int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.owned[epoch] {
		return false
	}
	delete(t.owned, epoch)
	return true
}

func (t *claimTable) drain() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	epochs := make([]int, 0, len(t.owned))
	for e := range t.owned {
		epochs = append(epochs, e)
	}
	t.owned = make(map[int]bool)
	return epochs
}

// claimWriter sits between the checkpoint uploader and the run's event
// writer. Successful uploads complete the epoch's store claim; exhausted
// uploads release it, so claims never outlive the transfer they guard.
type claimWriter struct {
	inner       events.Writer
	db          *sql.DB
	runID       string
	claims      *claimTable
	instruments *Instruments

	mu           sync.Mutex
	latestEpoch  int
	latestRemote string
	cpCount      int64
	errorCount   int64
}

func (w *claimWriter) WriteMetrics(ctx context.Context, m *events.MetricsRecord) error {
	if w.inner == nil {
		return nil
	}
	return w.inner.WriteMetrics(ctx, m)
}

func (w *claimWriter) WriteCheckpoint(ctx context.Context, cp *events.CheckpointRecord) error {
	if w.db != nil && w.claims.take(cp.Epoch) {
		_ = metricstore.CompleteCheckpoint(ctx, w.db, w.runID, cp.Epoch, cp.RemotePath, cp.Objects, cp.Bytes)
	}
	w.instruments.checkpointUploaded(cp.Attempts - cp.Objects)

	w.mu.Lock()
	w.cpCount++
	if cp.RemotePath != "" && cp.Epoch >= w.latestEpoch {
		w.latestEpoch = cp.Epoch
		w.latestRemote = cp.RemotePath
	}
	w.mu.Unlock()

	if w.inner == nil {
		return nil
	}
	return w.inner.WriteCheckpoint(ctx, cp)
}

func (w *claimWriter) WriteState(ctx context.Context, st *events.StateRecord) error {
	if w.inner == nil {
		return nil
	}
	return w.inner.WriteState(ctx, st)
}

func (w *claimWriter) WriteError(ctx context.Context, rec *events.ErrorRecord) error {
	if rec.Code == events.ErrCodeUploadFailure && rec.Epoch != nil && w.db != nil && w.claims.take(*rec.Epoch) {
		_ = metricstore.ReleaseCheckpoint(ctx, w.db, w.runID, *rec.Epoch)
	}
	w.mu.Lock()
	w.errorCount++
	w.mu.Unlock()

	if w.inner == nil {
		return nil
	}
	return w.inner.WriteError(ctx, rec)
}

func (w *claimWriter) WriteProgress(ctx context.Context, prog *events.ProgressRecord) error {
	if w.inner == nil {
		return nil
	}
	return w.inner.WriteProgress(ctx, prog)
}

func (w *claimWriter) WriteSummary(ctx context.Context, sum *events.SummaryRecord) error {
	if w.inner == nil {
		return nil
	}
	return w.inner.WriteSummary(ctx, sum)
}

// Close is a no-op; the run's event writer outlives the uploader and is
// closed by its owner.
func (w *claimWriter) Close() error {
	return nil
}

func (w *claimWriter) latest() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latestRemote
}

func (w *claimWriter) errors() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.errorCount
}

func (w *claimWriter) checkpoints() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cpCount
}

// releaseRemaining releases claims the run still owns, using a context
// detached from the canceled run context.
func (w *claimWriter) releaseRemaining(ctx context.Context) {
	if w.db == nil {
		return
	}
	for _, epoch := range w.claims.drain() {
		_ = metricstore.ReleaseCheckpoint(ctx, w.db, w.runID, epoch)
	}
}

var _ events.Writer = (*claimWriter)(nil)
