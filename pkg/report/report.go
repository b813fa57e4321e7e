// Package report moves metrics records from workers to the driver.
//
// Workers report through a Session; records flow over a channel to a
// Collector goroutine on the driver side, which persists them in the metric
// store, emits them as JSONL events, and surfaces rank 0's records to the
// display logger. The channel decouples worker execution from aggregation:
// a worker's Report returns as soon as the record is queued.
package report

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/gocohort/pkg/events"
	"github.com/3leaps/gocohort/pkg/metricstore"
)

// ErrCollectorClosed is returned when reporting after the collector shut down.
var ErrCollectorClosed = errors.New("report: collector closed")

// DefaultBuffer is the channel capacity between workers and the collector.
const DefaultBuffer = 64

// Metrics is one reporting call's payload: an epoch index plus named
// scalars in reporting order. Ownership transfers to the reporter on
// submission; callers must not mutate a Metrics after reporting it.
type Metrics struct {
	Epoch  int
	Values []events.MetricValue
}

// NewMetrics creates an empty metrics payload for an epoch.
func NewMetrics(epoch int) *Metrics {
	return &Metrics{Epoch: epoch}
}

// Add appends a named scalar and returns the payload for chaining.
func (m *Metrics) Add(name string, value float64) *Metrics {
	m.Values = append(m.Values, events.MetricValue{Name: name, Value: value})
	return m
}

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	// RunID correlates persisted and emitted records.
	RunID string

	// RunName is the human-chosen run name.
	RunName string

	// DB is the open metric store. Optional; records are not persisted
	// without it.
	DB *sql.DB

	// Writer receives metrics records as JSONL events. Optional.
	Writer events.Writer

	// Logger surfaces displayed records. Optional.
	Logger *zap.Logger

	// SurfaceAllRanks logs every rank's records instead of rank 0 only.
	// All ranks are persisted and queryable either way.
	SurfaceAllRanks bool

	// Buffer is the worker-to-collector channel capacity.
	// Zero uses DefaultBuffer.
	Buffer int
}

// Collector drains worker metrics records on the driver side.
type Collector struct {
	cfg CollectorConfig
	ch  chan events.MetricsRecord

	mu     sync.Mutex
	latest map[int]events.MetricsRecord
	count  int64
	closed bool

	drained chan struct{}
}

// NewCollector creates a collector and starts its drain goroutine.
func NewCollector(cfg CollectorConfig) *Collector {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	c := &Collector{
		cfg:     cfg,
		ch:      make(chan events.MetricsRecord, buffer),
		latest:  make(map[int]events.MetricsRecord),
		drained: make(chan struct{}),
	}
	go c.drain()
	return c
}

// Session returns the reporting handle for one rank.
func (c *Collector) Session(rank int) *Session {
	return &Session{collector: c, rank: rank}
}

// submit queues one record for aggregation.
func (c *Collector) submit(ctx context.Context, rec events.MetricsRecord) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCollectorClosed
	}
	c.mu.Unlock()

	select {
	case c.ch <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Collector) drain() {
	defer close(c.drained)
	for rec := range c.ch {
		c.record(rec)
	}
}

func (c *Collector) record(rec events.MetricsRecord) {
	c.mu.Lock()
	c.count++
	c.latest[rec.Rank] = rec
	c.mu.Unlock()

	ctx := context.Background()

	if c.cfg.DB != nil {
		values := make([]metricstore.Value, len(rec.Values))
		for i, v := range rec.Values {
			values[i] = metricstore.Value{Name: v.Name, Value: v.Value}
		}
		err := metricstore.InsertMetricRecord(ctx, c.cfg.DB, metricstore.MetricRecord{
			RunID:  c.cfg.RunID,
			Epoch:  rec.Epoch,
			Rank:   rec.Rank,
			Values: values,
		})
		if err != nil && c.cfg.Logger != nil {
			c.cfg.Logger.Warn("persist metrics record failed",
				zap.Int("epoch", rec.Epoch),
				zap.Int("rank", rec.Rank),
				zap.Error(err))
		}
	}

	if c.cfg.Writer != nil {
		recCopy := rec
		_ = c.cfg.Writer.WriteMetrics(ctx, &recCopy)
	}

	if c.cfg.Logger != nil && (c.cfg.SurfaceAllRanks || rec.Rank == 0) {
		fields := make([]zap.Field, 0, len(rec.Values)+2)
		fields = append(fields, zap.Int("epoch", rec.Epoch), zap.Int("rank", rec.Rank))
		for _, v := range rec.Values {
			fields = append(fields, zap.Float64(v.Name, v.Value))
		}
		c.cfg.Logger.Info("metrics", fields...)
	}
}

// Close stops accepting records and waits until queued records are
// aggregated. Safe to call more than once.
func (c *Collector) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.drained
		return
	}
	c.closed = true
	close(c.ch)
	c.mu.Unlock()
	<-c.drained
}

// Count returns the number of records aggregated so far.
func (c *Collector) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Latest returns the most recent record reported by a rank, nil when the
// rank has not reported.
func (c *Collector) Latest(rank int) *events.MetricsRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.latest[rank]
	if !ok {
		return nil
	}
	return &rec
}

// FinalMetrics returns rank 0's last reported values, nil when rank 0
// never reported.
func (c *Collector) FinalMetrics() []events.MetricValue {
	rec := c.Latest(0)
	if rec == nil {
		return nil
	}
	out := make([]events.MetricValue, len(rec.Values))
	copy(out, rec.Values)
	return out
}

// Session is one rank's reporting handle. Safe for use by its owning
// worker goroutine only.
type Session struct {
	collector *Collector
	rank      int
}

// Rank returns the session's world rank.
func (s *Session) Rank() int {
	return s.rank
}

// Report stamps the metrics with the session's rank and queues them for
// aggregation. Ownership of m transfers to the reporter.
func (s *Session) Report(ctx context.Context, m *Metrics) error {
	if m == nil {
		return errors.New("report: metrics are required")
	}
	return s.collector.submit(ctx, events.MetricsRecord{
		Epoch:  m.Epoch,
		Rank:   s.rank,
		Values: m.Values,
	})
}
