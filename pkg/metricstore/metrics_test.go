package metricstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int { return &i }

func TestInsertMetricRecord(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, Migrate(ctx, db))

	_, err = CreateRun(ctx, db, "run-001", "resnet50-imagenet", 4)
	require.NoError(t, err)

	t.Run("preserves value order", func(t *testing.T) {
		// Deliberately not alphabetical, so ordering by name would show.
		rec := MetricRecord{
			RunID: "run-001",
			Epoch: 1,
			Rank:  0,
			Values: []Value{
				{Name: "val_loss", Value: 0.42},
				{Name: "accuracy", Value: 0.91},
				{Name: "loss", Value: 0.38},
			},
		}
		require.NoError(t, InsertMetricRecord(ctx, db, rec))

		records, err := QueryMetrics(ctx, db, QueryParams{RunID: "run-001"})
		require.NoError(t, err)
		require.Len(t, records, 1)

		got := records[0]
		assert.Equal(t, 1, got.Epoch)
		assert.Equal(t, 0, got.Rank)
		assert.False(t, got.ReportedAt.IsZero())
		require.Len(t, got.Values, 3)
		assert.Equal(t, "val_loss", got.Values[0].Name)
		assert.Equal(t, "accuracy", got.Values[1].Name)
		assert.Equal(t, "loss", got.Values[2].Name)
		assert.InDelta(t, 0.42, got.Values[0].Value, 1e-9)
		assert.InDelta(t, 0.91, got.Values[1].Value, 1e-9)
		assert.InDelta(t, 0.38, got.Values[2].Value, 1e-9)
	})

	t.Run("missing run id fails", func(t *testing.T) {
		err := InsertMetricRecord(ctx, db, MetricRecord{
			Epoch:  1,
			Values: []Value{{Name: "loss", Value: 1.0}},
		})
		assert.Error(t, err)
	})

	t.Run("empty values is a no-op", func(t *testing.T) {
		require.NoError(t, InsertMetricRecord(ctx, db, MetricRecord{RunID: "run-001", Epoch: 2}))

		count, err := CountRecords(ctx, db, "run-001")
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})
}

func TestQueryMetrics(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, Migrate(ctx, db))

	_, err = CreateRun(ctx, db, "run-001", "resnet50-imagenet", 2)
	require.NoError(t, err)

	// Two epochs, two ranks, one record each.
	base := time.Now().UTC().Add(-time.Minute)
	for epoch := 1; epoch <= 2; epoch++ {
		for rank := 0; rank < 2; rank++ {
			rec := MetricRecord{
				RunID: "run-001",
				Epoch: epoch,
				Rank:  rank,
				Values: []Value{
					{Name: "loss", Value: float64(epoch) + float64(rank)/10},
					{Name: "accuracy", Value: 0.5 + float64(epoch)/10},
				},
				ReportedAt: base.Add(time.Duration(epoch*2+rank) * time.Second),
			}
			require.NoError(t, InsertMetricRecord(ctx, db, rec))
		}
	}

	t.Run("all records ordered by epoch then rank", func(t *testing.T) {
		records, err := QueryMetrics(ctx, db, QueryParams{RunID: "run-001"})
		require.NoError(t, err)
		require.Len(t, records, 4)

		assert.Equal(t, 1, records[0].Epoch)
		assert.Equal(t, 0, records[0].Rank)
		assert.Equal(t, 1, records[1].Epoch)
		assert.Equal(t, 1, records[1].Rank)
		assert.Equal(t, 2, records[2].Epoch)
		assert.Equal(t, 0, records[2].Rank)
		assert.Equal(t, 2, records[3].Epoch)
		assert.Equal(t, 1, records[3].Rank)
	})

	t.Run("filter by epoch", func(t *testing.T) {
		records, err := QueryMetrics(ctx, db, QueryParams{RunID: "run-001", Epoch: intPtr(2)})
		require.NoError(t, err)
		require.Len(t, records, 2)
		for _, rec := range records {
			assert.Equal(t, 2, rec.Epoch)
		}
	})

	t.Run("filter by rank", func(t *testing.T) {
		records, err := QueryMetrics(ctx, db, QueryParams{RunID: "run-001", Rank: intPtr(1)})
		require.NoError(t, err)
		require.Len(t, records, 2)
		for _, rec := range records {
			assert.Equal(t, 1, rec.Rank)
		}
	})

	t.Run("filter by name returns only matching values", func(t *testing.T) {
		records, err := QueryMetrics(ctx, db, QueryParams{RunID: "run-001", Name: "loss"})
		require.NoError(t, err)
		require.Len(t, records, 4)
		for _, rec := range records {
			require.Len(t, rec.Values, 1)
			assert.Equal(t, "loss", rec.Values[0].Name)
		}
	})

	t.Run("limit caps records not rows", func(t *testing.T) {
		records, err := QueryMetrics(ctx, db, QueryParams{RunID: "run-001", Limit: 3})
		require.NoError(t, err)
		require.Len(t, records, 3)
		// Each record still carries all of its values.
		for _, rec := range records {
			assert.Len(t, rec.Values, 2)
		}
	})

	t.Run("combined filters", func(t *testing.T) {
		records, err := QueryMetrics(ctx, db, QueryParams{
			RunID: "run-001",
			Epoch: intPtr(1),
			Rank:  intPtr(0),
		})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.InDelta(t, 1.0, records[0].Values[0].Value, 1e-9)
	})

	t.Run("missing run id fails", func(t *testing.T) {
		_, err := QueryMetrics(ctx, db, QueryParams{})
		assert.Error(t, err)
	})

	t.Run("unknown run returns empty", func(t *testing.T) {
		records, err := QueryMetrics(ctx, db, QueryParams{RunID: "no-such-run"})
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestLatestRecord(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, Migrate(ctx, db))

	_, err = CreateRun(ctx, db, "run-001", "resnet50-imagenet", 2)
	require.NoError(t, err)

	t.Run("nothing reported yet", func(t *testing.T) {
		rec, err := LatestRecord(ctx, db, "run-001", 0)
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	base := time.Now().UTC().Add(-time.Minute)
	for epoch := 1; epoch <= 3; epoch++ {
		require.NoError(t, InsertMetricRecord(ctx, db, MetricRecord{
			RunID:      "run-001",
			Epoch:      epoch,
			Rank:       0,
			Values:     []Value{{Name: "loss", Value: 1.0 / float64(epoch)}},
			ReportedAt: base.Add(time.Duration(epoch) * time.Second),
		}))
	}
	require.NoError(t, InsertMetricRecord(ctx, db, MetricRecord{
		RunID:      "run-001",
		Epoch:      1,
		Rank:       1,
		Values:     []Value{{Name: "loss", Value: 9.9}},
		ReportedAt: base.Add(10 * time.Second),
	}))

	t.Run("returns most recent for rank", func(t *testing.T) {
		rec, err := LatestRecord(ctx, db, "run-001", 0)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, 3, rec.Epoch)
		require.Len(t, rec.Values, 1)
		assert.InDelta(t, 1.0/3.0, rec.Values[0].Value, 1e-9)
	})

	t.Run("ranks are independent", func(t *testing.T) {
		rec, err := LatestRecord(ctx, db, "run-001", 1)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, 1, rec.Epoch)
		assert.InDelta(t, 9.9, rec.Values[0].Value, 1e-9)
	})
}

func TestMetricsSurviveRunFailure(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, Migrate(ctx, db))

	_, err = CreateRun(ctx, db, "run-001", "resnet50-imagenet", 2)
	require.NoError(t, err)

	// Two epochs of telemetry, then the run fails.
	for epoch := 1; epoch <= 2; epoch++ {
		require.NoError(t, InsertMetricRecord(ctx, db, MetricRecord{
			RunID:  "run-001",
			Epoch:  epoch,
			Rank:   0,
			Values: []Value{{Name: "loss", Value: 2.0 - float64(epoch)*0.5}},
		}))
	}
	require.NoError(t, RecordTransition(ctx, db, "run-001", RunStateRunning, RunStateFailed, "worker 1 exited"))

	run, err := GetRun(ctx, db, "run-001")
	require.NoError(t, err)
	require.NotNil(t, run)
	require.Equal(t, RunStateFailed, run.State)

	records, err := QueryMetrics(ctx, db, QueryParams{RunID: "run-001"})
	require.NoError(t, err)
	assert.Len(t, records, 2)

	count, err := CountRecords(ctx, db, "run-001")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
