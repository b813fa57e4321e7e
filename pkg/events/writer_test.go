package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "mnist-baseline")

	assert.NotNil(t, w)
	assert.Equal(t, "run-123", w.runID)
	assert.Equal(t, "mnist-baseline", w.run)
}

func TestJSONLWriter_WriteMetrics(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "mnist-baseline")

	m := &MetricsRecord{
		Epoch: 3,
		Rank:  0,
		Values: []MetricValue{
			{Name: "loss", Value: 0.42},
			{Name: "accuracy", Value: 0.91},
		},
	}

	err := w.WriteMetrics(context.Background(), m)
	require.NoError(t, err)

	// Parse the output
	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeMetrics, record.Type)
	assert.Equal(t, "run-123", record.RunID)
	assert.Equal(t, "mnist-baseline", record.Run)
	assert.False(t, record.TS.IsZero())

	// Parse the data payload
	var mData MetricsRecord
	err = json.Unmarshal(record.Data, &mData)
	require.NoError(t, err)

	assert.Equal(t, 3, mData.Epoch)
	assert.Equal(t, 0, mData.Rank)
	require.Len(t, mData.Values, 2)
	assert.Equal(t, "loss", mData.Values[0].Name)
	assert.Equal(t, 0.42, mData.Values[0].Value)
	assert.Equal(t, "accuracy", mData.Values[1].Name)
	assert.Equal(t, 0.91, mData.Values[1].Value)
}

func TestJSONLWriter_WriteMetrics_PreservesValueOrder(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "mnist-baseline")

	// Deliberately non-alphabetical order. JSONL output must keep the
	// order the training code reported, not re-sort it.
	m := &MetricsRecord{
		Epoch: 0,
		Rank:  1,
		Values: []MetricValue{
			{Name: "val_loss", Value: 1.5},
			{Name: "accuracy", Value: 0.5},
			{Name: "loss", Value: 2.0},
		},
	}

	err := w.WriteMetrics(context.Background(), m)
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	var mData MetricsRecord
	require.NoError(t, json.Unmarshal(record.Data, &mData))

	names := make([]string, len(mData.Values))
	for i, v := range mData.Values {
		names[i] = v.Name
	}
	assert.Equal(t, []string{"val_loss", "accuracy", "loss"}, names)
}

func TestMetricsRecord_Value(t *testing.T) {
	m := &MetricsRecord{
		Values: []MetricValue{
			{Name: "loss", Value: 0.25},
			{Name: "accuracy", Value: 0.93},
		},
	}

	v, ok := m.Value("accuracy")
	assert.True(t, ok)
	assert.Equal(t, 0.93, v)

	_, ok = m.Value("f1")
	assert.False(t, ok)
}

func TestJSONLWriter_WriteCheckpoint(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "mnist-baseline")

	cp := &CheckpointRecord{
		Epoch:      5,
		Rank:       0,
		RemotePath: "runs/mnist-baseline/checkpoint_5/",
		Objects:    2,
		Bytes:      1048576,
		Attempts:   1,
		Duration:   750 * time.Millisecond,
	}

	err := w.WriteCheckpoint(context.Background(), cp)
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeCheckpoint, record.Type)

	var cpData CheckpointRecord
	err = json.Unmarshal(record.Data, &cpData)
	require.NoError(t, err)

	assert.Equal(t, 5, cpData.Epoch)
	assert.Equal(t, "runs/mnist-baseline/checkpoint_5/", cpData.RemotePath)
	assert.Equal(t, 2, cpData.Objects)
	assert.Equal(t, int64(1048576), cpData.Bytes)
	assert.Equal(t, 1, cpData.Attempts)
	assert.Equal(t, 750*time.Millisecond, cpData.Duration)
}

func TestJSONLWriter_WriteState(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "mnist-baseline")

	st := &StateRecord{
		From: "LAUNCHING",
		To:   "RUNNING",
	}

	err := w.WriteState(context.Background(), st)
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeState, record.Type)

	var stData StateRecord
	err = json.Unmarshal(record.Data, &stData)
	require.NoError(t, err)

	assert.Equal(t, "LAUNCHING", stData.From)
	assert.Equal(t, "RUNNING", stData.To)
	assert.Empty(t, stData.Reason)
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "mnist-baseline")

	rank := 2
	errRec := &ErrorRecord{
		Code:    ErrCodeSyncMismatch,
		Message: "rank 0 and rank 2 disagree on model structure",
		Rank:    &rank,
	}

	err := w.WriteError(context.Background(), errRec)
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeError, record.Type)

	var errData ErrorRecord
	err = json.Unmarshal(record.Data, &errData)
	require.NoError(t, err)

	assert.Equal(t, ErrCodeSyncMismatch, errData.Code)
	assert.Equal(t, "rank 0 and rank 2 disagree on model structure", errData.Message)
	require.NotNil(t, errData.Rank)
	assert.Equal(t, 2, *errData.Rank)
}

func TestJSONLWriter_WriteProgress(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "mnist-baseline")

	prog := &ProgressRecord{
		Phase:          PhaseTraining,
		Epoch:          2,
		EpochsTotal:    10,
		StepsCompleted: 640,
		WorkersLive:    4,
	}

	err := w.WriteProgress(context.Background(), prog)
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeProgress, record.Type)

	var progData ProgressRecord
	err = json.Unmarshal(record.Data, &progData)
	require.NoError(t, err)

	assert.Equal(t, PhaseTraining, progData.Phase)
	assert.Equal(t, 2, progData.Epoch)
	assert.Equal(t, 10, progData.EpochsTotal)
	assert.Equal(t, int64(640), progData.StepsCompleted)
	assert.Equal(t, 4, progData.WorkersLive)
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "mnist-baseline")

	sum := &SummaryRecord{
		State:               "SUCCEEDED",
		Epochs:              10,
		MetricsRecords:      40,
		CheckpointsUploaded: 3,
		Errors:              0,
		Duration:            30 * time.Second,
		DurationHuman:       "30s",
		FinalMetrics: []MetricValue{
			{Name: "loss", Value: 0.08},
		},
	}

	err := w.WriteSummary(context.Background(), sum)
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeSummary, record.Type)

	var sumData SummaryRecord
	err = json.Unmarshal(record.Data, &sumData)
	require.NoError(t, err)

	assert.Equal(t, "SUCCEEDED", sumData.State)
	assert.Equal(t, 10, sumData.Epochs)
	assert.Equal(t, int64(40), sumData.MetricsRecords)
	assert.Equal(t, int64(3), sumData.CheckpointsUploaded)
	assert.Equal(t, 30*time.Second, sumData.Duration)
	assert.Equal(t, "30s", sumData.DurationHuman)
	require.Len(t, sumData.FinalMetrics, 1)
	assert.Equal(t, "loss", sumData.FinalMetrics[0].Name)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "mnist-baseline")

	err := w.WriteMetrics(context.Background(), &MetricsRecord{Epoch: 0})
	require.NoError(t, err)

	err = w.WriteMetrics(context.Background(), &MetricsRecord{Epoch: 1})
	require.NoError(t, err)

	// Output should be two lines
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)

	// Each line should be valid JSON
	for _, line := range lines {
		var record Record
		err := json.Unmarshal([]byte(line), &record)
		assert.NoError(t, err)
	}
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "mnist-baseline")

	err := w.Close()
	require.NoError(t, err)

	// Writing after close should fail
	err = w.WriteMetrics(context.Background(), &MetricsRecord{Epoch: 0})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "mnist-baseline")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)

	for i := 0; i < numWriters; i++ {
		go func(rank int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				m := &MetricsRecord{
					Epoch: j,
					Rank:  rank,
					Values: []MetricValue{
						{Name: "loss", Value: float64(rank*writesPerWriter + j)},
					},
				}
				_ = w.WriteMetrics(context.Background(), m)
			}
		}(i)
	}

	wg.Wait()

	// Verify all lines are complete JSON objects (no interleaving)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)

	for i, line := range lines {
		var record Record
		err := json.Unmarshal([]byte(line), &record)
		assert.NoError(t, err, "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "mnist-baseline")

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	err := w.WriteMetrics(ctx, &MetricsRecord{Epoch: 0})
	assert.ErrorIs(t, err, context.Canceled)

	// Buffer should be empty (nothing written)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	// Create a writer that always fails
	failWriter := &failingWriter{err: errors.New("disk full")}
	w := NewJSONLWriter(failWriter, "run-123", "mnist-baseline")

	err := w.WriteMetrics(context.Background(), &MetricsRecord{Epoch: 0})
	require.Error(t, err)

	var writeErr *WriteError
	assert.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

// failingWriter is an io.Writer that always returns an error.
type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	// Create a writer that simulates short writes (returns n < len(p) with nil error)
	shortWriter := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(shortWriter, "run-123", "mnist-baseline")

	m := &MetricsRecord{
		Epoch: 7,
		Rank:  0,
		Values: []MetricValue{
			{Name: "loss", Value: 0.33},
			{Name: "accuracy", Value: 0.88},
		},
	}

	err := w.WriteMetrics(context.Background(), m)
	require.NoError(t, err)

	// Verify complete output despite short writes
	lines := strings.Split(strings.TrimSpace(shortWriter.buf.String()), "\n")
	assert.Len(t, lines, 1)

	var record Record
	err = json.Unmarshal([]byte(lines[0]), &record)
	assert.NoError(t, err, "output should be valid JSON despite short writes")
	assert.Equal(t, TypeMetrics, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	// Create a writer that returns 0 bytes written with nil error (pathological case)
	zeroWriter := &zeroWriteWriter{}
	w := NewJSONLWriter(zeroWriter, "run-123", "mnist-baseline")

	err := w.WriteMetrics(context.Background(), &MetricsRecord{Epoch: 0})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter simulates an io.Writer that performs short writes.
// It writes at most bytesPerWrite bytes per call, returning nil error.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

// zeroWriteWriter always returns 0 bytes written with nil error.
type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "events: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestRecord_JSONSerialization(t *testing.T) {
	// Test that records serialize correctly
	record := Record{
		Type:  TypeMetrics,
		TS:    time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC),
		RunID: "abc123",
		Run:   "mnist-baseline",
		Data:  json.RawMessage(`{"epoch":0,"rank":0,"values":[]}`),
	}

	data, err := json.Marshal(record)
	require.NoError(t, err)

	// Verify JSON structure
	var parsed map[string]any
	err = json.Unmarshal(data, &parsed)
	require.NoError(t, err)

	assert.Equal(t, TypeMetrics, parsed["type"])
	assert.Equal(t, "abc123", parsed["run_id"])
	assert.Equal(t, "mnist-baseline", parsed["run"])
	assert.NotNil(t, parsed["ts"])
	assert.NotNil(t, parsed["data"])
}

func TestErrorRecord_OmitEmpty(t *testing.T) {
	// Rank, Epoch, Details should be omitted when unset
	errRec := ErrorRecord{
		Code:    ErrCodeInternal,
		Message: "Something went wrong",
	}

	data, err := json.Marshal(errRec)
	require.NoError(t, err)

	assert.NotContains(t, string(data), "rank")
	assert.NotContains(t, string(data), "epoch")
	assert.NotContains(t, string(data), "details")
}

func TestStateRecord_OmitEmpty(t *testing.T) {
	// Reason should be omitted for non-failure transitions
	st := StateRecord{
		From: "RUNNING",
		To:   "SUCCEEDED",
	}

	data, err := json.Marshal(st)
	require.NoError(t, err)

	assert.NotContains(t, string(data), "reason")
}

// Benchmark for write performance
func BenchmarkJSONLWriter_WriteMetrics(b *testing.B) {
	w := NewJSONLWriter(io.Discard, "run-123", "mnist-baseline")
	m := &MetricsRecord{
		Epoch: 3,
		Rank:  0,
		Values: []MetricValue{
			{Name: "loss", Value: 0.42},
			{Name: "accuracy", Value: 0.91},
			{Name: "val_loss", Value: 0.55},
		},
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.WriteMetrics(ctx, m)
	}
}
