package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry holds the Prometheus collectors the status server exposes.
type Telemetry struct {
	Registry *prometheus.Registry

	RunsStarted         prometheus.Counter
	RunsSucceeded       prometheus.Counter
	RunsFailed          prometheus.Counter
	CheckpointsUploaded prometheus.Counter
	UploadRetries       prometheus.Counter
	WorkersLive         prometheus.Gauge
}

// TelemetrySystem is the process-wide telemetry instance, nil until
// InitTelemetry runs.
var TelemetrySystem *Telemetry

// PrometheusExporter serves TelemetrySystem's registry, nil until
// InitTelemetry runs.
var PrometheusExporter http.Handler

var telemetryOnce sync.Once

// InitTelemetry builds the collector set and the /metrics handler.
// Subsequent calls return the already-initialized instance.
func InitTelemetry() *Telemetry {
	telemetryOnce.Do(func() {
		reg := prometheus.NewRegistry()
		t := &Telemetry{
			Registry: reg,
			RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gocohort_runs_started_total",
				Help: "Training runs started.",
			}),
			RunsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gocohort_runs_succeeded_total",
				Help: "Training runs that reached SUCCEEDED.",
			}),
			RunsFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gocohort_runs_failed_total",
				Help: "Training runs that reached FAILED.",
			}),
			CheckpointsUploaded: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gocohort_checkpoints_uploaded_total",
				Help: "Checkpoint groups durably uploaded.",
			}),
			UploadRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gocohort_checkpoint_upload_retries_total",
				Help: "Checkpoint object upload retry attempts.",
			}),
			WorkersLive: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "gocohort_workers_live",
				Help: "Workers currently running.",
			}),
		}
		reg.MustRegister(
			t.RunsStarted, t.RunsSucceeded, t.RunsFailed,
			t.CheckpointsUploaded, t.UploadRetries, t.WorkersLive,
		)

		TelemetrySystem = t
		PrometheusExporter = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	})
	return TelemetrySystem
}
