package driver

import "github.com/prometheus/client_golang/prometheus"

// Instruments are the optional Prometheus collectors a driver updates while
// a run executes. Any field may be nil; nil collectors are skipped.
//
// Callers that expose /metrics register these on their own registry and pass
// them in, so the driver never owns collector registration.
type Instruments struct {
	RunsStarted         prometheus.Counter
	RunsSucceeded       prometheus.Counter
	RunsFailed          prometheus.Counter
	CheckpointsUploaded prometheus.Counter
	UploadRetries       prometheus.Counter
	WorkersLive         prometheus.Gauge
}

func (in *Instruments) runStarted() {
	if in != nil && in.RunsStarted != nil {
		in.RunsStarted.Inc()
	}
}

func (in *Instruments) runSucceeded() {
	if in != nil && in.RunsSucceeded != nil {
		in.RunsSucceeded.Inc()
	}
}

func (in *Instruments) runFailed() {
	if in != nil && in.RunsFailed != nil {
		in.RunsFailed.Inc()
	}
}

func (in *Instruments) checkpointUploaded(retries int) {
	if in == nil {
		return
	}
	if in.CheckpointsUploaded != nil {
		in.CheckpointsUploaded.Inc()
	}
	if in.UploadRetries != nil && retries > 0 {
		in.UploadRetries.Add(float64(retries))
	}
}

func (in *Instruments) workers(delta float64) {
	if in != nil && in.WorkersLive != nil {
		in.WorkersLive.Add(delta)
	}
}
