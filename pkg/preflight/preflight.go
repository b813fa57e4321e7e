// Package preflight probes store capabilities before a run burns training
// time: can the dataset source be listed, can the checkpoint store be
// written. Probes never leave residue; write probes clean up after
// themselves or use abortable operations.
package preflight

import (
	"context"
	"fmt"

	"github.com/3leaps/gocohort/pkg/events"
	"github.com/3leaps/gocohort/pkg/provider"
)

// Mode defines how aggressive preflight checks are.
type Mode string

const (
	ModePlanOnly   Mode = "plan-only"
	ModeReadSafe   Mode = "read-safe"
	ModeWriteProbe Mode = "write-probe"
)

// ProbeStrategy selects a provider-specific write probe strategy.
type ProbeStrategy string

const (
	ProbeMultipartAbort ProbeStrategy = "multipart-abort"
	ProbePutDelete      ProbeStrategy = "put-delete"
)

// DefaultProbePrefix is where probe objects are created when the spec does
// not name a prefix.
const DefaultProbePrefix = "_gocohort/probe/"

// Spec controls how preflight checks are executed.
type Spec struct {
	Mode          Mode
	ProbeStrategy ProbeStrategy
	ProbePrefix   string
}

// Capability names are stable strings used in JSONL output.
const (
	CapDatasetList = "dataset.list"
	CapDatasetRead = "dataset.read"
	CapStoreHead   = "store.head"
	CapStoreWrite  = "store.write"
)

// Dataset runs a read-safe preflight against the dataset source: listing
// must be permitted under the catalog prefix.
func Dataset(ctx context.Context, prov provider.Provider, prefix string, spec Spec) (*events.PreflightRecord, error) {
	rec := newRecord(spec)
	if spec.Mode == ModePlanOnly {
		return rec, nil
	}

	method := fmt.Sprintf("List(prefix=%q,maxKeys=1)", prefix)
	if _, err := prov.List(ctx, provider.ListOptions{Prefix: prefix, MaxKeys: 1}); err != nil {
		rec.Results = append(rec.Results, events.PreflightCheckResult{
			Capability: CapDatasetList,
			Allowed:    false,
			Method:     method,
			ErrorCode:  normalizeErrorCode(err),
			Detail:     err.Error(),
		})
		return rec, err
	}

	rec.Results = append(rec.Results, events.PreflightCheckResult{
		Capability: CapDatasetList,
		Allowed:    true,
		Method:     method,
	})
	return rec, nil
}

func newRecord(spec Spec) *events.PreflightRecord {
	return &events.PreflightRecord{
		Mode:          string(spec.Mode),
		ProbeStrategy: string(spec.ProbeStrategy),
		ProbePrefix:   spec.ProbePrefix,
		Results:       []events.PreflightCheckResult{},
	}
}

func normalizeErrorCode(err error) string {
	switch {
	case provider.IsAccessDenied(err), provider.IsInvalidCredentials(err):
		return events.ErrCodeAccessDenied
	case provider.IsBucketNotFound(err), provider.IsNotFound(err):
		return events.ErrCodeNotFound
	case provider.IsThrottled(err):
		return events.ErrCodeThrottled
	default:
		return events.ErrCodeInternal
	}
}
