package preflight

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/3leaps/gocohort/pkg/events"
	"github.com/3leaps/gocohort/pkg/provider"
)

// StoreOptions selects which checkpoint store checks run.
type StoreOptions struct {
	// RequireHead probes metadata reads against the store.
	RequireHead bool

	// RequireWriteProbe probes writes when the spec's mode allows it.
	RequireWriteProbe bool
}

// CheckpointStore performs staged preflight checks against the checkpoint
// store before a run starts.
//
// Ordering (fail-fast): write probe (when enabled) then head probe. A run
// that cannot write checkpoints should fail here, not after the first epoch.
func CheckpointStore(ctx context.Context, store provider.Provider, spec Spec, opts StoreOptions) (*events.PreflightRecord, error) {
	rec := newRecord(spec)
	if spec.Mode == ModePlanOnly {
		return rec, nil
	}

	if opts.RequireWriteProbe && spec.Mode == ModeWriteProbe {
		probeRec, err := WriteProbe(ctx, store, spec)
		rec.Results = append(rec.Results, probeRec.Results...)
		rec.ProbeStrategy = probeRec.ProbeStrategy
		if err != nil {
			return rec, err
		}
	}

	if opts.RequireHead {
		probePrefix := spec.ProbePrefix
		if probePrefix == "" {
			probePrefix = DefaultProbePrefix
		}
		probeKey := joinPrefix(probePrefix, "head-"+uuid.NewString())

		_, headErr := store.Head(ctx, probeKey)
		if headErr != nil && !provider.IsNotFound(headErr) {
			rec.Results = append(rec.Results, events.PreflightCheckResult{
				Capability: CapStoreHead,
				Allowed:    false,
				Method:     "Head(random)",
				ErrorCode:  normalizeErrorCode(headErr),
				Detail:     headErr.Error(),
			})
			return rec, headErr
		}
		rec.Results = append(rec.Results, events.PreflightCheckResult{
			Capability: CapStoreHead,
			Allowed:    true,
			Method:     "Head(random)",
		})
	}

	return rec, nil
}

// DatasetSource performs preflight checks against the dataset source: listing
// under the catalog prefix, and optionally a read probe.
func DatasetSource(ctx context.Context, source provider.Provider, prefix string, spec Spec, requireRead bool) (*events.PreflightRecord, error) {
	rec, err := Dataset(ctx, source, prefix, spec)
	if err != nil || spec.Mode == ModePlanOnly {
		return rec, err
	}

	if requireRead {
		getter, ok := source.(provider.ObjectGetter)
		if !ok {
			return rec, fmt.Errorf("source provider does not support GetObject")
		}

		probeKey := joinPrefix(prefix, "_gocohort/preflight-"+uuid.NewString())
		body, _, getErr := getter.GetObject(ctx, probeKey)
		if getErr == nil {
			_ = body.Close()
		}
		if getErr != nil && !provider.IsNotFound(getErr) {
			rec.Results = append(rec.Results, events.PreflightCheckResult{
				Capability: CapDatasetRead,
				Allowed:    false,
				Method:     "GetObject(random)",
				ErrorCode:  normalizeErrorCode(getErr),
				Detail:     getErr.Error(),
			})
			return rec, getErr
		}
		rec.Results = append(rec.Results, events.PreflightCheckResult{
			Capability: CapDatasetRead,
			Allowed:    true,
			Method:     "GetObject(random)",
		})
	}

	return rec, nil
}

func joinPrefix(prefix, suffix string) string {
	if prefix == "" {
		return strings.TrimPrefix(suffix, "/")
	}
	if strings.HasSuffix(prefix, "/") {
		return prefix + strings.TrimPrefix(suffix, "/")
	}
	return prefix + "/" + strings.TrimPrefix(suffix, "/")
}
