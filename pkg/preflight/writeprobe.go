package preflight

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/3leaps/gocohort/pkg/events"
	"github.com/3leaps/gocohort/pkg/provider"
)

// WriteProbe verifies the store accepts writes under the probe prefix.
//
// Strategies:
//
//	multipart-abort: CreateMultipartUpload then AbortMultipartUpload. No
//	object is ever visible; preferred for S3-compatible stores.
//	put-delete: PutObject of a one-byte sentinel then DeleteObject. Used
//	when the store has no multipart support.
//
// The probe key is random under the probe prefix so concurrent probes never
// collide.
func WriteProbe(ctx context.Context, prov provider.Provider, spec Spec) (*events.PreflightRecord, error) {
	rec := newRecord(spec)
	if spec.Mode != ModeWriteProbe {
		return rec, nil
	}

	prefix := spec.ProbePrefix
	if prefix == "" {
		prefix = DefaultProbePrefix
	}
	probeKey := joinPrefix(prefix, "write-"+uuid.NewString())

	strategy := spec.ProbeStrategy
	if strategy == "" {
		if _, ok := prov.(provider.MultipartUploader); ok {
			strategy = ProbeMultipartAbort
		} else {
			strategy = ProbePutDelete
		}
	}
	rec.ProbeStrategy = string(strategy)

	switch strategy {
	case ProbeMultipartAbort:
		return probeMultipartAbort(ctx, prov, rec, probeKey)
	case ProbePutDelete:
		return probePutDelete(ctx, prov, rec, probeKey)
	default:
		return rec, fmt.Errorf("unknown probe strategy %q", strategy)
	}
}

func probeMultipartAbort(ctx context.Context, prov provider.Provider, rec *events.PreflightRecord, probeKey string) (*events.PreflightRecord, error) {
	const method = "CreateMultipartUpload+Abort"

	mp, ok := prov.(provider.MultipartUploader)
	if !ok {
		err := fmt.Errorf("store provider does not support multipart uploads")
		rec.Results = append(rec.Results, events.PreflightCheckResult{
			Capability: CapStoreWrite,
			Allowed:    false,
			Method:     method,
			ErrorCode:  events.ErrCodeInternal,
			Detail:     err.Error(),
		})
		return rec, err
	}

	uploadID, err := mp.CreateMultipartUpload(ctx, probeKey)
	if err != nil {
		rec.Results = append(rec.Results, events.PreflightCheckResult{
			Capability: CapStoreWrite,
			Allowed:    false,
			Method:     method,
			ErrorCode:  normalizeErrorCode(err),
			Detail:     err.Error(),
		})
		return rec, err
	}
	if err := mp.AbortMultipartUpload(ctx, probeKey, uploadID); err != nil {
		// The store accepted the write; the dangling upload is the only
		// residue and expires by bucket lifecycle.
		rec.Results = append(rec.Results, events.PreflightCheckResult{
			Capability: CapStoreWrite,
			Allowed:    true,
			Method:     method,
			Detail:     fmt.Sprintf("abort failed, upload %s left pending: %v", uploadID, err),
		})
		return rec, nil
	}

	rec.Results = append(rec.Results, events.PreflightCheckResult{
		Capability: CapStoreWrite,
		Allowed:    true,
		Method:     method,
	})
	return rec, nil
}

func probePutDelete(ctx context.Context, prov provider.Provider, rec *events.PreflightRecord, probeKey string) (*events.PreflightRecord, error) {
	const method = "PutObject+Delete"

	putter, ok := prov.(provider.ObjectPutter)
	if !ok {
		err := fmt.Errorf("store provider does not support PutObject")
		rec.Results = append(rec.Results, events.PreflightCheckResult{
			Capability: CapStoreWrite,
			Allowed:    false,
			Method:     method,
			ErrorCode:  events.ErrCodeInternal,
			Detail:     err.Error(),
		})
		return rec, err
	}

	sentinel := []byte("x")
	if err := putter.PutObject(ctx, probeKey, bytes.NewReader(sentinel), int64(len(sentinel))); err != nil {
		rec.Results = append(rec.Results, events.PreflightCheckResult{
			Capability: CapStoreWrite,
			Allowed:    false,
			Method:     method,
			ErrorCode:  normalizeErrorCode(err),
			Detail:     err.Error(),
		})
		return rec, err
	}

	if deleter, ok := prov.(provider.ObjectDeleter); ok {
		if err := deleter.DeleteObject(ctx, probeKey); err != nil {
			rec.Results = append(rec.Results, events.PreflightCheckResult{
				Capability: CapStoreWrite,
				Allowed:    true,
				Method:     method,
				Detail:     fmt.Sprintf("delete failed, probe object %s retained: %v", probeKey, err),
			})
			return rec, nil
		}
	}

	rec.Results = append(rec.Results, events.PreflightCheckResult{
		Capability: CapStoreWrite,
		Allowed:    true,
		Method:     method,
	})
	return rec, nil
}
