package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gocohort/internal/observability"
	"github.com/3leaps/gocohort/pkg/events"
	"github.com/3leaps/gocohort/pkg/preflight"
	"github.com/3leaps/gocohort/pkg/provider"
	"github.com/3leaps/gocohort/pkg/provider/s3"
)

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Probe permissions and capabilities",
	Long: `Probe permissions and capabilities against dataset sources and checkpoint stores.

This command is intended for operational validation before burning accelerator
time on a long run. It emits a JSONL preflight record (gocohort.preflight.v1).

Examples:
  # Plan-only: no provider calls
  gocohort preflight dataset s3://bucket/data/ --mode plan-only

  # Read-safe: minimal non-mutating calls
  gocohort preflight dataset s3://bucket/data/**/*.npz --mode read-safe

  # Write-probe: minimal opt-in side effects under probe prefix
  gocohort preflight store s3://bucket/ --mode write-probe --probe-strategy multipart-abort

  # Safety latch: disable all provider-side mutations
  gocohort preflight dataset s3://bucket/data/ --mode read-safe --readonly`,
}

var preflightDatasetCmd = &cobra.Command{
	Use:   "dataset <uri>",
	Short: "Preflight checks for dataset list/read",
	Args:  cobra.ExactArgs(1),
	RunE:  runPreflightDataset,
}

var preflightStoreCmd = &cobra.Command{
	Use:   "store <uri>",
	Short: "Preflight write-probe checks for checkpoint stores",
	Args:  cobra.ExactArgs(1),
	RunE:  runPreflightStore,
}

var (
	preflightRegion        string
	preflightProfile       string
	preflightEndpoint      string
	preflightMode          string
	preflightProbeStrategy string
	preflightProbePrefix   string
)

func init() {
	rootCmd.AddCommand(preflightCmd)
	preflightCmd.AddCommand(preflightDatasetCmd)
	preflightCmd.AddCommand(preflightStoreCmd)

	preflightCmd.Long += "\n\nSafety:\n- --readonly (or GOCOHORT_READONLY=1) disables write-probe preflight and other provider-side mutations."

	for _, c := range []*cobra.Command{preflightDatasetCmd, preflightStoreCmd} {
		c.Flags().StringVarP(&preflightRegion, "region", "r", "", "AWS region")
		c.Flags().StringVarP(&preflightProfile, "profile", "p", "", "AWS profile")
		c.Flags().StringVar(&preflightEndpoint, "endpoint", "", "Custom S3 endpoint")
		c.Flags().StringVar(&preflightMode, "mode", "read-safe", "Preflight mode (plan-only|read-safe|write-probe)")
		c.Flags().StringVar(&preflightProbeStrategy, "probe-strategy", "multipart-abort", "Write probe strategy (multipart-abort|put-delete)")
		c.Flags().StringVar(&preflightProbePrefix, "probe-prefix", preflight.DefaultProbePrefix, "Probe prefix for write probes")
	}
}

func runPreflightDataset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	uriStr := args[0]

	parsed, err := ParseURI(uriStr)
	if err != nil {
		observability.CLILogger.Error("Invalid URI", zap.String("uri", uriStr), zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid URI", err)
	}

	runID := uuid.New().String()
	w := events.NewJSONLWriter(os.Stdout, runID, parsed.Provider)
	defer func() { _ = w.Close() }()

	// Plan-only should not create providers or hit endpoints.
	spec := preflight.Spec{
		Mode:          preflight.Mode(preflightMode),
		ProbeStrategy: preflight.ProbeStrategy(preflightProbeStrategy),
		ProbePrefix:   preflightProbePrefix,
	}
	switch spec.Mode {
	case preflight.ModePlanOnly, preflight.ModeReadSafe, preflight.ModeWriteProbe:
		// ok
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --mode value", fmt.Errorf("unsupported preflight mode: %s", preflightMode))
	}
	if IsReadOnly() && spec.Mode == preflight.ModeWriteProbe {
		return exitError(foundry.ExitInvalidArgument, "readonly mode enabled: refusing write-probe preflight", fmt.Errorf("use --mode read-safe or disable --readonly"))
	}
	if spec.Mode == preflight.ModePlanOnly {
		rec := &events.PreflightRecord{
			Mode:          string(spec.Mode),
			ProbeStrategy: string(spec.ProbeStrategy),
			ProbePrefix:   spec.ProbePrefix,
			Results:       []events.PreflightCheckResult{},
		}
		return w.WritePreflight(ctx, rec)
	}

	prov, err := createPreflightProvider(ctx, parsed)
	if err != nil {
		observability.CLILogger.Error("Failed to create provider", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to storage provider", err)
	}
	defer func() { _ = prov.Close() }()

	// Glob URIs already carry their literal listing prefix in Key.
	requireRead := spec.Mode == preflight.ModeWriteProbe
	rec, pfErr := preflight.DatasetSource(ctx, prov, parsed.Key, spec, requireRead)

	// For exact object URIs, also probe Head on the named key.
	if !parsed.IsPattern() && !parsed.IsPrefix() && pfErr == nil {
		if _, headErr := prov.Head(ctx, parsed.Key); headErr != nil {
			rec.Results = append(rec.Results, events.PreflightCheckResult{
				Capability: preflight.CapDatasetRead,
				Allowed:    false,
				Method:     fmt.Sprintf("Head(key=%q)", parsed.Key),
				ErrorCode:  preflightErrorCode(headErr),
				Detail:     headErr.Error(),
			})
			pfErr = headErr
		} else {
			rec.Results = append(rec.Results, events.PreflightCheckResult{
				Capability: preflight.CapDatasetRead,
				Allowed:    true,
				Method:     fmt.Sprintf("Head(key=%q)", parsed.Key),
			})
		}
	}

	if err := w.WritePreflight(ctx, rec); err != nil {
		return err
	}
	if pfErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Preflight failed", pfErr)
	}

	return nil
}

func runPreflightStore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	uriStr := args[0]

	parsed, err := ParseURI(uriStr)
	if err != nil {
		observability.CLILogger.Error("Invalid URI", zap.String("uri", uriStr), zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid URI", err)
	}

	runID := uuid.New().String()
	w := events.NewJSONLWriter(os.Stdout, runID, parsed.Provider)
	defer func() { _ = w.Close() }()

	spec := preflight.Spec{
		Mode:          preflight.Mode(preflightMode),
		ProbeStrategy: preflight.ProbeStrategy(preflightProbeStrategy),
		ProbePrefix:   preflightProbePrefix,
	}
	switch spec.Mode {
	case preflight.ModePlanOnly, preflight.ModeWriteProbe:
		// ok
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --mode for preflight store", fmt.Errorf("use --mode write-probe or plan-only"))
	}
	if IsReadOnly() && spec.Mode == preflight.ModeWriteProbe {
		return exitError(foundry.ExitInvalidArgument, "readonly mode enabled: refusing write-probe preflight", fmt.Errorf("disable --readonly or unset GOCOHORT_READONLY"))
	}
	if spec.Mode == preflight.ModePlanOnly {
		rec := &events.PreflightRecord{
			Mode:          string(spec.Mode),
			ProbeStrategy: string(spec.ProbeStrategy),
			ProbePrefix:   spec.ProbePrefix,
			Results:       []events.PreflightCheckResult{},
		}
		return w.WritePreflight(ctx, rec)
	}

	prov, err := createPreflightProvider(ctx, parsed)
	if err != nil {
		observability.CLILogger.Error("Failed to create provider", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to storage provider", err)
	}
	defer func() { _ = prov.Close() }()

	rec, pfErr := preflight.CheckpointStore(ctx, prov, spec, preflight.StoreOptions{
		RequireHead:       true,
		RequireWriteProbe: true,
	})
	if err := w.WritePreflight(ctx, rec); err != nil {
		return err
	}
	if pfErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Write probe failed", pfErr)
	}
	return nil
}

func createPreflightProvider(ctx context.Context, uri *ObjectURI) (*s3.Provider, error) {
	cfg := s3.Config{
		Bucket:   uri.Bucket,
		Region:   preflightRegion,
		Endpoint: preflightEndpoint,
		Profile:  preflightProfile,
		// Force path-style URLs when custom endpoint is set.
		ForcePathStyle: preflightEndpoint != "",
	}
	return s3.New(ctx, cfg)
}

func preflightErrorCode(err error) string {
	switch {
	case provider.IsAccessDenied(err):
		return events.ErrCodeAccessDenied
	case provider.IsBucketNotFound(err), provider.IsNotFound(err):
		return events.ErrCodeNotFound
	case provider.IsThrottled(err):
		return events.ErrCodeThrottled
	default:
		return events.ErrCodeInternal
	}
}
