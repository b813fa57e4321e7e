package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gocohort/internal/observability"
	"github.com/3leaps/gocohort/pkg/checkpoint"
	"github.com/3leaps/gocohort/pkg/manifest"
	"github.com/3leaps/gocohort/pkg/metricstore"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and prune durable checkpoints",
	Long: `Inspect and prune checkpoint groups in a run's durable store.

The store connection and run name come from the job manifest.

Examples:
  gocohort checkpoints list --job train.yaml
  gocohort checkpoints list --job train.yaml --json
  gocohort checkpoints prune --job train.yaml --keep 3
  gocohort checkpoints prune --job train.yaml --keep 3 --dry-run`,
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a run's uploaded checkpoint groups",
	RunE:  runCheckpointsList,
}

var checkpointsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete checkpoint groups beyond the retention count",
	RunE:  runCheckpointsPrune,
}

var (
	checkpointsJobPath string
	checkpointsRunName string
	checkpointsKeep    int
	checkpointsDryRun  bool
	checkpointsDBPath  string
)

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsPruneCmd)

	checkpointsCmd.PersistentFlags().StringVarP(&checkpointsJobPath, "job", "j", "", "Path to job manifest (required)")
	checkpointsCmd.PersistentFlags().StringVar(&checkpointsRunName, "run", "", "Override the manifest run name")
	_ = checkpointsCmd.MarkPersistentFlagRequired("job")

	checkpointsListCmd.Flags().Bool("json", false, "Output as JSON")
	checkpointsPruneCmd.Flags().IntVar(&checkpointsKeep, "keep", 0, "Number of most recent checkpoints to retain (required, > 0)")
	checkpointsPruneCmd.Flags().BoolVar(&checkpointsDryRun, "dry-run", false, "Show what would be deleted")
	checkpointsPruneCmd.Flags().StringVar(&checkpointsDBPath, "db", "", "Metric store path for claim bookkeeping")
	_ = checkpointsPruneCmd.MarkFlagRequired("keep")
}

func runCheckpointsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	m, err := manifest.Load(checkpointsJobPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	if m.Checkpoint == nil {
		return exitError(foundry.ExitInvalidArgument, "Manifest has no checkpoint section",
			fmt.Errorf("checkpoints commands need checkpoint.store configured"))
	}
	store, err := buildStoreProvider(ctx, &m.Checkpoint.Store)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to checkpoint store", err)
	}
	defer func() { _ = store.Close() }()

	runName := checkpointsRunName
	if runName == "" {
		runName = m.Run.Name
	}

	groups, err := checkpoint.ListRemote(ctx, store, m.Checkpoint.Store.Prefix, runName)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list checkpoints", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(groups)
	}

	if len(groups) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No checkpoints found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "EPOCH\tOBJECTS\tBYTES\tPATH")
	for _, g := range groups {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", g.Epoch, g.Objects, g.Bytes, g.Path)
	}
	return nil
}

func runCheckpointsPrune(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	if checkpointsKeep <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --keep value",
			fmt.Errorf("--keep must be > 0"))
	}
	if IsReadOnly() && !checkpointsDryRun {
		return exitError(foundry.ExitInvalidArgument,
			"readonly mode enabled: refusing checkpoint prune",
			fmt.Errorf("use --dry-run or disable --readonly"))
	}

	m, err := manifest.Load(checkpointsJobPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	if m.Checkpoint == nil {
		return exitError(foundry.ExitInvalidArgument, "Manifest has no checkpoint section",
			fmt.Errorf("checkpoints commands need checkpoint.store configured"))
	}
	store, err := buildStoreProvider(ctx, &m.Checkpoint.Store)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to checkpoint store", err)
	}
	defer func() { _ = store.Close() }()

	runName := checkpointsRunName
	if runName == "" {
		runName = m.Run.Name
	}

	if checkpointsDryRun {
		groups, err := checkpoint.ListRemote(ctx, store, m.Checkpoint.Store.Prefix, runName)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list checkpoints", err)
		}
		doomed := 0
		if len(groups) > checkpointsKeep {
			doomed = len(groups) - checkpointsKeep
		}
		_, _ = fmt.Fprintf(os.Stdout, "would_delete=%d\n", doomed)
		return nil
	}

	pruned, err := checkpoint.Prune(ctx, store, m.Checkpoint.Store.Prefix, runName, checkpointsKeep)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Prune failed", err)
	}

	markPrunedClaims(ctx, runName, pruned)

	for _, g := range pruned {
		observability.CLILogger.Info("Pruned checkpoint",
			zap.Int("epoch", g.Epoch),
			zap.String("path", g.Path))
	}
	_, _ = fmt.Fprintf(os.Stdout, "deleted=%d\n", len(pruned))
	return nil
}

// markPrunedClaims flips the metric store claims for pruned epochs. Claim
// bookkeeping is best effort; the durable store is the source of truth.
func markPrunedClaims(ctx context.Context, runName string, pruned []checkpoint.RemoteCheckpoint) {
	if len(pruned) == 0 {
		return
	}
	dbPath := checkpointsDBPath
	if dbPath == "" {
		var err error
		dbPath, err = defaultMetricStorePath()
		if err != nil {
			return
		}
	}
	if _, err := os.Stat(dbPath); err != nil {
		return
	}
	db, err := metricstore.Open(ctx, metricstore.Config{Path: dbPath})
	if err != nil {
		return
	}
	defer func() { _ = db.Close() }()

	runs, err := metricstore.ListRuns(ctx, db, 0)
	if err != nil {
		return
	}
	for _, r := range runs {
		if r.Name != runName {
			continue
		}
		for _, g := range pruned {
			_ = metricstore.MarkCheckpointPruned(ctx, db, r.RunID, g.Epoch)
		}
	}
}
