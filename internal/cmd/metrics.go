package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gocohort/pkg/metricstore"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics <run>",
	Short: "Query recorded training metrics",
	Long: `Query the metric store for a run's reported metrics.

The run argument is a run id (or unambiguous prefix) or a run name; names
resolve to the most recent matching run.

Examples:
  gocohort metrics mnist-baseline
  gocohort metrics 1b2f --rank 0 --name loss
  gocohort metrics mnist-baseline --epoch 9 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runMetrics,
}

var (
	metricsDBPath string
	metricsEpoch  int
	metricsRank   int
	metricsName   string
	metricsLimit  int
)

func init() {
	rootCmd.AddCommand(metricsCmd)

	metricsCmd.Flags().StringVar(&metricsDBPath, "db", "", "Metric store path (default is XDG data dir)")
	metricsCmd.Flags().IntVar(&metricsEpoch, "epoch", -1, "Filter to a single epoch")
	metricsCmd.Flags().IntVar(&metricsRank, "rank", -1, "Filter to a single world rank")
	metricsCmd.Flags().StringVar(&metricsName, "name", "", "Filter to a single metric name")
	metricsCmd.Flags().IntVar(&metricsLimit, "limit", 0, "Cap the number of records returned (0 = no limit)")
	metricsCmd.Flags().Bool("json", false, "Output as JSON")
	metricsCmd.Flags().Bool("transitions", false, "Show the run's state transitions instead of metrics")
}

func runMetrics(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	showTransitions, _ := cmd.Flags().GetBool("transitions")

	dbPath := metricsDBPath
	if dbPath == "" {
		var err error
		dbPath, err = defaultMetricStorePath()
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Cannot resolve metric store path", err)
		}
	}
	if _, err := os.Stat(dbPath); err != nil {
		return exitError(foundry.ExitFileNotFound, "Metric store not found",
			fmt.Errorf("no metric database at %s (run a job first)", dbPath))
	}

	db, err := metricstore.Open(ctx, metricstore.Config{Path: dbPath})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open metric store", err)
	}
	defer func() { _ = db.Close() }()

	run, err := resolveMetricsRun(ctx, db, args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown run", err)
	}

	if showTransitions {
		return printTransitions(ctx, db, run, jsonOutput)
	}

	params := metricstore.QueryParams{
		RunID: run.RunID,
		Name:  metricsName,
		Limit: metricsLimit,
	}
	if metricsEpoch >= 0 {
		epoch := metricsEpoch
		params.Epoch = &epoch
	}
	if metricsRank >= 0 {
		rank := metricsRank
		params.Rank = &rank
	}

	records, err := metricstore.QueryMetrics(ctx, db, params)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Query failed", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	if len(records) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No metrics found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "EPOCH\tRANK\tREPORTED\tVALUES")
	for _, rec := range records {
		parts := make([]string, 0, len(rec.Values))
		for _, v := range rec.Values {
			parts = append(parts, fmt.Sprintf("%s=%g", v.Name, v.Value))
		}
		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\n",
			rec.Epoch,
			rec.Rank,
			rec.ReportedAt.UTC().Format(time.RFC3339),
			strings.Join(parts, " "),
		)
	}
	return nil
}

// resolveMetricsRun matches the argument against run ids (exact or prefix)
// and run names, preferring the most recent run on a name match.
func resolveMetricsRun(ctx context.Context, db *sql.DB, arg string) (*metricstore.Run, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return nil, fmt.Errorf("run is required")
	}

	if run, err := metricstore.GetRun(ctx, db, arg); err == nil {
		return run, nil
	}

	runs, err := metricstore.ListRuns(ctx, db, 0)
	if err != nil {
		return nil, err
	}

	var byPrefix []metricstore.Run
	for _, r := range runs {
		if strings.HasPrefix(r.RunID, arg) {
			byPrefix = append(byPrefix, r)
		}
	}
	if len(byPrefix) == 1 {
		return &byPrefix[0], nil
	}
	if len(byPrefix) > 1 {
		return nil, fmt.Errorf("run id prefix is ambiguous (%d matches); use the full run id", len(byPrefix))
	}

	// ListRuns returns newest first, so the first name match wins.
	for i, r := range runs {
		if r.Name == arg {
			return &runs[i], nil
		}
	}
	return nil, fmt.Errorf("run not found: %s", arg)
}

func printTransitions(ctx context.Context, db *sql.DB, run *metricstore.Run, jsonOutput bool) error {
	transitions, err := metricstore.ListTransitions(ctx, db, run.RunID)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Query failed", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(transitions)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "WHEN\tFROM\tTO\tREASON")
	for _, tr := range transitions {
		reason := tr.Reason
		if reason == "" {
			reason = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			tr.OccurredAt.UTC().Format(time.RFC3339), tr.From, tr.To, reason)
	}
	return nil
}
