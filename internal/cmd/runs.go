package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/gocohort/pkg/runregistry"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage training runs",
	Long: `Manage registry records for managed training runs.

This command group is designed to be agent-friendly:

- stable run ids
- predictable on-disk locations
- optional JSON output for machine parsing

Runs started with 'gocohort run --detach' appear here.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List training runs",
	RunE:  runRunsList,
}

var runsStatusCmd = &cobra.Command{
	Use:   "status <run_id>",
	Short: "Show status for a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsStatus,
}

var runsStopCmd = &cobra.Command{
	Use:   "stop <run_id>",
	Short: "Stop a running training run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsStop,
}

var runsLogsCmd = &cobra.Command{
	Use:   "logs <run_id>",
	Short: "Show logs for a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsLogs,
}

var runsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect old run records",
	RunE:  runRunsGC,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsStatusCmd)
	runsCmd.AddCommand(runsStopCmd)
	runsCmd.AddCommand(runsLogsCmd)
	runsCmd.AddCommand(runsGCCmd)

	runsListCmd.Flags().Bool("json", false, "Output as JSON")
	runsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	runsStopCmd.Flags().String("signal", "term", "Signal to send: term or kill")
	runsLogsCmd.Flags().String("stream", "stdout", "Log stream: stdout, stderr, or both")
	runsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = no tail)")
	runsLogsCmd.Flags().Bool("follow", false, "Follow log output")
	runsGCCmd.Flags().String("max-age", "168h", "Delete completed runs older than this duration")
	runsGCCmd.Flags().Bool("dry-run", false, "Show how many runs would be deleted")
	runsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	root, err := runsRootDir()
	if err != nil {
		return err
	}
	store := runregistry.NewStore(root)

	runs, err := store.List()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No runs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "RUN ID\tNAME\tSTATE\tWORKERS\tSTARTED\tENDED\tMANIFEST")
	for _, r := range runs {
		started := formatOptionalTime(r.StartedAt)
		ended := formatOptionalTime(r.EndedAt)
		name := r.Name
		if name == "" {
			name = "-"
		}
		workers := "-"
		if r.WorkerCount > 0 {
			workers = fmt.Sprintf("%d", r.WorkerCount)
		}
		manifest := r.ManifestPath
		if manifest == "" {
			manifest = "-"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortRunID(r.RunID),
			name,
			r.State,
			workers,
			started,
			ended,
			manifest,
		)
	}

	return nil
}

func runRunsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	runID := strings.TrimSpace(args[0])
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}

	root, err := runsRootDir()
	if err != nil {
		return err
	}
	store := runregistry.NewStore(root)

	resolvedID, err := resolveRunID(store, runID)
	if err != nil {
		return err
	}

	rec, err := store.Get(resolvedID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(os.Stdout, "run_id=%s\n", rec.RunID)
	if rec.Name != "" {
		_, _ = fmt.Fprintf(os.Stdout, "name=%s\n", rec.Name)
	}
	_, _ = fmt.Fprintf(os.Stdout, "state=%s\n", rec.State)
	_, _ = fmt.Fprintf(os.Stdout, "manifest_path=%s\n", rec.ManifestPath)
	if rec.WorkerCount > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "workers=%d\n", rec.WorkerCount)
	}
	if rec.Device != "" {
		_, _ = fmt.Fprintf(os.Stdout, "device=%s\n", rec.Device)
	}
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}

	return nil
}

func shortRunID(runID string) string {
	runID = strings.TrimSpace(runID)
	if len(runID) <= 12 {
		return runID
	}
	return runID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func resolveRunID(store *runregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("run_id is required")
	}

	// Exact match first.
	if store != nil {
		if _, err := store.Get(input); err == nil {
			return input, nil
		}
	}

	// Prefix match (allows table-friendly short IDs).
	runs, err := store.List()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, r := range runs {
		if strings.HasPrefix(r.RunID, input) {
			matches = append(matches, r.RunID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("run not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("run id prefix is ambiguous (%d matches); use full run_id or --json", len(matches))
	}
	return matches[0], nil
}
