package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gocohort/internal/observability"
	"github.com/3leaps/gocohort/pkg/checkpoint"
	"github.com/3leaps/gocohort/pkg/cohort"
	"github.com/3leaps/gocohort/pkg/datasource"
	"github.com/3leaps/gocohort/pkg/driver"
	"github.com/3leaps/gocohort/pkg/events"
	"github.com/3leaps/gocohort/pkg/manifest"
	"github.com/3leaps/gocohort/pkg/metricstore"
	"github.com/3leaps/gocohort/pkg/provider"
	"github.com/3leaps/gocohort/pkg/provider/file"
	"github.com/3leaps/gocohort/pkg/provider/s3"
	"github.com/3leaps/gocohort/pkg/runregistry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a training job from manifest",
	Long: `Run a distributed training job as defined in a YAML or JSON manifest.

The manifest specifies the run identity, worker scaling, dataset sharding,
checkpoint store, and reporting configuration. The job runs in the
foreground unless --detach puts it under the run registry.

Example:
  gocohort run --job train.yaml
  gocohort run --job train.yaml --output events.jsonl
  gocohort run --job train.yaml --dry-run
  gocohort run --job train.yaml --detach`,
	RunE: runRun,
}

var (
	runJobPath     string
	runOutput      string
	runQuiet       bool
	runDryRun      bool
	runPlan        bool
	runDetach      bool
	runName        string
	runDBPath      string
	managedRunID   string
	runEpochsOver  int
	runWorkersOver int
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runJobPath, "job", "j", "", "Path to job manifest (required)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Override event output destination")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Suppress progress records")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Validate manifest and show plan without executing")
	runCmd.Flags().BoolVar(&runPlan, "plan", false, "Alias for --dry-run")
	runCmd.Flags().BoolVar(&runDetach, "detach", false, "Run in the background under the run registry")
	runCmd.Flags().StringVar(&runName, "name", "", "Registry display name for detached runs")
	runCmd.Flags().StringVar(&runDBPath, "db", "", "Metric store path (default is XDG data dir)")
	runCmd.Flags().IntVar(&runEpochsOver, "epochs", 0, "Override training.epochs")
	runCmd.Flags().IntVar(&runWorkersOver, "workers", 0, "Override scaling.workers")

	runCmd.Flags().StringVar(&managedRunID, "_managed-run-id", "", "")
	_ = runCmd.Flags().MarkHidden("_managed-run-id")

	_ = runCmd.MarkFlagRequired("job")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	m, err := manifest.Load(runJobPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", runJobPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	observability.CLILogger.Debug("Loaded manifest",
		zap.String("path", runJobPath),
		zap.String("run", m.Run.Name),
		zap.Int("workers", m.Scaling.Workers))

	if runOutput != "" {
		m.Report.Destination = runOutput
	}
	if runQuiet {
		enabled := false
		m.Report.Progress = &enabled
	}
	if runEpochsOver > 0 {
		m.Training.Epochs = runEpochsOver
	}
	if runWorkersOver > 0 {
		m.Scaling.Workers = runWorkersOver
	}

	if runPlan || runDryRun {
		return showRunPlan(m)
	}

	// The readonly latch blocks anything that mutates the checkpoint store.
	if IsReadOnly() && m.Checkpoint != nil {
		return exitError(foundry.ExitInvalidArgument,
			"readonly mode enabled: refusing run with checkpoint uploads",
			fmt.Errorf("remove the checkpoint section, use --dry-run, or disable --readonly"))
	}

	if runDetach {
		return startDetachedRun(m)
	}

	return executeRun(ctx, m)
}

// showRunPlan displays what would run without executing.
func showRunPlan(m *manifest.Manifest) error {
	fmt.Println("=== Run Plan (dry-run) ===")
	fmt.Println()
	fmt.Printf("Run:          %s\n", m.Run.Name)
	fmt.Printf("Workers:      %d\n", m.Scaling.Workers)
	fmt.Printf("Accelerator:  %t\n", m.Scaling.UseAccelerator)
	if len(m.Scaling.ResourcesPerWorker) > 0 {
		fmt.Printf("Resources:    %v\n", m.Scaling.ResourcesPerWorker)
	}
	fmt.Printf("Join timeout: %s\n", valueOrDefault(m.Scaling.JoinTimeout, manifest.DefaultJoinTimeout))
	fmt.Printf("Epochs:       %d\n", m.Training.Epochs)
	if m.Training.BatchSize > 0 {
		fmt.Printf("Batch size:   %d\n", m.Training.BatchSize)
	}
	fmt.Println()

	fmt.Printf("Dataset size: %d\n", m.Data.DatasetSize)
	fmt.Printf("Shuffle:      %t (seed %d)\n", m.Data.ShuffleEnabled(), m.Run.Seed)
	if m.Data.Source != nil {
		fmt.Printf("Catalog:      %s %s\n", m.Data.Source.Provider, sourceLocation(m.Data.Source))
		if len(m.Data.Source.Includes) > 0 {
			fmt.Printf("Includes:     %v\n", m.Data.Source.Includes)
		}
		if len(m.Data.Source.Excludes) > 0 {
			fmt.Printf("Excludes:     %v\n", m.Data.Source.Excludes)
		}
	}
	fmt.Println()

	if m.Checkpoint != nil {
		fmt.Printf("Checkpoints:  every %d epoch(s) to %s %s\n",
			m.Checkpoint.Every, m.Checkpoint.Store.Provider, storeLocation(&m.Checkpoint.Store))
		if m.Checkpoint.Keep > 0 {
			fmt.Printf("Retention:    keep %d\n", m.Checkpoint.Keep)
		} else {
			fmt.Println("Retention:    keep all")
		}
	} else {
		fmt.Println("Checkpoints:  disabled")
	}
	fmt.Printf("Output:       %s\n", valueOrDefault(m.Report.Destination, manifest.DefaultDestination))
	fmt.Println()
	fmt.Println("Run without --dry-run to execute.")
	return nil
}

func sourceLocation(s *manifest.SourceSection) string {
	if s.Provider == "file" {
		return s.BaseDir
	}
	loc := "s3://" + s.Bucket + "/" + s.Prefix
	return loc
}

func storeLocation(s *manifest.StoreSection) string {
	if s.Provider == "file" {
		return s.BaseDir
	}
	return "s3://" + s.Bucket + "/" + s.Prefix
}

// startDetachedRun hands the manifest to the registry executor and prints
// the managed run identity.
func startDetachedRun(m *manifest.Manifest) error {
	root, err := runsRootDir()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot resolve run registry", err)
	}

	name := runName
	if name == "" {
		name = m.Run.Name
	}

	exec := runregistry.NewExecutor(root)
	rec, err := exec.StartRunBackground(runJobPath, name, runregistry.BackgroundOptions{})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start detached run", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "run_id=%s\n", rec.RunID)
	_, _ = fmt.Fprintf(os.Stdout, "pid=%d\n", rec.PID)
	_, _ = fmt.Fprintf(os.Stdout, "stdout=%s\n", rec.StdoutPath)
	_, _ = fmt.Fprintf(os.Stdout, "stderr=%s\n", rec.StderrPath)
	return nil
}

// executeRun runs the job in-process and supervises it to completion.
func executeRun(ctx context.Context, m *manifest.Manifest) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := managedRunID
	if runID == "" {
		runID = uuid.New().String()
	}

	joinTimeout, err := m.Scaling.JoinTimeoutDuration()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	datasetSize := m.Data.DatasetSize
	if m.Data.Source != nil {
		n, err := catalogSize(ctx, m.Data.Source)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to build dataset catalog", err)
		}
		if datasetSize == 0 {
			datasetSize = n
		}
		observability.CLILogger.Info("Dataset catalog built",
			zap.Int("items", n),
			zap.Int("dataset_size", datasetSize))
	}

	cfg := driver.Config{
		Run: driver.RunConfig{
			RunName: m.Run.Name,
		},
		Spec: cohort.ScalingSpec{
			WorkerCount:        m.Scaling.Workers,
			UseAccelerator:     m.Scaling.UseAccelerator,
			ResourcesPerWorker: m.Scaling.ResourcesPerWorker,
		},
		JoinTimeout: joinTimeout,
		DatasetSize: datasetSize,
		Shuffle:     m.Data.ShuffleEnabled(),
		Seed:        m.Run.Seed,
		Epochs:      m.Training.Epochs,
		BatchSize:   m.Training.BatchSize,
		Params:      m.Training.Params,
		Logger:      observability.Logger(),
		Progress:    m.Report.ProgressEnabled(),
		RunID:       runID,
	}

	opts := trainerOptions{Seed: m.Run.Seed}

	if m.Checkpoint != nil {
		store, err := buildStoreProvider(ctx, &m.Checkpoint.Store)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to checkpoint store", err)
		}
		defer func() { _ = store.Close() }()

		initial, maxIvl, err := m.Checkpoint.Retry.Intervals()
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
		}

		cfg.Store = store
		cfg.Run.StoragePath = m.Checkpoint.Store.Prefix
		cfg.Run.RetentionCount = m.Checkpoint.Keep
		cfg.CheckpointEvery = m.Checkpoint.Every
		cfg.CheckpointAllRanks = m.Checkpoint.AllRanks()
		cfg.StagingRoot = m.Checkpoint.StagingDir
		cfg.Retry = checkpoint.RetryConfig{
			MaxAttempts:     m.Checkpoint.Retry.MaxAttempts,
			InitialInterval: initial,
			MaxInterval:     maxIvl,
		}
	}

	dbPath := runDBPath
	if dbPath == "" {
		dbPath, err = defaultMetricStorePath()
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Cannot resolve metric store path", err)
		}
	}
	db, err := metricstore.Open(ctx, metricstore.Config{Path: dbPath})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open metric store", err)
	}
	defer func() { _ = db.Close() }()
	if err := metricstore.Migrate(ctx, db); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Metric store migration failed", err)
	}
	cfg.DB = db

	writer, cleanup, err := createRunWriter(m, runID)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()
	cfg.Writer = writer

	if t := observability.TelemetrySystem; t != nil {
		cfg.Instruments = &driver.Instruments{
			RunsStarted:         t.RunsStarted,
			RunsSucceeded:       t.RunsSucceeded,
			RunsFailed:          t.RunsFailed,
			CheckpointsUploaded: t.CheckpointsUploaded,
			UploadRetries:       t.UploadRetries,
			WorkersLive:         t.WorkersLive,
		}
	}

	d, err := driver.New(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid run configuration", err)
	}

	opts.CheckpointAllRanks = cfg.CheckpointAllRanks

	start := time.Now()
	res, err := d.Fit(ctx, referenceTrainer(opts))

	finishManagedRun(m, err)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return exitError(foundry.ExitSignalInt, "Run cancelled", err)
		}
		if cohort.IsResourceUnavailable(err) {
			return exitError(foundry.ExitExternalServiceUnavailable, "Insufficient capacity", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Run failed", err)
	}

	observability.CLILogger.Info("Run complete",
		zap.String("run_id", d.RunID()),
		zap.String("state", string(res.State)),
		zap.Int("epochs", res.Epochs),
		zap.Int64("metrics_records", res.MetricsRecords),
		zap.String("latest_checkpoint", res.LatestCheckpoint),
		zap.Duration("duration", time.Since(start).Round(time.Millisecond)))
	for _, mv := range res.FinalMetrics {
		observability.CLILogger.Info("Final metric",
			zap.String("name", mv.Name),
			zap.Float64("value", mv.Value))
	}
	return nil
}

// finishManagedRun updates the registry record when running under the
// background executor.
func finishManagedRun(m *manifest.Manifest, runErr error) {
	if managedRunID == "" {
		return
	}
	root, err := runsRootDir()
	if err != nil {
		return
	}
	store := runregistry.NewStore(root)
	rec, err := store.Get(managedRunID)
	if err != nil {
		return
	}

	now := time.Now().UTC()
	rec.EndedAt = &now
	rec.LastHeartbeat = &now
	rec.WorkerCount = m.Scaling.Workers
	switch {
	case runErr == nil:
		rec.State = runregistry.RunStateSucceeded
	case errors.Is(runErr, context.Canceled):
		rec.State = runregistry.RunStateStopped
	default:
		rec.State = runregistry.RunStateFailed
	}
	_ = store.Write(rec)
}

// catalogSize builds the dataset catalog and returns its item count.
func catalogSize(ctx context.Context, src *manifest.SourceSection) (int, error) {
	prov, err := buildSourceProvider(ctx, src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = prov.Close() }()

	catalog, err := datasource.Build(ctx, datasource.Config{
		Provider:  prov,
		Prefix:    src.Prefix,
		Includes:  src.Includes,
		Excludes:  src.Excludes,
		RateLimit: src.RateLimit,
	})
	if err != nil {
		return 0, err
	}
	return catalog.Len(), nil
}

// buildStoreProvider creates the checkpoint store from manifest configuration.
func buildStoreProvider(ctx context.Context, s *manifest.StoreSection) (provider.Provider, error) {
	switch s.Provider {
	case "s3":
		return s3.New(ctx, s3.Config{
			Bucket:   s.Bucket,
			Region:   s.Region,
			Endpoint: s.Endpoint,
			Profile:  s.Profile,
			// S3-compatible services (moto, MinIO, etc.) require path style.
			ForcePathStyle: s.Endpoint != "",
		})
	case "file":
		return file.New(file.Config{BaseDir: s.BaseDir})
	default:
		return nil, fmt.Errorf("unsupported store provider: %s", s.Provider)
	}
}

// buildSourceProvider creates the dataset catalog provider from manifest
// configuration.
func buildSourceProvider(ctx context.Context, s *manifest.SourceSection) (provider.Provider, error) {
	switch s.Provider {
	case "s3":
		return s3.New(ctx, s3.Config{
			Bucket:         s.Bucket,
			Region:         s.Region,
			Endpoint:       s.Endpoint,
			Profile:        s.Profile,
			ForcePathStyle: s.Endpoint != "",
		})
	case "file":
		return file.New(file.Config{BaseDir: s.BaseDir})
	default:
		return nil, fmt.Errorf("unsupported source provider: %s", s.Provider)
	}
}

// createRunWriter creates the event writer from manifest configuration.
// Returns the writer, a cleanup function, and any error.
func createRunWriter(m *manifest.Manifest, runID string) (events.Writer, func(), error) {
	dest := m.Report.Destination

	if dest == "" || dest == "stdout" {
		w := events.NewJSONLWriter(os.Stdout, runID, m.Run.Name)
		return w, func() { _ = w.Close() }, nil
	}

	path := dest
	if strings.HasPrefix(dest, "file:") {
		path = strings.TrimPrefix(dest, "file:")
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}

	w := events.NewJSONLWriter(f, runID, m.Run.Name)
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}
