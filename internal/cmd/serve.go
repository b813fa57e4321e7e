package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gocohort/internal/config"
	"github.com/3leaps/gocohort/internal/observability"
	"github.com/3leaps/gocohort/internal/server"
	"github.com/3leaps/gocohort/internal/server/handlers"
	"github.com/3leaps/gocohort/pkg/metricstore"
)

var (
	serveHost   string
	servePort   int
	serveDBPath string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the status server",
	Long: `Run the gocohort status server.

The server exposes health probes, version info, Prometheus metrics, and a
run query API backed by the metric store.

Endpoints:
  /health, /health/live, /health/ready, /health/startup
  /version
  /metrics
  /api/v1/runs, /api/v1/runs/{id}, /api/v1/runs/{id}/metrics

Example:
  gocohort serve --port 8080 --db ~/.local/share/gocohort/metrics.db`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from config)")
	serveCmd.Flags().StringVar(&serveDBPath, "db", "", "Metric store path for the run query API")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	host := cfg.Server.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}

	logger := observability.InitLogger(cfg.Logging.Level)

	if cfg.Metrics.Enabled {
		observability.InitTelemetry()
	}

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("signals", signalHealthChecker{})
	if cfg.Metrics.Enabled {
		hm.RegisterChecker("telemetry", telemetryHealthChecker{})
	}
	identity := GetAppIdentity()
	if identity != nil {
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: identity.BinaryName,
			envPrefix:  identity.EnvPrefix,
			configName: identity.ConfigName,
		})
	}
	hm.RegisterChecker("staging", stagingDirHealthChecker{})

	srv := server.New(host, port)

	dbPath := serveDBPath
	if dbPath == "" {
		dbPath, _ = defaultMetricStorePath()
	}
	if dbPath != "" {
		db, err := metricstore.Open(ctx, metricstore.Config{Path: dbPath})
		if err != nil {
			logger.Warn("metric store unavailable, run API disabled",
				zap.String("path", dbPath), zap.Error(err))
		} else {
			defer func() { _ = db.Close() }()
			if err := metricstore.Migrate(ctx, db); err != nil {
				return exitError(foundry.ExitExternalServiceUnavailable, "Metric store migration failed", err)
			}
			srv.AttachRunStore(db)
			hm.RegisterChecker("metricstore", dbHealthChecker{db: db})
		}
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("status server starting",
		zap.String("addr", srv.Addr()),
		zap.Bool("metrics_enabled", cfg.Metrics.Enabled),
		zap.String("version", versionInfo.Version))

	if err := srv.Start(runCtx, cfg.Server.ShutdownTimeout); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Status server failed", err)
	}
	logger.Info("status server stopped")
	return nil
}

// signalHealthChecker reports signal handling readiness. Signal delivery is
// wired unconditionally by runServe, so the check always passes; it exists
// to surface the subsystem by name in probe responses.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(_ context.Context) error {
	return nil
}

// telemetryHealthChecker verifies the Prometheus exporter is wired.
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(_ context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return fmt.Errorf("telemetry system not initialized")
	}
	return nil
}

// stagingDirHealthChecker verifies checkpoint staging can create files
// under the OS temp dir, the uploader's default staging root.
type stagingDirHealthChecker struct{}

func (stagingDirHealthChecker) CheckHealth(_ context.Context) error {
	f, err := os.CreateTemp("", "gocohort-staging-probe-*")
	if err != nil {
		return fmt.Errorf("staging dir not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return nil
}

// identityHealthChecker verifies the application identity is fully resolved.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(_ context.Context) error {
	if c.binaryName == "" {
		return fmt.Errorf("missing binary name")
	}
	if c.envPrefix == "" {
		return fmt.Errorf("missing env prefix")
	}
	if c.configName == "" {
		return fmt.Errorf("missing config name")
	}
	return nil
}
