// Package cmd implements the gocohort command line interface.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/gocohort/internal/config"
	"github.com/3leaps/gocohort/internal/observability"
)

// versionInfo carries build metadata injected at link time via SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata for the version command and the
// status server. Called from main before Execute.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// appIdentity names the application for env-var prefixes and config file
// discovery. Set during root command initialization.
var appIdentity *config.AppIdentity

// GetAppIdentity returns the resolved application identity, or nil before
// initialization.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

var (
	readOnly bool
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "gocohort",
	Short: "Distributed training orchestration",
	Long: `gocohort runs data-parallel training jobs: it scales a worker group,
forms the collective, shards the dataset, synchronizes gradients, and
uploads checkpoints to durable storage with retention.

Jobs are described by a YAML or JSON manifest. Use 'gocohort run --job'
to execute one, 'gocohort preflight' to probe store permissions first,
and 'gocohort serve' for the status server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.InitCLILogger(viper.GetString("logging.profile"), verbose)
	},
}

// Execute runs the root command. Called from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	appIdentity = &config.AppIdentity{
		BinaryName: "gocohort",
		EnvPrefix:  "GOCOHORT",
		ConfigName: "gocohort",
	}

	rootCmd.PersistentFlags().BoolVar(&readOnly, "readonly", false,
		"Disable all provider-side mutations (write probes, checkpoint uploads, pruning)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug-level CLI output")

	_ = viper.BindPFlag("readonly", rootCmd.PersistentFlags().Lookup("readonly"))
}

func initConfig() {
	setDefaults()

	viper.SetEnvPrefix(appIdentity.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// setDefaults installs the built-in configuration defaults on the global
// viper instance. Kept in sync with internal/config's loader defaults.
func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "10s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.profile", "structured")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)

	viper.SetDefault("health.enabled", true)

	viper.SetDefault("workers", 4)

	viper.SetDefault("debug.enabled", false)
	viper.SetDefault("debug.pprof_enabled", false)
}

// IsReadOnly reports whether provider-side mutations are disabled, either
// via --readonly or the GOCOHORT_READONLY environment variable.
func IsReadOnly() bool {
	if readOnly || viper.GetBool("readonly") {
		return true
	}
	switch strings.ToLower(os.Getenv("GOCOHORT_READONLY")) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

// ExitWithCode logs a fatal condition and terminates the process with the
// given exit code. Reserved for paths where returning an error up the cobra
// stack would lose the code.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger != nil {
		logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	}
	os.Exit(code)
}
