// Package config loads the gocohort application configuration.
//
// Precedence, highest first: runtime overrides, GOCOHORT_* environment
// variables, an optional config file at the project root or the user config
// directory, then built-in defaults.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
	Debug   DebugConfig   `mapstructure:"debug"`
	Workers int           `mapstructure:"workers"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures log level and output profile.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// HealthConfig configures health probes.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig configures debug surfaces.
type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// AppIdentity names the application for env-var prefixes and config file
// discovery.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// envSpec maps one environment variable onto a config path.
type envSpec struct {
	// Name is the full environment variable name, e.g. "GOCOHORT_PORT".
	Name string

	// Path is the dotted config key the variable sets, e.g. "server.port".
	Path string
}

var (
	configMu    sync.Mutex
	appIdentity *AppIdentity
	appConfig   *Config
)

// Load builds the configuration, applying optional runtime overrides with
// the highest precedence. The loaded config becomes the GetConfig value.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		appIdentity = &AppIdentity{
			BinaryName: "gocohort",
			EnvPrefix:  "GOCOHORT",
			ConfigName: "gocohort",
		}
	}

	v := viper.New()
	setLoaderDefaults(v)

	// Optional config file; missing files are not an error.
	for _, path := range getUserConfigPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		break
	}

	for _, spec := range getEnvSpecs() {
		if val, ok := os.LookupEnv(spec.Name); ok && val != "" {
			v.Set(spec.Path, val)
		}
	}

	for _, m := range overrides {
		for key, val := range flattenOverrides("", m) {
			v.Set(key, val)
		}
	}

	cfg := &Config{}
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Logging.Profile = strings.ToUpper(cfg.Logging.Profile)

	appConfig = cfg
	return cfg, nil
}

// GetConfig returns the most recently loaded configuration, nil before the
// first Load.
func GetConfig() *Config {
	configMu.Lock()
	defer configMu.Unlock()
	return appConfig
}

func setLoaderDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
	v.SetDefault("workers", 4)
}

// getEnvSpecs returns the environment variable mappings for the current app
// identity, empty before Load.
func getEnvSpecs() []envSpec {
	if appIdentity == nil {
		return nil
	}
	prefix := appIdentity.EnvPrefix + "_"
	return []envSpec{
		{Name: prefix + "HOST", Path: "server.host"},
		{Name: prefix + "PORT", Path: "server.port"},
		{Name: prefix + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: prefix + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: prefix + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: prefix + "LOG_LEVEL", Path: "logging.level"},
		{Name: prefix + "LOG_PROFILE", Path: "logging.profile"},
		{Name: prefix + "METRICS_ENABLED", Path: "metrics.enabled"},
		{Name: prefix + "METRICS_PORT", Path: "metrics.port"},
		{Name: prefix + "HEALTH_ENABLED", Path: "health.enabled"},
		{Name: prefix + "DEBUG", Path: "debug.enabled"},
		{Name: prefix + "PPROF", Path: "debug.pprof_enabled"},
		{Name: prefix + "WORKERS", Path: "workers"},
	}
}

// getUserConfigPaths returns config file candidates in precedence order,
// empty before Load.
func getUserConfigPaths() []string {
	if appIdentity == nil {
		return nil
	}

	var paths []string
	if root, err := findProjectRoot(); err == nil {
		paths = append(paths, filepath.Join(root, appIdentity.ConfigName+".yaml"))
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(configDir, appIdentity.ConfigName, "config.yaml"))
	}
	return paths
}

// ciBoundaryEnvVars are checked in order for a CI workspace root hint.
var ciBoundaryEnvVars = []string{
	"FULMEN_WORKSPACE_ROOT",
	"GITHUB_WORKSPACE",
	"CI_PROJECT_DIR",
	"WORKSPACE",
}

// findProjectRoot locates the repository root containing go.mod.
//
// In CI, boundary hint variables are honored when they name an absolute,
// existing directory that contains the working directory; otherwise the
// root is discovered by walking up from the working directory.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}

	if os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true" {
		for _, name := range ciBoundaryEnvVars {
			boundary := os.Getenv(name)
			if boundary == "" || !filepath.IsAbs(boundary) {
				continue
			}
			info, err := os.Stat(boundary)
			if err != nil || !info.IsDir() {
				continue
			}
			if !containsPath(boundary, cwd) {
				continue
			}
			return boundary, nil
		}
	}

	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("no go.mod found above %s", cwd)
}

// containsPath reports whether child is root or lives under root.
func containsPath(root, child string) bool {
	rel, err := filepath.Rel(root, child)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// flattenOverrides converts nested override maps into dotted config keys.
func flattenOverrides(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for key, val := range m {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			for k, v := range flattenOverrides(full, nested) {
				out[k] = v
			}
			continue
		}
		out[full] = val
	}
	return out
}
