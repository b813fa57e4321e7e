package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("no go.mod above the test working directory")
		}
		dir = parent
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.True(t, cfg.Health.Enabled)

	assert.Equal(t, 4, cfg.Workers)
	assert.False(t, cfg.Debug.Enabled)
	assert.False(t, cfg.Debug.PprofEnabled)
}

func TestLoad_RuntimeOverrides(t *testing.T) {
	cfg, err := Load(context.Background(), map[string]any{
		"server":  map[string]any{"port": 9000, "host": "0.0.0.0"},
		"logging": map[string]any{"level": "debug"},
	})
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched keys keep their defaults.
	assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GOCOHORT_PORT", "3000")
	t.Setenv("GOCOHORT_LOG_LEVEL", "warn")
	t.Setenv("GOCOHORT_METRICS_ENABLED", "false")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_RuntimeBeatsEnv(t *testing.T) {
	t.Setenv("GOCOHORT_PORT", "4000")

	cfg, err := Load(context.Background(), map[string]any{
		"server": map[string]any{"port": 5000},
	})
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.Port)
}

func TestLoad_DurationEnvVars(t *testing.T) {
	t.Setenv("GOCOHORT_READ_TIMEOUT", "45s")
	t.Setenv("GOCOHORT_SHUTDOWN_TIMEOUT", "5m")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
}

func TestLoad_CIBoundaryHint(t *testing.T) {
	// In CI containers the checkout may sit outside $HOME, which blocks
	// repo root discovery unless a workspace boundary hint is honored.
	root := repoRoot(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CI", "true")
	t.Setenv("FULMEN_WORKSPACE_ROOT", root)

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cfg)
}

func TestGetConfig_TracksLatestLoad(t *testing.T) {
	ctx := context.Background()

	cfg1, err := Load(ctx)
	require.NoError(t, err)

	cfg2, err := Load(ctx, map[string]any{
		"server": map[string]any{"port": cfg1.Server.Port + 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, cfg1.Server.Port+1000, cfg2.Server.Port)

	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

func TestEnvSpecs(t *testing.T) {
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool, len(specs))
	for _, spec := range specs {
		names[spec.Name] = true
		assert.Contains(t, spec.Name, "GOCOHORT_")
		assert.NotEmpty(t, spec.Path, "env var %s must map to a config path", spec.Name)
	}

	for _, want := range []string{
		"GOCOHORT_LOG_LEVEL",
		"GOCOHORT_PORT",
		"GOCOHORT_HOST",
		"GOCOHORT_METRICS_PORT",
	} {
		assert.True(t, names[want], "%s must be mapped", want)
	}
}

// resetAppIdentity clears package state so nil-identity paths can be hit.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestNilIdentityPaths(t *testing.T) {
	resetAppIdentity()
	defer func() { _, _ = Load(context.Background()) }()

	assert.Empty(t, getUserConfigPaths())
	assert.Empty(t, getEnvSpecs())
}

func TestFindProjectRoot_CIBoundaries(t *testing.T) {
	root := repoRoot(t)

	t.Run("empty boundary vars fall back to discovery", func(t *testing.T) {
		t.Setenv("CI", "true")
		t.Setenv("FULMEN_WORKSPACE_ROOT", "")
		t.Setenv("GITHUB_WORKSPACE", "")
		t.Setenv("CI_PROJECT_DIR", "")
		t.Setenv("WORKSPACE", "")

		got, err := findProjectRoot()
		require.NoError(t, err)
		assert.NotEmpty(t, got)
	})

	t.Run("relative boundary is ignored", func(t *testing.T) {
		t.Setenv("CI", "true")
		t.Setenv("FULMEN_WORKSPACE_ROOT", "./relative/path")

		got, err := findProjectRoot()
		require.NoError(t, err)
		assert.NotEmpty(t, got)
	})

	t.Run("nonexistent boundary is ignored", func(t *testing.T) {
		t.Setenv("CI", "true")
		t.Setenv("FULMEN_WORKSPACE_ROOT", "/nonexistent/path")

		got, err := findProjectRoot()
		require.NoError(t, err)
		assert.NotEmpty(t, got)
	})

	t.Run("boundary not containing cwd is ignored", func(t *testing.T) {
		t.Setenv("CI", "true")
		t.Setenv("FULMEN_WORKSPACE_ROOT", os.TempDir())

		got, err := findProjectRoot()
		require.NoError(t, err)
		assert.NotEmpty(t, got)
	})

	t.Run("github workspace hint", func(t *testing.T) {
		t.Setenv("GITHUB_ACTIONS", "true")
		t.Setenv("GITHUB_WORKSPACE", root)

		got, err := findProjectRoot()
		require.NoError(t, err)
		assert.Equal(t, root, got)
	})
}
