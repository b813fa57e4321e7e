package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gocohort/internal/observability"
)

func TestSignalHealthChecker(t *testing.T) {
	// Signal handling is wired at process start; the checker only confirms
	// the handler is installed, so it never fails.
	assert.NoError(t, signalHealthChecker{}.CheckHealth(context.Background()))
}

func TestTelemetryHealthChecker(t *testing.T) {
	origTelemetry := observability.TelemetrySystem
	origExporter := observability.PrometheusExporter
	defer func() {
		observability.TelemetrySystem = origTelemetry
		observability.PrometheusExporter = origExporter
	}()

	observability.TelemetrySystem = nil
	observability.PrometheusExporter = nil

	err := telemetryHealthChecker{}.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telemetry system not initialized")
}

func TestIdentityHealthChecker(t *testing.T) {
	valid := identityHealthChecker{
		binaryName: "gocohort",
		envPrefix:  "GOCOHORT",
		configName: "gocohort",
	}

	t.Run("complete identity", func(t *testing.T) {
		assert.NoError(t, valid.CheckHealth(context.Background()))
	})

	tests := []struct {
		name  string
		blank func(c *identityHealthChecker)
		want  string
	}{
		{"binary name", func(c *identityHealthChecker) { c.binaryName = "" }, "missing binary name"},
		{"env prefix", func(c *identityHealthChecker) { c.envPrefix = "" }, "missing env prefix"},
		{"config name", func(c *identityHealthChecker) { c.configName = "" }, "missing config name"},
	}

	for _, tt := range tests {
		t.Run("missing "+tt.name, func(t *testing.T) {
			c := valid
			tt.blank(&c)

			err := c.CheckHealth(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
