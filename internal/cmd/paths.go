package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	gfconfig "github.com/fulmenhq/gofulmen/config"
)

// appDataDir resolves the XDG data directory for gocohort state.
func appDataDir() (string, error) {
	identity := GetAppIdentity()
	if identity == nil || strings.TrimSpace(identity.ConfigName) == "" {
		return "", fmt.Errorf("app identity is not available to derive data paths")
	}
	return gfconfig.GetAppDataDir(identity.ConfigName), nil
}

// defaultMetricStorePath resolves the default metric database path.
func defaultMetricStorePath() (string, error) {
	dataDir, err := appDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "metrics", "gocohort-metrics.db"), nil
}

// runsRootDir resolves the run registry root directory.
func runsRootDir() (string, error) {
	dataDir, err := appDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "runs"), nil
}

// dbHealthChecker pings an open metric store.
type dbHealthChecker struct {
	db *sql.DB
}

func (c dbHealthChecker) CheckHealth(ctx context.Context) error {
	if c.db == nil {
		return fmt.Errorf("metric store not attached")
	}
	return c.db.PingContext(ctx)
}

// valueOrDefault returns the value or a default if empty.
func valueOrDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}
