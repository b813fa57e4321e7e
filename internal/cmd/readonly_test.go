package cmd

import (
	"context"
	"os"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func resetReadOnly(t *testing.T) {
	t.Helper()
	readOnly = false
	viper.Set("readonly", false)
	require.NoError(t, rootCmd.PersistentFlags().Set("readonly", "false"))
}

func TestPreflightDataset_ReadOnly_BlocksWriteProbe(t *testing.T) {
	resetReadOnly(t)

	rootCmd.SetArgs([]string{"--readonly", "preflight", "dataset", "s3://bucket/data/**/*.npz", "--mode", "write-probe"})
	rootCmd.SetContext(context.Background())

	err := rootCmd.Execute()
	rootCmd.SetArgs(nil)
	resetReadOnly(t)

	require.Error(t, err)
	require.Contains(t, err.Error(), "readonly")
}

func TestPreflightStore_ReadOnly_BlocksWriteProbe(t *testing.T) {
	resetReadOnly(t)

	rootCmd.SetArgs([]string{"--readonly", "preflight", "store", "s3://bucket/", "--mode", "write-probe"})
	rootCmd.SetContext(context.Background())

	err := rootCmd.Execute()
	rootCmd.SetArgs(nil)
	resetReadOnly(t)

	require.Error(t, err)
	require.Contains(t, err.Error(), "readonly")
}

func TestRun_ReadOnly_BlocksCheckpointUploads(t *testing.T) {
	resetReadOnly(t)

	f, err := os.CreateTemp("", "gocohort-run-*.yaml")
	require.NoError(t, err)
	defer func() { _ = os.Remove(f.Name()) }()
	defer func() { _ = f.Close() }()

	_, err = f.WriteString(`version: "1.0"
run:
  name: readonly-check
scaling:
  workers: 2
data:
  dataset_size: 100
checkpoint:
  store:
    provider: file
    base_dir: /tmp/gocohort-test-store
  keep: 2
  every: 1
`)
	require.NoError(t, err)

	rootCmd.SetArgs([]string{"--readonly", "run", "--job", f.Name()})
	rootCmd.SetContext(context.Background())

	err = rootCmd.Execute()
	rootCmd.SetArgs(nil)
	resetReadOnly(t)

	require.Error(t, err)
	require.Contains(t, err.Error(), "readonly")
}
