package cmd

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPreflightDataset_PlanOnly_WritesRecord(t *testing.T) {
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	defer func() { os.Stdout = oldStdout }()

	preflightMode = "plan-only"
	preflightProbeStrategy = "multipart-abort"
	preflightProbePrefix = "_gocohort/probe/"

	rootCmd.SetArgs([]string{"preflight", "dataset", "s3://bucket/data/**/*.npz", "--mode", "plan-only"})
	rootCmd.SetContext(context.Background())

	require.NoError(t, rootCmd.Execute())
	rootCmd.SetArgs(nil)

	require.NoError(t, w.Close())

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	out := buf.String()

	require.Contains(t, out, "gocohort.preflight.v1")
	require.Contains(t, out, "\"mode\":\"plan-only\"")
}

func TestPreflightStore_PlanOnly_WritesRecord(t *testing.T) {
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	defer func() { os.Stdout = oldStdout }()

	preflightMode = "plan-only"
	preflightProbeStrategy = "put-delete"
	preflightProbePrefix = "_gocohort/probe/"

	rootCmd.SetArgs([]string{"preflight", "store", "s3://bucket/checkpoints/", "--mode", "plan-only"})
	rootCmd.SetContext(context.Background())

	require.NoError(t, rootCmd.Execute())
	rootCmd.SetArgs(nil)

	require.NoError(t, w.Close())

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	out := buf.String()

	require.Contains(t, out, "gocohort.preflight.v1")
	require.Contains(t, out, "\"probe_strategy\":\"put-delete\"")
}
