package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/app"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/config"
)

func writeFixture(t *testing.T) (cfgPath string) {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "codes.xlsx")
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetName(f.GetSheetName(0), "Tools"))
	require.NoError(t, f.SetCellValue("Tools", "A1", "Código"))
	for i := 0; i < 6; i++ {
		require.NoError(t, f.SetCellValue("Tools", fmt.Sprintf("A%d", i+2), fmt.Sprintf("%d", 100+i)))
	}
	require.NoError(t, f.SaveAs(input))
	require.NoError(t, f.Close())

	cfgPath = filepath.Join(dir, "harvester.yaml")
	body := fmt.Sprintf(`
input:
  path: %s
  partition: Tools
pool:
  workers: 2
  tick: 20ms
  start_spacing: 0s
session:
  provider: fake
checkpoint:
  backend: xlsx
  batch_multiplier: 1
  poll_timeout: 20ms
`, input)
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))
	return cfgPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	prev := newApp
	newApp = func(ctx context.Context, cfg config.Config, opts app.Options) (App, error) {
		opts.Logger = zap.NewNop()
		opts.ConfigPath = ""
		return app.Build(ctx, cfg, opts)
	}
	t.Cleanup(func() { newApp = prev; cfgFile = "" })

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunThenRequireDecision(t *testing.T) {
	cfgPath := writeFixture(t)

	out, err := execute(t, "run", "--config", cfgPath)
	require.NoError(t, err)
	require.Contains(t, out, "complete: 6/6 saved")

	out, err = execute(t, "run", "--config", cfgPath)
	require.Error(t, err)
	require.Contains(t, out, "6 of 6 rows saved")

	out, err = execute(t, "run", "--config", cfgPath, "--overwrite", "--workers", "1")
	require.NoError(t, err)
	require.Contains(t, out, "complete: 6/6 saved")
}

func TestInspectAndPartitions(t *testing.T) {
	cfgPath := writeFixture(t)

	out, err := execute(t, "inspect", "--config", cfgPath)
	require.NoError(t, err)
	require.Contains(t, out, "no previous checkpoint")

	out, err = execute(t, "partitions", "--config", cfgPath)
	require.NoError(t, err)
	require.Equal(t, "Tools\n", out)
}

func TestRunChoiceFlagsDescribeReset(t *testing.T) {
	t.Parallel()

	cmd := newRunCmd()
	for _, name := range []string{"restart", "overwrite"} {
		require.NotContains(t, cmd.Flags().Lookup(name).Usage, "keeping", name)
	}
	require.Contains(t, cmd.Flags().Lookup("restart").Usage, "replacing the output")
}

func TestRunRejectsConflictingChoices(t *testing.T) {
	cfgPath := writeFixture(t)

	_, err := execute(t, "run", "--config", cfgPath, "--resume", "--overwrite")
	require.Error(t, err)
}
