package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/app"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/config"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/engine"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
	memorynotify "github.com/JakeFAU/realtime-cpi-harvester/internal/notify/memory"
)

func writeCodes(t *testing.T, dir string, codes ...string) string {
	t.Helper()
	path := filepath.Join(dir, "codes.xlsx")
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetName(f.GetSheetName(0), "Compressors"))
	require.NoError(t, f.SetCellValue("Compressors", "A1", "Código"))
	for i, code := range codes {
		require.NoError(t, f.SetCellValue("Compressors", "A"+strconv.Itoa(i+2), code))
	}
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())
	return path
}

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	dir := t.TempDir()
	input := writeCodes(t, dir, "1", "2", "3", "4", "5", "6", "7", "8", "9", "10")
	return config.Config{
		Input:      config.InputConfig{Path: input, Partition: "Compressors", IDWidth: 10},
		Output:     config.OutputConfig{Path: config.DefaultOutputPath(input, backend)},
		Pool:       config.PoolConfig{Workers: 3, Tick: 20 * time.Millisecond, JoinTimeout: time.Second},
		Session:    config.SessionConfig{Provider: config.ProviderFake, Headless: true},
		Checkpoint: config.CheckpointConfig{Backend: backend, BatchMultiplier: 1, PollTimeout: 20 * time.Millisecond},
		Server:     config.ServerConfig{Port: 8080},
		Export:     config.ExportConfig{Enabled: true, Backend: "local", Dir: filepath.Join(dir, "exports"), Prefix: "runs"},
		Logging:    config.LoggingConfig{RingSize: 50},
	}
}

func TestRunEndToEndWithFakes(t *testing.T) {
	t.Parallel()

	for _, backend := range []string{config.BackendMemory, config.BackendXLSX, config.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig(t, backend)
			notes := memorynotify.New()
			a, err := app.Build(context.Background(), cfg, app.Options{Logger: zap.NewNop(), Notifier: notes})
			require.NoError(t, err)
			defer a.Close(context.Background())

			ctrl := a.Controller()
			_, err = ctrl.Start(context.Background(), a.Request(""))
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			summary, err := ctrl.Wait(ctx)
			require.NoError(t, err)
			require.Equal(t, string(engine.OutcomeComplete), summary.Outcome)
			require.Equal(t, 10, summary.Total)
			require.Equal(t, 10, summary.Saved)
			require.Equal(t, 2, summary.StatusCount[harvest.StatusNotFound])
			require.Equal(t, 1, summary.StatusCount[harvest.StatusUnavailable])

			require.True(t, strings.HasPrefix(summary.ExportURI, "file://"), summary.ExportURI)
			csv, err := os.ReadFile(strings.TrimPrefix(summary.ExportURI, "file://"))
			require.NoError(t, err)
			require.Equal(t, 11, strings.Count(string(csv), "\n"))

			last, ok := notes.Last()
			require.True(t, ok)
			require.Equal(t, summary.RunID, last.RunID)
		})
	}
}

func TestSecondRunAsksForDecision(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, config.BackendMemory)
	cfg.Export.Enabled = false
	a, err := app.Build(context.Background(), cfg, app.Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	defer a.Close(context.Background())

	ctrl := a.Controller()
	_, err = ctrl.Start(context.Background(), a.Request(""))
	require.NoError(t, err)
	_, err = ctrl.Wait(context.Background())
	require.NoError(t, err)

	insp, err := ctrl.Inspect(context.Background(), a.Request(""))
	require.NoError(t, err)
	require.Equal(t, 10, insp.Saved)

	_, err = ctrl.Start(context.Background(), a.Request(engine.ChoiceCancel))
	require.ErrorIs(t, err, engine.ErrCanceled)
}

func TestAPIServerServesStatus(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, config.BackendMemory)
	a, err := app.Build(context.Background(), cfg, app.Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	defer a.Close(context.Background())

	srv := httptest.NewServer(a.APIServer().Handler())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/metrics", "/v1/run/status", "/v1/run/logs", "/v1/run/events"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err, path)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestBuildRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, config.BackendMemory)
	cfg.Session.Provider = "selenium"
	_, err := app.Build(context.Background(), cfg, app.Options{Logger: zap.NewNop()})
	require.Error(t, err)
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, config.BackendMemory)
	cfg.Server.Port = 0
	a, err := app.Build(context.Background(), cfg, app.Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	defer a.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not return")
	}
}
