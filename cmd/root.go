// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/app"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/config"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/engine"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/logging"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the slice of *app.App the commands use.
type App interface {
	Controller() *engine.Controller
	Logger() *zap.Logger
	Ring() *logging.Ring
	Request(choice engine.Choice) engine.Request
	Serve(ctx context.Context) error
	Close(ctx context.Context)
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, opts app.Options) (App, error) {
	return app.Build(ctx, cfg, opts)
}

// flagBindings maps config keys to the persistent override flags.
var flagBindings = map[string]string{
	"input.path":         "input",
	"input.partition":    "partition",
	"output.path":        "output",
	"pool.workers":       "workers",
	"session.headless":   "headless",
	"checkpoint.backend": "backend",
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Resumable concurrent catalog harvester.",
		Long: `harvester walks a list of product codes with a pool of logged-in browser
workers, extracts one record per code and checkpoints the results so that an
interrupted run can be resumed where it stopped.`,
		SilenceUsage: true,

		// Builds the application once flags are parsed and stores it in the
		// context for the subcommand.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithFlags(cfgFile, cmd.Flags(), flagBindings)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			quiet, _ := cmd.Flags().GetBool("tui")
			appInstance, err := newApp(cmd.Context(), cfg, app.Options{ConfigPath: cfgFile, Quiet: quiet})
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close(context.WithoutCancel(cmd.Context()))
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	addOverrideFlags(cmd.PersistentFlags())

	cmd.AddCommand(newRunCmd(), newServeCmd(), newInspectCmd(), newPartitionsCmd())
	return cmd
}

func addOverrideFlags(fs *pflag.FlagSet) {
	fs.String("input", "", "input workbook with one code per row")
	fs.String("partition", "", "worksheet to harvest")
	fs.String("output", "", "checkpoint output (file path, or postgres)")
	fs.Int("workers", 0, "worker pool size")
	fs.Bool("headless", true, "run browsers headless")
	fs.String("backend", "", "checkpoint backend: xlsx, sqlite, postgres or memory")
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
