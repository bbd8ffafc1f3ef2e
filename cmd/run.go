package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/engine"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/tui"
)

const (
	statusEvery  = 15 * time.Second
	windDownWait = 2 * time.Minute
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Harvests one partition of the input",
		Long: `Runs the harvest for the configured input and partition. When the output
already holds a checkpoint, pass --resume, --restart or --overwrite to choose
how to continue. Interrupting the command winds the run down and saves every
buffered record before exiting.`,
		RunE: runHarvest,
	}
	cmd.Flags().Bool("resume", false, "continue the existing checkpoint")
	cmd.Flags().Bool("restart", false, "start over from the first row, replacing the output")
	cmd.Flags().Bool("overwrite", false, "discard the existing output and start over")
	cmd.Flags().Bool("tui", false, "show the interactive terminal dashboard")
	cmd.MarkFlagsMutuallyExclusive("resume", "restart", "overwrite")
	return cmd
}

func choiceFromFlags(cmd *cobra.Command) engine.Choice {
	for _, c := range []engine.Choice{engine.ChoiceResume, engine.ChoiceRestart, engine.ChoiceOverwrite} {
		if set, _ := cmd.Flags().GetBool(string(c)); set {
			return c
		}
	}
	return ""
}

func runHarvest(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctrl := appInstance.Controller()
	logger := appInstance.Logger()
	req := appInstance.Request(choiceFromFlags(cmd))

	runID, err := ctrl.Start(cmd.Context(), req)
	var decision *engine.DecisionError
	switch {
	case errors.As(err, &decision):
		fmt.Fprintln(cmd.OutOrStdout(), decision.Inspection.Describe())
		return errors.New("rerun with --resume, --restart or --overwrite")
	case errors.Is(err, engine.ErrCanceled):
		fmt.Fprintln(cmd.OutOrStdout(), "run canceled")
		return nil
	case err != nil:
		return fmt.Errorf("start run: %w", err)
	}
	logger.Info("run started", zap.String("run_id", runID), zap.String("partition", req.Partition))

	if tuiOn, _ := cmd.Flags().GetBool("tui"); tuiOn {
		if err := tui.Run(ctrl, appInstance.Ring(), tui.Config{}); err != nil {
			_ = ctrl.Stop()
			logger.Error("terminal ui failed", zap.Error(err))
		}
	} else {
		followRun(cmd.Context(), ctrl, func(line string) { fmt.Fprintln(cmd.OutOrStdout(), line) })
	}

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), windDownWait)
	defer cancel()
	summary, err := ctrl.Wait(waitCtx)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s %s: %d/%d saved\n", summary.RunID, summary.Outcome, summary.Saved, summary.Total)
	if summary.ExportURI != "" {
		fmt.Fprintln(cmd.OutOrStdout(), "exported to", summary.ExportURI)
	}
	return nil
}

// followRun prints the status line until the run finishes. Cancelling ctx
// asks the run to wind down.
func followRun(ctx context.Context, ctrl *engine.Controller, print func(string)) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = ctrl.Wait(context.WithoutCancel(ctx))
	}()

	t := time.NewTicker(statusEvery)
	defer t.Stop()
	interrupted := ctx.Done()
	for {
		select {
		case <-done:
			return
		case <-interrupted:
			interrupted = nil
			print("stopping, saving buffered records...")
			_ = ctrl.Stop()
		case <-t.C:
			if snap, ok := ctrl.Snapshot(); ok {
				print(tui.StatusLine(snap))
			}
		}
	}
}
