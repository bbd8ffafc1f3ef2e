package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Reports the checkpoint state of the configured output",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			insp, err := appInstance.Controller().Inspect(cmd.Context(), appInstance.Request(""))
			if err != nil {
				return fmt.Errorf("inspect: %w", err)
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(insp)
			}
			fmt.Fprintln(cmd.OutOrStdout(), insp.Describe())
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print the full inspection as JSON")
	return cmd
}

func newPartitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "partitions",
		Short: "Lists the worksheets of the input workbook",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			req := appInstance.Request("")
			names, err := appInstance.Controller().Partitions(cmd.Context(), req.Input)
			if err != nil {
				return fmt.Errorf("list partitions: %w", err)
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
