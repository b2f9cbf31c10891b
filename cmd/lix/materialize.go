package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/lix/internal/config"
	"github.com/untoldecay/lix/internal/engine"
	"github.com/untoldecay/lix/internal/materialize"
)

var (
	flagVersions   []string
	flagDebugTrace string
	flagDebugRows  int
)

var materializeCmd = &cobra.Command{
	Use:   "materialize",
	Short: "Recompute projection tables from the commit graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		mode := flagDebugTrace
		if mode == "" {
			mode = config.GetString("materialize.debug")
		}
		plan, err := e.Materialize(ctx, engine.MaterializationRequest{
			VersionIDs:    flagVersions,
			Debug:         materialize.ParseTraceMode(mode),
			DebugRowLimit: flagDebugRows,
		})
		if err != nil {
			return err
		}

		fmt.Printf("materialized %d rows", len(plan.Writes))
		if len(plan.Warnings) > 0 {
			fmt.Printf(" (%d warnings)", len(plan.Warnings))
		}
		fmt.Println()
		for _, warning := range plan.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
		}
		if plan.Trace != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(plan.Trace)
		}
		return nil
	},
}

func init() {
	materializeCmd.Flags().StringSliceVar(&flagVersions, "version", nil, "limit to specific version ids")
	materializeCmd.Flags().StringVar(&flagDebugTrace, "trace", "", "debug trace mode: off, summary, or full")
	materializeCmd.Flags().IntVar(&flagDebugRows, "trace-rows", 20, "sample row cap per traced stage")
	rootCmd.AddCommand(materializeCmd)
}
