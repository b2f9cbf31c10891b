package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/lix/internal/types"
)

var (
	flagJSON   bool
	flagWriter string
)

var executeCmd = &cobra.Command{
	Use:   "execute [sql]",
	Short: "Run SQL against the logical lix views",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		var writer *string
		if flagWriter != "" {
			writer = &flagWriter
		}
		result, err := e.ExecuteAs(ctx, writer, args[0], nil)
		if err != nil {
			return err
		}

		for _, res := range result.Results {
			if len(res.Rows) == 0 {
				continue
			}
			if flagJSON {
				if err := printJSON(res.Columns, res.Rows); err != nil {
					return err
				}
				continue
			}
			printTable(res.Columns, res.Rows)
		}
		return nil
	},
}

func init() {
	executeCmd.Flags().BoolVar(&flagJSON, "json", false, "print result rows as JSON")
	executeCmd.Flags().StringVar(&flagWriter, "writer", "", "writer key attached to staged writes")
	rootCmd.AddCommand(executeCmd)
}

func printJSON(columns []string, rows [][]types.Value) error {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		obj := map[string]any{}
		for i, col := range columns {
			if i < len(row) {
				obj[col] = row[i].ToDriver()
			}
		}
		out = append(out, obj)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func printTable(columns []string, rows [][]types.Value) {
	for i, col := range columns {
		if i > 0 {
			fmt.Print("\t")
		}
		fmt.Print(col)
	}
	fmt.Println()
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				fmt.Print("\t")
			}
			if cell.IsNull() {
				fmt.Print("NULL")
			} else {
				fmt.Print(cell.AsText())
			}
		}
		fmt.Println()
	}
}
