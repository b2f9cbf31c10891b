package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a lix database and its bootstrap versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()
		fmt.Printf("initialized; active version is %s\n", e.ActiveVersionID())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
