package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/lix/internal/plugin"
)

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Manage installed file plugins",
}

var pluginInstallCmd = &cobra.Command{
	Use:   "install <manifest.json> <component.wasm>",
	Short: "Install (or replace) a WASM plugin component",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		manifestBytes, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read manifest: %w", err)
		}
		var manifest plugin.Manifest
		if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
			return fmt.Errorf("manifest is not valid JSON: %w", err)
		}
		component, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("failed to read component: %w", err)
		}

		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.InstallPlugin(ctx, manifest, component); err != nil {
			return err
		}
		fmt.Printf("installed plugin %s\n", manifest.Key)
		return nil
	},
}

func init() {
	pluginCmd.AddCommand(pluginInstallCmd)
	rootCmd.AddCommand(pluginCmd)
}
