package main

import (
	"fmt"

	"loom/internal/version"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root loom command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "loom",
		Short:         "Loom dialogue-to-task orchestrator",
		Long:          "loom routes conversational events into tracked units of work\nand reconciles the artifact versions each topic produces.",
		Version:       fmt.Sprintf("loom %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newRecallCmd(),
	)

	return cmd
}
