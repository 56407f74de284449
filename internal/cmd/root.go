// Package cmd builds the undoable command tree.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/undoable-org/undoable/internal/build"
)

// Root is the base command; main calls Execute on it.
func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:   build.Slug,
		Short: "Local-first agent runtime with reversible actions",
		Long: `Undoable is a local-first agent runtime daemon. Agents submit plans that
are shadow-executed, gated on approval, applied with every effect recorded
in an action log, and reversible step by step.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(Daemon())
	cmd.AddCommand(Version())
	return cmd
}

// Version prints the build version.
func Version() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), build.Version)
		},
	}
}
