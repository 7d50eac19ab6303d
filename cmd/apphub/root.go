package main

import (
	"github.com/spf13/cobra"

	"github.com/apphub/apphub/internal/build"
)

var rootCmd = &cobra.Command{
	Use:           build.Slug,
	Short:         "Workflow execution engine for the AppHub catalog.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command; called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}
