package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	toolsPath string
	verbose   bool
)

// Execute runs the planctl root command to completion.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "planctl",
		Short: "Compile and run tool-call plan graphs",
		Long: `planctl loads a plan graph of tool-call nodes from a JSON document,
validates it for cycles and resource conflicts, compiles a schedule
respecting concurrency, deadline, and rate-limit constraints, and
optionally runs that schedule against a dry-run tool manifest.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&toolsPath, "tools", "t", "", "tool manifest YAML path (required)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log compiler and executor events to the console (level follows LOG_LEVEL)")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newCompileCommand())
	rootCmd.AddCommand(newRunCommand())

	return rootCmd
}
