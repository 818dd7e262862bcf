package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/liamcoop/expensepolicy/internal/logger"
)

var (
	// Global flags
	rulesFile string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "policyctl",
	Short: "Offline tooling for expense policy rule files",
	Long: `policyctl works directly on YAML rule bundles, the same files the server
loads when rules.source is "file".

It can evaluate a single expense against the bundle and check the result
against the approval gate, or lint a bundle so malformed rules are caught
before they are silently ignored at evaluation time.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := logger.LevelError
		if verbose {
			level = logger.LevelDebug
		}
		logger.SetOutput(cmd.ErrOrStderr(), "text")
		logger.SetLevel(level)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rulesFile, "rules", "r", "rules.yaml", "YAML rule bundle")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
