// Trainloop runs the optimize, train and evaluate lifecycle for ML tasks.
//
// Usage:
//
//	# Serve ops endpoints and resume tasks left by a previous process
//	trainloop serve
//
//	# Run one task to completion in the foreground
//	trainloop run --name demo --dataset squad --dataset-location s3://bucket/squad.jsonl --model llama-7b
//
//	# Apply database migrations
//	trainloop migrate
//
// Configuration is read from ~/.config/trainloop/config.yaml and
// TRAINLOOP_* environment variables. See internal/config for details.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "trainloop",
		Short: "Task orchestration for optimize, train and evaluate cycles",
		Long: `trainloop drives ML tasks through dataset optimization, model training
and evaluation, repeating the cycle for continuous tasks until an iteration
cap or score threshold is reached.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/trainloop/config.yaml)")

	root.AddCommand(
		newServeCmd(&configPath),
		newRunCmd(&configPath),
		newMigrateCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "trainloop by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
