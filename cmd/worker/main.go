/**
 * Answer Extraction Worker - Main Entry Point
 *
 * Extracts handwritten answers from scanned submission PDFs.
 *
 * Architecture:
 * - Asynq (or plain Redis list) consumer for queued submissions
 * - Fiber HTTP API for synchronous extraction, status and search
 * - Page rendering, whitespace segmentation and question assignment
 * - Parallel dispatch of every region to all recognition engines
 * - Consensus across engines (majority, weighted, clustering,
 *   hierarchical, AI arbiter)
 * - PostgreSQL persistence and Qdrant answer index
 *
 * Commands:
 *   worker serve                      run queue consumer + HTTP API
 *   worker extract FILE -q 1-5        process one PDF and print JSON
 *   worker enqueue FILE -q 1-5        queue one PDF for the running worker
 */

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/answer-extraction-worker/internal/config"
	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "worker",
		Short:         "Answer extraction worker for scanned submissions",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if logLevel != "" {
				logging.SetLevel(logLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	root.AddCommand(newServeCmd(), newExtractCmd(), newEnqueueCmd())
	return root
}

// loadConfig loads configuration and applies the log level unless a flag
// already overrode it
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("log-level"); f == nil || !f.Changed {
		logging.SetLevel(cfg.LogLevel)
	}
	return cfg, nil
}
