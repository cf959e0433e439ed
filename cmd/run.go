package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/schoolmap/internal/pipeline"
)

var (
	runFeatures          []string
	runParallel          int
	runRetries           int
	runRetryBackoff      time.Duration
	runPreserveUnmatched bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Build and save a training set for the configured country",
	Long:  "Initialises the school table, joins every configured feature in order and saves the next training_set_vNNN.csv.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		p, cleanup, err := newPipeline(ctx, pipelineOptions{
			retries:           runRetries,
			retryBackoff:      runRetryBackoff,
			preserveUnmatched: runPreserveUnmatched,
		})
		if err != nil {
			return err
		}
		defer cleanup()

		result, err := p.Run(ctx, pipeline.RunOptions{
			Features: runFeatures,
			Parallel: runParallel,
		})
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		zap.L().Info("training set saved",
			zap.String("country", result.Country),
			zap.Int("version", result.Version),
			zap.Int("schools", result.Schools),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runFeatures, "features", nil, "features to join, in order (default: config features)")
	runCmd.Flags().IntVar(&runParallel, "parallel", 1, "number of sources fetched concurrently; joins stay sequential")
	runCmd.Flags().IntVar(&runRetries, "retries", 1, "attempts per source when a fetch fails transiently")
	runCmd.Flags().DurationVar(&runRetryBackoff, "retry-backoff", 0, "initial delay between attempts (default 2s)")
	runCmd.Flags().BoolVar(&runPreserveUnmatched, "preserve-unmatched", false, "keep schools without a matching row in identifier joins")
	rootCmd.AddCommand(runCmd)
}
