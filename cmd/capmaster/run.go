package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rickypin/capmaster/internal/logging"
	"github.com/rickypin/capmaster/internal/runner"
)

var runCmd = &cobra.Command{
	Use:   "run <file1> <file2> [file3...]",
	Short: "Run the full extract/detect/match/diff pipeline over two or more captures",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runRun,
}

var reportPath string
var emitMetrics bool

func init() {
	runCmd.Flags().StringVar(&reportPath, "report", "", "write a gzip-compressed JSON report of the full run to this path")
	runCmd.Flags().BoolVar(&emitMetrics, "metrics", false, "write the run's Prometheus-format counters to stderr")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := flags.Resolve()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Debug)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	services, err := cfg.LoadServiceList()
	if err != nil {
		return err
	}

	files := make([]runner.InputFile, 0, len(args))
	for _, path := range args {
		files = append(files, runner.InputFile{ID: path, Path: path})
	}

	b := runner.New(cfg, log, services)

	start := time.Now()
	result, err := b.Run(cmd.Context(), files)
	elapsed := time.Since(start)

	runner.Summary(os.Stdout, result, elapsed)

	if emitMetrics {
		b.Metrics().WritePrometheus(os.Stderr)
	}

	if reportPath != "" {
		if rerr := runner.WriteCompressedReport(reportPath, result); rerr != nil {
			return rerr
		}
	}

	if err != nil {
		return err
	}
	if len(result.FileErrors) > 0 {
		return fmt.Errorf("run: %d file(s) failed extraction", len(result.FileErrors))
	}

	return nil
}
