package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rickypin/capmaster/internal/differ"
	"github.com/rickypin/capmaster/internal/dissector"
	"github.com/rickypin/capmaster/internal/logging"
	"github.com/rickypin/capmaster/internal/matcher"
	"github.com/rickypin/capmaster/internal/model"
	"github.com/rickypin/capmaster/internal/server"
)

var diffCmd = &cobra.Command{
	Use:   "diff <capture-a> <capture-b>",
	Short: "Match connections across two captures and diff each matched pair",
	Args:  cobra.ExactArgs(2),
	RunE:  runDiff,
}

func runDiff(cmd *cobra.Command, args []string) error {
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

	connsA, err := extractFile(cmd.Context(), cfg, log, args[0])
	if err != nil {
		return err
	}
	connsB, err := extractFile(cmd.Context(), cfg, log, args[1])
	if err != nil {
		return err
	}

	det := server.New(services, logging.Component(log, "server"))
	all := append(append([]*model.Connection{}, connsA...), connsB...)
	for _, c := range all {
		det.Collect(c)
	}
	det.Finalize()
	for _, c := range all {
		det.Classify(c)
	}

	m := matcher.New(cfg.MatcherConfig())
	matches := m.Match(connsA, connsB)

	runner, err := dissector.NewRunner(logging.Component(log, "dissector"))
	if err != nil {
		return err
	}
	dfr := differ.New(runner)

	var totalDiffs int
	for _, mt := range matches {
		result, err := dfr.Diff(cmd.Context(), mt, args[0], args[1], cfg.DissectorTimeout)
		if err != nil {
			return err
		}

		fmt.Printf("stream %d <-> stream %d:\n", mt.A.ID.StreamID, mt.B.ID.StreamID)
		for dir, counters := range result.ByDir {
			fmt.Printf("  %s: total=%d flags_only=%d seq_only=%d ack_only=%d missing_a=%d missing_b=%d\n",
				dir, counters.Total, counters.FlagsOnly, counters.SeqOnly, counters.AckOnly, counters.MissingA, counters.MissingB)
		}
		totalDiffs += len(result.Diffs)
	}

	fmt.Printf("%d matched pairs, %d total packet diffs\n", len(matches), totalDiffs)

	return nil
}
