package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rickypin/capmaster/internal/logging"
	"github.com/rickypin/capmaster/internal/matcher"
	"github.com/rickypin/capmaster/internal/model"
	"github.com/rickypin/capmaster/internal/server"
)

var matchCmd = &cobra.Command{
	Use:   "match <capture-a> <capture-b>",
	Short: "Match TCP connections across two capture files",
	Args:  cobra.ExactArgs(2),
	RunE:  runMatch,
}

func runMatch(cmd *cobra.Command, args []string) error {
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

	fmt.Printf("%d matches\n", len(matches))
	for _, mt := range matches {
		fmt.Printf("  stream %d <-> stream %d  score=%.2f evidence=%s force=%v\n",
			mt.A.ID.StreamID, mt.B.ID.StreamID, mt.Score.Normalized, mt.Score.Evidence, mt.Score.ForceAccept)
	}

	return nil
}
