package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rickypin/capmaster/internal/dissector"
	"github.com/rickypin/capmaster/internal/extractor"
	"github.com/rickypin/capmaster/internal/logging"
)

var extractCmd = &cobra.Command{
	Use:   "extract <capture-file>",
	Short: "Reconstruct TCP connections from one capture file",
	Args:  cobra.ExactArgs(1),
	RunE:  runExtract,
}

func runExtract(cmd *cobra.Command, args []string) error {
	cfg, err := flags.Resolve()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Debug)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	runner, err := dissector.NewRunner(logging.Component(log, "dissector"))
	if err != nil {
		return err
	}

	ext := extractor.New(runner, dissector.FieldSpec{IncludeTLSClientHello: true, IncludeF5Trailer: true}, logging.Component(log, "extractor"))

	conns, err := ext.Extract(cmd.Context(), args[0], args[0], cfg.DissectorTimeout)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d connections\n", args[0], len(conns))
	for _, c := range conns {
		fmt.Printf("  stream=%d %s:%d -> %s:%d packets=%d confidence=%s\n",
			c.ID.StreamID, c.ClientIP, c.ClientPort, c.ServerIP, c.ServerPort, c.PacketCount, c.Confidence)
	}

	return nil
}
