// Command capmaster is the CLI entry point binding cobra subcommands onto
// the extractor/server/matcher/differ/runner library packages. It is a
// thin argument-parsing shim — no connection-matching logic lives here.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rickypin/capmaster/internal/config"
)

var flags *config.FlagValues

var rootCmd = &cobra.Command{
	Use:   "capmaster",
	Short: "Compare network captures taken from multiple observation points",
	Long: "capmaster reconstructs TCP connections from tshark-dissected capture files, " +
		"matches connections across capture files from different vantage points, " +
		"and reports per-packet differences for matched pairs.",
}

func init() {
	flags = config.BindFlags(rootCmd)

	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(matchCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
