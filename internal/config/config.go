// Package config holds the run-wide Config struct and its cobra flag
// bindings. Configuration is read-only once a run starts (§5
// "Shared-resource policy"), so every worker can read it without
// synchronization.
package config

import (
	"bufio"
	"os"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/rickypin/capmaster/internal/matcher"
	"github.com/rickypin/capmaster/internal/server"
)

// Config is the complete set of tunables a run accepts.
type Config struct {
	// Worker pool sizing (§5 "worker pool of size W (default = CPU count,
	// caller-configurable)").
	Workers int

	// DissectorTimeout bounds a single dissector invocation; zero means
	// no timeout.
	DissectorTimeout time.Duration

	// MatchThreshold / MicroflowThreshold / Bucket / Mode feed directly
	// into matcher.Config (§4.D.4, §4.D.5).
	MatchThreshold     float64
	MicroflowThreshold float64
	Bucket             matcher.BucketMode
	Mode               matcher.Mode
	Weights            matcher.Weights

	// ServiceListPath points at the curated well-known-port file (§6).
	ServiceListPath string

	Debug bool
}

// Default returns the canonical configuration (§4.D.4, §4.D.5, §5).
func Default() Config {
	return Config{
		Workers:            runtime.NumCPU(),
		DissectorTimeout:   30 * time.Second,
		MatchThreshold:     matcher.DefaultThreshold,
		MicroflowThreshold: matcher.MicroflowThreshold,
		Bucket:             matcher.BucketAuto,
		Mode:               matcher.OneToOne,
		Weights:            matcher.DefaultWeights,
	}
}

// MatcherConfig builds the matcher.Config this Config implies.
func (c Config) MatcherConfig() matcher.Config {
	return matcher.Config{
		Threshold:          c.MatchThreshold,
		MicroflowThreshold: c.MicroflowThreshold,
		Bucket:             c.Bucket,
		Mode:               c.Mode,
		Weights:            c.Weights,
	}
}

// LoadServiceList reads the service list file at c.ServiceListPath (§6
// "Service list file"). Returns an empty ServiceList if the path is unset.
func (c Config) LoadServiceList() (server.ServiceList, error) {
	if c.ServiceListPath == "" {
		return server.ServiceList{}, nil
	}

	f, err := os.Open(c.ServiceListPath)
	if err != nil {
		return nil, errors.Wrapf(err, "config: opening service list %s", c.ServiceListPath)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "config: reading service list %s", c.ServiceListPath)
	}

	return server.LoadServiceList(lines), nil
}

// bucketModeFromString parses the --bucket flag value.
func bucketModeFromString(s string) (matcher.BucketMode, error) {
	switch s {
	case "auto", "":
		return matcher.BucketAuto, nil
	case "server":
		return matcher.BucketServer, nil
	case "port":
		return matcher.BucketPort, nil
	case "none":
		return matcher.BucketNone, nil
	default:
		return matcher.BucketAuto, errors.Errorf("config: unknown bucket mode %q", s)
	}
}

// BindFlags registers the flags shared by every subcommand onto cmd's
// flag set, mirroring the teacher's cobra-root-command flag layout.
func BindFlags(cmd *cobra.Command) *FlagValues {
	fv := &FlagValues{}

	cmd.PersistentFlags().IntVar(&fv.workers, "workers", runtime.NumCPU(), "number of per-file worker goroutines")
	cmd.PersistentFlags().DurationVar(&fv.timeout, "dissector-timeout", 30*time.Second, "per-invocation dissector timeout (0 disables)")
	cmd.PersistentFlags().Float64Var(&fv.threshold, "match-threshold", matcher.DefaultThreshold, "normalized-score acceptance floor")
	cmd.PersistentFlags().Float64Var(&fv.microflowThreshold, "microflow-threshold", matcher.MicroflowThreshold, "acceptance floor for microflow connections")
	cmd.PersistentFlags().StringVar(&fv.bucket, "bucket", "auto", "bucketing strategy: auto|server|port|none")
	cmd.PersistentFlags().BoolVar(&fv.oneToMany, "one-to-many", false, "emit every valid-scoring pair instead of greedy one-to-one")
	cmd.PersistentFlags().StringVar(&fv.serviceList, "service-list", "", "path to curated well-known-port service list")
	cmd.PersistentFlags().BoolVar(&fv.debug, "debug", false, "enable debug-level logging")

	return fv
}

// FlagValues holds the cobra-bound flag destinations until Resolve turns
// them into a Config.
type FlagValues struct {
	workers            int
	timeout            time.Duration
	threshold          float64
	microflowThreshold float64
	bucket             string
	oneToMany          bool
	serviceList        string
	debug              bool
}

// Resolve validates and converts bound flag values into a Config.
func (fv *FlagValues) Resolve() (Config, error) {
	bucket, err := bucketModeFromString(fv.bucket)
	if err != nil {
		return Config{}, err
	}

	mode := matcher.OneToOne
	if fv.oneToMany {
		mode = matcher.OneToMany
	}

	cfg := Default()
	cfg.Workers = fv.workers
	cfg.DissectorTimeout = fv.timeout
	cfg.MatchThreshold = fv.threshold
	cfg.MicroflowThreshold = fv.microflowThreshold
	cfg.Bucket = bucket
	cfg.Mode = mode
	cfg.ServiceListPath = fv.serviceList
	cfg.Debug = fv.debug

	return cfg, nil
}
