// Package metrics wires run-scoped counters into
// VictoriaMetrics/metrics, the same library the pack's portmaster
// component (base/metrics) uses for its counter/gauge primitives.
// CapMaster keeps a much thinner layer than portmaster's metric registry
// (no persistence, no label-set registration) — a run is short-lived, so
// there is nothing to restore state for.
package metrics

import (
	vm "github.com/VictoriaMetrics/metrics"
)

// Run tracks the counters for one batch-processing run. Each
// Run owns a private *vm.Set so concurrent runs (e.g. in a test binary)
// never share state.
type Run struct {
	set *vm.Set

	filesProcessed *vm.Counter
	filesFailed    *vm.Counter
	connections    *vm.Counter
	matches        *vm.Counter
	diffsFound     *vm.Counter
}

// NewRun creates a fresh, isolated metric set for one run.
func NewRun() *Run {
	set := vm.NewSet()
	return &Run{
		set:            set,
		filesProcessed: set.NewCounter("capmaster_files_processed_total"),
		filesFailed:    set.NewCounter("capmaster_files_failed_total"),
		connections:    set.NewCounter("capmaster_connections_extracted_total"),
		matches:        set.NewCounter("capmaster_matches_total"),
		diffsFound:     set.NewCounter("capmaster_diffs_total"),
	}
}

func (r *Run) FileProcessed()        { r.filesProcessed.Inc() }
func (r *Run) FileFailed()           { r.filesFailed.Inc() }
func (r *Run) ConnectionsExtracted(n int) { r.connections.Add(n) }
func (r *Run) MatchesFound(n int)    { r.matches.Add(n) }
func (r *Run) DiffsFound(n int)      { r.diffsFound.Add(n) }

// WritePrometheus renders the run's metrics in Prometheus exposition
// format, for callers that want to forward a run's counters to a scrape
// endpoint or a file.
func (r *Run) WritePrometheus(w interface {
	Write(p []byte) (int, error)
}) {
	r.set.WritePrometheus(w)
}
