// Package runner orchestrates a full CapMaster run: per-file extraction
// across a worker pool, a single serial ServerDetector + Matcher pass,
// and a per-match Streamdiff worker pool (§5). The worker-pool shape is
// grounded in the teacher's reassembly pipeline (decoder/stream package),
// which also separates a parallel per-packet ingestion stage from a
// serial finalize/report stage; here the split is per-file extraction
// (parallel) against ServerDetector/Matcher (serial, §5 "ServerDetector
// and Matcher are serial — both need a global view of their inputs").
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/evilsocket/islazy/tui"
	"github.com/gofrs/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rickypin/capmaster/internal/config"
	"github.com/rickypin/capmaster/internal/differ"
	"github.com/rickypin/capmaster/internal/dissector"
	"github.com/rickypin/capmaster/internal/extractor"
	"github.com/rickypin/capmaster/internal/logging"
	"github.com/rickypin/capmaster/internal/matcher"
	"github.com/rickypin/capmaster/internal/metrics"
	"github.com/rickypin/capmaster/internal/model"
	"github.com/rickypin/capmaster/internal/server"
)

// InputFile is one capture file submitted to a run.
type InputFile struct {
	ID   string
	Path string
}

// FilePairMatches is one file-pair's Matcher output, kept alongside the
// file identities so a report can label which two observation points a
// match bridges.
type FilePairMatches struct {
	FileA, FileB string
	Matches      []model.Match
}

// PairDiff pairs one Match with its Streamdiff result.
type PairDiff struct {
	FileA, FileB string
	Match        model.Match
	Result       *model.DiffResult
}

// Result is the complete output of one Batch.Run invocation.
type Result struct {
	RunID       string
	Connections map[string][]*model.Connection // keyed by file ID
	PairMatches []FilePairMatches
	Diffs       []PairDiff
	FileErrors  map[string]error
}

// Batch runs the full extract → detect → match → diff pipeline over a set
// of input files.
type Batch struct {
	cfg      config.Config
	log      *zap.Logger
	services server.ServiceList
	metrics  *metrics.Run
}

// New builds a Batch. services is the loaded curated service list (may be
// empty), used by the ServerDetector's well-known-port rule.
func New(cfg config.Config, log *zap.Logger, services server.ServiceList) *Batch {
	return &Batch{cfg: cfg, log: log, services: services, metrics: metrics.NewRun()}
}

// Metrics returns the run's VictoriaMetrics counter set, for callers that
// want to export it (e.g. cmd/capmaster's --metrics flag) once Run
// completes.
func (b *Batch) Metrics() *metrics.Run {
	return b.metrics
}

// Run executes the full pipeline over files, honoring ctx for cooperative
// cancellation (§5 "Cancellation and timeouts").
func (b *Batch) Run(ctx context.Context, files []InputFile) (*Result, error) {
	runID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("runner: generating run id: %w", err)
	}

	result := &Result{
		RunID:       runID.String(),
		Connections: make(map[string][]*model.Connection),
		FileErrors:  make(map[string]error),
	}

	// A failing file must not stop the run: §7 requires every
	// successfully-extracted file to still be detected, matched, and
	// diffed, with the aggregate error surfaced only once the pipeline
	// has run to completion over the survivors (§8 scenario 6).
	var merr *multierror.Error
	if err := b.extractAll(ctx, files, result); err != nil {
		merr = multierror.Append(merr, err)
	}

	b.detectRoles(result)

	b.matchAllPairs(files, result)

	if err := b.diffAllMatches(ctx, files, result); err != nil {
		merr = multierror.Append(merr, err)
	}

	return result, merr.ErrorOrNil()
}

// extractAll runs the per-file worker pool (§5 "Per-file parallelism").
// Each worker owns its own DissectorRunner and Extractor; a failing file
// is recorded in result.FileErrors and does not abort the other workers'
// files, but the aggregate error (hashicorp/go-multierror) is returned so
// the overall run status reflects "non-zero status if any file failed".
func (b *Batch) extractAll(ctx context.Context, files []InputFile, result *Result) error {
	workers := b.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	sem := make(chan struct{}, workers)
	g, gctx := errgroup.WithContext(ctx)

	type extractResult struct {
		fileID string
		conns  []*model.Connection
		err    error
	}
	resultsCh := make(chan extractResult, len(files))

	for _, f := range files {
		f := f
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()

			log := logging.Component(b.log, "extractor")

			r, err := dissector.NewRunner(log)
			if err != nil {
				resultsCh <- extractResult{fileID: f.ID, err: err}
				return nil // don't abort siblings; recorded per-file
			}

			ext := extractor.New(r, dissector.FieldSpec{IncludeTLSClientHello: true, IncludeF5Trailer: true}, log)

			conns, err := ext.Extract(gctx, f.Path, f.ID, b.cfg.DissectorTimeout)
			resultsCh <- extractResult{fileID: f.ID, conns: conns, err: err}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	close(resultsCh)

	var merr *multierror.Error
	for r := range resultsCh {
		if r.err != nil {
			result.FileErrors[r.fileID] = r.err
			merr = multierror.Append(merr, fmt.Errorf("file %s: %w", r.fileID, r.err))
			b.metrics.FileFailed()
			continue
		}
		result.Connections[r.fileID] = r.conns
		b.metrics.FileProcessed()
		b.metrics.ConnectionsExtracted(len(r.conns))
	}

	return merr.ErrorOrNil()
}

// detectRoles runs ServerDetector over every extracted Connection
// combined across all files (§2 "(C) runs over both lists combined").
func (b *Batch) detectRoles(result *Result) {
	var all []*model.Connection
	for _, conns := range result.Connections {
		all = append(all, conns...)
	}

	det := server.New(b.services, logging.Component(b.log, "server"))
	for _, c := range all {
		det.Collect(c)
	}
	det.Finalize()
	for _, c := range all {
		det.Classify(c)
	}
}

// matchAllPairs runs the Matcher serially over every unordered pair of
// input files (§5 "ServerDetector and Matcher are serial").
func (b *Batch) matchAllPairs(files []InputFile, result *Result) {
	m := matcher.New(b.cfg.MatcherConfig())

	for i := 0; i < len(files); i++ {
		for j := i + 1; j < len(files); j++ {
			a, b2 := files[i], files[j]
			connsA, okA := result.Connections[a.ID]
			connsB, okB := result.Connections[b2.ID]
			if !okA || !okB {
				continue // one side failed extraction
			}

			matches := m.Match(connsA, connsB)
			result.PairMatches = append(result.PairMatches, FilePairMatches{
				FileA: a.ID, FileB: b2.ID, Matches: matches,
			})
			b.metrics.MatchesFound(len(matches))
		}
	}
}

// diffAllMatches runs Streamdiff over every match found, using a worker
// pool with the same semantics as extraction (§5 "Per-match parallelism
// in Streamdiff"). Outputs are re-collated into file/match order before
// being appended to result (§5 "implementations must re-collate by a
// stable key").
func (b *Batch) diffAllMatches(ctx context.Context, files []InputFile, result *Result) error {
	pathByID := make(map[string]string, len(files))
	for _, f := range files {
		pathByID[f.ID] = f.Path
	}

	type job struct {
		index int
		pair  FilePairMatches
		match model.Match
	}
	var jobs []job
	for _, pm := range result.PairMatches {
		for _, mt := range pm.Matches {
			jobs = append(jobs, job{index: len(jobs), pair: pm, match: mt})
		}
	}

	out := make([]PairDiff, len(jobs))
	errs := make([]error, len(jobs))

	workers := b.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	g, gctx := errgroup.WithContext(ctx)

	for _, j := range jobs {
		j := j
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()

			log := logging.Component(b.log, "differ")
			r, err := dissector.NewRunner(log)
			if err != nil {
				errs[j.index] = fmt.Errorf("diff %s <-> %s: %w", j.pair.FileA, j.pair.FileB, err)
				return nil // recorded per-match; don't abort siblings
			}

			d := differ.New(r)
			res, err := d.Diff(gctx, j.match, pathByID[j.pair.FileA], pathByID[j.pair.FileB], b.cfg.DissectorTimeout)
			if err != nil {
				errs[j.index] = fmt.Errorf("diff %s <-> %s: %w", j.pair.FileA, j.pair.FileB, err)
				return nil
			}

			out[j.index] = PairDiff{FileA: j.pair.FileA, FileB: j.pair.FileB, Match: j.match, Result: res}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	var merr *multierror.Error
	for i, d := range out {
		if errs[i] != nil {
			merr = multierror.Append(merr, errs[i])
			continue
		}
		if d.Result == nil {
			continue
		}
		result.Diffs = append(result.Diffs, d)
		b.metrics.DiffsFound(len(d.Result.Diffs))
	}

	return merr.ErrorOrNil()
}

// Summary writes a human-readable run summary table to w, in the
// teacher's tui.Table format (decoder/stream/tcpConnection.go's
// reassembly-stats report).
func Summary(w io.Writer, result *Result, elapsed time.Duration) {
	fileIDs := make([]string, 0, len(result.Connections))
	for id := range result.Connections {
		fileIDs = append(fileIDs, id)
	}
	sort.Strings(fileIDs)

	var rows [][]string
	for _, id := range fileIDs {
		rows = append(rows, []string{id, strconv.Itoa(len(result.Connections[id]))})
	}
	tui.Table(w, []string{"File", "Connections"}, rows)

	var matchRows [][]string
	totalMatches := 0
	for _, pm := range result.PairMatches {
		matchRows = append(matchRows, []string{pm.FileA + " <-> " + pm.FileB, strconv.Itoa(len(pm.Matches))})
		totalMatches += len(pm.Matches)
	}
	tui.Table(w, []string{"File pair", "Matches"}, matchRows)

	tui.Table(w, []string{"Summary", "Value"}, [][]string{
		{"run_id", result.RunID},
		{"files", strconv.Itoa(len(fileIDs))},
		{"total_matches", strconv.Itoa(totalMatches)},
		{"diffed_pairs", strconv.Itoa(len(result.Diffs))},
		{"failed_files", strconv.Itoa(len(result.FileErrors))},
		{"elapsed", elapsed.String()},
	})
}

// WriteCompressedReport serializes result to JSON and writes it
// gzip-compressed to path, for callers that want a full machine-readable
// record of a run alongside the human-readable Summary table. Mirrors the
// teacher's saveFile.go, which gzips carved stream payloads to disk with
// the same library; here the payload is the run's Match/Diff report
// instead of a captured stream.
func WriteCompressedReport(path string, result *Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("runner: creating report file: %w", err)
	}
	defer f.Close()

	gw := pgzip.NewWriter(f)
	defer gw.Close()

	enc := json.NewEncoder(gw)
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("runner: encoding report: %w", err)
	}

	return gw.Close()
}
