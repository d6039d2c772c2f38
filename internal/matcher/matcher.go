// Package matcher implements the Matcher (§4.D): given two Connection
// sets from different capture files, produce a list of cross-file
// matches. Strategy selection tries cheap, high-confidence fast paths
// before falling back to the bucketed, weighted-scoring generic path.
package matcher

import (
	"net"
	"sort"
	"strconv"

	"github.com/rickypin/capmaster/internal/model"
	"github.com/rickypin/capmaster/internal/shared"
)

// BucketMode selects how the generic path partitions connections before
// pairwise comparison (§4.D.2).
type BucketMode int

const (
	BucketAuto BucketMode = iota
	BucketServer
	BucketPort
	BucketNone
)

// Mode selects one-to-one (default, greedy consumption) or one-to-many
// (every valid pair emitted) output (§4.D.5).
type Mode int

const (
	OneToOne Mode = iota
	OneToMany
)

// Weights are the canonical per-feature contributions to the raw score
// (§4.D.4). Implementations may expose these as configuration, but
// DefaultWeights must match the canonical defaults; the zero value gives
// every feature weight 0.
type Weights struct {
	SYNOptions      float64
	ClientISN       float64
	ServerISN       float64
	Timestamp       float64
	ClientPayload   float64
	ServerPayload   float64
	LengthSignature float64
	IPID            float64
}

// DefaultWeights are the canonical weights from §4.D.4.
var DefaultWeights = Weights{
	SYNOptions:      0.25,
	ClientISN:       0.12,
	ServerISN:       0.06,
	Timestamp:       0.10,
	ClientPayload:   0.15,
	ServerPayload:   0.08,
	LengthSignature: 0.08,
	IPID:            0.16,
}

const (
	// DefaultThreshold is the acceptance floor for normalized score on a
	// non-microflow connection (§4.D.4).
	DefaultThreshold = 0.60
	// MicroflowThreshold is the raised floor used for microflow traffic
	// (§4.D.4, shared.IsMicroflow).
	MicroflowThreshold = 0.75

	// minIPIDOverlap and minIPIDRatio are the pre-filter 3 floors (§4.D.3).
	minIPIDOverlap = 2
	minIPIDRatio   = 0.5
	// microflowMinIPIDOverlap relaxes pre-filter 3 for microflows.
	microflowMinIPIDOverlap = 1

	// strongOverlapCount and strongOverlapRatio trigger the strong-IP-ID
	// override (§4.D.4).
	strongOverlapCount = 10
	strongOverlapRatio = 0.80

	// lengthSignatureJaccardFloor is the minimum Jaccard similarity for
	// the length-signature feature to count as a match (§4.D.4).
	lengthSignatureJaccardFloor = 0.6

	// autoBucketOverlapFloor decides AUTO bucket mode: SERVER is picked
	// when this fraction of one side's server IPs also appear on the
	// other side (§4.D.2 "Pick SERVER if server IP sets overlap
	// substantially, else PORT").
	autoBucketOverlapFloor = 0.5
	// noneBucketMaxSize bounds NONE bucketing in AUTO mode: AUTO picks
	// NONE when the two sets together hold fewer than this many
	// connections (§4.D.2 "Use only for small sets").
	noneBucketMaxSize = 100
)

// Config configures one Matcher run.
type Config struct {
	Threshold          float64
	MicroflowThreshold float64
	Bucket             BucketMode
	Mode               Mode
	Weights            Weights
}

// DefaultConfig returns the canonical configuration (§4.D.4, §4.D.5).
func DefaultConfig() Config {
	return Config{
		Threshold:          DefaultThreshold,
		MicroflowThreshold: MicroflowThreshold,
		Bucket:             BucketAuto,
		Mode:               OneToOne,
		Weights:            DefaultWeights,
	}
}

// Matcher runs the matching pipeline for one pair of Connection sets.
type Matcher struct {
	cfg Config
}

// New builds a Matcher with the given configuration.
func New(cfg Config) *Matcher {
	return &Matcher{cfg: cfg}
}

// Match produces the list of cross-file matches between a and b (§4.D).
// Fast paths run first; any connection they successfully pair is removed
// from the generic path's candidate pool on both sides.
func (m *Matcher) Match(a, b []*model.Connection) []model.Match {
	var matches []model.Match

	consumedA := make(map[*model.Connection]bool)
	consumedB := make(map[*model.Connection]bool)

	if f5 := matchF5Trailer(a, b); len(f5) > 0 {
		matches = append(matches, f5...)
		markConsumed(f5, consumedA, consumedB)
	}

	if tls := matchTLSClientHello(remaining(a, consumedA), remaining(b, consumedB)); len(tls) > 0 {
		matches = append(matches, tls...)
		markConsumed(tls, consumedA, consumedB)
	}

	generic := m.matchGeneric(remaining(a, consumedA), remaining(b, consumedB))
	matches = append(matches, generic...)

	return matches
}

func markConsumed(matches []model.Match, consumedA, consumedB map[*model.Connection]bool) {
	for _, mt := range matches {
		consumedA[mt.A] = true
		consumedB[mt.B] = true
	}
}

func remaining(conns []*model.Connection, consumed map[*model.Connection]bool) []*model.Connection {
	out := make([]*model.Connection, 0, len(conns))
	for _, c := range conns {
		if !consumed[c] {
			out = append(out, c)
		}
	}
	return out
}

// matchF5Trailer implements the F5 BIG-IP trailer fast path (§4.D.1): a
// side-A connection matches a side-B connection whose own 5-tuple equals
// side-A's reported F5 peer address+port.
func matchF5Trailer(a, b []*model.Connection) []model.Match {
	if !mostlyPresent(a, hasF5) || !mostlyPresent(b, hasF5) {
		return nil
	}

	indexB := make(map[string]*model.Connection, len(b))
	for _, c := range b {
		if !c.HasF5Peer {
			continue
		}
		indexB[fiveTupleKey(c.ClientIP, c.ClientPort, c.ServerIP, c.ServerPort)] = c
	}

	var matches []model.Match
	for _, ca := range a {
		if !ca.HasF5Peer {
			continue
		}
		key := fiveTupleKey(ca.F5PeerIP, ca.F5PeerPort, ca.ServerIP, ca.ServerPort)
		if cb, ok := indexB[key]; ok {
			matches = append(matches, model.Match{A: ca, B: cb, Score: model.Score{
				Normalized:  1.0,
				IPIDMatch:   true,
				ForceAccept: true,
				Evidence:    "F5_TRAILER",
			}})
		}
	}
	return matches
}

// matchTLSClientHello implements the TLS fast path (§4.D.1): connections
// are indexed by (random, session_id) on each side.
func matchTLSClientHello(a, b []*model.Connection) []model.Match {
	if !mostlyPresent(a, hasTLS) || !mostlyPresent(b, hasTLS) {
		return nil
	}

	indexB := make(map[[32 + 64]byte]*model.Connection, len(b))
	for _, c := range b {
		if !c.HasTLSClientHello {
			continue
		}
		indexB[tlsKey(c)] = c
	}

	var matches []model.Match
	for _, ca := range a {
		if !ca.HasTLSClientHello {
			continue
		}
		if cb, ok := indexB[tlsKey(ca)]; ok {
			matches = append(matches, model.Match{A: ca, B: cb, Score: model.Score{
				Normalized:  1.0,
				IPIDMatch:   true,
				ForceAccept: true,
				Evidence:    "TLS_CLIENT_HELLO",
			}})
		}
	}
	return matches
}

func tlsKey(c *model.Connection) [32 + 64]byte {
	var key [32 + 64]byte
	copy(key[:32], c.TLSRandom[:])
	copy(key[32:], c.TLSSessionID)
	return key
}

func hasF5(c *model.Connection) bool  { return c.HasF5Peer }
func hasTLS(c *model.Connection) bool { return c.HasTLSClientHello }

// mostlyPresent reports whether nearly every connection carries the given
// feature (§4.D.1 "every (or nearly every)"); an empty set never enables
// a fast path.
func mostlyPresent(conns []*model.Connection, has func(*model.Connection) bool) bool {
	if len(conns) == 0 {
		return false
	}
	present := 0
	for _, c := range conns {
		if has(c) {
			present++
		}
	}
	return float64(present)/float64(len(conns)) >= 0.9
}

func fiveTupleKey(ip1 net.IP, port1 uint16, ip2 net.IP, port2 uint16) string {
	return ipKey(ip1) + ":" + portKey(port1) + "->" + ipKey(ip2) + ":" + portKey(port2)
}

func ipKey(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func portKey(p uint16) string {
	return strconv.Itoa(int(p))
}

// matchGeneric implements §4.D.2 through §4.D.5 over the connections the
// fast paths did not claim.
func (m *Matcher) matchGeneric(a, b []*model.Connection) []model.Match {
	mode := m.cfg.Bucket
	if mode == BucketAuto {
		mode = pickAutoMode(a, b)
	}

	bucketsA := bucketConnections(a, mode)
	bucketsB := bucketConnections(b, mode)

	var candidates []model.Match

	for key, connsA := range bucketsA {
		connsB, ok := bucketsB[key]
		if !ok {
			continue
		}
		for _, ca := range connsA {
			for _, cb := range connsB {
				score := m.score(ca, cb)
				if score.Accepted(m.thresholdFor(ca, cb)) {
					candidates = append(candidates, model.Match{A: ca, B: cb, Score: score})
				}
			}
		}
	}

	sortCandidates(candidates)

	if m.cfg.Mode == OneToMany {
		return candidates
	}

	return greedySelect(candidates)
}

func (m *Matcher) thresholdFor(a, b *model.Connection) float64 {
	if shared.IsMicroflow(a.PacketCount, a.FirstPacketTS, a.LastPacketTS) ||
		shared.IsMicroflow(b.PacketCount, b.FirstPacketTS, b.LastPacketTS) {
		return m.cfg.MicroflowThreshold
	}
	return m.cfg.Threshold
}

func pickAutoMode(a, b []*model.Connection) BucketMode {
	if len(a)+len(b) < noneBucketMaxSize {
		return BucketNone
	}

	serversA := serverIPSet(a)
	serversB := serverIPSet(b)
	if stringSetOverlapRatio(serversA, serversB) >= autoBucketOverlapFloor {
		return BucketServer
	}
	return BucketPort
}

func serverIPSet(conns []*model.Connection) map[string]struct{} {
	out := make(map[string]struct{}, len(conns))
	for _, c := range conns {
		out[ipKey(c.ServerIP)] = struct{}{}
	}
	return out
}

// stringSetOverlapRatio mirrors shared.OverlapRatio for string-keyed sets
// (server IPs aren't IP-IDs, so they can't reuse that uint16-keyed helper).
func stringSetOverlapRatio(a, b map[string]struct{}) float64 {
	minLen := len(a)
	if len(b) < minLen {
		minLen = len(b)
	}
	if minLen == 0 {
		return 0
	}

	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}

	count := 0
	for k := range small {
		if _, ok := large[k]; ok {
			count++
		}
	}

	return float64(count) / float64(minLen)
}

// bucketConnections partitions conns per §4.D.2. Keys are strings so
// SERVER/PORT/NONE can share one map type.
func bucketConnections(conns []*model.Connection, mode BucketMode) map[string][]*model.Connection {
	out := make(map[string][]*model.Connection)

	switch mode {
	case BucketNone:
		out["*"] = append(out["*"], conns...)
	case BucketPort:
		for _, c := range conns {
			key := portKey(c.ServerPort)
			out[key] = append(out[key], c)
		}
	case BucketServer:
		for _, c := range conns {
			key := ipKey(c.ServerIP)
			out[key] = append(out[key], c)
		}
	default:
		out["*"] = append(out["*"], conns...)
	}

	return out
}

// score implements the weighted feature sum of §4.D.3/§4.D.4. It returns
// a zero-value (non-accepting) Score if the pre-filters fail.
func (m *Matcher) score(a, b *model.Connection) model.Score {
	if !portsCompatible(a, b) {
		return model.Score{}
	}
	if !shared.TimeRangesOverlap(a.FirstPacketTS, a.LastPacketTS, b.FirstPacketTS, b.LastPacketTS) {
		return model.Score{}
	}

	minOverlap := minIPIDOverlap
	if shared.IsMicroflow(a.PacketCount, a.FirstPacketTS, a.LastPacketTS) ||
		shared.IsMicroflow(b.PacketCount, b.FirstPacketTS, b.LastPacketTS) {
		minOverlap = microflowMinIPIDOverlap
	}

	overlap := shared.IntersectCount(a.IPIDSet, b.IPIDSet, 0)
	ratio := shared.OverlapRatio(a.IPIDSet, b.IPIDSet)
	ipidMatch := overlap >= minOverlap && ratio >= minIPIDRatio
	if !ipidMatch {
		return model.Score{}
	}

	w := m.cfg.Weights

	var raw, available float64
	var evidence []string

	add := func(weight float64, bothPresent, matched bool, name string) {
		if !bothPresent {
			return
		}
		available += weight
		if matched {
			raw += weight
			evidence = append(evidence, name)
		}
	}

	add(w.SYNOptions, a.SYNOptions != "" && b.SYNOptions != "", a.SYNOptions != "" && a.SYNOptions == b.SYNOptions, "syn_options")
	add(w.ClientISN, a.HasClientISN && b.HasClientISN, a.HasClientISN && a.ClientISN == b.ClientISN, "client_isn")
	add(w.ServerISN, a.HasServerISN && b.HasServerISN, a.HasServerISN && a.ServerISN == b.ServerISN, "server_isn")

	tsBothPresent := (a.HasTSval || a.HasTSecr) && (b.HasTSval || b.HasTSecr)
	tsMatch := (a.HasTSval && b.HasTSval && a.TSval == b.TSval) || (a.HasTSecr && b.HasTSecr && a.TSecr == b.TSecr)
	add(w.Timestamp, tsBothPresent, tsMatch, "timestamp")

	add(w.ClientPayload, a.ClientPayloadMD5 != "" && b.ClientPayloadMD5 != "", a.ClientPayloadMD5 == b.ClientPayloadMD5 && a.ClientPayloadMD5 != "", "client_payload")
	add(w.ServerPayload, a.ServerPayloadMD5 != "" && b.ServerPayloadMD5 != "", a.ServerPayloadMD5 == b.ServerPayloadMD5 && a.ServerPayloadMD5 != "", "server_payload")

	lenBothPresent := len(a.LengthSignature) > 0 && len(b.LengthSignature) > 0
	lenMatch := jaccard(a.LengthSignature, b.LengthSignature) >= lengthSignatureJaccardFloor
	add(w.LengthSignature, lenBothPresent, lenMatch, "length_signature")

	// IP-ID contributes unconditionally once the pre-filter has passed
	// (§4.D.4 "always, given pre-filter passed").
	add(w.IPID, true, true, "ipid")

	score := model.Score{IPIDMatch: true, Evidence: joinEvidence(evidence)}
	if available > 0 {
		score.Normalized = raw / available
	}
	score.AvailableWeight = available

	if overlap >= strongOverlapCount && ratio >= strongOverlapRatio {
		score.ForceAccept = true
	}

	return score
}

func portsCompatible(a, b *model.Connection) bool {
	aPorts := map[uint16]struct{}{a.ClientPort: {}, a.ServerPort: {}}
	_, clientOK := aPorts[b.ClientPort]
	_, serverOK := aPorts[b.ServerPort]
	return clientOK || serverOK
}

func jaccard(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}

	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}

	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func toSet(tokens []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		out[t] = struct{}{}
	}
	return out
}

func joinEvidence(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// sortCandidates orders matches by the strict total order of §4.D.5:
// force_accept DESC, normalized_score DESC, then stream ids ascending as
// tie-breakers so ordering is deterministic across runs.
func sortCandidates(matches []model.Match) {
	sort.Slice(matches, func(i, j int) bool {
		mi, mj := matches[i], matches[j]
		if mi.Score.ForceAccept != mj.Score.ForceAccept {
			return mi.Score.ForceAccept
		}
		if mi.Score.Normalized != mj.Score.Normalized {
			return mi.Score.Normalized > mj.Score.Normalized
		}
		if mi.A.ID.StreamID != mj.A.ID.StreamID {
			return mi.A.ID.StreamID < mj.A.ID.StreamID
		}
		return mi.B.ID.StreamID < mj.B.ID.StreamID
	})
}

// greedySelect implements one-to-one mode: walk the sorted candidates,
// keeping the first pair to claim each connection and discarding any
// later candidate that reuses an already-consumed side.
func greedySelect(sorted []model.Match) []model.Match {
	usedA := make(map[*model.Connection]bool)
	usedB := make(map[*model.Connection]bool)

	var out []model.Match
	for _, mt := range sorted {
		if usedA[mt.A] || usedB[mt.B] {
			continue
		}
		usedA[mt.A] = true
		usedB[mt.B] = true
		out = append(out, mt)
	}
	return out
}
