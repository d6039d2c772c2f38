// Package differ implements Streamdiff (§4.E): given a Match, re-extracts
// both sides' packets restricted to the match's 5-tuple and produces a
// per-(direction, IP-ID) comparison.
package differ

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rickypin/capmaster/internal/dissector"
	"github.com/rickypin/capmaster/internal/model"
)

// diffFields is the minimal field set Streamdiff needs per packet — a
// narrower request than the ConnectionExtractor's, since Streamdiff never
// needs payload bytes or handshake options.
var diffFields = []string{
	dissector.FieldFrame,
	dissector.FieldTimestamp,
	dissector.FieldSrcIP,
	dissector.FieldDstIP,
	dissector.FieldSrcIPv6,
	dissector.FieldDstIPv6,
	dissector.FieldSrcPort,
	dissector.FieldDstPort,
	dissector.FieldFlags,
	dissector.FieldSeq,
	dissector.FieldAck,
	dissector.FieldIPID,
}

// Differ runs Streamdiff using a single Runner for both sides.
type Differ struct {
	runner *dissector.Runner
}

// New builds a Differ bound to a Runner.
func New(runner *dissector.Runner) *Differ {
	return &Differ{runner: runner}
}

// Diff re-invokes the dissector against fileA and fileB, restricted to
// match's 5-tuple, and compares the resulting packet streams (§4.E).
func (d *Differ) Diff(ctx context.Context, match model.Match, fileA, fileB string, timeout time.Duration) (*model.DiffResult, error) {
	pktsA, err := d.extract(ctx, fileA, match.A, timeout)
	if err != nil {
		return nil, fmt.Errorf("differ: side A extraction: %w", err)
	}
	pktsB, err := d.extract(ctx, fileB, match.B, timeout)
	if err != nil {
		return nil, fmt.Errorf("differ: side B extraction: %w", err)
	}

	mapA := buildKeyedMap(pktsA)
	mapB := buildKeyedMap(pktsB)

	return compare(mapA, mapB), nil
}

// extract runs the dissector against file restricted to conn's 5-tuple
// and returns the resulting DiffPackets in frame order.
func (d *Differ) extract(ctx context.Context, file string, conn *model.Connection, timeout time.Duration) ([]*model.DiffPacket, error) {
	args := []string{
		"-Y", bidirectionalFilter(conn),
		"-T", "fields",
		"-o", "tcp.relative_sequence_numbers:false",
		"-o", "tcp.desegment_tcp_streams:false",
		"-E", "occurrence=l",
		"-E", "separator=,",
	}
	for _, f := range diffFields {
		args = append(args, "-e", f)
	}

	lineCh, wait := d.runner.Lines(ctx, args, file, timeout)

	var pkts []*model.DiffPacket
	for line := range lineCh {
		if line == "" {
			continue
		}
		raw, ok := parseRawDiffLine(line)
		if !ok {
			continue
		}

		pkt := raw.pkt
		if raw.srcIP != nil && raw.srcIP.Equal(conn.ClientIP) && raw.srcPort == conn.ClientPort {
			pkt.Direction = model.ClientToServer
		} else {
			pkt.Direction = model.ServerToClient
		}

		pkts = append(pkts, &pkt)
	}

	if err := wait(); err != nil {
		return nil, err
	}

	sort.Slice(pkts, func(i, j int) bool { return pkts[i].FrameNumber < pkts[j].FrameNumber })

	return pkts, nil
}

// bidirectionalFilter builds a tshark display filter matching only the
// two directions of conn's 5-tuple (§4.E step 1).
func bidirectionalFilter(conn *model.Connection) string {
	cIP, cPort := conn.ClientIP.String(), conn.ClientPort
	sIP, sPort := conn.ServerIP.String(), conn.ServerPort

	return fmt.Sprintf(
		"tcp && ((ip.addr==%s && tcp.port==%d && ip.addr==%s && tcp.port==%d))",
		cIP, cPort, sIP, sPort,
	)
}

type diffKey struct {
	dir  model.Direction
	ipid uint16
}

// buildKeyedMap groups extracted packets by (direction, IP-ID); Direction
// is already computed relative to the match's client endpoint in extract
// (§4.E step 3).
func buildKeyedMap(pkts []*model.DiffPacket) map[diffKey][]*model.DiffPacket {
	out := make(map[diffKey][]*model.DiffPacket)
	for _, p := range pkts {
		out[diffKey{dir: p.Direction, ipid: p.IPID}] = append(out[diffKey{dir: p.Direction, ipid: p.IPID}], p)
	}
	return out
}

// compare implements §4.E steps 4-6: pairwise comparison within shared
// keys, missing-side reporting for keys present on only one side, and
// per-direction counter aggregation.
func compare(mapA, mapB map[diffKey][]*model.DiffPacket) *model.DiffResult {
	result := &model.DiffResult{
		ByDir: map[model.Direction]*model.DirectionCounters{
			model.ClientToServer: {},
			model.ServerToClient: {},
		},
	}

	keys := make(map[diffKey]struct{})
	for k := range mapA {
		keys[k] = struct{}{}
	}
	for k := range mapB {
		keys[k] = struct{}{}
	}

	sortedKeys := make([]diffKey, 0, len(keys))
	for k := range keys {
		sortedKeys = append(sortedKeys, k)
	}
	sort.Slice(sortedKeys, func(i, j int) bool {
		if sortedKeys[i].dir != sortedKeys[j].dir {
			return sortedKeys[i].dir < sortedKeys[j].dir
		}
		return sortedKeys[i].ipid < sortedKeys[j].ipid
	})

	for _, key := range sortedKeys {
		listA, okA := mapA[key]
		listB, okB := mapB[key]
		counters := result.ByDir[key.dir]

		switch {
		case okA && okB:
			n := len(listA)
			if len(listB) > n {
				n = len(listB)
			}
			for i := 0; i < n; i++ {
				var a, b *model.DiffPacket
				if i < len(listA) {
					a = listA[i]
				}
				if i < len(listB) {
					b = listB[i]
				}

				diff := &model.Diff{Direction: key.dir, IPID: key.ipid, A: a, B: b}

				switch {
				case a == nil:
					diff.AddKind(model.DiffMissingSideA)
					counters.MissingA++
				case b == nil:
					diff.AddKind(model.DiffMissingSideB)
					counters.MissingB++
				default:
					if a.Flags != b.Flags {
						diff.AddKind(model.DiffFlags)
						counters.FlagsOnly++
					}
					if a.Seq != b.Seq {
						diff.AddKind(model.DiffSeq)
						counters.SeqOnly++
					}
					if a.Ack != b.Ack {
						diff.AddKind(model.DiffAck)
						counters.AckOnly++
					}
				}

				if len(diff.Kinds) > 0 {
					counters.Total++
					result.Diffs = append(result.Diffs, diff)
				}
			}

		case okA && !okB:
			for _, a := range listA {
				diff := &model.Diff{Direction: key.dir, IPID: key.ipid, A: a}
				diff.AddKind(model.DiffMissingSideB)
				counters.MissingB++
				counters.Total++
				result.Diffs = append(result.Diffs, diff)
			}

		case okB && !okA:
			for _, b := range listB {
				diff := &model.Diff{Direction: key.dir, IPID: key.ipid, B: b}
				diff.AddKind(model.DiffMissingSideA)
				counters.MissingA++
				counters.Total++
				result.Diffs = append(result.Diffs, diff)
			}
		}
	}

	return result
}
