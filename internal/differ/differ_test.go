package differ

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rickypin/capmaster/internal/dissector"
	"github.com/rickypin/capmaster/internal/model"
)

func fakeDissectorCSV(t *testing.T, lines []string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "fake-tshark")

	script := "#!/bin/sh\n" +
		"for a in \"$@\"; do\n" +
		"  if [ \"$a\" = \"-v\" ]; then\n" +
		"    echo 'TShark (Wireshark) 4.2.0'\n" +
		"    exit 0\n" +
		"  fi\n" +
		"done\n"

	for _, l := range lines {
		script += "echo '" + l + "'\n"
	}
	script += "exit 0\n"

	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestDiffer(t *testing.T, lines []string) *Differ {
	t.Helper()
	path := fakeDissectorCSV(t, lines)
	t.Setenv(dissector.EnvPathOverride, path)

	r, err := dissector.NewRunner(zap.NewNop())
	require.NoError(t, err)

	return New(r)
}

// line builds one diffFields-order row: frame,ts,srcip,dstip,srcipv6,
// dstipv6,srcport,dstport,flags,seq,ack,ipid.
func line(frame int, ts, srcIP, dstIP string, srcPort, dstPort int, flags string, seq, ack, ipid int) string {
	itoa := func(n int) string {
		if n == 0 {
			return "0"
		}
		var b []byte
		for n > 0 {
			b = append([]byte{byte('0' + n%10)}, b...)
			n /= 10
		}
		return string(b)
	}
	return frameJoin(
		itoa(frame), ts, srcIP, dstIP, "", "",
		itoa(srcPort), itoa(dstPort), flags, itoa(seq), itoa(ack), itoa(ipid),
	)
}

func frameJoin(parts ...string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "," + p
	}
	return out
}

func testMatch() model.Match {
	return model.Match{
		A: &model.Connection{ClientIP: net.ParseIP("10.0.0.1"), ClientPort: 5000, ServerIP: net.ParseIP("10.0.0.2"), ServerPort: 80},
		B: &model.Connection{ClientIP: net.ParseIP("10.0.0.1"), ClientPort: 5000, ServerIP: net.ParseIP("10.0.0.2"), ServerPort: 80},
	}
}

func TestDiffDetectsSeqMismatch(t *testing.T) {
	linesA := []string{
		line(1, "1.0", "10.0.0.1", "10.0.0.2", 5000, 80, "0x018", 100, 1, 5),
	}
	linesB := []string{
		line(1, "1.0", "10.0.0.1", "10.0.0.2", 5000, 80, "0x018", 999, 1, 5),
	}

	// extract side A and side B independently using two Differ instances
	// bound to distinct fake dissectors (one per "file").
	da := newTestDiffer(t, linesA)
	pktsA, err := da.extract(context.Background(), "a.pcap", testMatch().A, 0)
	require.NoError(t, err)

	db := newTestDiffer(t, linesB)
	pktsB, err := db.extract(context.Background(), "b.pcap", testMatch().B, 0)
	require.NoError(t, err)

	result := compare(buildKeyedMap(pktsA), buildKeyedMap(pktsB))
	require.Len(t, result.Diffs, 1)
	assert.True(t, result.Diffs[0].HasKind(model.DiffSeq))
	assert.Equal(t, 1, result.ByDir[model.ClientToServer].SeqOnly)
}

func TestDiffReportsMissingSide(t *testing.T) {
	pktsA := []*model.DiffPacket{
		{FrameNumber: 1, Direction: model.ClientToServer, IPID: 7, Seq: 1},
	}
	pktsB := []*model.DiffPacket{}

	result := compare(buildKeyedMap(pktsA), buildKeyedMap(pktsB))
	require.Len(t, result.Diffs, 1)
	assert.True(t, result.Diffs[0].HasKind(model.DiffMissingSideB))
	assert.Equal(t, 1, result.ByDir[model.ClientToServer].MissingB)
}

func TestDiffPairsRetransmitsByListOrder(t *testing.T) {
	pktsA := []*model.DiffPacket{
		{FrameNumber: 1, Direction: model.ClientToServer, IPID: 7, Seq: 1},
		{FrameNumber: 2, Direction: model.ClientToServer, IPID: 7, Seq: 1},
	}
	pktsB := []*model.DiffPacket{
		{FrameNumber: 1, Direction: model.ClientToServer, IPID: 7, Seq: 1},
	}

	result := compare(buildKeyedMap(pktsA), buildKeyedMap(pktsB))
	require.Len(t, result.Diffs, 1)
	assert.True(t, result.Diffs[0].HasKind(model.DiffMissingSideB))
}
