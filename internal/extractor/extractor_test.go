package extractor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rickypin/capmaster/internal/dissector"
)

// fakeDissectorCSV writes a shell-script stand-in for tshark that echoes a
// fixed set of CSV lines, mirroring the approach in dissector's own tests
// (internal/dissector/runner_test.go fakeDissector helper).
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

func newTestExtractor(t *testing.T, lines []string) *Extractor {
	t.Helper()
	path := fakeDissectorCSV(t, lines)
	t.Setenv(dissector.EnvPathOverride, path)

	log := zap.NewNop()
	r, err := dissector.NewRunner(log)
	require.NoError(t, err)

	return New(r, dissector.FieldSpec{}, log)
}

// csvLine builds one mandatory-field-set row in baseFields order:
// frame,stream,ts,srcip,dstip,srcipv6,dstipv6,srcport,dstport,flags,seq,ack,len,ipid,ttl,opts,tsval,tsecr,payload
func csvLine(frame, stream int, ts, srcIP, dstIP string, srcPort, dstPort int, flags string, seq, ack, length int, ipid, ttl int, opts, payload string) string {
	join := func(parts ...string) string {
		out := parts[0]
		for _, p := range parts[1:] {
			out += "," + p
		}
		return out
	}
	itoa := func(n int) string {
		if n == 0 {
			return "0"
		}
		neg := n < 0
		if neg {
			n = -n
		}
		var b []byte
		for n > 0 {
			b = append([]byte{byte('0' + n%10)}, b...)
			n /= 10
		}
		if neg {
			return "-" + string(b)
		}
		return string(b)
	}
	return join(
		itoa(frame), itoa(stream), ts, srcIP, dstIP, "", "",
		itoa(srcPort), itoa(dstPort), flags, itoa(seq), itoa(ack), itoa(length),
		itoa(ipid), itoa(ttl), opts, "", "", payload,
	)
}

func TestExtractBuildsSingleConnectionFromHandshake(t *testing.T) {
	lines := []string{
		csvLine(1, 7, "1.0", "10.0.0.1", "10.0.0.2", 51000, 80, "0x002", 100, 0, 0, 1, 64, "MSS=1460", ""),
		csvLine(2, 7, "1.1", "10.0.0.2", "10.0.0.1", 80, 51000, "0x012", 500, 101, 0, 200, 64, "MSS=1460", ""),
		csvLine(3, 7, "1.2", "10.0.0.1", "10.0.0.2", 51000, 80, "0x010", 101, 501, 4, 2, 64, "", "47455420"),
	}

	e := newTestExtractor(t, lines)
	conns, err := e.Extract(context.Background(), "dummy.pcap", "file-a", 0)
	require.NoError(t, err)
	require.Len(t, conns, 1)

	c := conns[0]
	assert.Equal(t, "10.0.0.1", c.ClientIP.String())
	assert.Equal(t, uint16(51000), c.ClientPort)
	assert.Equal(t, "10.0.0.2", c.ServerIP.String())
	assert.Equal(t, uint16(80), c.ServerPort)
	assert.True(t, c.HasSYN)
	assert.True(t, c.HasClientISN)
	assert.True(t, c.HasServerISN)
	assert.Equal(t, uint32(100), c.ClientISN)
	assert.Equal(t, uint32(500), c.ServerISN)
	assert.Len(t, c.IPIDSet, 3)
	assert.NotEmpty(t, c.ClientPayloadMD5)
	assert.Empty(t, c.ServerPayloadMD5)
}

func TestExtractSkipsStreamsWithNoIPIDObservations(t *testing.T) {
	lines := []string{
		// IPv6 endpoints: no IP-ID is recorded for the stream.
		csvLine(1, 9, "1.0", "fd00::1", "fd00::2", 51000, 80, "0x002", 100, 0, 0, 0, 64, "", ""),
	}

	e := newTestExtractor(t, lines)
	conns, err := e.Extract(context.Background(), "dummy.pcap", "file-a", 0)
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestExtractGroupsByStreamID(t *testing.T) {
	lines := []string{
		csvLine(1, 1, "1.0", "10.0.0.1", "10.0.0.2", 51000, 80, "0x002", 100, 0, 0, 1, 64, "", ""),
		csvLine(2, 2, "1.1", "10.0.0.3", "10.0.0.4", 52000, 443, "0x002", 200, 0, 0, 1, 64, "", ""),
	}

	e := newTestExtractor(t, lines)
	conns, err := e.Extract(context.Background(), "dummy.pcap", "file-a", 0)
	require.NoError(t, err)
	assert.Len(t, conns, 2)
	assert.Equal(t, int64(1), conns[0].ID.StreamID)
	assert.Equal(t, int64(2), conns[1].ID.StreamID)
}
