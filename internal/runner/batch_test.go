package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rickypin/capmaster/internal/config"
	"github.com/rickypin/capmaster/internal/dissector"
)

// fakeDissectorCSV writes a shell-script tshark stand-in that always
// echoes the same canned connection, regardless of which file or filter
// it is invoked with — sufficient to exercise the batch pipeline's wiring
// without a real capture file.
func fakeDissectorCSV(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "fake-tshark")

	// frame,stream,ts,srcip,dstip,srcipv6,dstipv6,srcport,dstport,flags,seq,ack,len,ipid,ttl,opts,tsval,tsecr,payload
	line := "1,1,1.0,10.0.0.1,10.0.0.2,,,51000,80,0x002,100,0,0,1,64,MSS=1460,,,"
	line2 := "2,1,1.1,10.0.0.2,10.0.0.1,,,80,51000,0x012,500,101,0,2,64,MSS=1460,,,"

	script := "#!/bin/sh\n" +
		"for a in \"$@\"; do\n" +
		"  if [ \"$a\" = \"-v\" ]; then\n" +
		"    echo 'TShark (Wireshark) 4.2.0'\n" +
		"    exit 0\n" +
		"  fi\n" +
		"done\n" +
		"echo '" + line + "'\n" +
		"echo '" + line2 + "'\n" +
		"exit 0\n"

	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestBatchRunExtractsAndMatchesAcrossFiles(t *testing.T) {
	path := fakeDissectorCSV(t)
	t.Setenv(dissector.EnvPathOverride, path)

	log := zap.NewNop()
	cfg := config.Default()
	cfg.Workers = 2

	b := New(cfg, log, nil)

	files := []InputFile{
		{ID: "hop-a", Path: "a.pcap"},
		{ID: "hop-b", Path: "b.pcap"},
	}

	result, err := b.Run(context.Background(), files)
	require.NoError(t, err)

	assert.Len(t, result.Connections["hop-a"], 1)
	assert.Len(t, result.Connections["hop-b"], 1)
	assert.Len(t, result.PairMatches, 1)
	assert.Empty(t, result.FileErrors)
}
