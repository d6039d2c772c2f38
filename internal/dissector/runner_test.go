package dissector

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeDissector writes an executable shell script standing in for tshark:
// `-v` prints a version line, anything else echoes the script's canned
// lines and exits with the given code.
func fakeDissector(t *testing.T, lines []string, exitCode int) string {
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
	script += "exit " + itoa(exitCode) + "\n"

	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

func newTestRunner(t *testing.T, lines []string, exitCode int) *Runner {
	t.Helper()
	path := fakeDissector(t, lines, exitCode)
	t.Setenv(EnvPathOverride, path)

	log := zap.NewNop()
	r, err := NewRunner(log)
	require.NoError(t, err)
	return r
}

func TestRunnerLinesOrderedSuccess(t *testing.T) {
	r := newTestRunner(t, []string{"a", "b", "c"}, 0)

	lineCh, wait := r.Lines(context.Background(), []string{}, "dummy.pcap", 0)

	var got []string
	for l := range lineCh {
		got = append(got, l)
	}

	assert.NoError(t, wait())
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestRunnerExitCode2IsSuccess(t *testing.T) {
	r := newTestRunner(t, []string{"a"}, 2)

	lineCh, wait := r.Lines(context.Background(), []string{}, "dummy.pcap", 0)
	for range lineCh {
	}

	assert.NoError(t, wait(), "exit code 2 (warnings) must be treated as success")
}

func TestRunnerNonZeroExitSurfacesError(t *testing.T) {
	r := newTestRunner(t, []string{"a"}, 1)

	lineCh, wait := r.Lines(context.Background(), []string{}, "dummy.pcap", 0)
	for range lineCh {
	}

	err := wait()
	require.Error(t, err)

	var dErr *Error
	require.ErrorAs(t, err, &dErr)
	assert.Equal(t, 1, dErr.ExitCode)
}

func TestRunnerVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-tshark-old")
	script := "#!/bin/sh\necho 'TShark (Wireshark) 1.2.3'\nexit 0\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	t.Setenv(EnvPathOverride, path)

	_, err := NewRunner(zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestRunnerNotFound(t *testing.T) {
	t.Setenv(EnvPathOverride, "/nonexistent/path/to/tshark")

	_, err := NewRunner(zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunnerTimeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-tshark-slow")
	script := "#!/bin/sh\n" +
		"for a in \"$@\"; do\n" +
		"  if [ \"$a\" = \"-v\" ]; then\n" +
		"    echo 'TShark (Wireshark) 4.2.0'\n" +
		"    exit 0\n" +
		"  fi\n" +
		"done\n" +
		"sleep 5\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	t.Setenv(EnvPathOverride, path)

	r, err := NewRunner(zap.NewNop())
	require.NoError(t, err)

	lineCh, wait := r.Lines(context.Background(), []string{}, "dummy.pcap", 50*time.Millisecond)
	for range lineCh {
	}

	err = wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}
