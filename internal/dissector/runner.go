// Package dissector isolates every subprocess, path-lookup, and
// exit-code concern around invoking the external tshark binary, so every
// other component can treat "run the dissector and get lines back" as a
// single narrow interface (§4.A).
package dissector

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// EnvPathOverride is the documented environment variable used to override
// the dissector binary's location (§6 "Environment / configuration inputs").
const EnvPathOverride = "TSHARK_PATH"

// MinVersion is the version floor required for absolute-sequence-number
// support and the field set CapMaster relies on.
var MinVersion = version.Must(version.NewVersion("3.0.0"))

// Runner locates and invokes the external dissector. It holds only its own
// configuration — no mutable global state is shared between Runners, so a
// worker pool (internal/runner) can give each worker its own Runner
// without synchronization (§5).
type Runner struct {
	path   string
	log    *zap.Logger
	fixed  bool // true once NewRunner has successfully resolved and version-checked path
}

// NewRunner locates the dissector executable (honoring EnvPathOverride over
// PATH lookup) and verifies it meets MinVersion. Construction fails fast
// (§4.A "surfaced before any run") so callers never spawn a process against
// a binary that will misbehave.
func NewRunner(log *zap.Logger) (*Runner, error) {
	path, err := locate()
	if err != nil {
		return nil, err
	}

	ver, err := probeVersion(path)
	if err != nil {
		return nil, errors.Wrap(err, "dissector: failed to determine version")
	}

	if ver.LessThan(MinVersion) {
		return nil, errors.Wrapf(ErrVersionMismatch, "found %s, need >= %s", ver, MinVersion)
	}

	return &Runner{path: path, log: log, fixed: true}, nil
}

func locate() (string, error) {
	if override := os.Getenv(EnvPathOverride); override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", errors.Wrapf(ErrNotFound, "%s=%s: %v", EnvPathOverride, override, err)
		}
		return override, nil
	}

	path, err := exec.LookPath("tshark")
	if err != nil {
		return "", errors.Wrap(ErrNotFound, err.Error())
	}

	return path, nil
}

var versionLineRE = regexp.MustCompile(`(\d+\.\d+\.\d+)`)

func probeVersion(path string) (*version.Version, error) {
	out, err := exec.Command(path, "-v").Output()
	if err != nil {
		return nil, err
	}

	match := versionLineRE.FindStringSubmatch(string(out))
	if match == nil {
		return nil, errors.New("dissector: could not parse version from -v output")
	}

	return version.NewVersion(match[1])
}

// Lines invokes the dissector with args against inputFile and returns an
// ordered, lazily produced sequence of stdout lines via the returned
// channel, plus a function to retrieve the final error once the channel is
// closed. Lines are delivered in process-stdout order (§4.A ordering
// guarantee). The iterator is pulled at the consumer's pace — Lines never
// buffers the whole of stdout (§5 back-pressure): it reads one line at a
// time off a bufio.Scanner and only pushes onto an unbuffered channel.
func (r *Runner) Lines(ctx context.Context, args []string, inputFile string, timeout time.Duration) (<-chan string, func() error) {
	lines := make(chan string)
	errCh := make(chan error, 1)

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	fullArgs := append(append([]string{}, args...), "-r", inputFile)
	cmd := exec.CommandContext(runCtx, r.path, fullArgs...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		close(lines)
		errCh <- errors.Wrap(err, "dissector: failed to open stdout pipe")
		if cancel != nil {
			cancel()
		}
		return lines, func() error { return <-errCh }
	}

	var stderrBuf strings.Builder
	cmd.Stderr = &stderrBuf

	go func() {
		defer close(lines)
		if cancel != nil {
			defer cancel()
		}

		if startErr := cmd.Start(); startErr != nil {
			errCh <- errors.Wrap(startErr, "dissector: failed to start")
			return
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-runCtx.Done():
				_ = cmd.Process.Kill()
				errCh <- r.timeoutOrCancelError(ctx, runCtx)
				return
			}
		}

		if scanErr := scanner.Err(); scanErr != nil && scanErr != io.EOF {
			r.log.Debug("dissector: scan error", zap.Error(scanErr))
		}

		waitErr := cmd.Wait()
		errCh <- r.classifyExit(waitErr, fullArgs, stderrBuf.String(), ctx, runCtx)
	}()

	return lines, func() error { return <-errCh }
}

func (r *Runner) timeoutOrCancelError(parent, runCtx context.Context) error {
	if runCtx.Err() == context.DeadlineExceeded {
		return ErrTimeout
	}
	if parent.Err() != nil {
		return ErrCancelled
	}
	return runCtx.Err()
}

func (r *Runner) classifyExit(waitErr error, args []string, stderr string, parent, runCtx context.Context) error {
	if waitErr == nil {
		return nil
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return ErrTimeout
	}
	if parent.Err() != nil {
		return ErrCancelled
	}

	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return errors.Wrap(waitErr, "dissector: failed to wait")
	}

	code := exitErr.ExitCode()
	if code == 2 {
		// exit code 2: malformed-packet warnings, treated as success (§4.A).
		r.log.Debug("dissector: exit 2 (warnings)", zap.String("stderr", stderr))
		return nil
	}

	return &Error{ExitCode: code, Stderr: stderr, Args: args}
}

// RunToFile directs dissector stdout straight to outputFile, used when the
// dissector itself is rewriting PCAP output rather than emitting fields.
func (r *Runner) RunToFile(ctx context.Context, args []string, inputFile, outputFile string) error {
	fullArgs := append(append([]string{}, args...), "-r", inputFile)

	out, err := os.Create(outputFile)
	if err != nil {
		return errors.Wrapf(err, "dissector: failed to create %s", outputFile)
	}
	defer out.Close()

	cmd := exec.CommandContext(ctx, r.path, fullArgs...)
	cmd.Stdout = out

	var stderrBuf strings.Builder
	cmd.Stderr = &stderrBuf

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrTimeout
		}

		if exitErr, ok := err.(*exec.ExitError); ok {
			if exitErr.ExitCode() == 2 {
				return nil
			}
			return &Error{ExitCode: exitErr.ExitCode(), Stderr: stderrBuf.String(), Args: fullArgs}
		}

		return errors.Wrap(err, "dissector: run to file failed")
	}

	return nil
}
