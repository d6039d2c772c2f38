package dissector

import "github.com/pkg/errors"

// Sentinel error kinds for the DissectorRunner's failure taxonomy (§4.A, §7).
// Components up the call stack (ConnectionExtractor, the batch runner)
// switch on errors.Is/errors.Cause against these to decide whether a
// failure aborts the whole run or just the owning file/task.
var (
	// ErrNotFound means the dissector executable is missing on PATH and
	// in the configured override — surfaced immediately, aborts the run.
	ErrNotFound = errors.New("dissector: executable not found")

	// ErrVersionMismatch means the detected version is below the
	// configured floor — surfaced before any run is attempted.
	ErrVersionMismatch = errors.New("dissector: version below required floor")

	// ErrTimeout means the process was killed after exceeding its
	// invocation timeout.
	ErrTimeout = errors.New("dissector: invocation timed out")

	// ErrCancelled means the invocation was cancelled cooperatively via
	// context before or during the subprocess run.
	ErrCancelled = errors.New("dissector: invocation cancelled")
)

// Error wraps a non-zero (and non-2) dissector exit with its captured
// stderr, per §4.A "NonZeroExit with meaningful stderr".
type Error struct {
	ExitCode int
	Stderr   string
	Args     []string
}

func (e *Error) Error() string {
	return errors.Errorf("dissector: exit %d: %s (args: %v)", e.ExitCode, e.Stderr, e.Args).Error()
}
