package photozip

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an identifier does not name an entry under the
// root, including identifiers which try to escape it.
var ErrNotFound = errors.New("photozip: entry not found")

// LaunchError is returned when the archive process could not be started.
type LaunchError struct {
	Name string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("photozip: start %s: %v", e.Name, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ProducerError is returned when the archive process exited unsuccessfully
// after its output was drained.
type ProducerError struct {
	ExitCode int
	// Stderr holds the tail of the diagnostic stream.
	Stderr string
	Err    error
}

func (e *ProducerError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("photozip: archive process exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("photozip: archive process exited with code %d: %s", e.ExitCode, e.Stderr)
}

func (e *ProducerError) Unwrap() error { return e.Err }

// RelayError is returned when reading archive output or writing the response
// fails for a reason other than cancellation.
type RelayError struct {
	Op  string
	Err error
}

func (e *RelayError) Error() string { return "photozip: relay " + e.Op + ": " + e.Err.Error() }

func (e *RelayError) Unwrap() error { return e.Err }
