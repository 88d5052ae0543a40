package worker

import (
	"errors"
	"fmt"
	"time"
)

// Process exit codes for a worker binary.
const (
	ExitOK      = 0
	ExitFailure = 1
	// ExitRestart tells the supervisor the worker lost its broker connection
	// and should simply be started again (EX_TEMPFAIL).
	ExitRestart = 75
)

var (
	// ErrRestartRequired is matched by every RestartError
	ErrRestartRequired = errors.New("worker: restart required")
	// ErrAlreadyRunning is returned when Run is called twice
	ErrAlreadyRunning = errors.New("worker: loop already started")
)

// DecodeError reports a delivery whose body is not a runnable job.
type DecodeError struct {
	DeliveryTag uint64
	Body        []byte
	Err         error
	Timestamp   time.Time
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("worker: cannot decode delivery %d: %v", e.DeliveryTag, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// RestartError reports that the broker connection is gone. The process
// is expected to exit with ExitRestart and be restarted from scratch.
type RestartError struct {
	Err       error
	Timestamp time.Time
}

func (e *RestartError) Error() string {
	return fmt.Sprintf("worker: restart required: %v", e.Err)
}

func (e *RestartError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrRestartRequired) match
func (e *RestartError) Is(target error) bool {
	return target == ErrRestartRequired
}

func restartError(err error) *RestartError {
	return &RestartError{Err: err, Timestamp: time.Now()}
}

// ExitCode maps the error returned by Run to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrRestartRequired):
		return ExitRestart
	default:
		return ExitFailure
	}
}
