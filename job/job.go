package job

import (
	"context"
	"errors"
)

// Job is a unit of work. Execute returns nil on success. Any other error is
// a retryable failure and schedules the job on the backoff queues, unless
// it is marked with Fatal, in which case the job goes straight to the error
// queue.
type Job interface {
	Execute(ctx context.Context, h Handle) error
}

// Handle gives a running job control over its own delivery. Once a job
// settled its delivery through the handle, the error Execute returns is
// only logged.
type Handle interface {
	// Ack acknowledges the delivery ahead of completion.
	Ack(ctx context.Context) error
	// Requeue schedules another attempt after the backoff delay.
	Requeue(ctx context.Context) error
	// Fatal moves the job to the error queue.
	Fatal(ctx context.Context) error
	// Body returns the raw envelope the job was decoded from.
	Body() []byte
	// Attempts returns how many earlier attempts failed.
	Attempts() int
}

// FuncJob adapts a function to the Job interface.
type FuncJob func(ctx context.Context, h Handle) error

// Execute calls f(ctx, h).
func (f FuncJob) Execute(ctx context.Context, h Handle) error {
	return f(ctx, h)
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return "fatal: " + e.err.Error()
}

func (e *fatalError) Unwrap() error {
	return e.err
}

// Fatal marks err as non-retryable. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether any error in err's chain was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
