package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Configuration errors
	ErrInvalidBackoffConfig = errors.New("retry: invalid backoff configuration")

	// Settlement errors
	ErrAlreadySettled = errors.New("retry: delivery already settled")
)

// DispatchError represents a failure to settle or relocate a delivery
type DispatchError struct {
	Op          string
	DeliveryTag uint64
	Attempts    int
	Delay       int
	Err         error
	Timestamp   time.Time
}

func (e *DispatchError) Error() string {
	if e.Op == "retry" {
		return fmt.Sprintf("dispatch failed: %s delivery %d (attempt %d, delay %ds): %v",
			e.Op, e.DeliveryTag, e.Attempts+1, e.Delay, e.Err)
	}
	return fmt.Sprintf("dispatch failed: %s delivery %d: %v", e.Op, e.DeliveryTag, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
