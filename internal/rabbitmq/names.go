package rabbitmq

import (
	"fmt"
	"strconv"
)

// Names holds the user-facing identifiers every broker object is derived
// from. The derived names are part of the wire contract with other
// producers and consumers of the same queue and must not change.
type Names struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// Validate checks the identifiers needed before talking to the broker.
func (n Names) Validate() error {
	if n.Exchange == "" {
		return fmt.Errorf("%w: exchange name required", ErrInvalidConfiguration)
	}
	if n.RoutingKey == "" {
		return fmt.Errorf("%w: routing key required", ErrInvalidConfiguration)
	}
	if n.Queue == "" {
		return fmt.Errorf("%w: queue name required", ErrInvalidConfiguration)
	}
	return nil
}

// MainExchange is where jobs are published.
func (n Names) MainExchange() string { return n.Exchange + ".exchange" }

// ErrorExchange receives dead-lettered and escalated jobs.
func (n Names) ErrorExchange() string { return n.Exchange + ".error.exchange" }

// MainQueue is the queue workers consume from.
func (n Names) MainQueue() string { return n.Queue }

// ErrorQueue holds jobs for manual inspection.
func (n Names) ErrorQueue() string { return n.Queue + ".error" }

// RetryQueue returns the delay queue for the given delay in seconds.
func (n Names) RetryQueue(delay int) string {
	return n.Queue + ".retry." + strconv.Itoa(delay)
}

// RetryRoutingKey returns the key that routes into RetryQueue(delay).
func (n Names) RetryRoutingKey(delay int) string {
	return n.RoutingKey + "." + strconv.Itoa(delay)
}
