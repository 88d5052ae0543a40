// Package reliability implements the retry engine of the job queue.
//
// Failed jobs are not retried in process. They are republished to a
// per-delay retry queue whose message TTL dead-letters them back to the
// main queue once the delay elapsed. The number of attempts a job already
// had is read back from the broker's x-death header, so no state is kept
// outside the broker.
//
//   - BackoffPolicy: delay(attempts) = min(MaxDelay, (attempts+1)^Factor)
//   - DeathCounter: attempts charged to the main queue and its retry queues
//   - Dispatcher: ack, retry, reject and error-queue escalation
//
// Example usage:
//
//	dispatcher, err := NewDispatcher(publisher, topology, BackoffConfig{
//	    MaxDelay:    60,
//	    Factor:      2,
//	    MaxAttempts: 6,
//	})
//
//	decision, err := dispatcher.Retry(ctx, NewDelivery(d), CauseError)
package reliability
