// Package jobqueue is a durable background job queue on RabbitMQ.
//
// Producers push jobs onto a main queue; workers consume them one at a
// time. A failed job is parked in a per-delay retry queue whose message
// TTL routes it back to the main queue after an exponential backoff, and
// lands in an error queue once its retries are exhausted. Retry state
// lives entirely in the broker, in the x-death header of each message.
//
// Example usage:
//
//	registry := job.NewRegistry()
//	job.MustRegisterType[SendInvoice](registry, "SendInvoice")
//
//	cfg, err := jobqueue.LoadConfig()
//	q, err := jobqueue.Open(ctx, cfg, registry)
//	defer q.Close()
//
//	err = q.Push(ctx, &SendInvoice{InvoiceID: 42})
//
//	// in the worker process
//	err = q.Listen(ctx)
//	os.Exit(worker.ExitCode(err))
//
// A worker never reconnects. When the connection is lost Listen returns an
// error for which worker.ExitCode yields worker.ExitRestart, and the
// process supervisor is expected to start a fresh worker.
package jobqueue
