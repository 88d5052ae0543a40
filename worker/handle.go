package worker

import (
	"context"

	"github.com/glimte/mmate-jobqueue/internal/reliability"
)

// handle is the job.Handle given to a running job.
type handle struct {
	delivery   *reliability.Delivery
	dispatcher *reliability.Dispatcher
	attempts   int
}

func (h *handle) Ack(ctx context.Context) error {
	return h.dispatcher.Ack(ctx, h.delivery)
}

func (h *handle) Requeue(ctx context.Context) error {
	_, err := h.dispatcher.Retry(ctx, h.delivery, reliability.CauseReject)
	return err
}

func (h *handle) Fatal(ctx context.Context) error {
	return h.dispatcher.Fatal(ctx, h.delivery)
}

func (h *handle) Body() []byte {
	return h.delivery.Body()
}

func (h *handle) Attempts() int {
	return h.attempts
}
