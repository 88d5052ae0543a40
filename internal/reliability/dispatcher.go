package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-jobqueue/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Publisher publishes messages and returns once the broker confirmed them.
type Publisher interface {
	Publish(ctx context.Context, msgs ...rabbitmq.PublishMessage) error
}

// RetryTopology provisions retry queues on demand.
type RetryTopology interface {
	Names() rabbitmq.Names
	EnsureRetryQueue(ctx context.Context, delay int) (string, error)
}

// Dispatcher decides what happens to a delivery once its job finished:
// acknowledge it, relocate it to a delay queue, or reject it into the
// error queue once its attempts are exhausted.
type Dispatcher struct {
	publisher Publisher
	topology  RetryTopology
	names     rabbitmq.Names
	policy    *BackoffPolicy
	counter   DeathCounter
	logger    *slog.Logger

	meterProvider metric.MeterProvider
	metrics       *dispatchMetrics
}

// DispatcherOption configures the dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMeterProvider sets the meter provider used for settlement metrics
func WithMeterProvider(mp metric.MeterProvider) DispatcherOption {
	return func(d *Dispatcher) {
		d.meterProvider = mp
	}
}

// NewDispatcher creates a dispatcher. An invalid backoff configuration is
// rejected before anything touches the broker.
func NewDispatcher(publisher Publisher, topology RetryTopology, cfg BackoffConfig, options ...DispatcherOption) (*Dispatcher, error) {
	policy, err := NewBackoffPolicy(cfg)
	if err != nil {
		return nil, err
	}

	names := topology.Names()
	d := &Dispatcher{
		publisher: publisher,
		topology:  topology,
		names:     names,
		policy:    policy,
		counter:   DeathCounter{Queue: names.MainQueue()},
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	if d.meterProvider == nil {
		d.meterProvider = otel.GetMeterProvider()
	}
	d.metrics, err = newDispatchMetrics(d.meterProvider)
	if err != nil {
		return nil, err
	}

	return d, nil
}

// Policy returns the backoff policy in use.
func (d *Dispatcher) Policy() *BackoffPolicy {
	return d.policy
}

// Attempts returns how many times the delivery's job was already attempted.
func (d *Dispatcher) Attempts(delivery *Delivery) int {
	return d.counter.Count(delivery.Headers())
}

// Ack acknowledges a successfully processed delivery.
func (d *Dispatcher) Ack(ctx context.Context, delivery *Delivery) error {
	_, err := delivery.settle(func() (Decision, error) {
		if err := delivery.raw.Ack(false); err != nil {
			return Pending, d.dispatchError("ack", delivery, 0, 0, err)
		}
		return Acked, nil
	})
	if err != nil {
		return err
	}

	d.metrics.recordSettled(ctx, Acked, CauseNone)
	d.logger.Debug("job acknowledged", "deliveryTag", delivery.Tag())
	return nil
}

// Retry relocates a failed job to the retry queue matching its backoff
// delay, or rejects it into the error queue when it has no attempts left.
// The original delivery is acknowledged only after the broker confirmed
// the republished copy.
func (d *Dispatcher) Retry(ctx context.Context, delivery *Delivery, cause Cause) (Decision, error) {
	attempts := d.Attempts(delivery)

	retry, delay := d.policy.ShouldRetry(attempts)
	if !retry {
		decision, err := delivery.settle(func() (Decision, error) {
			if err := delivery.raw.Reject(false); err != nil {
				return Pending, d.dispatchError("reject", delivery, attempts, 0, err)
			}
			return Rejected, nil
		})
		if err != nil {
			return decision, err
		}

		d.metrics.recordSettled(ctx, Rejected, cause)
		d.logger.Warn("job exhausted its attempts, moved to error queue",
			"deliveryTag", delivery.Tag(),
			"attempts", attempts,
			"maxAttempts", d.policy.Config().MaxAttempts,
			"cause", cause.String(),
			"errorQueue", d.names.ErrorQueue())
		return Rejected, nil
	}

	decision, err := delivery.settle(func() (Decision, error) {
		queue, err := d.topology.EnsureRetryQueue(ctx, delay)
		if err != nil {
			return Pending, d.dispatchError("retry", delivery, attempts, delay, err)
		}

		msg := rabbitmq.PublishMessage{
			Exchange:   d.names.MainExchange(),
			RoutingKey: d.names.RetryRoutingKey(delay),
			Message:    republishing(delivery.raw),
		}
		if err := d.publisher.Publish(ctx, msg); err != nil {
			return Pending, d.dispatchError("retry", delivery, attempts, delay, err)
		}

		if err := delivery.raw.Ack(false); err != nil {
			return Pending, d.dispatchError("retry", delivery, attempts, delay, err)
		}

		d.logger.Info("job scheduled for retry",
			"deliveryTag", delivery.Tag(),
			"attempt", attempts+1,
			"delay", delay,
			"retryQueue", queue,
			"cause", cause.String())
		return Retried, nil
	})
	if err != nil {
		return decision, err
	}

	d.metrics.recordSettled(ctx, Retried, cause)
	d.metrics.recordDelay(ctx, delay)
	return Retried, nil
}

// Reject rejects the delivery without requeue; the broker dead-letters it
// into the error queue.
func (d *Dispatcher) Reject(ctx context.Context, delivery *Delivery, cause Cause) error {
	_, err := delivery.settle(func() (Decision, error) {
		if err := delivery.raw.Reject(false); err != nil {
			return Pending, d.dispatchError("reject", delivery, 0, 0, err)
		}
		return Rejected, nil
	})
	if err != nil {
		return err
	}

	d.metrics.recordSettled(ctx, Rejected, cause)
	d.logger.Warn("job rejected into error queue", "deliveryTag", delivery.Tag(), "cause", cause.String())
	return nil
}

// Requeue returns the delivery to the head of the main queue without
// touching its x-death history, so the attempt is not counted. It is the
// fallback when a retry or rejection could not be carried out.
func (d *Dispatcher) Requeue(ctx context.Context, delivery *Delivery, cause Cause) error {
	_, err := delivery.settle(func() (Decision, error) {
		if err := delivery.raw.Nack(false, true); err != nil {
			return Pending, d.dispatchError("requeue", delivery, 0, 0, err)
		}
		return Requeued, nil
	})
	if err != nil {
		return err
	}

	d.metrics.recordSettled(ctx, Requeued, cause)
	d.logger.Warn("job requeued", "deliveryTag", delivery.Tag(), "cause", cause.String())
	return nil
}

// SendToErrorQueue publishes body straight to the error exchange,
// bypassing the retry schedule.
func (d *Dispatcher) SendToErrorQueue(ctx context.Context, body []byte, headers amqp.Table) error {
	msg := rabbitmq.Persistent(d.names.ErrorExchange(), d.names.RoutingKey, body, headers)
	if err := d.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to error queue: %w", err)
	}
	return nil
}

// Fatal moves the delivery's job to the error queue and acknowledges the
// original delivery.
func (d *Dispatcher) Fatal(ctx context.Context, delivery *Delivery) error {
	_, err := delivery.settle(func() (Decision, error) {
		if err := d.SendToErrorQueue(ctx, delivery.Body(), delivery.Headers()); err != nil {
			return Pending, d.dispatchError("escalate", delivery, 0, 0, err)
		}
		if err := delivery.raw.Ack(false); err != nil {
			return Pending, d.dispatchError("escalate", delivery, 0, 0, err)
		}
		return Escalated, nil
	})
	if err != nil {
		return err
	}

	d.metrics.recordSettled(ctx, Escalated, CauseNone)
	d.logger.Warn("job escalated to error queue", "deliveryTag", delivery.Tag(), "errorQueue", d.names.ErrorQueue())
	return nil
}

func (d *Dispatcher) dispatchError(op string, delivery *Delivery, attempts, delay int, err error) *DispatchError {
	return &DispatchError{
		Op:          op,
		DeliveryTag: delivery.Tag(),
		Attempts:    attempts,
		Delay:       delay,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

// republishing copies a delivery into a new persistent publishing. Body and
// headers are kept as-is: the x-death history is what attempts are counted
// from.
func republishing(d amqp.Delivery) amqp.Publishing {
	return amqp.Publishing{
		Headers:         d.Headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		AppId:           d.AppId,
		Body:            d.Body,
	}
}
