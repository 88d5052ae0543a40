package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes on the worker channel in confirm mode. All publishing
// of a worker (pushes, batches, retries, error escalation) goes through one
// Publisher so that broker confirmations can be matched to publishes.
type Publisher struct {
	ch             Channel
	confirms       chan amqp.Confirmation
	confirmTimeout time.Duration
	window         int
	logger         *slog.Logger

	mu      sync.Mutex
	nextTag uint64
	closed  bool
}

// PublishMessage represents a message to be published
type PublishMessage struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Message    amqp.Publishing
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for broker confirmations
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithConfirmWindow sets the maximum number of unconfirmed publishes in flight
func WithConfirmWindow(size int) PublisherOption {
	return func(p *Publisher) {
		p.window = size
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher puts ch into confirm mode and returns a publisher for it.
func NewPublisher(ch Channel, options ...PublisherOption) (*Publisher, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: channel cannot be nil", ErrInvalidConfiguration)
	}

	p := &Publisher{
		ch:             ch,
		confirmTimeout: 5 * time.Second,
		window:         256,
		logger:         slog.Default(),
		nextTag:        1,
	}

	for _, opt := range options {
		opt(p)
	}

	if p.window < 1 {
		return nil, fmt.Errorf("%w: confirm window must be at least 1", ErrInvalidConfiguration)
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, p.window))

	return p, nil
}

// Persistent builds a durable JSON message for exchange/routingKey.
func Persistent(exchange, routingKey string, body []byte, headers amqp.Table) PublishMessage {
	return PublishMessage{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Message: amqp.Publishing{
			Headers:      headers,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.New().String(),
			Timestamp:    time.Now(),
			Body:         body,
		},
	}
}

// Publish sends msgs and returns once the broker confirmed every one of
// them. Messages are sent in windows so the confirmation buffer never
// overflows.
func (p *Publisher) Publish(ctx context.Context, msgs ...PublishMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	for start := 0; start < len(msgs); start += p.window {
		end := start + p.window
		if end > len(msgs) {
			end = len(msgs)
		}
		if err := p.publishWindow(ctx, msgs[start:end]); err != nil {
			return err
		}
	}

	return nil
}

func (p *Publisher) publishWindow(ctx context.Context, msgs []PublishMessage) error {
	first := p.nextTag

	for _, msg := range msgs {
		err := p.ch.PublishWithContext(
			ctx,
			msg.Exchange,
			msg.RoutingKey,
			msg.Mandatory,
			false, // immediate
			msg.Message,
		)
		if err != nil {
			return &PublishError{
				Exchange:   msg.Exchange,
				RoutingKey: msg.RoutingKey,
				Count:      len(msgs),
				Err:        err,
				Timestamp:  time.Now(),
			}
		}
		p.nextTag++
	}

	if err := p.awaitConfirms(ctx, first, p.nextTag); err != nil {
		return &PublishError{
			Exchange:   msgs[0].Exchange,
			RoutingKey: msgs[0].RoutingKey,
			Count:      len(msgs),
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	return nil
}

// awaitConfirms waits for the confirmations of tags in [first, next).
// Confirmations older than first belong to an earlier publish that gave up
// waiting and are dropped.
func (p *Publisher) awaitConfirms(ctx context.Context, first, next uint64) error {
	pending := next - first
	nacked := 0

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	for pending > 0 {
		select {
		case confirm, ok := <-p.confirms:
			if !ok {
				return ErrChannelClosed
			}
			if confirm.DeliveryTag < first {
				p.logger.Debug("dropping stale publisher confirm", "deliveryTag", confirm.DeliveryTag)
				continue
			}
			if !confirm.Ack {
				nacked++
			}
			pending--

		case <-timer.C:
			return fmt.Errorf("%w: %d of %d unconfirmed", ErrPublishTimeout, pending, next-first)

		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if nacked > 0 {
		return fmt.Errorf("%w: %d message(s) nacked by broker", ErrPublishNotConfirmed, nacked)
	}
	return nil
}

// Close stops the publisher. The channel itself belongs to the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// BatchPublisher stages job messages and sends them as one confirmed batch.
// Stage and Flush serialize on an internal mutex, so a batch is never
// flushed twice concurrently; nothing is sent until Flush is called.
type BatchPublisher struct {
	publisher *Publisher
	names     Names
	logger    *slog.Logger

	mu     sync.Mutex
	staged []PublishMessage
}

// BatchPublisherOption configures the batch publisher
type BatchPublisherOption func(*BatchPublisher)

// WithBatchLogger sets the logger
func WithBatchLogger(logger *slog.Logger) BatchPublisherOption {
	return func(b *BatchPublisher) {
		b.logger = logger
	}
}

// NewBatchPublisher creates a batch publisher targeting the main exchange.
func NewBatchPublisher(publisher *Publisher, names Names, options ...BatchPublisherOption) *BatchPublisher {
	b := &BatchPublisher{
		publisher: publisher,
		names:     names,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// Stage buffers a persistent message bound for the main exchange.
func (b *BatchPublisher) Stage(body []byte, headers amqp.Table) {
	msg := Persistent(b.names.MainExchange(), b.names.RoutingKey, body, headers)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.staged = append(b.staged, msg)
}

// Len returns the number of staged messages.
func (b *BatchPublisher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.staged)
}

// Flush publishes every staged message. The buffer is cleared only after
// the broker confirmed the whole batch; on error the messages stay staged.
func (b *BatchPublisher) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.staged) == 0 {
		return nil
	}

	if err := b.publisher.Publish(ctx, b.staged...); err != nil {
		b.logger.Error("failed to flush batch", "messageCount", len(b.staged), "error", err)
		return err
	}

	b.logger.Info("flushed batch",
		"messageCount", len(b.staged),
		"exchange", b.names.MainExchange())
	b.staged = nil
	return nil
}
