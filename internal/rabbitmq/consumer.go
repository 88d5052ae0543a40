package rabbitmq

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer registers a single manual-ack consumer on the worker channel.
type Consumer struct {
	ch            Channel
	prefetchCount int
	consumerTag   string
	logger        *slog.Logger

	mu        sync.Mutex
	queue     string
	cancelled bool
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer. The prefetch count defaults to one so
// the broker never hands a worker more than the delivery it is processing.
func NewConsumer(ch Channel, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		ch:            ch,
		prefetchCount: 1,
		consumerTag:   "jobqueue-" + uuid.New().String(),
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Tag returns the consumer tag
func (c *Consumer) Tag() string {
	return c.consumerTag
}

// Subscribe applies QoS and starts consuming queue with manual
// acknowledgement. The returned channel is closed when the consumer is
// cancelled or the channel goes away.
func (c *Consumer) Subscribe(queue string) (<-chan amqp.Delivery, error) {
	if err := c.ch.Qos(c.prefetchCount, 0, false); err != nil {
		return nil, c.consumerError(queue, "qos", fmt.Errorf("failed to set QoS: %w", err))
	}

	deliveries, err := c.ch.Consume(
		queue,
		c.consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, c.consumerError(queue, "consume", err)
	}

	c.mu.Lock()
	c.queue = queue
	c.mu.Unlock()

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", c.consumerTag,
		"prefetchCount", c.prefetchCount,
	)

	return deliveries, nil
}

// Cancel stops the broker from sending further deliveries. Deliveries
// already received stay owned by the caller until they are settled.
func (c *Consumer) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelled || c.queue == "" {
		return nil
	}
	c.cancelled = true

	if err := c.ch.Cancel(c.consumerTag, false); err != nil {
		return c.consumerError(c.queue, "cancel", err)
	}

	c.logger.Info("consumer cancelled", "queue", c.queue, "consumerTag", c.consumerTag)
	return nil
}

func (c *Consumer) consumerError(queue, op string, err error) *ConsumerError {
	return &ConsumerError{
		Queue:       queue,
		ConsumerTag: c.consumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
