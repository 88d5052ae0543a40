package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager declares the job queue topology on the worker channel.
type TopologyManager struct {
	ch     Channel
	names  Names
	logger *slog.Logger
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the complete messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// TopologyOption configures the topology manager
type TopologyOption func(*TopologyManager)

// WithTopologyLogger sets the logger
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(tm *TopologyManager) {
		tm.logger = logger
	}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(ch Channel, names Names, options ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		ch:     ch,
		names:  names,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(tm)
	}

	return tm
}

// Names returns the identifiers the manager derives broker objects from.
func (tm *TopologyManager) Names() Names {
	return tm.names
}

// MainTopology describes the fixed exchanges, queues and bindings.
// The main queue dead-letters into the error exchange so that a rejected
// job lands in the error queue.
func MainTopology(names Names) Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: names.MainExchange(), Type: amqp.ExchangeDirect, Durable: true},
			{Name: names.ErrorExchange(), Type: amqp.ExchangeDirect, Durable: true},
		},
		Queues: []QueueDeclaration{
			{
				Name:    names.MainQueue(),
				Durable: true,
				Arguments: amqp.Table{
					"x-dead-letter-exchange":    names.ErrorExchange(),
					"x-dead-letter-routing-key": names.RoutingKey,
				},
			},
			{Name: names.ErrorQueue(), Durable: true},
		},
		Bindings: []Binding{
			{Queue: names.MainQueue(), Exchange: names.MainExchange(), RoutingKey: names.RoutingKey},
			{Queue: names.ErrorQueue(), Exchange: names.ErrorExchange(), RoutingKey: names.RoutingKey},
		},
	}
}

// RetryQueueDeclaration describes the delay queue for delay seconds. Messages
// sit there for delay seconds and are dead-lettered back to the main
// exchange; the queue itself expires after staying unused for twice that.
func RetryQueueDeclaration(names Names, delay int) QueueDeclaration {
	ttl := int64(delay) * 1000
	return QueueDeclaration{
		Name:    names.RetryQueue(delay),
		Durable: true,
		Arguments: amqp.Table{
			"x-dead-letter-exchange":    names.MainExchange(),
			"x-dead-letter-routing-key": names.RoutingKey,
			"x-message-ttl":             ttl,
			"x-expires":                 ttl * 2,
		},
	}
}

// EnsureMainTopology declares the main and error exchanges and queues.
// It is idempotent and must run once per connection before consuming or
// publishing.
func (tm *TopologyManager) EnsureMainTopology(ctx context.Context) error {
	if err := tm.DeclareTopology(ctx, MainTopology(tm.names)); err != nil {
		return err
	}

	tm.logger.Info("declared job queue topology",
		"exchange", tm.names.MainExchange(),
		"queue", tm.names.MainQueue(),
		"errorQueue", tm.names.ErrorQueue())
	return nil
}

// EnsureRetryQueue declares and binds the retry queue for delay seconds and
// returns its name. The queue is redeclared on every call: the broker
// expires idle retry queues, so a cached "already declared" flag would go
// stale and retries would become unroutable.
func (tm *TopologyManager) EnsureRetryQueue(ctx context.Context, delay int) (string, error) {
	if delay < 1 {
		return "", fmt.Errorf("%w: retry delay must be positive, got %d", ErrInvalidConfiguration, delay)
	}

	decl := RetryQueueDeclaration(tm.names, delay)
	if _, err := tm.DeclareQueue(ctx, decl); err != nil {
		return "", err
	}

	binding := Binding{
		Queue:      decl.Name,
		Exchange:   tm.names.MainExchange(),
		RoutingKey: tm.names.RetryRoutingKey(delay),
	}
	if err := tm.BindQueue(ctx, binding); err != nil {
		return "", err
	}

	tm.logger.Debug("ensured retry queue", "queue", decl.Name, "delay", delay)
	return decl.Name, nil
}

// DeclareTopology declares the complete topology
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := tm.DeclareExchange(ctx, exchange); err != nil {
			return err
		}
	}

	for _, queue := range topology.Queues {
		if _, err := tm.DeclareQueue(ctx, queue); err != nil {
			return err
		}
	}

	for _, binding := range topology.Bindings {
		if err := tm.BindQueue(ctx, binding); err != nil {
			return err
		}
	}

	return nil
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	if err := ctx.Err(); err != nil {
		return topologyError("exchange", exchange.Name, "declare", err)
	}

	err := tm.ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return topologyError("exchange", exchange.Name, "declare", err)
	}
	return nil
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	if err := ctx.Err(); err != nil {
		return amqp.Queue{}, topologyError("queue", queue.Name, "declare", err)
	}

	q, err := tm.ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, topologyError("queue", queue.Name, "declare", err)
	}
	return q, nil
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	name := binding.Queue + " <- " + binding.Exchange + " (" + binding.RoutingKey + ")"
	if err := ctx.Err(); err != nil {
		return topologyError("binding", name, "create", err)
	}

	err := tm.ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return topologyError("binding", name, "create", err)
	}
	return nil
}

func topologyError(component, name, op string, err error) *TopologyError {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
