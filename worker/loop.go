package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-jobqueue/internal/rabbitmq"
	"github.com/glimte/mmate-jobqueue/internal/reliability"
	"github.com/glimte/mmate-jobqueue/job"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/mmate-jobqueue/worker"

// Config names the queue a Loop consumes and its retry schedule.
type Config struct {
	Exchange    string
	Queue       string
	RoutingKey  string
	MaxAttempts int
	MaxDelay    int
	DelayFactor int
}

func (c Config) names() rabbitmq.Names {
	return rabbitmq.Names{Exchange: c.Exchange, Queue: c.Queue, RoutingKey: c.RoutingKey}
}

func (c Config) backoff() reliability.BackoffConfig {
	return reliability.BackoffConfig{MaxDelay: c.MaxDelay, Factor: c.DelayFactor, MaxAttempts: c.MaxAttempts}
}

// Loop consumes the main queue one delivery at a time and runs each job.
// A Loop owns its channel for the duration of Run and runs only once; a
// restart means a new process with a new connection.
type Loop struct {
	ch        rabbitmq.Channel
	publisher reliability.Publisher
	registry  *job.Registry
	cfg       Config

	logger           *slog.Logger
	liveness         Liveness
	watchdogInterval time.Duration
	jobTimeout       time.Duration
	poison           PoisonPolicy
	requiredKinds    []string
	tracerProvider   trace.TracerProvider
	meterProvider    metric.MeterProvider
	propagator       propagation.TextMapPropagator
	tracer           trace.Tracer

	state   atomic.Int32
	started atomic.Bool
}

// New creates a loop consuming on ch. publisher must be the confirmed
// publisher of the same channel; retries and escalations go through it.
func New(ch rabbitmq.Channel, publisher reliability.Publisher, registry *job.Registry, cfg Config, options ...Option) *Loop {
	l := &Loop{
		ch:               ch,
		publisher:        publisher,
		registry:         registry,
		cfg:              cfg,
		logger:           slog.Default(),
		watchdogInterval: time.Second,
	}

	for _, opt := range options {
		opt(l)
	}

	if l.tracerProvider == nil {
		l.tracerProvider = otel.GetTracerProvider()
	}
	if l.meterProvider == nil {
		l.meterProvider = otel.GetMeterProvider()
	}
	if l.propagator == nil {
		l.propagator = otel.GetTextMapPropagator()
	}
	l.tracer = l.tracerProvider.Tracer(tracerName)

	return l
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	old := State(l.state.Swap(int32(s)))
	if old != s {
		l.logger.Debug("worker state changed", "from", old.String(), "to", s.String())
	}
}

// Run declares the topology and processes deliveries until the consumer
// is cancelled, ctx is done or the connection fails.
//
// It returns nil after a cancellation, a *RestartError once the connection
// is lost (immediately, even with a job in flight), a *DecodeError for an
// undecodable delivery under PoisonPropagate, and any configuration,
// topology or broker error otherwise.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	names := l.cfg.names()
	if err := names.Validate(); err != nil {
		return l.fail(err)
	}
	if err := l.cfg.backoff().Validate(); err != nil {
		return l.fail(err)
	}
	if l.registry == nil {
		return l.fail(fmt.Errorf("%w: job registry cannot be nil", rabbitmq.ErrInvalidConfiguration))
	}
	if len(l.registry.Kinds()) == 0 {
		return l.fail(fmt.Errorf("%w: job registry has no registered kinds", rabbitmq.ErrInvalidConfiguration))
	}
	if err := l.registry.Validate(l.requiredKinds...); err != nil {
		return l.fail(fmt.Errorf("%w: %w", rabbitmq.ErrInvalidConfiguration, err))
	}

	l.setState(StateDeclaringTopology)

	topology := rabbitmq.NewTopologyManager(l.ch, names, rabbitmq.WithTopologyLogger(l.logger))
	if err := topology.EnsureMainTopology(ctx); err != nil {
		return l.finish(err)
	}

	dispatcher, err := reliability.NewDispatcher(l.publisher, topology, l.cfg.backoff(),
		reliability.WithDispatcherLogger(l.logger),
		reliability.WithMeterProvider(l.meterProvider))
	if err != nil {
		return l.fail(err)
	}

	consumer := rabbitmq.NewConsumer(l.ch,
		rabbitmq.WithPrefetchCount(1),
		rabbitmq.WithConsumerLogger(l.logger))
	deliveries, err := consumer.Subscribe(names.MainQueue())
	if err != nil {
		return l.finish(err)
	}

	l.setState(StateConsuming)
	l.logger.Info("worker started",
		"queue", names.MainQueue(),
		"maxAttempts", l.cfg.MaxAttempts,
		"poisonPolicy", l.poison.String())

	watchCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()

	lost := make(chan error, 1)
	if l.liveness != nil {
		watchdog := NewWatchdog(l.liveness, l.watchdogInterval, l.logger)
		go func() {
			if err := watchdog.Run(watchCtx); err != nil {
				lost <- err
			}
		}()
	}

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		// in-flight jobs finish even after ctx is cancelled
		done <- l.consume(context.WithoutCancel(ctx), stop, deliveries, dispatcher)
	}()

	select {
	case err := <-lost:
		return l.restart(err)

	case err := <-done:
		return l.finish(err)

	case <-ctx.Done():
		l.logger.Info("worker stopping", "reason", ctx.Err())
		close(stop)
		if err := consumer.Cancel(); err != nil {
			l.logger.Warn("failed to cancel consumer", "error", err)
		}

		select {
		case err := <-lost:
			return l.restart(err)
		case err := <-done:
			if err != nil && !errors.Is(err, rabbitmq.ErrConsumerCancelled) {
				return l.finish(err)
			}
		}

		l.setState(StateTerminated)
		return nil
	}
}

func (l *Loop) consume(ctx context.Context, stop <-chan struct{}, deliveries <-chan amqp.Delivery, dispatcher *reliability.Dispatcher) error {
	for {
		select {
		case <-stop:
			return nil

		case d, ok := <-deliveries:
			if !ok {
				return rabbitmq.ErrConsumerCancelled
			}

			select {
			case <-stop:
				if err := d.Reject(true); err != nil {
					l.logger.Warn("failed to return delivery on shutdown", "deliveryTag", d.DeliveryTag, "error", err)
				}
				return nil
			default:
			}

			if err := l.process(ctx, d, dispatcher); err != nil {
				return err
			}
		}
	}
}

// process runs one delivery to completion and settles it exactly once.
func (l *Loop) process(ctx context.Context, raw amqp.Delivery, dispatcher *reliability.Dispatcher) error {
	ctx = l.propagator.Extract(ctx, HeaderCarrier(raw.Headers))
	ctx, span := l.tracer.Start(ctx, "jobqueue.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", l.cfg.Queue),
			attribute.Int64("messaging.rabbitmq.delivery_tag", int64(raw.DeliveryTag)),
		))
	defer span.End()

	delivery := reliability.NewDelivery(raw)

	j, kind, err := l.decode(raw.Body)
	if err != nil {
		decodeErr := &DecodeError{
			DeliveryTag: raw.DeliveryTag,
			Body:        append([]byte(nil), raw.Body...),
			Err:         err,
			Timestamp:   time.Now(),
		}
		span.RecordError(decodeErr)
		span.SetStatus(codes.Error, "undecodable delivery")

		if l.poison == PoisonReject {
			l.logger.Warn("rejecting undecodable delivery", "deliveryTag", raw.DeliveryTag, "error", err)
			if err := dispatcher.Reject(ctx, delivery, reliability.CauseReject); err != nil {
				return l.recoverDispatch(ctx, delivery, dispatcher, err)
			}
			return nil
		}

		l.logger.Error("undecodable delivery, stopping worker", "deliveryTag", raw.DeliveryTag, "error", err)
		return decodeErr
	}

	attempts := dispatcher.Attempts(delivery)
	span.SetAttributes(
		attribute.String("jobqueue.job.kind", kind),
		attribute.Int("jobqueue.job.attempts", attempts),
	)
	l.logger.Info("processing job", "kind", kind, "attempt", attempts+1, "deliveryTag", raw.DeliveryTag)

	started := time.Now()
	h := &handle{delivery: delivery, dispatcher: dispatcher, attempts: attempts}
	cause, execErr := l.execute(ctx, j, h)
	elapsed := time.Since(started)

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "job failed")
	}

	if delivery.Settled() {
		if execErr != nil {
			l.logger.Debug("job returned an error after settling its delivery",
				"kind", kind, "decision", delivery.Decision().String(), "error", execErr)
		}
		return nil
	}

	switch {
	case execErr == nil:
		l.logger.Info("job succeeded", "kind", kind, "duration", elapsed)
		err = dispatcher.Ack(ctx, delivery)

	case job.IsFatal(execErr):
		l.logger.Error("job failed permanently", "kind", kind, "error", execErr)
		err = dispatcher.Fatal(ctx, delivery)

	default:
		l.logger.Warn("job failed", "kind", kind, "attempt", attempts+1, "cause", cause.String(), "error", execErr)
		_, err = dispatcher.Retry(ctx, delivery, cause)
	}

	if err == nil || errors.Is(err, reliability.ErrAlreadySettled) {
		return nil
	}
	return l.recoverDispatch(ctx, delivery, dispatcher, err)
}

// recoverDispatch handles a delivery the dispatcher could not settle. Fatal
// broker errors and a failed connection stop the loop; anything else, such
// as a nacked or unconfirmed republish, requeues the delivery so the
// attempt is run again.
func (l *Loop) recoverDispatch(ctx context.Context, delivery *reliability.Delivery, dispatcher *reliability.Dispatcher, err error) error {
	if rabbitmq.IsFatal(err) {
		return err
	}
	if cause := l.connectionFailure(); cause != nil {
		return errors.Join(cause, err)
	}

	l.logger.Warn("failed to settle delivery, requeueing", "deliveryTag", delivery.Tag(), "error", err)
	if nackErr := dispatcher.Requeue(ctx, delivery, reliability.CauseError); nackErr != nil {
		return errors.Join(err, nackErr)
	}
	return nil
}

func (l *Loop) decode(body []byte) (job.Job, string, error) {
	env, err := job.Decode(body)
	if err != nil {
		return nil, "", err
	}

	j, err := l.registry.New(env)
	if err != nil {
		return nil, env.Kind, err
	}
	return j, env.Kind, nil
}

// execute runs the job, turning a panic into a retryable failure.
func (l *Loop) execute(ctx context.Context, j job.Job, h job.Handle) (cause reliability.Cause, err error) {
	if l.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.jobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("job panicked", "panic", r, "stack", string(debug.Stack()))
			cause = reliability.CauseError
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	err = j.Execute(ctx, h)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return reliability.CauseTimeout, err
	}
	return reliability.CauseError, err
}

// finish maps the error that ended consuming to the final state. A closed
// delivery stream on a healthy connection is a consumer cancellation.
func (l *Loop) finish(err error) error {
	if cause := l.connectionFailure(); cause != nil {
		if err != nil && !errors.Is(err, rabbitmq.ErrConsumerCancelled) {
			cause = errors.Join(cause, err)
		}
		return l.restart(cause)
	}

	if errors.Is(err, rabbitmq.ErrConsumerCancelled) {
		l.setState(StateTerminated)
		l.logger.Info("consumer cancelled, worker terminated")
		return nil
	}

	return l.fail(err)
}

func (l *Loop) connectionFailure() error {
	if l.liveness != nil {
		if err := l.liveness.CheckHeartbeat(); err != nil {
			return err
		}
	}
	if l.ch.IsClosed() {
		return rabbitmq.ErrChannelClosed
	}
	return nil
}

func (l *Loop) restart(err error) error {
	l.setState(StateRestartRequired)
	l.logger.Error("broker connection lost, worker must restart", "error", err)
	return restartError(err)
}

func (l *Loop) fail(err error) error {
	l.setState(StateFailed)
	return err
}
