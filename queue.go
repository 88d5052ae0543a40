// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-jobqueue/internal/rabbitmq"
	"github.com/glimte/mmate-jobqueue/job"
	"github.com/glimte/mmate-jobqueue/worker"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrInvalidConfig is returned for configurations that fail validation
	ErrInvalidConfig = errors.New("jobqueue: invalid configuration")
	// ErrClosed is returned by operations on a closed queue
	ErrClosed = errors.New("jobqueue: queue closed")
)

// connection is the broker connection a Queue runs on.
type connection interface {
	CheckHeartbeat() error
	Lost() <-chan struct{}
	Close() error
}

// Queue is the entry point for producers and workers of one job queue.
// It owns a single connection and channel; pushes, batches and the worker
// loop all share its confirmed publisher.
type Queue struct {
	cfg      Config
	registry *job.Registry
	options  queueOptions

	conn      connection
	ch        rabbitmq.Channel
	publisher *rabbitmq.Publisher
	batch     *rabbitmq.BatchPublisher

	mu        sync.Mutex
	closed    bool
	stops     []context.CancelFunc
	listeners sync.WaitGroup
}

type queueOptions struct {
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	propagator     propagation.TextMapPropagator
}

// Option configures a Queue
type Option func(*queueOptions)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *queueOptions) {
		o.logger = logger
	}
}

// WithTracerProvider sets the tracer provider used by the worker loop
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *queueOptions) {
		o.tracerProvider = tp
	}
}

// WithMeterProvider sets the meter provider used for retry metrics
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *queueOptions) {
		o.meterProvider = mp
	}
}

// WithPropagator sets the propagator carrying trace context in job headers
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(o *queueOptions) {
		o.propagator = p
	}
}

func buildOptions(options []Option) queueOptions {
	o := queueOptions{logger: slog.Default()}
	for _, opt := range options {
		opt(&o)
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}
	if o.propagator == nil {
		o.propagator = otel.GetTextMapPropagator()
	}
	return o
}

// Open connects to the broker and declares the queue topology. registry
// may be nil for producers that only push raw messages. With
// cfg.Enabled false Open touches nothing and returns a Queue whose
// operations all do nothing.
func Open(ctx context.Context, cfg Config, registry *job.Registry, options ...Option) (*Queue, error) {
	o := buildOptions(options)

	if !cfg.Enabled {
		o.logger.Info("job queue disabled, all operations are no-ops")
		return &Queue{cfg: cfg, registry: registry, options: o}, nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cm := rabbitmq.NewConnectionManager(cfg.URL,
		rabbitmq.WithLogger(o.logger),
		rabbitmq.WithHeartbeat(cfg.Heartbeat),
		rabbitmq.WithDialTimeout(cfg.DialTimeout),
		rabbitmq.WithConnectionName(cfg.ConnectionName),
		rabbitmq.WithFailoverURLs(cfg.FailoverURLs...))
	if err := cm.Connect(ctx); err != nil {
		return nil, err
	}

	ch, err := cm.Channel()
	if err != nil {
		_ = cm.Close()
		return nil, err
	}

	q, err := newQueue(ctx, cfg, registry, cm, ch, o)
	if err != nil {
		_ = cm.Close()
		return nil, err
	}
	return q, nil
}

// newQueue wires a Queue onto an open channel.
func newQueue(ctx context.Context, cfg Config, registry *job.Registry, conn connection, ch rabbitmq.Channel, o queueOptions) (*Queue, error) {
	publisher, err := rabbitmq.NewPublisher(ch,
		rabbitmq.WithConfirmTimeout(cfg.ConfirmTimeout),
		rabbitmq.WithPublisherLogger(o.logger))
	if err != nil {
		return nil, err
	}

	names := rabbitmq.Names{Exchange: cfg.ExchangeName, Queue: cfg.QueueName, RoutingKey: cfg.RoutingKey}
	topology := rabbitmq.NewTopologyManager(ch, names, rabbitmq.WithTopologyLogger(o.logger))
	if err := topology.EnsureMainTopology(ctx); err != nil {
		return nil, err
	}

	return &Queue{
		cfg:       cfg,
		registry:  registry,
		options:   o,
		conn:      conn,
		ch:        ch,
		publisher: publisher,
		batch:     rabbitmq.NewBatchPublisher(publisher, names, rabbitmq.WithBatchLogger(o.logger)),
	}, nil
}

// Enabled reports whether the queue talks to a broker.
func (q *Queue) Enabled() bool {
	return q.cfg.Enabled
}

// Push publishes j to the main queue. The job's kind must be registered
// in the registry the queue was opened with.
func (q *Queue) Push(ctx context.Context, j job.Job) error {
	if !q.cfg.Enabled {
		return nil
	}

	body, err := q.encode(j)
	if err != nil {
		return err
	}
	return q.PushRaw(ctx, body)
}

// PushRaw publishes an already encoded envelope to the main queue and
// waits for the broker to confirm it.
func (q *Queue) PushRaw(ctx context.Context, body []byte) error {
	if !q.cfg.Enabled {
		return nil
	}
	if err := q.checkOpen(); err != nil {
		return err
	}

	msg := rabbitmq.Persistent(q.names().MainExchange(), q.cfg.RoutingKey, body, q.headers(ctx))
	if err := q.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("failed to push job: %w", err)
	}
	return nil
}

// BatchPush stages j for the next BatchSubmit.
func (q *Queue) BatchPush(ctx context.Context, j job.Job) error {
	if !q.cfg.Enabled {
		return nil
	}

	body, err := q.encode(j)
	if err != nil {
		return err
	}
	return q.BatchPushRaw(ctx, body)
}

// BatchPushRaw stages an encoded envelope for the next BatchSubmit.
// Nothing is sent until BatchSubmit is called.
func (q *Queue) BatchPushRaw(ctx context.Context, body []byte) error {
	if !q.cfg.Enabled {
		return nil
	}
	if err := q.checkOpen(); err != nil {
		return err
	}

	q.batch.Stage(body, q.headers(ctx))
	return nil
}

// BatchSubmit publishes every staged job as one confirmed batch. On
// failure the jobs stay staged and BatchSubmit may be retried.
func (q *Queue) BatchSubmit(ctx context.Context) error {
	if !q.cfg.Enabled {
		return nil
	}
	if err := q.checkOpen(); err != nil {
		return err
	}

	if err := q.batch.Flush(ctx); err != nil {
		return fmt.Errorf("failed to submit batch: %w", err)
	}
	return nil
}

// QueueStats describes one queue of the topology.
type QueueStats struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// Stats reports the main and error queues.
type Stats struct {
	Main  QueueStats `json:"main"`
	Error QueueStats `json:"error"`
}

// Stats inspects the main and error queues. Retry queues are transient and
// not reported.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	if !q.cfg.Enabled {
		return Stats{}, nil
	}
	if err := q.checkOpen(); err != nil {
		return Stats{}, err
	}

	inspector := rabbitmq.NewInspector(q.ch)
	names := q.names()
	main, err := inspector.InspectQueue(ctx, names.MainQueue())
	if err != nil {
		return Stats{}, err
	}
	failed, err := inspector.InspectQueue(ctx, names.ErrorQueue())
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		Main:  queueStats(rabbitmq.AssessWorkQueue(main)),
		Error: queueStats(rabbitmq.AssessErrorQueue(failed)),
	}, nil
}

func queueStats(h rabbitmq.QueueHealth) QueueStats {
	return QueueStats{
		Name:      h.Name,
		Messages:  h.Messages,
		Consumers: h.Consumers,
		Status:    string(h.Status),
		Message:   h.Message,
	}
}

// Pending returns the number of staged, unsubmitted jobs.
func (q *Queue) Pending() int {
	if q.batch == nil {
		return 0
	}
	return q.batch.Len()
}

// Listen runs the worker loop until it terminates. See worker.Loop.Run
// for the meaning of the returned error and worker.ExitCode for mapping
// it to a process exit status. Close stops a running Listen the same way
// cancelling ctx does.
func (q *Queue) Listen(ctx context.Context) error {
	if !q.cfg.Enabled {
		return nil
	}

	policy, err := worker.ParsePoisonPolicy(q.cfg.PoisonPolicy)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	ctx, stop, err := q.startListening(ctx)
	if err != nil {
		return err
	}
	defer q.listeners.Done()
	defer stop()

	loop := worker.New(q.ch, q.publisher, q.registry, q.cfg.workerConfig(),
		worker.WithLogger(q.options.logger),
		worker.WithLiveness(q.conn),
		worker.WithWatchdogInterval(q.cfg.WatchdogInterval),
		worker.WithJobTimeout(q.cfg.JobTimeout),
		worker.WithPoisonPolicy(policy),
		worker.WithRequiredKinds(q.cfg.RequiredKinds...),
		worker.WithTracerProvider(q.options.tracerProvider),
		worker.WithMeterProvider(q.options.meterProvider),
		worker.WithPropagator(q.options.propagator))

	return loop.Run(ctx)
}

// Close releases the channel and the connection. Staged batch messages
// that were never submitted are dropped.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed || !q.cfg.Enabled {
		q.closed = true
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	stops := q.stops
	q.stops = nil
	q.mu.Unlock()

	// running listeners finish their in-flight job before the channel goes
	for _, stop := range stops {
		stop()
	}
	q.listeners.Wait()

	if n := q.batch.Len(); n > 0 {
		q.options.logger.Warn("closing queue with unsubmitted batch", "messageCount", n)
	}

	var errs []error
	if err := q.publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := q.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// startListening registers a listener that Close cancels and waits for.
func (q *Queue) startListening(ctx context.Context) (context.Context, context.CancelFunc, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	q.stops = append(q.stops, cancel)
	q.listeners.Add(1)
	return ctx, cancel, nil
}

func (q *Queue) checkOpen() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

func (q *Queue) encode(j job.Job) ([]byte, error) {
	if q.registry == nil {
		return nil, fmt.Errorf("%w: a job registry is required to push jobs", ErrInvalidConfig)
	}

	env, err := q.registry.Envelope(j)
	if err != nil {
		return nil, err
	}
	return job.Encode(env)
}

func (q *Queue) names() rabbitmq.Names {
	return rabbitmq.Names{Exchange: q.cfg.ExchangeName, Queue: q.cfg.QueueName, RoutingKey: q.cfg.RoutingKey}
}

// headers carries the caller's trace context to the worker.
func (q *Queue) headers(ctx context.Context) amqp.Table {
	headers := amqp.Table{}
	q.options.propagator.Inject(ctx, worker.HeaderCarrier(headers))
	if len(headers) == 0 {
		return nil
	}
	return headers
}
