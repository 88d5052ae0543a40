package jobqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/mmate-jobqueue/internal/rabbitmq"
	"github.com/glimte/mmate-jobqueue/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/mmate-jobqueue/job"
	"github.com/glimte/mmate-jobqueue/worker"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type sendReport struct {
	ReportID string `json:"report_id"`
	Format   string `json:"format"`
}

func (j *sendReport) Execute(ctx context.Context, h job.Handle) error {
	if j.ReportID == "" {
		return job.Fatal(errors.New("report id missing"))
	}
	sent <- j.ReportID
	return nil
}

var sent = make(chan string, 16)

// brokerConnection adapts the in-memory broker to the queue's connection.
type brokerConnection struct {
	*rabbitmqtest.Liveness
	broker *rabbitmqtest.Broker
}

func (c *brokerConnection) Close() error {
	return c.broker.Close()
}

func testQueueConfig() Config {
	cfg := DefaultConfig()
	cfg.ExchangeName = "reports"
	cfg.QueueName = "reports"
	cfg.RoutingKey = "generate"
	cfg.MaxAttempts = 3
	cfg.MaxDelay = 10
	cfg.DelayFactor = 2
	cfg.WatchdogInterval = 10 * time.Millisecond
	cfg.ConfirmTimeout = time.Second
	return cfg
}

func newTestQueue(t *testing.T, cfg Config, registry *job.Registry, options ...Option) (*Queue, *rabbitmqtest.Broker) {
	t.Helper()

	broker := rabbitmqtest.NewBroker()
	conn := &brokerConnection{Liveness: rabbitmqtest.NewLiveness(broker), broker: broker}

	options = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, options...)
	q, err := newQueue(context.Background(), cfg, registry, conn, broker, buildOptions(options))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	return q, broker
}

func testRegistry(t *testing.T) *job.Registry {
	t.Helper()
	registry := job.NewRegistry()
	require.NoError(t, job.RegisterType[sendReport](registry, "SendReport"))
	return registry
}

func TestOpenDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.URL = ""

	q, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.False(t, q.Enabled())

	ctx := context.Background()
	assert.NoError(t, q.Push(ctx, &sendReport{ReportID: "r-1"}))
	assert.NoError(t, q.PushRaw(ctx, []byte(`{"class":"SendReport","props":{}}`)))
	assert.NoError(t, q.BatchPush(ctx, &sendReport{ReportID: "r-2"}))
	assert.NoError(t, q.BatchPushRaw(ctx, []byte(`{}`)))
	assert.NoError(t, q.BatchSubmit(ctx))
	assert.NoError(t, q.Listen(ctx))
	stats, err := q.Stats(ctx)
	assert.NoError(t, err)
	assert.Zero(t, stats)
	assert.Zero(t, q.Pending())
	assert.NoError(t, q.Close())
}

func TestOpenInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RoutingKey = ""

	_, err := Open(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewQueueDeclaresTopology(t *testing.T) {
	_, broker := newTestQueue(t, testQueueConfig(), nil)

	assert.Equal(t, amqp.ExchangeDirect, broker.ExchangeKind("reports.exchange"))
	assert.Equal(t, amqp.ExchangeDirect, broker.ExchangeKind("reports.error.exchange"))
	assert.True(t, broker.IsBound("reports", "reports.exchange", "generate"))
	assert.True(t, broker.IsBound("reports.error", "reports.error.exchange", "generate"))
}

func TestQueuePush(t *testing.T) {
	ctx := context.Background()

	t.Run("push encodes the job envelope", func(t *testing.T) {
		q, broker := newTestQueue(t, testQueueConfig(), testRegistry(t))

		require.NoError(t, q.Push(ctx, &sendReport{ReportID: "r-1", Format: "pdf"}))

		msgs := broker.Messages("reports")
		require.Len(t, msgs, 1)
		assert.JSONEq(t, `{"class":"SendReport","props":{"report_id":"r-1","format":"pdf"}}`, string(msgs[0].Body))
		assert.Equal(t, amqp.Persistent, msgs[0].DeliveryMode)
		assert.Equal(t, "application/json", msgs[0].ContentType)
		assert.NotEmpty(t, msgs[0].MessageId)
	})

	t.Run("push raw sends the body unchanged", func(t *testing.T) {
		q, broker := newTestQueue(t, testQueueConfig(), nil)

		body := []byte(`{"class":"Legacy","props":[]}`)
		require.NoError(t, q.PushRaw(ctx, body))

		msgs := broker.Messages("reports")
		require.Len(t, msgs, 1)
		assert.Equal(t, body, msgs[0].Body)
	})

	t.Run("push needs a registry and a registered kind", func(t *testing.T) {
		q, _ := newTestQueue(t, testQueueConfig(), nil)
		assert.ErrorIs(t, q.Push(ctx, &sendReport{}), ErrInvalidConfig)

		q, _ = newTestQueue(t, testQueueConfig(), job.NewRegistry())
		assert.ErrorIs(t, q.Push(ctx, &sendReport{}), job.ErrUnknownKind)
	})

	t.Run("broker failure is returned", func(t *testing.T) {
		q, broker := newTestQueue(t, testQueueConfig(), nil)
		broker.NackPublishes = true

		err := q.PushRaw(ctx, []byte(`{"class":"X","props":{}}`))
		assert.ErrorIs(t, err, rabbitmq.ErrPublishNotConfirmed)
	})

	t.Run("trace context travels in the headers", func(t *testing.T) {
		q, broker := newTestQueue(t, testQueueConfig(), nil, WithPropagator(propagation.TraceContext{}))

		traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
		spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
		spanCtx := trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: trace.FlagsSampled,
		}))

		require.NoError(t, q.PushRaw(spanCtx, []byte(`{"class":"X","props":{}}`)))
		require.NoError(t, q.PushRaw(ctx, []byte(`{"class":"Y","props":{}}`)))

		msgs := broker.Messages("reports")
		require.Len(t, msgs, 2)
		assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", msgs[0].Headers["traceparent"])
		assert.Nil(t, msgs[1].Headers)
	})
}

func TestQueueBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing is sent before submit", func(t *testing.T) {
		q, broker := newTestQueue(t, testQueueConfig(), testRegistry(t))

		require.NoError(t, q.BatchPush(ctx, &sendReport{ReportID: "r-1"}))
		require.NoError(t, q.BatchPush(ctx, &sendReport{ReportID: "r-2"}))
		require.NoError(t, q.BatchPushRaw(ctx, []byte(`{"class":"SendReport","props":{"report_id":"r-3"}}`)))

		assert.Equal(t, 3, q.Pending())
		assert.Equal(t, 0, broker.Depth("reports"))

		require.NoError(t, q.BatchSubmit(ctx))
		assert.Equal(t, 0, q.Pending())
		assert.Equal(t, 3, broker.Depth("reports"))

		require.NoError(t, q.BatchSubmit(ctx))
		assert.Equal(t, 3, broker.Depth("reports"))
	})

	t.Run("failed submit keeps the batch", func(t *testing.T) {
		q, broker := newTestQueue(t, testQueueConfig(), nil)

		require.NoError(t, q.BatchPushRaw(ctx, []byte(`{"class":"A","props":{}}`)))
		require.NoError(t, q.BatchPushRaw(ctx, []byte(`{"class":"B","props":{}}`)))

		broker.PublishError = errors.New("resource locked")
		assert.Error(t, q.BatchSubmit(ctx))
		assert.Equal(t, 2, q.Pending())

		broker.PublishError = nil
		require.NoError(t, q.BatchSubmit(ctx))
		assert.Equal(t, 0, q.Pending())
		assert.Equal(t, 2, broker.Depth("reports"))
	})
}

func TestQueueListen(t *testing.T) {
	q, broker := newTestQueue(t, testQueueConfig(), testRegistry(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- q.Listen(ctx) }()

	require.NoError(t, q.Push(context.Background(), &sendReport{ReportID: "r-42", Format: "csv"}))
	require.NoError(t, q.Push(context.Background(), &sendReport{}))

	select {
	case id := <-sent:
		assert.Equal(t, "r-42", id)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not executed")
	}

	require.Eventually(t, func() bool {
		return broker.Depth("reports.error") == 1 && broker.Unacked() == 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not return")
	}
}

func TestQueueListenRestart(t *testing.T) {
	q, broker := newTestQueue(t, testQueueConfig(), testRegistry(t))

	errc := make(chan error, 1)
	go func() { errc <- q.Listen(context.Background()) }()

	require.Eventually(t, func() bool { return broker.Consumers() == 1 }, 2*time.Second, 5*time.Millisecond)
	broker.Fail("missed heartbeats from client, timeout: 60s")

	select {
	case err := <-errc:
		assert.Error(t, err)
		assert.ErrorIs(t, err, worker.ErrRestartRequired)
		assert.Equal(t, worker.ExitRestart, worker.ExitCode(err))
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not return")
	}
}

func TestQueueListenRequiredKinds(t *testing.T) {
	cfg := testQueueConfig()
	cfg.RequiredKinds = []string{"SendReport", "ArchiveReport"}
	q, broker := newTestQueue(t, cfg, testRegistry(t))

	err := q.Listen(context.Background())
	assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	assert.ErrorIs(t, err, job.ErrUnknownKind)
	assert.Equal(t, worker.ExitFailure, worker.ExitCode(err))
	assert.Zero(t, broker.Consumers())
}

func TestQueueListenEmptyRegistry(t *testing.T) {
	q, broker := newTestQueue(t, testQueueConfig(), job.NewRegistry())

	assert.ErrorIs(t, q.Listen(context.Background()), rabbitmq.ErrInvalidConfiguration)
	assert.Zero(t, broker.Consumers())
}

func TestQueueCloseWhileListening(t *testing.T) {
	registry := job.NewRegistry()
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, registry.Register("Archive", func(map[string]any) (job.Job, error) {
		return job.FuncJob(func(ctx context.Context, h job.Handle) error {
			close(started)
			<-release
			return nil
		}), nil
	}))

	q, broker := newTestQueue(t, testQueueConfig(), registry)

	errc := make(chan error, 1)
	go func() { errc <- q.Listen(context.Background()) }()

	require.Eventually(t, func() bool { return broker.Consumers() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, q.PushRaw(context.Background(), []byte(`{"class":"Archive","props":{}}`)))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not start")
	}

	closed := make(chan error, 1)
	go func() { closed <- q.Close() }()

	select {
	case <-closed:
		t.Fatal("close returned while a job was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not return")
	}
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}

	assert.Equal(t, 1, broker.Acked())
	assert.Zero(t, broker.Unacked())
	assert.True(t, broker.IsClosed())
}

func TestQueueStats(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, testQueueConfig(), testRegistry(t))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "reports", stats.Main.Name)
	assert.Equal(t, "healthy", stats.Main.Status)
	assert.Equal(t, "reports.error", stats.Error.Name)
	assert.Equal(t, "healthy", stats.Error.Status)

	require.NoError(t, q.Push(ctx, &sendReport{ReportID: "r-1"}))
	require.NoError(t, q.publisher.Publish(ctx,
		rabbitmq.Persistent("reports.error.exchange", "generate", []byte(`{"class":"SendReport","props":{}}`), nil)))

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Main.Messages)
	assert.Equal(t, "unhealthy", stats.Main.Status)
	assert.Equal(t, 1, stats.Error.Messages)
	assert.Equal(t, "degraded", stats.Error.Status)

	require.NoError(t, q.Close())
	_, err = q.Stats(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueueClose(t *testing.T) {
	q, broker := newTestQueue(t, testQueueConfig(), nil)

	require.NoError(t, q.Close())
	assert.True(t, broker.IsClosed())
	assert.NoError(t, q.Close())

	assert.ErrorIs(t, q.PushRaw(context.Background(), []byte(`{}`)), ErrClosed)
	assert.ErrorIs(t, q.BatchPushRaw(context.Background(), []byte(`{}`)), ErrClosed)
	assert.ErrorIs(t, q.BatchSubmit(context.Background()), ErrClosed)
	assert.ErrorIs(t, q.Listen(context.Background()), ErrClosed)
}
