package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-jobqueue/internal/rabbitmq"
	"github.com/glimte/mmate-jobqueue/internal/rabbitmq/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type dispatcherFixture struct {
	broker     *rabbitmqtest.Broker
	names      rabbitmq.Names
	publisher  *rabbitmq.Publisher
	dispatcher *Dispatcher
	reader     *sdkmetric.ManualReader
	deliveries <-chan amqp.Delivery
}

func newDispatcherFixture(t *testing.T, cfg BackoffConfig) *dispatcherFixture {
	t.Helper()
	ctx := context.Background()

	broker := rabbitmqtest.NewBroker()
	names := rabbitmq.Names{Exchange: "jobs", Queue: "jobs", RoutingKey: "work"}

	topology := rabbitmq.NewTopologyManager(broker, names)
	require.NoError(t, topology.EnsureMainTopology(ctx))

	publisher, err := rabbitmq.NewPublisher(broker, rabbitmq.WithConfirmTimeout(time.Second))
	require.NoError(t, err)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	dispatcher, err := NewDispatcher(publisher, topology, cfg, WithMeterProvider(mp))
	require.NoError(t, err)

	deliveries, err := rabbitmq.NewConsumer(broker).Subscribe(names.MainQueue())
	require.NoError(t, err)

	return &dispatcherFixture{
		broker:     broker,
		names:      names,
		publisher:  publisher,
		dispatcher: dispatcher,
		reader:     reader,
		deliveries: deliveries,
	}
}

func (f *dispatcherFixture) push(t *testing.T, body string, headers amqp.Table) {
	t.Helper()
	msg := rabbitmq.Persistent(f.names.MainExchange(), f.names.RoutingKey, []byte(body), headers)
	require.NoError(t, f.publisher.Publish(context.Background(), msg))
}

func (f *dispatcherFixture) next(t *testing.T) *Delivery {
	t.Helper()
	select {
	case d, ok := <-f.deliveries:
		require.True(t, ok, "deliveries channel closed")
		return NewDelivery(d)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func (f *dispatcherFixture) settledCount(t *testing.T, decision Decision) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, f.reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "jobqueue.deliveries.settled" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value("decision"); ok && v.AsString() == decision.String() {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestNewDispatcher(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	names := rabbitmq.Names{Exchange: "jobs", Queue: "jobs", RoutingKey: "work"}
	publisher, err := rabbitmq.NewPublisher(broker)
	require.NoError(t, err)

	_, err = NewDispatcher(publisher, rabbitmq.NewTopologyManager(broker, names), BackoffConfig{MaxDelay: 0, Factor: 2})
	assert.ErrorIs(t, err, ErrInvalidBackoffConfig)
}

func TestDispatcherAck(t *testing.T) {
	f := newDispatcherFixture(t, BackoffConfig{MaxDelay: 60, Factor: 2, MaxAttempts: 6})
	ctx := context.Background()

	f.push(t, `{"class":"Ping","props":{}}`, nil)
	delivery := f.next(t)

	require.NoError(t, f.dispatcher.Ack(ctx, delivery))
	assert.Equal(t, Acked, delivery.Decision())
	assert.Equal(t, 1, f.broker.Acked())
	assert.Equal(t, 0, f.broker.Unacked())
	assert.Equal(t, int64(1), f.settledCount(t, Acked))

	err := f.dispatcher.Ack(ctx, delivery)
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.Equal(t, 1, f.broker.Acked())
}

func TestDispatcherRetry(t *testing.T) {
	t.Run("first failure goes to the one second retry queue", func(t *testing.T) {
		f := newDispatcherFixture(t, BackoffConfig{MaxDelay: 60, Factor: 2, MaxAttempts: 6})
		ctx := context.Background()

		f.push(t, `{"class":"Flaky","props":{"n":1}}`, amqp.Table{"trace": "abc"})
		delivery := f.next(t)
		assert.Equal(t, 0, f.dispatcher.Attempts(delivery))

		decision, err := f.dispatcher.Retry(ctx, delivery, CauseError)
		require.NoError(t, err)
		assert.Equal(t, Retried, decision)
		assert.Equal(t, Retried, delivery.Decision())

		retryQueue := f.names.RetryQueue(1)
		require.True(t, f.broker.HasQueue(retryQueue))
		assert.Equal(t, int64(1000), f.broker.QueueArgs(retryQueue)["x-message-ttl"])
		assert.Equal(t, int64(2000), f.broker.QueueArgs(retryQueue)["x-expires"])
		assert.True(t, f.broker.IsBound(retryQueue, f.names.MainExchange(), "work.1"))

		redelivered := f.next(t)
		assert.Equal(t, delivery.Body(), redelivered.Body())
		assert.Equal(t, "abc", redelivered.Headers()["trace"])
		assert.Equal(t, 1, f.dispatcher.Attempts(redelivered))
		assert.Equal(t, int64(1), f.settledCount(t, Retried))
	})

	t.Run("retries while attempts remain", func(t *testing.T) {
		f := newDispatcherFixture(t, BackoffConfig{MaxDelay: 60, Factor: 2, MaxAttempts: 6})
		ctx := context.Background()

		f.push(t, `{"class":"Flaky","props":{}}`, xDeath(amqp.Table{"queue": "jobs.retry.25", "reason": "expired", "count": int64(5)}))
		delivery := f.next(t)
		assert.Equal(t, 5, f.dispatcher.Attempts(delivery))

		decision, err := f.dispatcher.Retry(ctx, delivery, CauseTimeout)
		require.NoError(t, err)
		assert.Equal(t, Retried, decision)
		assert.True(t, f.broker.HasQueue(f.names.RetryQueue(36)))

		redelivered := f.next(t)
		assert.Equal(t, 6, f.dispatcher.Attempts(redelivered))
	})

	t.Run("rejects once attempts are exhausted", func(t *testing.T) {
		f := newDispatcherFixture(t, BackoffConfig{MaxDelay: 60, Factor: 2, MaxAttempts: 6})
		ctx := context.Background()

		f.push(t, `{"class":"Flaky","props":{}}`, xDeath(amqp.Table{"queue": "jobs.retry.25", "reason": "expired", "count": int64(6)}))
		delivery := f.next(t)

		decision, err := f.dispatcher.Retry(ctx, delivery, CauseError)
		require.NoError(t, err)
		assert.Equal(t, Rejected, decision)
		assert.Equal(t, 1, f.broker.Rejected())
		assert.Equal(t, 1, f.broker.Depth(f.names.ErrorQueue()))
		assert.Equal(t, 0, f.broker.Depth(f.names.MainQueue()))
		assert.Equal(t, int64(1), f.settledCount(t, Rejected))
	})

	t.Run("publish failure leaves the delivery unsettled", func(t *testing.T) {
		f := newDispatcherFixture(t, BackoffConfig{MaxDelay: 60, Factor: 2, MaxAttempts: 6})
		ctx := context.Background()

		f.push(t, `{"class":"Flaky","props":{}}`, nil)
		delivery := f.next(t)

		f.broker.PublishError = errors.New("channel blocked")
		decision, err := f.dispatcher.Retry(ctx, delivery, CauseError)
		require.Error(t, err)
		assert.Equal(t, Pending, decision)

		var dispatchErr *DispatchError
		require.ErrorAs(t, err, &dispatchErr)
		assert.Equal(t, "retry", dispatchErr.Op)
		assert.Equal(t, 1, dispatchErr.Delay)

		assert.False(t, delivery.Settled())
		assert.Equal(t, 1, f.broker.Unacked())
	})

	t.Run("nacked republish leaves the delivery unsettled", func(t *testing.T) {
		f := newDispatcherFixture(t, BackoffConfig{MaxDelay: 60, Factor: 2, MaxAttempts: 6})
		ctx := context.Background()

		f.push(t, `{"class":"Flaky","props":{}}`, nil)
		delivery := f.next(t)

		f.broker.NackPublishes = true
		_, err := f.dispatcher.Retry(ctx, delivery, CauseError)
		assert.ErrorIs(t, err, rabbitmq.ErrPublishNotConfirmed)
		assert.False(t, delivery.Settled())
	})
}

func TestDispatcherFullSchedule(t *testing.T) {
	f := newDispatcherFixture(t, BackoffConfig{MaxDelay: 60, Factor: 2, MaxAttempts: 6})
	ctx := context.Background()

	f.push(t, `{"class":"Broken","props":{}}`, nil)

	for attempt := 0; attempt < 6; attempt++ {
		delivery := f.next(t)
		require.Equal(t, attempt, f.dispatcher.Attempts(delivery))

		decision, err := f.dispatcher.Retry(ctx, delivery, CauseError)
		require.NoError(t, err)
		require.Equal(t, Retried, decision)
	}

	delivery := f.next(t)
	assert.Equal(t, 6, f.dispatcher.Attempts(delivery))

	decision, err := f.dispatcher.Retry(ctx, delivery, CauseError)
	require.NoError(t, err)
	assert.Equal(t, Rejected, decision)

	assert.Equal(t, 1, f.broker.Depth(f.names.ErrorQueue()))
	assert.Equal(t, 0, f.broker.Depth(f.names.MainQueue()))
	assert.Equal(t, 0, f.broker.Unacked())

	for _, delay := range []int{1, 4, 9, 16, 25, 36} {
		assert.True(t, f.broker.HasQueue(f.names.RetryQueue(delay)), "retry queue for %ds", delay)
	}
}

func TestDispatcherReject(t *testing.T) {
	f := newDispatcherFixture(t, DefaultBackoffConfig())
	ctx := context.Background()

	f.push(t, `{"class":"Ping","props":{}}`, nil)
	delivery := f.next(t)

	require.NoError(t, f.dispatcher.Reject(ctx, delivery, CauseReject))
	assert.Equal(t, Rejected, delivery.Decision())
	assert.Equal(t, 1, f.broker.Depth(f.names.ErrorQueue()))

	_, err := f.dispatcher.Retry(ctx, delivery, CauseError)
	assert.ErrorIs(t, err, ErrAlreadySettled)
}

func TestDispatcherRequeue(t *testing.T) {
	f := newDispatcherFixture(t, BackoffConfig{MaxDelay: 60, Factor: 2, MaxAttempts: 6})
	ctx := context.Background()

	f.push(t, `{"class":"Flaky","props":{}}`, nil)
	delivery := f.next(t)

	f.broker.SetNackPublishes(true)
	_, err := f.dispatcher.Retry(ctx, delivery, CauseError)
	require.ErrorIs(t, err, rabbitmq.ErrPublishNotConfirmed)
	f.broker.SetNackPublishes(false)

	require.NoError(t, f.dispatcher.Requeue(ctx, delivery, CauseError))
	assert.Equal(t, Requeued, delivery.Decision())
	assert.Equal(t, int64(1), f.settledCount(t, Requeued))
	assert.ErrorIs(t, f.dispatcher.Ack(ctx, delivery), ErrAlreadySettled)

	again := f.next(t)
	assert.Equal(t, delivery.Body(), again.Body())
	assert.Equal(t, 0, f.dispatcher.Attempts(again))
	assert.Equal(t, 1, f.broker.Rejected())
}

func TestDispatcherFatal(t *testing.T) {
	f := newDispatcherFixture(t, DefaultBackoffConfig())
	ctx := context.Background()

	f.push(t, `{"class":"Ping","props":{}}`, amqp.Table{"trace": "xyz"})
	delivery := f.next(t)

	require.NoError(t, f.dispatcher.Fatal(ctx, delivery))
	assert.Equal(t, Escalated, delivery.Decision())
	assert.Equal(t, 1, f.broker.Acked())
	assert.Equal(t, 0, f.broker.Rejected())

	errored := f.broker.Messages(f.names.ErrorQueue())
	require.Len(t, errored, 1)
	assert.Equal(t, delivery.Body(), errored[0].Body)
	assert.Equal(t, "xyz", errored[0].Headers["trace"])
	assert.Equal(t, int64(1), f.settledCount(t, Escalated))
}

func TestDispatcherSendToErrorQueue(t *testing.T) {
	f := newDispatcherFixture(t, DefaultBackoffConfig())

	require.NoError(t, f.dispatcher.SendToErrorQueue(context.Background(), []byte(`{"class":"Dead","props":{}}`), nil))
	assert.Equal(t, 1, f.broker.Depth(f.names.ErrorQueue()))
	assert.Equal(t, 0, f.broker.Depth(f.names.MainQueue()))
}
