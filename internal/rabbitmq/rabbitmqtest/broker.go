// Package rabbitmqtest provides an in-memory broker channel for tests.
//
// Broker implements rabbitmq.Channel and amqp.Acknowledger with enough of
// the AMQP model for the job queue: direct exchanges, queue arguments,
// per-message TTL dead-lettering (TTLs elapse immediately), reject
// dead-lettering, x-death bookkeeping, publisher confirms, prefetch and
// consumer cancellation.
package rabbitmqtest

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Published records one publish the broker accepted.
type Published struct {
	Exchange   string
	RoutingKey string
	Message    amqp.Publishing
}

type message struct {
	exchange   string
	routingKey string
	pub        amqp.Publishing
}

type queue struct {
	name     string
	args     amqp.Table
	declared int
	messages []message
}

type binding struct {
	queue      string
	exchange   string
	routingKey string
}

type consumer struct {
	tag        string
	queue      string
	deliveries chan amqp.Delivery
}

type inflight struct {
	queue    string
	consumer string
	msg      message
}

// Broker is an in-memory single-channel broker.
type Broker struct {
	mu sync.Mutex

	exchanges map[string]string
	queues    map[string]*queue
	bindings  []binding
	consumers map[string]*consumer
	unacked   map[uint64]inflight

	prefetch    int
	deliveryTag uint64
	confirming  bool
	publishSeq  uint64
	closed      bool

	confirmListeners []chan amqp.Confirmation
	closeListeners   []chan *amqp.Error

	published []Published
	acked     int
	rejected  int

	// DeclareErrors fails ExchangeDeclare/QueueDeclare for the named object.
	DeclareErrors map[string]error
	// BindErrors fails QueueBind for the named queue.
	BindErrors map[string]error
	// PublishError fails every publish while set.
	PublishError error
	// NackPublishes makes the broker nack and drop every confirmed publish.
	NackPublishes bool
	// QosError fails Qos.
	QosError error
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		exchanges:     make(map[string]string),
		queues:        make(map[string]*queue),
		consumers:     make(map[string]*consumer),
		unacked:       make(map[uint64]inflight),
		DeclareErrors: make(map[string]error),
		BindErrors:    make(map[string]error),
	}
}

// ExchangeDeclare implements rabbitmq.Channel.
func (b *Broker) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return amqp.ErrClosed
	}
	if err := b.DeclareErrors[name]; err != nil {
		return err
	}
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg 'type' for exchange " + name}
	}
	b.exchanges[name] = kind
	return nil
}

// QueueDeclare implements rabbitmq.Channel. Redeclaring with different
// arguments fails the way RabbitMQ does.
func (b *Broker) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if err := b.DeclareErrors[name]; err != nil {
		return amqp.Queue{}, err
	}

	q, ok := b.queues[name]
	if ok {
		if !reflect.DeepEqual(normalize(q.args), normalize(args)) {
			return amqp.Queue{}, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arguments for queue " + name}
		}
	} else {
		q = &queue{name: name, args: args}
		b.queues[name] = q
	}
	q.declared++

	return amqp.Queue{Name: name, Messages: len(q.messages), Consumers: b.consumerCount(name)}, nil
}

// QueueDeclarePassive implements rabbitmq.Channel.
func (b *Broker) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
	}
	return amqp.Queue{Name: name, Messages: len(q.messages), Consumers: b.consumerCount(name)}, nil
}

// QueueBind implements rabbitmq.Channel.
func (b *Broker) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return amqp.ErrClosed
	}
	if err := b.BindErrors[name]; err != nil {
		return err
	}
	if _, ok := b.queues[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "no queue '" + name + "'"}
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "no exchange '" + exchange + "'"}
	}

	for _, bd := range b.bindings {
		if bd.queue == name && bd.exchange == exchange && bd.routingKey == key {
			return nil
		}
	}
	b.bindings = append(b.bindings, binding{queue: name, exchange: exchange, routingKey: key})
	return nil
}

// PublishWithContext implements rabbitmq.Channel.
func (b *Broker) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return amqp.ErrClosed
	}
	if b.PublishError != nil {
		return b.PublishError
	}

	msg.Headers = copyTable(msg.Headers)
	b.published = append(b.published, Published{Exchange: exchange, RoutingKey: key, Message: msg})
	nacked := b.confirming && b.NackPublishes
	if !nacked {
		b.route(exchange, key, msg)
	}

	if b.confirming {
		b.publishSeq++
		for _, l := range b.confirmListeners {
			l <- amqp.Confirmation{DeliveryTag: b.publishSeq, Ack: !nacked}
		}
	}

	b.dispatch()
	return nil
}

// Qos implements rabbitmq.Channel.
func (b *Broker) Qos(prefetchCount, prefetchSize int, global bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.QosError != nil {
		return b.QosError
	}
	b.prefetch = prefetchCount
	return nil
}

// Consume implements rabbitmq.Channel.
func (b *Broker) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, amqp.ErrClosed
	}
	if _, ok := b.queues[queueName]; !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "no queue '" + queueName + "'"}
	}
	if _, ok := b.consumers[tag]; ok {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: "attempt to reuse consumer tag " + tag}
	}

	c := &consumer{tag: tag, queue: queueName, deliveries: make(chan amqp.Delivery, 1024)}
	b.consumers[tag] = c
	b.dispatch()

	return c.deliveries, nil
}

// Cancel implements rabbitmq.Channel.
func (b *Broker) Cancel(tag string, noWait bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.consumers[tag]
	if !ok {
		return nil
	}
	delete(b.consumers, tag)
	close(c.deliveries)
	return nil
}

// CancelConsumers cancels every consumer the way the broker does when
// their queue is deleted.
func (b *Broker) CancelConsumers() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for tag, c := range b.consumers {
		delete(b.consumers, tag)
		close(c.deliveries)
	}
}

// Confirm implements rabbitmq.Channel.
func (b *Broker) Confirm(noWait bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirming = true
	return nil
}

// NotifyPublish implements rabbitmq.Channel.
func (b *Broker) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmListeners = append(b.confirmListeners, confirm)
	return confirm
}

// NotifyClose implements rabbitmq.Channel.
func (b *Broker) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(c)
		return c
	}
	b.closeListeners = append(b.closeListeners, c)
	return c
}

// IsClosed implements rabbitmq.Channel.
func (b *Broker) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close implements rabbitmq.Channel. Unacknowledged deliveries go back to
// their queues, as they would on a real broker.
func (b *Broker) Close() error {
	b.shutdown(nil)
	return nil
}

// Fail closes the channel the way a broker-initiated close does.
func (b *Broker) Fail(reason string) {
	b.shutdown(&amqp.Error{Code: amqp.ChannelError, Reason: reason, Server: true})
}

func (b *Broker) shutdown(cause *amqp.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for tag, c := range b.consumers {
		close(c.deliveries)
		delete(b.consumers, tag)
	}
	for tag, f := range b.unacked {
		q := b.queues[f.queue]
		q.messages = append([]message{f.msg}, q.messages...)
		delete(b.unacked, tag)
	}
	for _, l := range b.closeListeners {
		if cause != nil {
			l <- cause
		}
		close(l)
	}
	b.closeListeners = nil
	for _, l := range b.confirmListeners {
		close(l)
	}
	b.confirmListeners = nil
}

// Ack implements amqp.Acknowledger.
func (b *Broker) Ack(tag uint64, multiple bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.unacked[tag]; !ok {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("unknown delivery tag %d", tag)}
	}
	delete(b.unacked, tag)
	b.acked++
	b.dispatch()
	return nil
}

// Nack implements amqp.Acknowledger.
func (b *Broker) Nack(tag uint64, multiple bool, requeue bool) error {
	return b.Reject(tag, requeue)
}

// Reject implements amqp.Acknowledger. Without requeue the message is
// dead-lettered if its queue has a dead-letter exchange.
func (b *Broker) Reject(tag uint64, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.unacked[tag]
	if !ok {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("unknown delivery tag %d", tag)}
	}
	delete(b.unacked, tag)
	b.rejected++

	q := b.queues[f.queue]
	if requeue {
		q.messages = append([]message{f.msg}, q.messages...)
	} else {
		b.deadLetter(q, f.msg, "rejected")
	}

	b.dispatch()
	return nil
}

// route delivers msg to every queue bound to exchange with key. The default
// exchange routes by queue name.
func (b *Broker) route(exchange, key string, msg amqp.Publishing) {
	m := message{exchange: exchange, routingKey: key, pub: msg}

	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			b.enqueue(q, m)
		}
		return
	}

	for _, bd := range b.bindings {
		if bd.exchange == exchange && bd.routingKey == key {
			b.enqueue(b.queues[bd.queue], m)
		}
	}
}

// enqueue appends m to q. Queues with a message TTL expire the message at
// once, so delay queues forward immediately.
func (b *Broker) enqueue(q *queue, m message) {
	if _, ok := q.args["x-message-ttl"]; ok {
		b.deadLetter(q, m, "expired")
		return
	}
	q.messages = append(q.messages, m)
}

// deadLetter republishes m through the dead-letter exchange of q and
// records the event in the x-death header.
func (b *Broker) deadLetter(q *queue, m message, reason string) {
	dlx, ok := q.args["x-dead-letter-exchange"].(string)
	if !ok {
		return
	}
	key := m.routingKey
	if dlrk, ok := q.args["x-dead-letter-routing-key"].(string); ok {
		key = dlrk
	}

	pub := m.pub
	pub.Headers = recordDeath(pub.Headers, q.name, reason, m.exchange, m.routingKey)
	b.route(dlx, key, pub)
}

func recordDeath(headers amqp.Table, queueName, reason, exchange, routingKey string) amqp.Table {
	headers = copyTable(headers)
	if headers == nil {
		headers = amqp.Table{}
	}

	var deaths []interface{}
	found := false
	existing, _ := headers["x-death"].([]interface{})
	for _, raw := range existing {
		entry, ok := raw.(amqp.Table)
		if !ok {
			continue
		}
		entry = copyTable(entry)
		if entry["queue"] == queueName && entry["reason"] == reason {
			count, _ := entry["count"].(int64)
			entry["count"] = count + 1
			found = true
			deaths = append([]interface{}{entry}, deaths...)
			continue
		}
		deaths = append(deaths, entry)
	}

	if !found {
		deaths = append([]interface{}{amqp.Table{
			"queue":        queueName,
			"reason":       reason,
			"count":        int64(1),
			"exchange":     exchange,
			"routing-keys": []interface{}{routingKey},
		}}, deaths...)
	}

	headers["x-death"] = deaths
	return headers
}

// dispatch hands queued messages to consumers within the prefetch limit.
func (b *Broker) dispatch() {
	for _, c := range b.consumers {
		q := b.queues[c.queue]
		for len(q.messages) > 0 && (b.prefetch == 0 || b.outstanding(c.tag) < b.prefetch) {
			m := q.messages[0]
			q.messages = q.messages[1:]

			b.deliveryTag++
			b.unacked[b.deliveryTag] = inflight{queue: q.name, consumer: c.tag, msg: m}

			c.deliveries <- amqp.Delivery{
				Acknowledger:  b,
				Headers:       copyTable(m.pub.Headers),
				ContentType:   m.pub.ContentType,
				DeliveryMode:  m.pub.DeliveryMode,
				MessageId:     m.pub.MessageId,
				Timestamp:     m.pub.Timestamp,
				ConsumerTag:   c.tag,
				DeliveryTag:   b.deliveryTag,
				Exchange:      m.exchange,
				RoutingKey:    m.routingKey,
				Body:          m.pub.Body,
			}
		}
	}
}

func (b *Broker) outstanding(tag string) int {
	n := 0
	for _, f := range b.unacked {
		if f.consumer == tag {
			n++
		}
	}
	return n
}

func (b *Broker) consumerCount(queueName string) int {
	n := 0
	for _, c := range b.consumers {
		if c.queue == queueName {
			n++
		}
	}
	return n
}

// Depth returns the number of ready messages in the named queue.
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// Messages returns the ready messages of the named queue.
func (b *Broker) Messages(name string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Publishing, 0, len(q.messages))
	for _, m := range q.messages {
		out = append(out, m.pub)
	}
	return out
}

// HasQueue reports whether the named queue was declared.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueArgs returns the arguments the named queue was declared with.
func (b *Broker) QueueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

// DeclareCount returns how many times the named queue was declared.
func (b *Broker) DeclareCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.declared
	}
	return 0
}

// ExchangeKind returns the kind of the named exchange, or "" if undeclared.
func (b *Broker) ExchangeKind(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exchanges[name]
}

// IsBound reports whether queue is bound to exchange with routingKey.
func (b *Broker) IsBound(queueName, exchange, routingKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bd := range b.bindings {
		if bd.queue == queueName && bd.exchange == exchange && bd.routingKey == routingKey {
			return true
		}
	}
	return false
}

// Published returns every publish the broker accepted, in order.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// SetNackPublishes toggles NackPublishes while the broker is in use.
func (b *Broker) SetNackPublishes(nack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.NackPublishes = nack
}

// Unacked returns the number of deliveries awaiting settlement.
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unacked)
}

// Acked returns the number of positive acknowledgements received.
func (b *Broker) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// Rejected returns the number of rejects and nacks received.
func (b *Broker) Rejected() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

// Consumers returns the number of registered consumers.
func (b *Broker) Consumers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.consumers)
}

func copyTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func normalize(t amqp.Table) amqp.Table {
	if len(t) == 0 {
		return nil
	}
	return t
}
