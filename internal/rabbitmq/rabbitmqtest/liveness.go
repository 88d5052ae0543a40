package rabbitmqtest

import (
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrHeartbeatMissed is what Liveness reports after MissHeartbeat.
var ErrHeartbeatMissed = errors.New("rabbitmqtest: heartbeat missed")

// Liveness reports the health of a Broker the way the connection manager
// reports the health of a real connection.
type Liveness struct {
	broker *Broker

	mu      sync.Mutex
	failure error
	checks  int

	lost     chan struct{}
	lostOnce sync.Once
}

// NewLiveness watches b for close notifications.
func NewLiveness(b *Broker) *Liveness {
	l := &Liveness{broker: b, lost: make(chan struct{})}

	closed := b.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		amqpErr, ok := <-closed
		if ok && amqpErr != nil {
			l.fail(amqpErr)
			return
		}
		l.fail(amqp.ErrClosed)
	}()

	return l
}

// CheckHeartbeat returns the first failure observed, if any.
func (l *Liveness) CheckHeartbeat() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.checks++
	if l.failure != nil {
		return l.failure
	}
	if l.broker.IsClosed() {
		return amqp.ErrClosed
	}
	return nil
}

// Lost is closed after the broker closed or a heartbeat was missed.
func (l *Liveness) Lost() <-chan struct{} {
	return l.lost
}

// MissHeartbeat makes the next check fail as a missed heartbeat would.
func (l *Liveness) MissHeartbeat() {
	l.mu.Lock()
	if l.failure == nil {
		l.failure = ErrHeartbeatMissed
	}
	l.mu.Unlock()
}

// Checks returns how many times CheckHeartbeat was called.
func (l *Liveness) Checks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checks
}

func (l *Liveness) fail(err error) {
	l.mu.Lock()
	if l.failure == nil {
		l.failure = err
	}
	l.mu.Unlock()
	l.lostOnce.Do(func() { close(l.lost) })
}
