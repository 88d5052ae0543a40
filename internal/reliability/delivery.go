package reliability

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Decision is how a delivery was finally settled.
type Decision int

const (
	// Pending means the delivery has not been settled yet
	Pending Decision = iota
	// Acked means the job succeeded and the delivery was acknowledged
	Acked
	// Retried means the job was relocated to a retry queue
	Retried
	// Rejected means the delivery was rejected and dead-lettered to the error queue
	Rejected
	// Escalated means the job was published to the error queue explicitly
	Escalated
	// Requeued means the delivery was returned to the main queue untouched
	Requeued
)

func (d Decision) String() string {
	switch d {
	case Acked:
		return "acked"
	case Retried:
		return "retried"
	case Rejected:
		return "rejected"
	case Escalated:
		return "escalated"
	case Requeued:
		return "requeued"
	default:
		return "pending"
	}
}

// Cause classifies why a job is being retried. Every cause takes the same
// retry path; the cause only shows up in logs and metrics.
type Cause int

const (
	CauseNone Cause = iota
	CauseError
	CauseTimeout
	CauseReject
)

func (c Cause) String() string {
	switch c {
	case CauseError:
		return "error"
	case CauseTimeout:
		return "timeout"
	case CauseReject:
		return "reject"
	default:
		return "none"
	}
}

// Delivery wraps a broker delivery for one processing cycle and makes sure
// it is settled at most once, whether by the job itself or by the worker
// after the job returned.
type Delivery struct {
	raw amqp.Delivery

	mu       sync.Mutex
	decision Decision
}

// NewDelivery wraps d.
func NewDelivery(d amqp.Delivery) *Delivery {
	return &Delivery{raw: d}
}

// Body returns the serialized job envelope.
func (d *Delivery) Body() []byte { return d.raw.Body }

// Headers returns the message headers, including the x-death history.
func (d *Delivery) Headers() amqp.Table { return d.raw.Headers }

// Tag returns the delivery tag.
func (d *Delivery) Tag() uint64 { return d.raw.DeliveryTag }

// Raw returns the wrapped delivery.
func (d *Delivery) Raw() amqp.Delivery { return d.raw }

// Settled reports whether the delivery was acked, rejected or relocated.
func (d *Delivery) Settled() bool {
	return d.Decision() != Pending
}

// Decision returns how the delivery was settled.
func (d *Delivery) Decision() Decision {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.decision
}

// settle runs fn unless the delivery is already settled and records the
// decision fn returns when it succeeds.
func (d *Delivery) settle(fn func() (Decision, error)) (Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.decision != Pending {
		return d.decision, ErrAlreadySettled
	}

	decision, err := fn()
	if err != nil {
		return Pending, err
	}
	d.decision = decision
	return decision, nil
}
