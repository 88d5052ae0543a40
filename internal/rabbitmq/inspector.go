package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Status represents the health status of a queue
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ErrQueueNotFound is returned when an inspected queue does not exist.
var ErrQueueNotFound = errors.New("rabbitmq: queue not found")

// QueueInfo is what a passive declare reports about a queue.
type QueueInfo struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// QueueHealth is a basic assessment of a queue's depth and consumers.
type QueueHealth struct {
	QueueInfo
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// Inspector reads queue depths over AMQP without the management API.
type Inspector struct {
	ch Channel
}

// NewInspector creates an inspector on ch.
func NewInspector(ch Channel) *Inspector {
	return &Inspector{ch: ch}
}

// InspectQueue reports the ready message and consumer counts of a queue.
// The broker closes the channel when the queue is missing, so only inspect
// queues the topology declared.
func (i *Inspector) InspectQueue(ctx context.Context, name string) (QueueInfo, error) {
	if err := ctx.Err(); err != nil {
		return QueueInfo{}, err
	}

	q, err := i.ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return QueueInfo{}, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
		}
		return QueueInfo{}, fmt.Errorf("failed to inspect queue %s: %w", name, err)
	}

	return QueueInfo{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

// AssessWorkQueue grades a queue that workers consume from.
func AssessWorkQueue(info QueueInfo) QueueHealth {
	health := QueueHealth{QueueInfo: info}

	switch {
	case info.Messages > 10000:
		health.Status = StatusDegraded
		health.Message = fmt.Sprintf("High message count: %d messages", info.Messages)
	case info.Messages > 1000:
		health.Status = StatusDegraded
		health.Message = fmt.Sprintf("Elevated message count: %d messages", info.Messages)
	case info.Consumers == 0 && info.Messages > 0:
		health.Status = StatusUnhealthy
		health.Message = fmt.Sprintf("No consumers for %d messages", info.Messages)
	default:
		health.Status = StatusHealthy
		health.Message = "Queue is healthy"
	}

	return health
}

// AssessErrorQueue grades an error queue. Anything in it waits for a human.
func AssessErrorQueue(info QueueInfo) QueueHealth {
	health := QueueHealth{QueueInfo: info, Status: StatusHealthy, Message: "Error queue is empty"}
	if info.Messages > 0 {
		health.Status = StatusDegraded
		health.Message = fmt.Sprintf("%d failed jobs awaiting inspection", info.Messages)
	}
	return health
}
