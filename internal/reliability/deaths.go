package reliability

import (
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Death is one entry of the x-death header the broker maintains on a
// dead-lettered message. The broker aggregates entries per queue and
// reason, so Count may exceed one.
type Death struct {
	Queue       string
	Reason      string
	Exchange    string
	RoutingKeys []string
	Count       int64
}

// Deaths parses the x-death header. Malformed entries are skipped.
func Deaths(headers amqp.Table) []Death {
	raw, ok := headers["x-death"].([]interface{})
	if !ok {
		return nil
	}

	deaths := make([]Death, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(amqp.Table)
		if !ok {
			continue
		}

		d := Death{Count: toInt64(entry["count"])}
		d.Queue, _ = entry["queue"].(string)
		d.Reason, _ = entry["reason"].(string)
		d.Exchange, _ = entry["exchange"].(string)
		if keys, ok := entry["routing-keys"].([]interface{}); ok {
			for _, k := range keys {
				if s, ok := k.(string); ok {
					d.RoutingKeys = append(d.RoutingKeys, s)
				}
			}
		}
		deaths = append(deaths, d)
	}

	return deaths
}

// DeathCounter derives how many times a job was already attempted from its
// dead-letter history.
type DeathCounter struct {
	// Queue is the main queue name. Only deaths in queues whose name starts
	// with it (the main queue and its retry queues) count as attempts.
	Queue string
}

// Count sums the death counts charged to the queue lineage.
func (c DeathCounter) Count(headers amqp.Table) int {
	var total int64
	for _, d := range Deaths(headers) {
		if strings.HasPrefix(d.Queue, c.Queue) {
			total += d.Count
		}
	}
	return int(total)
}

// toInt64 accepts every numeric type the AMQP table decoder may produce.
func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int16:
		return int64(n)
	case int8:
		return int64(n)
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	case uint32:
		return int64(n)
	case uint16:
		return int64(n)
	case uint8:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	default:
		return 0
	}
}
