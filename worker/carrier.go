package worker

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// HeaderCarrier adapts AMQP headers to a propagation.TextMapCarrier so
// trace context travels with a job.
type HeaderCarrier amqp.Table

// Get returns the string value stored under key.
func (c HeaderCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

// Set stores value under key.
func (c HeaderCarrier) Set(key, value string) {
	c[key] = value
}

// Keys lists the header names.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
