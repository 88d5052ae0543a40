package worker

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// PoisonPolicy decides what happens to a delivery that cannot be decoded
// into a registered job.
type PoisonPolicy int

const (
	// PoisonPropagate stops the loop and returns a *DecodeError from Run.
	// The delivery stays unacknowledged and is redelivered to the next worker.
	PoisonPropagate PoisonPolicy = iota
	// PoisonReject rejects the delivery into the error queue and keeps consuming.
	PoisonReject
)

func (p PoisonPolicy) String() string {
	switch p {
	case PoisonReject:
		return "reject"
	default:
		return "propagate"
	}
}

// ParsePoisonPolicy parses "propagate" or "reject".
func ParsePoisonPolicy(s string) (PoisonPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "propagate":
		return PoisonPropagate, nil
	case "reject":
		return PoisonReject, nil
	default:
		return PoisonPropagate, fmt.Errorf("unknown poison policy %q", s)
	}
}

// Option configures a Loop
type Option func(*Loop)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// WithLiveness sets the connection health source watched by the watchdog
func WithLiveness(liveness Liveness) Option {
	return func(l *Loop) {
		l.liveness = liveness
	}
}

// WithWatchdogInterval sets how often the watchdog checks the connection
func WithWatchdogInterval(interval time.Duration) Option {
	return func(l *Loop) {
		l.watchdogInterval = interval
	}
}

// WithJobTimeout bounds each job execution. Jobs observe the deadline
// through their context; a job failing after its deadline is retried with
// a timeout cause.
func WithJobTimeout(timeout time.Duration) Option {
	return func(l *Loop) {
		l.jobTimeout = timeout
	}
}

// WithRequiredKinds makes Run fail before declaring anything unless every
// kind is registered.
func WithRequiredKinds(kinds ...string) Option {
	return func(l *Loop) {
		l.requiredKinds = append(l.requiredKinds, kinds...)
	}
}

// WithPoisonPolicy sets the handling of undecodable deliveries
func WithPoisonPolicy(policy PoisonPolicy) Option {
	return func(l *Loop) {
		l.poison = policy
	}
}

// WithTracerProvider sets the tracer provider for per-job spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Loop) {
		l.tracerProvider = tp
	}
}

// WithMeterProvider sets the meter provider for dispatch metrics
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(l *Loop) {
		l.meterProvider = mp
	}
}

// WithPropagator sets the propagator extracting trace context from headers
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(l *Loop) {
		l.propagator = p
	}
}
