package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/keyarc-gateway/internal/observability"
)

var breakerTracer = otel.Tracer("keyarc-gateway/circuitbreaker")

// Default circuit breaker settings.
const (
	DefaultBreakerMaxRequests      = 1
	DefaultBreakerInterval         = 60 * time.Second
	DefaultBreakerTimeout          = 30 * time.Second
	DefaultBreakerFailureThreshold = 5
)

// BreakerConfig configures the per-service circuit breakers.
type BreakerConfig struct {
	// Enabled turns circuit breaking on.
	Enabled bool

	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32

	// Interval is the cyclic period after which closed-state counts are
	// cleared. Zero never clears them.
	Interval time.Duration

	// Timeout is how long the breaker stays open.
	Timeout time.Duration

	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold uint32
}

// GetEffectiveMaxRequests returns the effective half-open probe count.
func (c BreakerConfig) GetEffectiveMaxRequests() uint32 {
	if c.MaxRequests == 0 {
		return DefaultBreakerMaxRequests
	}
	return c.MaxRequests
}

// GetEffectiveTimeout returns the effective open-state duration.
func (c BreakerConfig) GetEffectiveTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultBreakerTimeout
	}
	return c.Timeout
}

// GetEffectiveFailureThreshold returns the effective trip threshold.
func (c BreakerConfig) GetEffectiveFailureThreshold() uint32 {
	if c.FailureThreshold == 0 {
		return DefaultBreakerFailureThreshold
	}
	return c.FailureThreshold
}

// errTransientStatus marks a 502/503/504 response so the breaker counts
// it as a failure; the response itself is still relayed.
var errTransientStatus = errors.New("transient downstream status")

// newBreaker creates the circuit breaker of one service.
func newBreaker(service string, cfg BreakerConfig, logger observability.Logger, metrics *Metrics) *gobreaker.CircuitBreaker {
	threshold := cfg.GetEffectiveFailureThreshold()

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: cfg.GetEffectiveMaxRequests(),
		Interval:    cfg.Interval,
		Timeout:     cfg.GetEffectiveTimeout(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A client that goes away says nothing about the service.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				observability.String("service", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)

			metrics.RecordBreakerTransition(name, from.String(), to.String(), int(to))

			_, span := breakerTracer.Start(context.Background(),
				"circuitbreaker.state_change",
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			span.AddEvent("state_change", trace.WithAttributes(
				attribute.String("circuitbreaker.service", name),
				attribute.String("circuitbreaker.from", from.String()),
				attribute.String("circuitbreaker.to", to.String()),
			))
			span.End()
		},
	})
}

// isBreakerRejection reports whether err came from an open or
// saturated half-open breaker.
func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
