package redpanda

import (
	"context"

	"github.com/drfirst/go-rxtimeline/internal/domain/timeline"
	"github.com/drfirst/go-rxtimeline/pkg/circuitbreaker"
)

// Publisher is what Producer offers to callers that only publish.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	PublishEvents(ctx context.Context, topic string, events []*timeline.Event) error
}

var _ Publisher = (*Producer)(nil)

// GuardedPublisher routes every publish through a circuit breaker so a
// broker outage fails fast instead of stalling callers.
type GuardedPublisher struct {
	next    Publisher
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedPublisher wraps next with breaker.
func NewGuardedPublisher(next Publisher, breaker *circuitbreaker.CircuitBreaker) *GuardedPublisher {
	return &GuardedPublisher{next: next, breaker: breaker}
}

// Publish implements postgres.Publisher.
func (g *GuardedPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.next.Publish(ctx, topic, key, value)
	})
}

// PublishEvents publishes a batch of events as one breaker call.
func (g *GuardedPublisher) PublishEvents(ctx context.Context, topic string, events []*timeline.Event) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.next.PublishEvents(ctx, topic, events)
	})
}
