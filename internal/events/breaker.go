package events

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerPublisher stops calling a failing broker for a while so delivery
// handlers do not wait on it for every message.
type BreakerPublisher struct {
	next Publisher
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerPublisher(next Publisher, name string, maxFailures int, timeout time.Duration, log *zap.Logger) *BreakerPublisher {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(maxFailures)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &BreakerPublisher{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *BreakerPublisher) Publish(ctx context.Context, ev Event) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Publish(ctx, ev)
	})
	return err
}

func (b *BreakerPublisher) State() gobreaker.State { return b.cb.State() }

func (b *BreakerPublisher) Close() error { return b.next.Close() }
