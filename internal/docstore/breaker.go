package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that trips the breaker.
	MaxFailures uint32
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
	// OnStateChange is called on every transition, if set.
	OnStateChange func(from, to string)
}

// breakerStore guards a Store with a circuit breaker. Lookups that find
// nothing and lost update races are answers, not failures, and never count
// toward tripping.
type breakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

func WithBreaker(next Store, cfg BreakerConfig) Store {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	settings := gobreaker.Settings{
		Name:        "docstore",
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrNotFound) ||
				errors.Is(err, ErrConflict) ||
				errors.Is(err, context.Canceled)
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			cfg.OnStateChange(from.String(), to.String())
		}
	}
	return &breakerStore{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func execute[T any](b *breakerStore, fn func() (T, error)) (T, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, ErrCircuitOpen
	}
	if out == nil {
		var zero T
		return zero, err
	}
	return out.(T), err
}

func (b *breakerStore) InsertOne(ctx context.Context, collection string, doc *Document) (string, error) {
	return execute(b, func() (string, error) { return b.next.InsertOne(ctx, collection, doc) })
}

func (b *breakerStore) Find(ctx context.Context, collection string, filter Filter, opts FindOptions) (Iterator, error) {
	return execute(b, func() (Iterator, error) { return b.next.Find(ctx, collection, filter, opts) })
}

func (b *breakerStore) FindOne(ctx context.Context, collection string, filter Filter) (*Document, error) {
	return execute(b, func() (*Document, error) { return b.next.FindOne(ctx, collection, filter) })
}

func (b *breakerStore) FindOneAndUpdate(ctx context.Context, collection string, filter Filter, update Update) (*Document, error) {
	return execute(b, func() (*Document, error) { return b.next.FindOneAndUpdate(ctx, collection, filter, update) })
}

func (b *breakerStore) DeleteOne(ctx context.Context, collection string, filter Filter) (int64, error) {
	return execute(b, func() (int64, error) { return b.next.DeleteOne(ctx, collection, filter) })
}

func (b *breakerStore) DeleteMany(ctx context.Context, collection string, filter Filter) (int64, error) {
	return execute(b, func() (int64, error) { return b.next.DeleteMany(ctx, collection, filter) })
}

func (b *breakerStore) Close(ctx context.Context) error {
	return b.next.Close(ctx)
}
