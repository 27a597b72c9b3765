// Package pool holds pre-minted tokens so that requests can be served without
// a round trip to the signing engine.
//
// Every pool serializes its operations behind a single lock per instance.
// Draws are infrequent relative to their size, so a coarse lock costs little
// and keeps replenishment accounting exact: no token is handed out twice and
// no top-up is lost.
package pool

import (
	"context"
	"fmt"

	"github.com/chinmina/blindsign-tokens/internal/token"
	"golang.org/x/sync/semaphore"
)

// Source mints at least atLeast tokens for params, all satisfying valid.
// Sources must not call back into the pool that invoked them.
type Source[T token.Token] func(ctx context.Context, params token.Params, atLeast int, valid token.ValidityPredicate[T]) ([]T, error)

// Pool hands out cached tokens, topping itself up from a Source.
type Pool[T token.Token] interface {
	// Draw returns exactly count tokens for params. Cached tokens are used
	// first; the shortfall, and any top-up needed to bring the pool back to
	// its preferred size once it falls below the minimum, comes from
	// fallback.
	Draw(ctx context.Context, params token.Params, count int, fallback Source[T]) ([]T, error)

	// Clear drops every cached token.
	Clear(ctx context.Context) error

	// Refresh drops every cached token, then fills the pool's refresh
	// partitions to their preferred size from source.
	Refresh(ctx context.Context, source Source[T]) error
}

// Sizes are the low-water mark and refill target of a pool partition.
type Sizes struct {
	Min       int
	Preferred int
}

// Sizing reports the current pool sizes. It is consulted on every draw so
// that live configuration changes take effect immediately.
type Sizing func() Sizes

// FixedSizes returns a Sizing that never changes.
func FixedSizes(minSize, preferredSize int) Sizing {
	return func() Sizes {
		return Sizes{Min: minSize, Preferred: preferredSize}
	}
}

// refillAmount is the number of tokens needed to bring a partition holding
// remaining tokens back to its preferred size. A partition at or above its
// minimum is not topped up.
func refillAmount(remaining int, sizes Sizes) int {
	if remaining >= sizes.Min {
		return 0
	}
	return max(sizes.Preferred-remaining, 0)
}

// split divides freshly minted tokens between the caller and the pool.
func split[T token.Token](fresh []T, forCaller int) ([]T, []T, error) {
	if len(fresh) < forCaller {
		return nil, nil, fmt.Errorf("%w: source returned %d tokens, needed %d", token.ErrNoValidTokens, len(fresh), forCaller)
	}
	return fresh[:forCaller], fresh[forCaller:], nil
}

// lock is a mutex whose acquisition can be abandoned when a context ends.
type lock struct {
	sem *semaphore.Weighted
}

func newLock() lock {
	return lock{sem: semaphore.NewWeighted(1)}
}

func (l lock) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.sem.Acquire(ctx, 1)
}

func (l lock) release() {
	l.sem.Release(1)
}
