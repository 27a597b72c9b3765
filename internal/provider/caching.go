package provider

import (
	"context"
	"fmt"
	"math"

	"github.com/chinmina/blindsign-tokens/internal/pool"
	"github.com/chinmina/blindsign-tokens/internal/token"
)

// Caching serves tokens from a pool, minting the shortfall from its
// delegate. Requests whose params must be fresh bypass the pool.
//
// A Caching provider may itself be the delegate of another, which is how the
// memory pool is layered over the durable pool.
type Caching[T token.Token] struct {
	delegate token.Provider[T]
	pool     pool.Pool[T]
}

var _ token.CacheControl = (*Caching[token.ProxyToken])(nil)

func NewCaching[T token.Token](delegate token.Provider[T], p pool.Pool[T]) *Caching[T] {
	return &Caching[T]{
		delegate: delegate,
		pool:     p,
	}
}

// MaxBatchSize is unbounded: larger requests are split into delegate sized
// batches.
func (c *Caching[T]) MaxBatchSize() int {
	return math.MaxInt
}

func (c *Caching[T]) FetchTokens(ctx context.Context, params token.Params, batchSize int) ([]T, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("%w: batch size %d must be positive", token.ErrValidation, batchSize)
	}

	if params.MustBeFresh() {
		tokens, err := c.fetchFromDelegate(ctx, params, batchSize, token.AcceptAll[T])
		if err != nil {
			return nil, err
		}
		return tokens[:batchSize], nil
	}

	return c.pool.Draw(ctx, params, batchSize, c.fetchFromDelegate)
}

// Invalidate clears this provider's pool. A caching delegate keeps its
// tokens.
func (c *Caching[T]) Invalidate(ctx context.Context) error {
	return c.pool.Clear(ctx)
}

// InvalidateAndRefill refills the bottom pool of the chain and clears the
// pools above it, which refill from it on their next draw.
func (c *Caching[T]) InvalidateAndRefill(ctx context.Context) error {
	if inner, ok := c.delegate.(token.CacheControl); ok {
		if err := inner.InvalidateAndRefill(ctx); err != nil {
			return err
		}
		return c.pool.Clear(ctx)
	}
	return c.pool.Refresh(ctx, c.fetchFromDelegate)
}

// fetchFromDelegate is the pool's Source. It fetches in batches no larger
// than the delegate accepts until at least atLeast valid tokens are held. A
// batch with no valid tokens at all ends the attempt.
func (c *Caching[T]) fetchFromDelegate(ctx context.Context, params token.Params, atLeast int, valid token.ValidityPredicate[T]) ([]T, error) {
	tokens := make([]T, 0, atLeast)
	for len(tokens) < atLeast {
		batch := min(atLeast-len(tokens), c.delegate.MaxBatchSize())
		if batch < 1 {
			return nil, fmt.Errorf("%w: delegate accepts no tokens for %s", token.ErrValidation, params.Kind())
		}

		fetched, err := c.delegate.FetchTokens(ctx, params, batch)
		if err != nil {
			return nil, err
		}

		kept := 0
		for _, t := range fetched {
			if valid(t) {
				tokens = append(tokens, t)
				kept++
			}
		}
		if kept == 0 {
			return nil, fmt.Errorf("%w: none of %d %s fetched from delegate were valid", token.ErrNoValidTokens, len(fetched), params.Kind())
		}
	}
	return tokens, nil
}
