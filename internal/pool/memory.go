package pool

import (
	"context"
	"slices"
	"time"

	"github.com/chinmina/blindsign-tokens/internal/token"
	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

// maxPartitions bounds the number of partitions a memory pool tracks.
const maxPartitions = 1024

// MemoryPool keeps tokens in process memory. Each partition is a FIFO list
// filtered by the validity predicate on every draw. A partition leaves the
// cache once its newest token has expired.
type MemoryPool[T token.Token] struct {
	lock          lock
	partitions    *otter.Cache[string, []T]
	counter       *stats.Counter
	clock         token.Clock
	valid         token.ValidityPredicate[T]
	sizes         Sizing
	refreshParams []token.Params
}

func NewMemoryPool[T token.Token](
	clock token.Clock,
	valid token.ValidityPredicate[T],
	sizes Sizing,
	refreshParams ...token.Params,
) *MemoryPool[T] {
	p := &MemoryPool[T]{
		lock:          newLock(),
		counter:       stats.NewCounter(),
		clock:         clock,
		valid:         valid,
		sizes:         sizes,
		refreshParams: refreshParams,
	}
	p.partitions = otter.Must(&otter.Options[string, []T]{
		MaximumSize:      maxPartitions,
		StatsRecorder:    p.counter,
		ExpiryCalculator: otter.ExpiryWritingFunc(p.untilNewestExpires),
	})
	return p
}

func (p *MemoryPool[T]) Draw(ctx context.Context, params token.Params, count int, fallback Source[T]) ([]T, error) {
	if err := p.lock.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.lock.release()

	cached, _ := p.partitions.GetIfPresent(params.Key())
	available := p.filter(cached)

	taken := min(count, len(available))
	result := slices.Clone(available[:taken])
	remaining := slices.Clone(available[taken:])

	resultNeeded := count - taken
	refill := refillAmount(len(remaining), p.sizes())

	if resultNeeded+refill > 0 {
		fresh, err := fallback(ctx, params, resultNeeded+refill, p.valid)
		if err != nil {
			// the partition is left as it was
			return nil, err
		}

		forCaller, forPool, err := split(fresh, resultNeeded)
		if err != nil {
			return nil, err
		}
		result = append(result, forCaller...)

		// only a requested top-up is retained, so that a large source batch
		// cannot grow the pool without bound
		if refill > 0 {
			remaining = append(remaining, p.filter(forPool)...)
		}
	}

	p.put(params.Key(), remaining)
	return result, nil
}

func (p *MemoryPool[T]) Clear(ctx context.Context) error {
	if err := p.lock.acquire(ctx); err != nil {
		return err
	}
	defer p.lock.release()

	p.partitions.InvalidateAll()
	return nil
}

func (p *MemoryPool[T]) Refresh(ctx context.Context, source Source[T]) error {
	if err := p.lock.acquire(ctx); err != nil {
		return err
	}
	defer p.lock.release()

	p.partitions.InvalidateAll()

	preferred := p.sizes().Preferred
	for _, params := range p.refreshParams {
		fresh, err := source(ctx, params, preferred, p.valid)
		if err != nil {
			return err
		}
		p.put(params.Key(), p.filter(fresh))
	}
	return nil
}

// Stats reports how often draws found a cached partition.
func (p *MemoryPool[T]) Stats() stats.Stats {
	return p.counter.Snapshot()
}

func (p *MemoryPool[T]) put(key string, tokens []T) {
	if len(tokens) == 0 {
		p.partitions.Invalidate(key)
		return
	}
	p.partitions.Set(key, tokens)
}

// filter keeps the tokens that are valid and carry an expiration.
func (p *MemoryPool[T]) filter(tokens []T) []T {
	out := make([]T, 0, len(tokens))
	for _, t := range tokens {
		if token.IsCacheable(t) && p.valid(t) {
			out = append(out, t)
		}
	}
	return out
}

func (p *MemoryPool[T]) untilNewestExpires(entry otter.Entry[string, []T]) time.Duration {
	var newest time.Time
	for _, t := range entry.Value {
		if exp, ok := t.Expiration(); ok && exp.After(newest) {
			newest = exp
		}
	}
	return max(newest.Sub(p.clock()), time.Millisecond)
}
