package pool_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chinmina/blindsign-tokens/internal/pool"
	"github.com/chinmina/blindsign-tokens/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryPool(clock *fakeClock, minSize, preferredSize int) *pool.MemoryPool[token.ProxyToken] {
	return pool.NewMemoryPool(clock.Now, token.ExpiresAfter[token.ProxyToken](clock.Now),
		pool.FixedSizes(minSize, preferredSize), proxyParams)
}

func TestMemoryPool_FillsThenServesFromMemory(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newMinter(clock)
	p := newMemoryPool(clock, 2, 5)

	tokens, err := p.Draw(ctx, proxyParams, 2, m.Source)
	require.NoError(t, err)
	assert.Equal(t, []string{"minted-0001", "minted-0002"}, tokenData(tokens))
	assert.Equal(t, []int{7}, m.Calls())

	// five pooled, three drawn leaves two: at the minimum, no refill
	tokens, err = p.Draw(ctx, proxyParams, 3, m.Source)
	require.NoError(t, err)
	assert.Equal(t, []string{"minted-0003", "minted-0004", "minted-0005"}, tokenData(tokens))
	assert.Len(t, m.Calls(), 1)

	// one more drops below the minimum: refill to five
	tokens, err = p.Draw(ctx, proxyParams, 1, m.Source)
	require.NoError(t, err)
	assert.Equal(t, []string{"minted-0006"}, tokenData(tokens))
	assert.Equal(t, []int{7, 4}, m.Calls())

	assert.Positive(t, p.Stats().HitRatio())
}

func TestMemoryPool_ExtraTokensOnlyKeptForRequestedTopUp(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newMinter(clock)
	m.extra = 10
	p := newMemoryPool(clock, 0, 0)

	tokens, err := p.Draw(ctx, proxyParams, 2, m.Source)
	require.NoError(t, err)
	assert.Len(t, tokens, 2)

	// nothing was retained from the oversized batch
	_, err = p.Draw(ctx, proxyParams, 1, m.Source)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, m.Calls())
}

func TestMemoryPool_ExpiredTokensAreFiltered(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newMinter(clock)
	p := newMemoryPool(clock, 1, 3)

	_, err := p.Draw(ctx, proxyParams, 1, m.Source)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	tokens, err := p.Draw(ctx, proxyParams, 1, m.Source)
	require.NoError(t, err)
	assert.Equal(t, []string{"minted-0005"}, tokenData(tokens))
	assert.Equal(t, []int{4, 4}, m.Calls())
}

func TestMemoryPool_FallbackErrorLeavesPartition(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newMinter(clock)
	p := newMemoryPool(clock, 2, 3)

	_, err := p.Draw(ctx, proxyParams, 1, m.Source)
	require.NoError(t, err)

	// three pooled; drawing two drops below the minimum and the top-up fails
	m.err = errMint
	_, err = p.Draw(ctx, proxyParams, 2, m.Source)
	require.ErrorIs(t, err, errMint)

	m.err = nil
	tokens, err := p.Draw(ctx, proxyParams, 1, m.Source)
	require.NoError(t, err)
	assert.Equal(t, []string{"minted-0002"}, tokenData(tokens))
}

func TestMemoryPool_PartitionsAreIndependent(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newMinter(clock)
	p := newMemoryPool(clock, 0, 2)

	_, err := p.Draw(ctx, proxyParams, 1, m.Source)
	require.NoError(t, err)

	other := token.ProxyParams{Fresh: true}
	require.Equal(t, proxyParams.Key(), other.Key(), "freshness is not part of the partition")

	cacheable := token.CacheableArateaParams{}
	_, err = p.Draw(ctx, cacheable, 1, m.Source)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, m.Calls())
}

func TestMemoryPool_ClearAndRefresh(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newMinter(clock)
	p := newMemoryPool(clock, 1, 3)

	require.NoError(t, p.Refresh(ctx, m.Source))
	assert.Equal(t, []int{3}, m.Calls())

	tokens, err := p.Draw(ctx, proxyParams, 2, m.Source)
	require.NoError(t, err)
	assert.Equal(t, []string{"minted-0001", "minted-0002"}, tokenData(tokens))
	assert.Len(t, m.Calls(), 1)

	require.NoError(t, p.Clear(ctx))

	tokens, err = p.Draw(ctx, proxyParams, 1, m.Source)
	require.NoError(t, err)
	assert.Equal(t, []string{"minted-0004"}, tokenData(tokens))
}

func TestMemoryPool_ConcurrentDrawsNeverDoubleIssue(t *testing.T) {
	clock := newFakeClock()
	m := newMinter(clock)
	p := newMemoryPool(clock, 5, 20)

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			for range 5 {
				tokens, err := p.Draw(context.Background(), proxyParams, 3, m.Source)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				for _, d := range tokenData(tokens) {
					seen[d]++
				}
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	assert.Len(t, seen, 16*5*3)
	for d, n := range seen {
		assert.Equal(t, 1, n, "token %s issued %d times", d, n)
	}
}
