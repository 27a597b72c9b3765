package provider_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chinmina/blindsign-tokens/internal/bsa/bsatest"
	"github.com/chinmina/blindsign-tokens/internal/config"
	"github.com/chinmina/blindsign-tokens/internal/encryption"
	"github.com/chinmina/blindsign-tokens/internal/pool"
	"github.com/chinmina/blindsign-tokens/internal/provider"
	"github.com/chinmina/blindsign-tokens/internal/store"
	"github.com/chinmina/blindsign-tokens/internal/token"
	"github.com/stretchr/testify/require"
)

var epoch = time.UnixMilli(1_700_000_000_000)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testFlags(mode config.CacheMode) config.Flags {
	tf := config.TokenFlags{
		CacheMode:                mode,
		BatchSize:                10,
		MemoryMinPoolSize:        1,
		MemoryPreferredPoolSize:  3,
		DurableMinPoolSize:       1,
		DurablePreferredPoolSize: 4,
	}
	return config.Flags{Proxy: tf, Aratea: tf, EnableArateaTokenCache: true}
}

func withMode(flags config.Flags, mode config.CacheMode) config.Flags {
	flags.Proxy.CacheMode = mode
	flags.Aratea.CacheMode = mode
	return flags
}

// plainCipher stores token bytes as they are.
type plainCipher struct{}

func (plainCipher) Encrypt(_ context.Context, plaintext []byte) (encryption.EncryptedRecord, bool) {
	return encryption.EncryptedRecord{Ciphertext: append([]byte(nil), plaintext...), AssociatedData: []byte("test")}, true
}

func (plainCipher) Decrypt(_ context.Context, record encryption.EncryptedRecord) ([]byte, bool) {
	return append([]byte(nil), record.Ciphertext...), true
}

// proxyStack is the full set of proxy token providers over an in-memory
// store and a fake signer.
type proxyStack struct {
	clock  *fakeClock
	flags  *config.Reader
	signer *bsatest.FakeSigner
	store  *store.Store

	auth       *provider.Authenticating[token.ProxyToken]
	durable    *provider.Caching[token.ProxyToken]
	memory     *provider.Caching[token.ProxyToken]
	multilevel *provider.Caching[token.ProxyToken]
}

func newProxyStack(t *testing.T, flags config.Flags) *proxyStack {
	t.Helper()

	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	st := &proxyStack{
		clock: newFakeClock(),
		flags: config.NewReader(flags),
		store: s,
	}
	st.signer = bsatest.NewFakeSigner(st.clock.Now)

	valid := token.ExpiresAfter[token.ProxyToken](st.clock.Now)
	memorySizes := func() pool.Sizes {
		f := st.flags.Current().Proxy
		return pool.Sizes{Min: f.MemoryMinPoolSize, Preferred: f.MemoryPreferredPoolSize}
	}
	durableSizes := func() pool.Sizes {
		f := st.flags.Current().Proxy
		return pool.Sizes{Min: f.DurableMinPoolSize, Preferred: f.DurablePreferredPoolSize}
	}

	st.auth = provider.NewProxyAuthenticator(st.signer, st.flags)
	st.durable = provider.NewCaching[token.ProxyToken](st.auth,
		pool.NewDatabasePool(s, plainCipher{}, token.DecodeProxyToken, st.clock.Now, durableSizes, token.ProxyParams{}))
	st.memory = provider.NewCaching[token.ProxyToken](st.auth,
		pool.NewMemoryPool(st.clock.Now, valid, memorySizes, token.ProxyParams{}))
	st.multilevel = provider.NewCaching[token.ProxyToken](st.durable,
		pool.NewMemoryPool(st.clock.Now, valid, memorySizes, token.ProxyParams{}))
	return st
}

func (st *proxyStack) bindings() provider.Bindings[token.ProxyToken] {
	return provider.Bindings[token.ProxyToken]{
		Authenticating: st.auth,
		Memory:         st.memory,
		Durable:        st.durable,
		Multilevel:     st.multilevel,
	}
}

func (st *proxyStack) storedTokens(t *testing.T) int {
	t.Helper()
	n, err := st.store.PoolSize(context.Background(), token.ProxyParams{})
	require.NoError(t, err)
	return n
}

func mintedCounts(calls []bsatest.Call) []int {
	out := make([]int, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.N)
	}
	return out
}

func tokenData[T token.Token](tokens []T) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, string(t.Bytes()))
	}
	return out
}

// spyCache is a proxy token provider with cache control that records how it
// is used.
type spyCache struct {
	mu            sync.Mutex
	invalidations int
	refills       int
	refillErr     error
}

func (s *spyCache) MaxBatchSize() int { return 10 }

func (s *spyCache) FetchTokens(_ context.Context, _ token.Params, batchSize int) ([]token.ProxyToken, error) {
	return make([]token.ProxyToken, batchSize), nil
}

func (s *spyCache) Invalidate(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidations++
	return nil
}

func (s *spyCache) InvalidateAndRefill(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refills++
	return s.refillErr
}

func (s *spyCache) Invalidations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidations
}

func (s *spyCache) Refills() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refills
}
