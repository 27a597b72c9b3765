package blindsign_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	blindsign "github.com/chinmina/blindsign-tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSigner is written against the exported names only, as a transport
// layer outside this module would be.
type countingSigner struct {
	mu    sync.Mutex
	next  int
	calls []int
}

func (s *countingSigner) mint(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, n)
	data := make([]string, n)
	for i := range data {
		s.next++
		data[i] = fmt.Sprintf("token-%04d", s.next)
	}
	return data
}

func (s *countingSigner) Calls() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.calls...)
}

func (s *countingSigner) CreateProxyTokens(_ context.Context, n int) ([]blindsign.ProxyToken, error) {
	var tokens []blindsign.ProxyToken
	for _, d := range s.mint(n) {
		tokens = append(tokens, blindsign.ProxyToken{Data: []byte(d), ExpiresAt: time.Now().Add(time.Hour)})
	}
	return tokens, nil
}

func (s *countingSigner) CreateArateaTokens(_ context.Context, n int, _ []byte) ([]blindsign.ArateaToken, error) {
	var tokens []blindsign.ArateaToken
	for _, d := range s.mint(n) {
		tokens = append(tokens, blindsign.ArateaToken{Data: []byte(d)})
	}
	return tokens, nil
}

func (s *countingSigner) CreateArateaTokensWithoutChallenge(_ context.Context, n int) ([]blindsign.CacheableArateaToken, error) {
	var tokens []blindsign.CacheableArateaToken
	for _, d := range s.mint(n) {
		tokens = append(tokens, blindsign.CacheableArateaToken{Data: []byte(d), ExpiresAt: time.Now().Add(time.Hour)})
	}
	return tokens, nil
}

var _ blindsign.Signer = (*countingSigner)(nil)

func TestPublicAPI_ConsumerFlow(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BSA_STORE_PATH", filepath.Join(dir, "tokens.db"))
	t.Setenv("BSA_KEYSET_PATH", filepath.Join(dir, "keyset.yaml"))
	t.Setenv("BSA_PROXY_CACHE_MODE", "memory_only")
	ctx := context.Background()

	cfg, err := blindsign.LoadConfig(ctx)
	require.NoError(t, err)
	require.NoError(t, blindsign.ConfigureLogging(cfg.Observe))

	signer := &countingSigner{}
	tokens, err := blindsign.New(ctx, cfg, signer, blindsign.WithKeyStore(blindsign.NewMemoryKeyStore()))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, tokens.Close()) })

	require.Eventually(t, func() bool {
		return tokens.Proxy.Mode() == blindsign.CacheModeMemoryOnly
	}, time.Second, 5*time.Millisecond)

	first, err := blindsign.FetchOne(ctx, tokens.Proxy, blindsign.ProxyParams{})
	require.NoError(t, err)
	assert.Equal(t, "token-0001", string(first.Data))

	// one for the caller and ten for the pool, in batches of ten
	assert.Equal(t, []int{10, 1}, signer.Calls())

	second, err := blindsign.FetchOne(ctx, tokens.Proxy, blindsign.ProxyParams{})
	require.NoError(t, err)
	assert.Equal(t, "token-0002", string(second.Data))
	assert.Len(t, signer.Calls(), 2)

	aratea, err := blindsign.FetchOne(ctx, tokens.Aratea, blindsign.NewArateaParams([]byte("challenge")))
	require.NoError(t, err)
	assert.Equal(t, blindsign.KindAratea, aratea.Kind())

	_, err = tokens.CacheableAratea.FetchTokens(ctx, blindsign.CacheableArateaParams{}, 1)
	assert.ErrorIs(t, err, blindsign.ErrValidation)
}

func TestNew_OutlivesConstructionContext(t *testing.T) {
	cfg := testConfig(t)
	signer := &countingSigner{}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	tokens, err := blindsign.New(ctx, cfg, signer, blindsign.WithKeyStore(blindsign.NewMemoryKeyStore()))
	cancel()
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, tokens.Close()) })

	flags := tokens.Flags.Current()
	flags.Proxy.CacheMode = blindsign.CacheModeMemoryOnly
	tokens.Flags.Update(flags)

	require.Eventually(t, func() bool {
		return tokens.Proxy.Mode() == blindsign.CacheModeMemoryOnly
	}, time.Second, 5*time.Millisecond)
}
