// Package blindsign assembles blind-signed token providers: each token kind
// gets a provider that follows its live cache mode flag, backed by an
// encrypted SQLite store and in-memory pools.
package blindsign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chinmina/blindsign-tokens/internal/config"
	"github.com/chinmina/blindsign-tokens/internal/encryption"
	"github.com/chinmina/blindsign-tokens/internal/pool"
	"github.com/chinmina/blindsign-tokens/internal/provider"
	"github.com/chinmina/blindsign-tokens/internal/store"
	"github.com/chinmina/blindsign-tokens/internal/token"
	"github.com/rs/zerolog/log"
)

// Tokens holds the configured provider of each token kind. Every provider is
// safe for concurrent use.
type Tokens struct {
	Proxy           *ProxyProvider
	Aratea          *ArateaProvider
	CacheableAratea *CacheableArateaProvider

	// Flags holds the live flags. Updates take effect immediately.
	Flags *FlagReader

	cipher  *encryption.Cipher
	stop    context.CancelFunc
	closers []func() error
}

type options struct {
	clock    token.Clock
	keyStore encryption.KeyStore
}

type Option func(*options)

// WithClock replaces the clock used to judge token expiry.
func WithClock(clock token.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithKeyStore replaces the key store selected by configuration.
func WithKeyStore(keys encryption.KeyStore) Option {
	return func(o *options) {
		o.keyStore = keys
	}
}

// New opens the token store, starts the cipher and flag watchers and builds
// the providers. Tokens are minted by signer.
//
// ctx bounds construction only. Background work keeps its values but not its
// cancellation, and runs until Close.
func New(ctx context.Context, cfg Config, signer Signer, opts ...Option) (*Tokens, error) {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	keys := o.keyStore
	if keys == nil {
		var err error
		keys, err = newKeyStore(ctx, cfg.Keys)
		if err != nil {
			return nil, fmt.Errorf("key store configuration failed: %w", err)
		}
	}

	tokenStore, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("token store configuration failed: %w", err)
	}

	ctx, stop := context.WithCancel(context.WithoutCancel(ctx))
	t := &Tokens{
		Flags: config.NewReader(initialFlags(cfg.Flags)),
		stop:  stop,
	}
	t.closers = append(t.closers, tokenStore.Close)

	cipher := encryption.NewCipher(keys, encryption.NewKeysetFile(cfg.Keys.KeysetPath))
	cipher.Start(ctx)
	t.cipher = cipher
	t.closers = append(t.closers, cipher.Close)

	if cfg.Flags.File != "" {
		watched := make(chan struct{})
		go func() {
			defer close(watched)
			interval := time.Duration(cfg.Flags.PollIntervalSeconds) * time.Second
			config.WatchFile(ctx, cfg.Flags.File, cfg.Flags.Defaults, interval, t.Flags)
		}()
		t.closers = append(t.closers, func() error {
			<-watched
			return nil
		})
	}

	proxy := cachedBindings(kindStack[token.ProxyToken]{
		kind:   token.KindProxy,
		auth:   provider.NewProxyAuthenticator(signer, t.Flags),
		decode: token.DecodeProxyToken,
		params: token.ProxyParams{},
	}, tokenStore, cipher, o.clock, t.Flags)

	cacheable := cachedBindings(kindStack[token.CacheableArateaToken]{
		kind:   token.KindCacheableAratea,
		auth:   provider.NewCacheableArateaAuthenticator(signer, t.Flags),
		decode: token.DecodeCacheableArateaToken,
		params: token.CacheableArateaParams{},
	}, tokenStore, cipher, o.clock, t.Flags)

	// challenge-bound tokens are never cached
	aratea := provider.Bindings[token.ArateaToken]{
		Authenticating: provider.NewArateaAuthenticator(signer, t.Flags),
	}

	t.Proxy = provider.NewConfigurable(ctx, token.KindProxy, t.Flags, proxy, provider.ClassifyProxyError)
	t.Aratea = provider.NewConfigurable(ctx, token.KindAratea, t.Flags, aratea, provider.ClassifyArateaError)
	t.CacheableAratea = provider.NewConfigurable(ctx, token.KindCacheableAratea, t.Flags, cacheable, provider.ClassifyArateaError)
	t.closers = append(t.closers, t.Proxy.Close, t.Aratea.Close, t.CacheableAratea.Close)

	proxyRefresh := provider.NewRefreshScheduler(ctx, token.KindProxy, t.Flags, proxy.CacheControls())
	cacheableRefresh := provider.NewRefreshScheduler(ctx, token.KindCacheableAratea, t.Flags, cacheable.CacheControls())
	t.closers = append(t.closers, proxyRefresh.Close, cacheableRefresh.Close)

	log.Info().
		Str("store", cfg.Store.Path).
		Str("keystore", cfg.Keys.Type).
		Str("flags_file", cfg.Flags.File).
		Msg("token providers ready")

	return t, nil
}

// RestartCipher retries key setup after the cipher has failed, reporting
// whether a retry was started. While the cipher is failed, durable pools
// behave as empty and every token is minted.
func (t *Tokens) RestartCipher(ctx context.Context) bool {
	return t.cipher.Restart(ctx)
}

// Close stops background work, then releases the cipher and the store. It
// returns every error encountered.
func (t *Tokens) Close() error {
	t.stop()

	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newKeyStore(ctx context.Context, cfg config.KeyConfig) (encryption.KeyStore, error) {
	switch cfg.Type {
	case "kms":
		return encryption.NewKMSKeyStoreFromConfig(ctx, cfg.KMSRegion)
	case "memory":
		log.Warn().Msg("using in-memory key store: stored tokens cannot be decrypted after restart")
		return encryption.NewMemoryKeyStore(), nil
	default:
		return nil, fmt.Errorf("unsupported key store type %q", cfg.Type)
	}
}

// initialFlags reads the flags file once so that providers start in the
// configured modes. The watcher keeps retrying a file that cannot be used
// yet.
func initialFlags(cfg config.FlagsConfig) config.Flags {
	if cfg.File == "" {
		return cfg.Defaults
	}

	flags, err := config.LoadFlagsFile(cfg.File, cfg.Defaults)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.File).Msg("flags: starting with default flags")
		return cfg.Defaults
	}
	return flags
}

type kindStack[T token.Token] struct {
	kind   token.Kind
	auth   token.Provider[T]
	decode token.Decoder[T]
	params token.Params
}

// cachedBindings builds the cache-mode providers of one token kind. The
// memory pool is shared by the memory-only and multilevel providers.
func cachedBindings[T token.Token](k kindStack[T], tokenStore *store.Store, cipher pool.Cipher, clock token.Clock, flags *config.Reader) provider.Bindings[T] {
	memoryPool := pool.NewInstrumented[T](
		pool.NewMemoryPool(clock, token.ExpiresAfter[T](clock), memorySizes(flags, k.kind), k.params),
		"memory")
	durablePool := pool.NewInstrumented[T](
		pool.NewDatabasePool(tokenStore, cipher, k.decode, clock, durableSizes(flags, k.kind), k.params),
		"durable")

	durable := provider.NewCaching(k.auth, durablePool)

	return provider.Bindings[T]{
		Authenticating: k.auth,
		Memory:         provider.NewCaching(k.auth, memoryPool),
		Durable:        durable,
		Multilevel:     provider.NewCaching[T](durable, memoryPool),
	}
}

func memorySizes(flags *config.Reader, kind token.Kind) pool.Sizing {
	return func() pool.Sizes {
		f := flags.Current().For(kind)
		return pool.Sizes{Min: f.MemoryMinPoolSize, Preferred: f.MemoryPreferredPoolSize}
	}
}

func durableSizes(flags *config.Reader, kind token.Kind) pool.Sizing {
	return func() pool.Sizes {
		f := flags.Current().For(kind)
		return pool.Sizes{Min: f.DurableMinPoolSize, Preferred: f.DurablePreferredPoolSize}
	}
}
