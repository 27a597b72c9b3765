package provider

import (
	"context"
	"sync/atomic"

	"github.com/chinmina/blindsign-tokens/internal/config"
	"github.com/chinmina/blindsign-tokens/internal/observe"
	"github.com/chinmina/blindsign-tokens/internal/token"
	"github.com/rs/zerolog/log"
)

// FlagSubscriber streams flag snapshots, starting with the current one.
type FlagSubscriber interface {
	Subscribe(ctx context.Context) <-chan config.Flags
}

// Bindings are the providers a Configurable selects between. A nil cache
// provider marks a mode as unsupported for the token kind.
type Bindings[T token.Token] struct {
	Authenticating token.Provider[T]
	Memory         token.Provider[T]
	Durable        token.Provider[T]
	Multilevel     token.Provider[T]
}

// For returns the provider bound to mode, or nil.
func (b Bindings[T]) For(mode config.CacheMode) token.Provider[T] {
	switch mode {
	case config.CacheModeNoCache:
		return b.Authenticating
	case config.CacheModeMemoryOnly:
		return b.Memory
	case config.CacheModeDurableOnly:
		return b.Durable
	case config.CacheModeDurableAndMemory:
		return b.Multilevel
	default:
		return nil
	}
}

// CacheControls returns the cache control of every bound provider that has
// one, by mode.
func (b Bindings[T]) CacheControls() map[config.CacheMode]token.CacheControl {
	controls := map[config.CacheMode]token.CacheControl{}
	for _, mode := range []config.CacheMode{
		config.CacheModeMemoryOnly,
		config.CacheModeDurableOnly,
		config.CacheModeDurableAndMemory,
	} {
		if c, ok := b.For(mode).(token.CacheControl); ok {
			controls[mode] = c
		}
	}
	return controls
}

type active[T token.Token] struct {
	mode     config.CacheMode
	provider token.Provider[T]
}

// Configurable delegates to the provider bound to the live cache mode of its
// token kind. Until the first flags snapshot is applied it uses the
// authenticating provider.
//
// Requests are served by whichever provider is active when they start;
// a mode switch never blocks them.
type Configurable[T token.Token] struct {
	kind     token.Kind
	bindings Bindings[T]
	classify Classifier

	current atomic.Pointer[active[T]]
	stop    context.CancelFunc
	done    chan struct{}
}

// NewConfigurable starts watching flags for cache mode changes. Call Close
// to stop. classify may be nil.
func NewConfigurable[T token.Token](ctx context.Context, kind token.Kind, flags FlagSubscriber, bindings Bindings[T], classify Classifier) *Configurable[T] {
	ctx, stop := context.WithCancel(ctx)
	c := &Configurable[T]{
		kind:     kind,
		bindings: bindings,
		classify: classify,
		stop:     stop,
		done:     make(chan struct{}),
	}
	c.current.Store(&active[T]{mode: config.CacheModeNoCache, provider: bindings.Authenticating})

	go c.watch(ctx, flags.Subscribe(ctx))

	return c
}

// Mode returns the last applied cache mode, including one that fell back
// to direct issuance.
func (c *Configurable[T]) Mode() config.CacheMode {
	return c.current.Load().mode
}

func (c *Configurable[T]) MaxBatchSize() int {
	return c.current.Load().provider.MaxBatchSize()
}

func (c *Configurable[T]) FetchTokens(ctx context.Context, params token.Params, batchSize int) ([]T, error) {
	tokens, err := c.current.Load().provider.FetchTokens(ctx, params, batchSize)
	if err != nil && c.classify != nil {
		if metricID, ok := c.classify(err); ok {
			observe.CountTokenFetchError(ctx, c.kind.String(), metricID)
		}
	}
	return tokens, err
}

// Close stops watching flags and waits for an in-flight switch to finish.
func (c *Configurable[T]) Close() error {
	c.stop()
	<-c.done
	return nil
}

// watch applies each distinct cache mode. A newer mode cancels the switch to
// the previous one, so at most one switch runs and a stale one never lands.
func (c *Configurable[T]) watch(ctx context.Context, updates <-chan config.Flags) {
	defer close(c.done)

	var (
		seen bool
		last config.CacheMode
	)
	cancel := context.CancelFunc(func() {})
	switched := make(chan struct{})
	close(switched)
	defer func() {
		cancel()
		<-switched
	}()

	for flags := range updates {
		mode := flags.For(c.kind).CacheMode
		if seen && mode == last {
			continue
		}
		seen, last = true, mode

		cancel()
		<-switched

		var switchCtx context.Context
		switchCtx, cancel = context.WithCancel(ctx)
		done := make(chan struct{})
		switched = done
		go func() {
			defer close(done)
			c.switchTo(switchCtx, mode)
		}()
	}
}

func (c *Configurable[T]) switchTo(ctx context.Context, mode config.CacheMode) {
	log.Info().
		Str("token_kind", c.kind.String()).
		Stringer("cache_mode", mode).
		Msg("changing token cache mode")

	next := c.bindings.For(mode)
	if next == nil {
		log.Warn().
			Str("token_kind", c.kind.String()).
			Stringer("cache_mode", mode).
			Msg("cache mode is not supported for this token kind, falling back to direct issuance")
		next = c.bindings.Authenticating
	}

	previous := c.current.Load()
	if control, ok := previous.provider.(token.CacheControl); ok {
		if err := control.Invalidate(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().
				Err(err).
				Str("token_kind", c.kind.String()).
				Stringer("cache_mode", previous.mode).
				Msg("failed to invalidate outgoing token cache")
		}
	}
	if ctx.Err() != nil {
		return
	}

	c.current.Store(&active[T]{mode: mode, provider: next})
}
