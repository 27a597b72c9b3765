package provider

import (
	"context"
	"time"

	"github.com/chinmina/blindsign-tokens/internal/config"
	"github.com/chinmina/blindsign-tokens/internal/observe"
	"github.com/chinmina/blindsign-tokens/internal/token"
	"github.com/rs/zerolog/log"
)

// FlagStream is a FlagSource that can also be subscribed to.
type FlagStream interface {
	FlagSource
	FlagSubscriber
}

// RefreshScheduler periodically replaces the tokens held by the cache of the
// current cache mode for one token kind. The period is the live refresh
// interval flag; config.RefreshNever stops refreshing. Each new interval
// triggers a refresh straight away.
type RefreshScheduler struct {
	kind   token.Kind
	name   string
	flags  FlagSource
	caches map[config.CacheMode]token.CacheControl

	stop context.CancelFunc
	done chan struct{}
}

// NewRefreshScheduler starts watching the refresh interval of kind. caches
// holds the cache control for each cache mode that has one; refreshes in
// other modes do nothing. Call Close to stop.
func NewRefreshScheduler(ctx context.Context, kind token.Kind, flags FlagStream, caches map[config.CacheMode]token.CacheControl) *RefreshScheduler {
	ctx, stop := context.WithCancel(ctx)
	s := &RefreshScheduler{
		kind:   kind,
		name:   kind.String() + "CacheRefreshWorker",
		flags:  flags,
		caches: caches,
		stop:   stop,
		done:   make(chan struct{}),
	}

	go s.watch(ctx, flags.Subscribe(ctx))

	return s
}

// Close stops the scheduler and waits for a running refresh to finish.
func (s *RefreshScheduler) Close() error {
	s.stop()
	<-s.done
	return nil
}

// watch restarts the refresh loop whenever the interval changes.
func (s *RefreshScheduler) watch(ctx context.Context, updates <-chan config.Flags) {
	defer close(s.done)

	var (
		seen bool
		last time.Duration
	)
	cancel := context.CancelFunc(func() {})
	stopped := make(chan struct{})
	close(stopped)
	defer func() {
		cancel()
		<-stopped
	}()

	for flags := range updates {
		interval := flags.For(s.kind).RefreshInterval()
		if seen && interval == last {
			continue
		}
		seen, last = true, interval

		cancel()
		<-stopped

		if interval == config.RefreshNever {
			log.Info().Str("worker", s.name).Msg("token cache refresh disabled")
			cancel = func() {}
			continue
		}

		var loopCtx context.Context
		loopCtx, cancel = context.WithCancel(ctx)
		done := make(chan struct{})
		stopped = done
		go func() {
			defer close(done)
			s.refreshLoop(loopCtx, interval)
		}()
	}
}

func (s *RefreshScheduler) refreshLoop(ctx context.Context, interval time.Duration) {
	log.Info().
		Str("worker", s.name).
		Dur("interval", interval).
		Msg("token cache refresh scheduled")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.refresh(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// refresh refills the cache of the current mode. Failures are logged and
// counted; the next tick tries again.
func (s *RefreshScheduler) refresh(ctx context.Context) {
	mode := s.flags.Current().For(s.kind).CacheMode
	cache, ok := s.caches[mode]
	if !ok {
		log.Debug().
			Str("worker", s.name).
			Stringer("cache_mode", mode).
			Msg("no token cache to refresh in this cache mode")
		return
	}

	err := cache.InvalidateAndRefill(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("worker", s.name).
			Stringer("cache_mode", mode).
			Msg("failed to refresh token cache")
		observe.CountCacheRefresh(ctx, s.kind.String(), "error")
		return
	}

	log.Info().
		Str("worker", s.name).
		Stringer("cache_mode", mode).
		Msg("refreshed token cache")
	observe.CountCacheRefresh(ctx, s.kind.String(), "success")
}
