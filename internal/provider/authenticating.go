// Package provider composes token providers: authenticators that mint from
// the signing engine, caching providers that put a pool in front of a
// delegate, and the configurable provider that switches between them as the
// cache mode flag changes.
package provider

import (
	"context"
	"fmt"

	"github.com/chinmina/blindsign-tokens/internal/bsa"
	"github.com/chinmina/blindsign-tokens/internal/config"
	"github.com/chinmina/blindsign-tokens/internal/token"
)

// FlagSource supplies the live flags snapshot.
type FlagSource interface {
	Current() config.Flags
}

// Authenticating mints every token it returns from the signing engine. The
// largest accepted batch is the live batch size flag for its token kind.
type Authenticating[T token.Token] struct {
	kind  token.Kind
	flags FlagSource
	check func(config.Flags, token.Params) error
	mint  func(ctx context.Context, params token.Params, n int) ([]T, error)
}

func NewProxyAuthenticator(signer bsa.Signer, flags FlagSource) *Authenticating[token.ProxyToken] {
	return &Authenticating[token.ProxyToken]{
		kind:  token.KindProxy,
		flags: flags,
		check: func(_ config.Flags, params token.Params) error {
			if _, ok := params.(token.ProxyParams); !ok {
				return fmt.Errorf("%w: only ProxyParams are allowed when fetching ProxyTokens", token.ErrValidation)
			}
			return nil
		},
		mint: func(ctx context.Context, _ token.Params, n int) ([]token.ProxyToken, error) {
			return signer.CreateProxyTokens(ctx, n)
		},
	}
}

// NewArateaAuthenticator returns an authenticator for challenge-bound
// terminal tokens. Each request carries its own challenge.
func NewArateaAuthenticator(signer bsa.Signer, flags FlagSource) *Authenticating[token.ArateaToken] {
	return &Authenticating[token.ArateaToken]{
		kind:  token.KindAratea,
		flags: flags,
		check: func(_ config.Flags, params token.Params) error {
			if _, ok := params.(token.ArateaParams); !ok {
				return fmt.Errorf("%w: only ArateaParams are allowed when fetching ArateaTokens", token.ErrValidation)
			}
			return nil
		},
		mint: func(ctx context.Context, params token.Params, n int) ([]token.ArateaToken, error) {
			return signer.CreateArateaTokens(ctx, n, params.(token.ArateaParams).Challenge())
		},
	}
}

// NewCacheableArateaAuthenticator returns an authenticator for terminal
// tokens minted without a challenge. It refuses every request while the
// Aratea token cache flag is off.
func NewCacheableArateaAuthenticator(signer bsa.Signer, flags FlagSource) *Authenticating[token.CacheableArateaToken] {
	return &Authenticating[token.CacheableArateaToken]{
		kind:  token.KindCacheableAratea,
		flags: flags,
		check: func(f config.Flags, params token.Params) error {
			if !f.EnableArateaTokenCache {
				return fmt.Errorf("%w: Aratea token cache is not enabled", token.ErrValidation)
			}
			if _, ok := params.(token.CacheableArateaParams); !ok {
				return fmt.Errorf("%w: only CacheableArateaParams are allowed when fetching CacheableArateaTokens", token.ErrValidation)
			}
			return nil
		},
		mint: func(ctx context.Context, _ token.Params, n int) ([]token.CacheableArateaToken, error) {
			return signer.CreateArateaTokensWithoutChallenge(ctx, n)
		},
	}
}

func (a *Authenticating[T]) MaxBatchSize() int {
	return a.flags.Current().For(a.kind).BatchSize
}

func (a *Authenticating[T]) FetchTokens(ctx context.Context, params token.Params, batchSize int) ([]T, error) {
	flags := a.flags.Current()

	if maxBatch := flags.For(a.kind).BatchSize; batchSize < 1 || batchSize > maxBatch {
		return nil, fmt.Errorf("%w: batch size %d outside [1, %d]", token.ErrValidation, batchSize, maxBatch)
	}
	if err := a.check(flags, params); err != nil {
		return nil, err
	}

	tokens, err := a.mint(ctx, params, batchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: minting %d %s: %w", token.ErrIssuance, batchSize, a.kind, err)
	}
	if len(tokens) < batchSize {
		return nil, fmt.Errorf("%w: signing engine returned %d %s, requested %d", token.ErrIssuance, len(tokens), a.kind, batchSize)
	}
	return tokens[:batchSize], nil
}
