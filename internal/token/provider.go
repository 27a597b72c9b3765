package token

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrValidation marks requests that can never succeed as issued: a batch
	// size out of range, params of the wrong kind, or a disabled feature.
	// These indicate a caller bug and are not retried.
	ErrValidation = errors.New("invalid token request")

	// ErrIssuance marks failures of the signing engine or its transport.
	// Retry policy belongs to the caller.
	ErrIssuance = errors.New("token issuance failed")

	// ErrNoValidTokens is returned when the signing engine responded, but
	// none of the tokens it returned were usable.
	ErrNoValidTokens = errors.New("no valid tokens in response")
)

// Provider supplies tokens of type T.
type Provider[T Token] interface {
	// MaxBatchSize is the largest batchSize accepted by FetchTokens.
	MaxBatchSize() int

	// FetchTokens returns exactly batchSize tokens, or an error. It never
	// panics on issuance or validation failures.
	FetchTokens(ctx context.Context, params Params, batchSize int) ([]T, error)
}

// CacheControl is implemented by providers that hold cached tokens.
type CacheControl interface {
	// Invalidate drops every cached token.
	Invalidate(ctx context.Context) error

	// InvalidateAndRefill drops every cached token and fills the cache back
	// to its preferred size.
	InvalidateAndRefill(ctx context.Context) error
}

// FetchOne fetches a single token.
func FetchOne[T Token](ctx context.Context, p Provider[T], params Params) (T, error) {
	tokens, err := p.FetchTokens(ctx, params, 1)
	if err != nil {
		var zero T
		return zero, err
	}
	if len(tokens) == 0 {
		var zero T
		return zero, fmt.Errorf("%w: provider returned an empty batch", ErrNoValidTokens)
	}
	return tokens[0], nil
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc[T Token] struct {
	Max   int
	Fetch func(ctx context.Context, params Params, batchSize int) ([]T, error)
}

func (f ProviderFunc[T]) MaxBatchSize() int { return f.Max }

func (f ProviderFunc[T]) FetchTokens(ctx context.Context, params Params, batchSize int) ([]T, error) {
	return f.Fetch(ctx, params, batchSize)
}
