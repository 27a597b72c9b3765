// Package bsatest provides an in-memory Signer for tests.
package bsatest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chinmina/blindsign-tokens/internal/bsa"
	"github.com/chinmina/blindsign-tokens/internal/token"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultTTL is the lifetime of tokens minted by a FakeSigner unless TTL is
// changed.
const DefaultTTL = time.Hour

// Call records one request made to a FakeSigner.
type Call struct {
	Kind      token.Kind
	N         int
	Challenge []byte
}

// FakeSigner mints uniquely numbered tokens such as "proxy-0001". Tokens
// that carry an expiration expire TTL after the clock's time at minting.
type FakeSigner struct {
	Clock token.Clock
	TTL   time.Duration

	// Attester, when set, is invoked with the challenge (or an empty
	// challenge) before each batch is minted.
	Attester bsa.Attester

	mu    sync.Mutex
	err   error
	next  int
	calls []Call
}

var _ bsa.Signer = (*FakeSigner)(nil)

func NewFakeSigner(clock token.Clock) *FakeSigner {
	return &FakeSigner{Clock: clock, TTL: DefaultTTL}
}

// FailWith makes every subsequent call fail with err. A nil err restores
// normal minting.
func (f *FakeSigner) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// FailWithCode makes every subsequent call fail with a gRPC status error.
func (f *FakeSigner) FailWithCode(code codes.Code) {
	f.FailWith(status.Error(code, "fake signer: "+code.String()))
}

// Calls returns the requests made so far, including failed ones.
func (f *FakeSigner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Minted returns the number of tokens minted so far.
func (f *FakeSigner) Minted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

func (f *FakeSigner) CreateProxyTokens(ctx context.Context, n int) ([]token.ProxyToken, error) {
	data, expiresAt, err := f.mint(ctx, token.KindProxy, n, nil)
	if err != nil {
		return nil, err
	}
	tokens := make([]token.ProxyToken, 0, n)
	for _, d := range data {
		tokens = append(tokens, token.ProxyToken{Data: d, ExpiresAt: expiresAt})
	}
	return tokens, nil
}

func (f *FakeSigner) CreateArateaTokens(ctx context.Context, n int, challenge []byte) ([]token.ArateaToken, error) {
	data, _, err := f.mint(ctx, token.KindAratea, n, challenge)
	if err != nil {
		return nil, err
	}
	tokens := make([]token.ArateaToken, 0, n)
	for _, d := range data {
		tokens = append(tokens, token.ArateaToken{Data: d})
	}
	return tokens, nil
}

func (f *FakeSigner) CreateArateaTokensWithoutChallenge(ctx context.Context, n int) ([]token.CacheableArateaToken, error) {
	data, expiresAt, err := f.mint(ctx, token.KindCacheableAratea, n, nil)
	if err != nil {
		return nil, err
	}
	tokens := make([]token.CacheableArateaToken, 0, n)
	for _, d := range data {
		tokens = append(tokens, token.CacheableArateaToken{Data: d, ExpiresAt: expiresAt})
	}
	return tokens, nil
}

func (f *FakeSigner) mint(ctx context.Context, kind token.Kind, n int, challenge []byte) ([][]byte, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Kind: kind, N: n, Challenge: challenge})
	if err := ctx.Err(); err != nil {
		return nil, time.Time{}, err
	}
	if f.err != nil {
		return nil, time.Time{}, f.err
	}
	if f.Attester != nil {
		if _, err := f.Attester.Attest(challenge); err != nil {
			return nil, time.Time{}, status.Errorf(codes.PermissionDenied, "attestation failed: %v", err)
		}
	}

	data := make([][]byte, 0, n)
	for range n {
		f.next++
		data = append(data, fmt.Appendf(nil, "%s-%04d", prefix(kind), f.next))
	}
	return data, f.Clock().Add(f.TTL), nil
}

func prefix(kind token.Kind) string {
	switch kind {
	case token.KindProxy:
		return "proxy"
	case token.KindAratea:
		return "aratea"
	default:
		return "cacheable"
	}
}
