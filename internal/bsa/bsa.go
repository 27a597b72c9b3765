// Package bsa declares the collaborators that mint blind-signed tokens.
//
// The blind-signature protocol, its transport and device attestation live
// outside this module. Implementations report failures as gRPC status errors
// (google.golang.org/grpc/status) so that callers can classify them by code.
package bsa

import (
	"context"

	"github.com/chinmina/blindsign-tokens/internal/token"
)

// Signer mints batches of tokens. Each call is a network round trip to the
// issuer, which is why callers batch.
type Signer interface {
	CreateProxyTokens(ctx context.Context, n int) ([]token.ProxyToken, error)

	// CreateArateaTokens mints terminal-layer tokens bound to challenge.
	CreateArateaTokens(ctx context.Context, n int, challenge []byte) ([]token.ArateaToken, error)

	// CreateArateaTokensWithoutChallenge mints terminal-layer tokens that
	// are not bound to a challenge and carry an expiration.
	CreateArateaTokensWithoutChallenge(ctx context.Context, n int) ([]token.CacheableArateaToken, error)
}

// Attester produces the attestation evidence the issuer requires, as a
// certificate chain over challenge. It is invoked by the Signer.
type Attester interface {
	Attest(challenge []byte) ([][]byte, error)
}

// AttesterFunc adapts a function to the Attester interface.
type AttesterFunc func(challenge []byte) ([][]byte, error)

func (f AttesterFunc) Attest(challenge []byte) ([][]byte, error) {
	return f(challenge)
}

// MessageInterface carries the two request/response exchanges of the
// issuance protocol. Requests and responses are opaque serialized messages.
type MessageInterface interface {
	InitialData(ctx context.Context, request []byte) ([]byte, error)
	AttestAndSign(ctx context.Context, request []byte) ([]byte, error)
}
