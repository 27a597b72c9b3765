package token

import (
	"bytes"
	"fmt"
	"time"
)

// Kind identifies the layer a blind-signed token authorizes.
type Kind int

const (
	// KindProxy tokens authorize the proxy (tunnel) layer.
	KindProxy Kind = iota + 1
	// KindAratea tokens authorize the terminal layer and are bound to a
	// server-supplied challenge. They are never cached.
	KindAratea
	// KindCacheableAratea tokens authorize the terminal layer without a
	// challenge, and so can be minted ahead of time.
	KindCacheableAratea
)

// String returns the stable name of the token kind. The names are used in
// log fields, metric attributes and refresh job names and must not change.
func (k Kind) String() string {
	switch k {
	case KindProxy:
		return "ProxyToken"
	case KindAratea:
		return "ArateaToken"
	case KindCacheableAratea:
		return "CacheableArateaToken"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Token is a blind-signed token as returned by the signing engine.
type Token interface {
	Kind() Kind

	// Bytes returns the raw token bytes.
	Bytes() []byte

	// Expiration returns the instant after which a cached token must be
	// considered invalid. Tokens without an expiration cannot be cached.
	Expiration() (time.Time, bool)
}

// IsCacheable reports whether the token carries an expiration, which is the
// precondition for storing it in any pool.
func IsCacheable(t Token) bool {
	_, ok := t.Expiration()
	return ok
}

// Equal reports whether two tokens are of the same kind and carry the same
// bytes and expiration.
func Equal(a, b Token) bool {
	if a.Kind() != b.Kind() || !bytes.Equal(a.Bytes(), b.Bytes()) {
		return false
	}
	ea, oka := a.Expiration()
	eb, okb := b.Expiration()
	return oka == okb && ea.Equal(eb)
}

type ProxyToken struct {
	Data      []byte
	ExpiresAt time.Time
}

func (t ProxyToken) Kind() Kind                    { return KindProxy }
func (t ProxyToken) Bytes() []byte                 { return t.Data }
func (t ProxyToken) Expiration() (time.Time, bool) { return t.ExpiresAt, true }

// ArateaToken is bound to the challenge it was minted for and has no
// expiration of its own.
type ArateaToken struct {
	Data []byte
}

func (t ArateaToken) Kind() Kind                    { return KindAratea }
func (t ArateaToken) Bytes() []byte                 { return t.Data }
func (t ArateaToken) Expiration() (time.Time, bool) { return time.Time{}, false }

type CacheableArateaToken struct {
	Data      []byte
	ExpiresAt time.Time
}

func (t CacheableArateaToken) Kind() Kind                    { return KindCacheableAratea }
func (t CacheableArateaToken) Bytes() []byte                 { return t.Data }
func (t CacheableArateaToken) Expiration() (time.Time, bool) { return t.ExpiresAt, true }

// Clock returns the current time. Production code uses time.Now.
type Clock func() time.Time

// ValidityPredicate decides whether a token may still be handed out.
type ValidityPredicate[T Token] func(T) bool

// ExpiresAfter returns a predicate accepting tokens that have an expiration
// strictly after the clock's current time.
func ExpiresAfter[T Token](clock Clock) ValidityPredicate[T] {
	return func(t T) bool {
		exp, ok := t.Expiration()
		return ok && exp.After(clock())
	}
}

// AcceptAll is the predicate used when a caller explicitly asks for fresh
// tokens: whatever the signing engine returns is used directly.
func AcceptAll[T Token](T) bool {
	return true
}

// Decoder rebuilds a token of type T from bytes and the expiration it was
// stored with.
type Decoder[T Token] func(data []byte, expiration time.Time) T

func DecodeProxyToken(data []byte, expiration time.Time) ProxyToken {
	return ProxyToken{Data: data, ExpiresAt: expiration}
}

func DecodeCacheableArateaToken(data []byte, expiration time.Time) CacheableArateaToken {
	return CacheableArateaToken{Data: data, ExpiresAt: expiration}
}
