package token

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Params describes a token request. The partition key returned by Key
// determines which pool a cached token belongs to.
type Params interface {
	Kind() Kind

	// MustBeFresh is true when the caller needs a newly minted token and
	// cached values must not be used.
	MustBeFresh() bool

	// Key is the stable partition key for the request. Freshness is not part
	// of the key.
	Key() string
}

const (
	proxyKey           = "proxy"
	cacheableArateaKey = "aratea-cacheable"
	arateaKeyPrefix    = "aratea("
)

type ProxyParams struct {
	Fresh bool
}

func (p ProxyParams) Kind() Kind        { return KindProxy }
func (p ProxyParams) MustBeFresh() bool { return p.Fresh }
func (p ProxyParams) Key() string       { return proxyKey }

// ArateaParams carries the challenge issued by the terminal server. Tokens
// minted for a challenge are only usable with that exact challenge, so these
// requests always bypass caches.
type ArateaParams struct {
	challenge []byte
}

// NewArateaParams copies the challenge so later mutation by the caller does
// not alter the request.
func NewArateaParams(challenge []byte) ArateaParams {
	return ArateaParams{challenge: append([]byte(nil), challenge...)}
}

func (p ArateaParams) Kind() Kind        { return KindAratea }
func (p ArateaParams) MustBeFresh() bool { return true }

func (p ArateaParams) Key() string {
	return arateaKeyPrefix + p.ChallengeBase64() + ")"
}

// Challenge returns a copy of the challenge bytes.
func (p ArateaParams) Challenge() []byte {
	return append([]byte(nil), p.challenge...)
}

func (p ArateaParams) ChallengeBase64() string {
	return base64.StdEncoding.EncodeToString(p.challenge)
}

type CacheableArateaParams struct {
	Fresh bool
}

func (p CacheableArateaParams) Kind() Kind        { return KindCacheableAratea }
func (p CacheableArateaParams) MustBeFresh() bool { return p.Fresh }
func (p CacheableArateaParams) Key() string       { return cacheableArateaKey }

// ParseParams reverses Params.Key. The returned params never require
// freshness.
func ParseParams(key string) (Params, error) {
	switch {
	case key == proxyKey:
		return ProxyParams{}, nil
	case key == cacheableArateaKey:
		return CacheableArateaParams{}, nil
	case strings.HasPrefix(key, arateaKeyPrefix) && strings.HasSuffix(key, ")"):
		encoded := key[len(arateaKeyPrefix) : len(key)-1]
		challenge, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding challenge of %q: %w", key, err)
		}
		return ArateaParams{challenge: challenge}, nil
	default:
		return nil, fmt.Errorf("unknown token params key %q", key)
	}
}
