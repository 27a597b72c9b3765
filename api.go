package blindsign

import (
	"context"

	"github.com/chinmina/blindsign-tokens/internal/bsa"
	"github.com/chinmina/blindsign-tokens/internal/config"
	"github.com/chinmina/blindsign-tokens/internal/encryption"
	"github.com/chinmina/blindsign-tokens/internal/observe"
	"github.com/chinmina/blindsign-tokens/internal/provider"
	"github.com/chinmina/blindsign-tokens/internal/token"
)

// Configuration.
type (
	Config        = config.Config
	StoreConfig   = config.StoreConfig
	KeyConfig     = config.KeyConfig
	FlagsConfig   = config.FlagsConfig
	ObserveConfig = config.ObserveConfig

	Flags      = config.Flags
	TokenFlags = config.TokenFlags
	CacheMode  = config.CacheMode
	FlagReader = config.Reader
)

const (
	CacheModeNoCache          = config.CacheModeNoCache
	CacheModeMemoryOnly       = config.CacheModeMemoryOnly
	CacheModeDurableOnly      = config.CacheModeDurableOnly
	CacheModeDurableAndMemory = config.CacheModeDurableAndMemory

	RefreshNever = config.RefreshNever
)

// Issuance collaborators implemented by the transport layer.
type (
	Signer           = bsa.Signer
	Attester         = bsa.Attester
	AttesterFunc     = bsa.AttesterFunc
	MessageInterface = bsa.MessageInterface
)

// KeyStore holds the key-encryption key that wraps the token keyset.
type KeyStore = encryption.KeyStore

// NewMemoryKeyStore returns an unprotected key store for tests and local
// development. Tokens stored under it cannot be read after a restart.
func NewMemoryKeyStore() KeyStore {
	return encryption.NewMemoryKeyStore()
}

// Tokens and requests.
type (
	Kind                  = token.Kind
	Token                 = token.Token
	ProxyToken            = token.ProxyToken
	ArateaToken           = token.ArateaToken
	CacheableArateaToken  = token.CacheableArateaToken
	Params                = token.Params
	ProxyParams           = token.ProxyParams
	ArateaParams          = token.ArateaParams
	CacheableArateaParams = token.CacheableArateaParams
	Clock                 = token.Clock

	Provider[T Token] = token.Provider[T]

	ProxyProvider           = provider.Configurable[token.ProxyToken]
	ArateaProvider          = provider.Configurable[token.ArateaToken]
	CacheableArateaProvider = provider.Configurable[token.CacheableArateaToken]
)

const (
	KindProxy           = token.KindProxy
	KindAratea          = token.KindAratea
	KindCacheableAratea = token.KindCacheableAratea
)

var (
	ErrValidation    = token.ErrValidation
	ErrIssuance      = token.ErrIssuance
	ErrNoValidTokens = token.ErrNoValidTokens
)

// NewArateaParams requests tokens bound to challenge.
func NewArateaParams(challenge []byte) ArateaParams {
	return token.NewArateaParams(challenge)
}

// FetchOne fetches a single token from p.
func FetchOne[T Token](ctx context.Context, p Provider[T], params Params) (T, error) {
	return token.FetchOne(ctx, p, params)
}

// LoadConfig reads the configuration from the process environment.
func LoadConfig(ctx context.Context) (Config, error) {
	return config.Load(ctx)
}

// ConfigureLogging applies the log level of cfg to the global logger and
// routes OpenTelemetry diagnostics through it.
func ConfigureLogging(cfg ObserveConfig) error {
	return observe.ConfigureLogging(cfg)
}
