package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/chinmina/blindsign-tokens/internal/token"
)

// CacheMode selects how tokens of one kind are cached before use.
type CacheMode int

const (
	CacheModeNoCache CacheMode = iota
	CacheModeMemoryOnly
	CacheModeDurableOnly
	CacheModeDurableAndMemory
)

var cacheModeNames = map[CacheMode]string{
	CacheModeNoCache:          "no_cache",
	CacheModeMemoryOnly:       "memory_only",
	CacheModeDurableOnly:      "durable_only",
	CacheModeDurableAndMemory: "durable_and_memory",
}

func (m CacheMode) String() string {
	if name, ok := cacheModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("CacheMode(%d)", int(m))
}

// UnmarshalText accepts the names returned by String, case-insensitively.
// It is used by both the environment and YAML flag sources.
func (m *CacheMode) UnmarshalText(text []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	for mode, name := range cacheModeNames {
		if s == name {
			*m = mode
			return nil
		}
	}
	return fmt.Errorf("unknown cache mode %q", string(text))
}

func (m CacheMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// RefreshNever disables the scheduled cache refresh.
const RefreshNever = 0

// TokenFlags are the tunables for a single token kind.
type TokenFlags struct {
	CacheMode CacheMode `yaml:"cache_mode" env:"CACHE_MODE, default=no_cache"`

	// BatchSize is the largest number of tokens requested from the signing
	// engine in one round trip.
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE, default=10"`

	MemoryMinPoolSize        int `yaml:"memory_min_pool_size" env:"MEMORY_MIN_POOL_SIZE, default=2"`
	MemoryPreferredPoolSize  int `yaml:"memory_preferred_pool_size" env:"MEMORY_PREFERRED_POOL_SIZE, default=10"`
	DurableMinPoolSize       int `yaml:"durable_min_pool_size" env:"DURABLE_MIN_POOL_SIZE, default=5"`
	DurablePreferredPoolSize int `yaml:"durable_preferred_pool_size" env:"DURABLE_PREFERRED_POOL_SIZE, default=20"`

	// RefreshIntervalMinutes schedules a periodic rebuild of the cache.
	// RefreshNever disables it.
	RefreshIntervalMinutes int `yaml:"refresh_interval_minutes" env:"REFRESH_INTERVAL_MINUTES, default=0"`
}

// RefreshInterval returns the scheduled refresh period, or zero when the
// refresh is disabled.
func (f TokenFlags) RefreshInterval() time.Duration {
	return time.Duration(f.RefreshIntervalMinutes) * time.Minute
}

// Validate checks the flag values of a token kind. name prefixes the error.
func (f TokenFlags) Validate(name string) error {
	if _, ok := cacheModeNames[f.CacheMode]; !ok {
		return fmt.Errorf("%s: unknown cache mode %d", name, int(f.CacheMode))
	}
	if f.BatchSize < 1 {
		return fmt.Errorf("%s: batch_size must be at least 1, got %d", name, f.BatchSize)
	}
	if f.MemoryMinPoolSize < 0 || f.MemoryPreferredPoolSize < f.MemoryMinPoolSize {
		return fmt.Errorf("%s: memory pool sizes must satisfy 0 <= min (%d) <= preferred (%d)",
			name, f.MemoryMinPoolSize, f.MemoryPreferredPoolSize)
	}
	if f.DurableMinPoolSize < 0 || f.DurablePreferredPoolSize < f.DurableMinPoolSize {
		return fmt.Errorf("%s: durable pool sizes must satisfy 0 <= min (%d) <= preferred (%d)",
			name, f.DurableMinPoolSize, f.DurablePreferredPoolSize)
	}
	if f.RefreshIntervalMinutes < 0 {
		return fmt.Errorf("%s: refresh_interval_minutes must not be negative", name)
	}
	return nil
}

// Flags is an immutable snapshot of the live configuration. Values are
// replaced as a whole, never mutated in place.
type Flags struct {
	Proxy  TokenFlags `yaml:"proxy" env:", prefix=BSA_PROXY_"`
	Aratea TokenFlags `yaml:"aratea" env:", prefix=BSA_ARATEA_"`

	// EnableArateaTokenCache permits minting challenge-free terminal tokens
	// ahead of use.
	EnableArateaTokenCache bool `yaml:"enable_aratea_token_cache" env:"BSA_ENABLE_ARATEA_TOKEN_CACHE, default=false"`
}

// For returns the tunables of the given token kind. Both terminal token kinds
// share the Aratea flags.
func (f Flags) For(kind token.Kind) TokenFlags {
	if kind == token.KindProxy {
		return f.Proxy
	}
	return f.Aratea
}

func (f Flags) Validate() error {
	if err := f.Proxy.Validate("proxy"); err != nil {
		return err
	}
	return f.Aratea.Validate("aratea")
}
