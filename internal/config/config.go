package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Store   StoreConfig
	Keys    KeyConfig
	Flags   FlagsConfig
	Observe ObserveConfig
}

// StoreConfig locates the durable token store.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" keeps the store in process
	// memory only.
	Path string `env:"BSA_STORE_PATH, default=bsa_tokens.db"`
}

// KeyConfig specifies where the token encryption keys live.
type KeyConfig struct {
	// Type selects the key-encryption key store: "memory" (default) or "kms".
	Type string `env:"BSA_KEYSTORE_TYPE, default=memory"`

	// KeysetPath is the file holding the wrapped data-encryption keyset.
	KeysetPath string `env:"BSA_KEYSET_PATH, default=bsa_keyset.yaml"`

	// KMSRegion overrides the AWS region used for the KMS key store. The
	// default AWS configuration chain applies when empty.
	KMSRegion string `env:"BSA_KMS_REGION"`
}

// FlagsConfig specifies the source of the live flags and their defaults.
type FlagsConfig struct {
	// File is an optional YAML file overriding Defaults. It is polled for
	// changes.
	File string `env:"BSA_FLAGS_FILE"`

	PollIntervalSeconds int `env:"BSA_FLAGS_POLL_INTERVAL_SECS, default=30"`

	Defaults Flags
}

type ObserveConfig struct {
	LogLevel string `env:"BSA_LOG_LEVEL, default=info"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	err = cfg.Keys.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid key configuration: %w", err)
	}

	err = cfg.Flags.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid flags configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the key configuration is valid.
func (c *KeyConfig) Validate() error {
	if c.Type != "memory" && c.Type != "kms" {
		return fmt.Errorf("unsupported BSA_KEYSTORE_TYPE %q: expected memory or kms", c.Type)
	}

	if c.KeysetPath == "" {
		return fmt.Errorf("BSA_KEYSET_PATH must not be empty")
	}

	return nil
}

// Validate checks the flag source and the default flag values.
func (c *FlagsConfig) Validate() error {
	if c.File != "" && c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("BSA_FLAGS_POLL_INTERVAL_SECS must be positive when BSA_FLAGS_FILE is set")
	}

	return c.Defaults.Validate()
}
