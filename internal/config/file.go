package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ParseFlags overlays the YAML document on defaults. Keys absent from the
// document keep their default value.
func ParseFlags(data []byte, defaults Flags) (Flags, error) {
	flags := defaults
	if err := yaml.Unmarshal(data, &flags); err != nil {
		return Flags{}, fmt.Errorf("parsing flags: %w", err)
	}

	if err := flags.Validate(); err != nil {
		return Flags{}, fmt.Errorf("invalid flags: %w", err)
	}

	return flags, nil
}

// LoadFlagsFile reads and parses the flags file at path.
func LoadFlagsFile(path string, defaults Flags) (Flags, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Flags{}, fmt.Errorf("reading flags file: %w", err)
	}
	return ParseFlags(data, defaults)
}

// WatchFile polls the flags file at path and publishes each changed, valid
// version to reader. Unreadable or invalid versions are logged and the last
// good flags stay in effect. It returns when ctx ends.
func WatchFile(ctx context.Context, path string, defaults Flags, interval time.Duration, reader *Reader) {
	var last []byte

	poll := func() {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("flags: unable to read flags file")
			return
		}
		if last != nil && bytes.Equal(data, last) {
			return
		}
		last = data

		flags, err := ParseFlags(data, defaults)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("flags: ignoring invalid flags file")
			return
		}

		log.Info().Str("path", path).Msg("flags: file changed, publishing update")
		reader.Update(flags)
	}

	poll()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			poll()
		case <-ctx.Done():
			return
		}
	}
}
