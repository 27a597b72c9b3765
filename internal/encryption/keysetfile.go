package encryption

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ErrCorruptKeysetFile is returned when the keyset file exists but cannot be
// parsed.
var ErrCorruptKeysetFile = errors.New("keyset file is corrupt")

// KeysetStore persists wrapped (encrypted) keysets by name.
type KeysetStore interface {
	LoadKeyset(name string) ([]byte, bool, error)
	SaveKeyset(name string, wrapped []byte) error
}

// KeysetFile is a small YAML key-value file holding base64-encoded wrapped
// keysets. Writes replace the file atomically.
type KeysetFile struct {
	path string
	mu   sync.Mutex
}

type keysetDocument struct {
	Keysets map[string]string `yaml:"keysets"`
}

func NewKeysetFile(path string) *KeysetFile {
	return &KeysetFile{path: path}
}

func (f *KeysetFile) LoadKeyset(name string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return nil, false, err
	}

	encoded, ok := doc.Keysets[name]
	if !ok || encoded == "" {
		return nil, false, nil
	}

	wrapped, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("%w: decoding keyset %q: %w", ErrCorruptKeysetFile, name, err)
	}
	return wrapped, true, nil
}

func (f *KeysetFile) SaveKeyset(name string, wrapped []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if errors.Is(err, ErrCorruptKeysetFile) {
		log.Warn().Err(err).Str("path", f.path).Msg("replacing corrupt keyset file")
		doc, err = keysetDocument{Keysets: map[string]string{}}, nil
	}
	if err != nil {
		return err
	}
	doc.Keysets[name] = base64.StdEncoding.EncodeToString(wrapped)

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding keyset file: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating keyset directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".keyset-*")
	if err != nil {
		return fmt.Errorf("creating temporary keyset file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing keyset file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing keyset file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing keyset file: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replacing keyset file: %w", err)
	}
	return nil
}

// read returns the current document. A missing file is an empty document.
func (f *KeysetFile) read() (keysetDocument, error) {
	doc := keysetDocument{Keysets: map[string]string{}}

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("reading keyset file: %w", err)
	}

	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("%w: %w", ErrCorruptKeysetFile, err)
	}
	if doc.Keysets == nil {
		doc.Keysets = map[string]string{}
	}
	return doc, nil
}
