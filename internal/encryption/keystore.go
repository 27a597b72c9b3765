package encryption

import (
	"context"
	"fmt"
	"sync"

	"github.com/tink-crypto/tink-go/v2/tink"
)

// KeyStore is a hardware-protected store of key-encryption keys. Keys never
// leave the store: callers obtain an AEAD that wraps and unwraps data with
// the key held under an alias.
type KeyStore interface {
	HasKey(ctx context.Context, alias string) (bool, error)

	// GenerateKey creates a new key under alias, replacing any existing key.
	GenerateKey(ctx context.Context, alias string) error

	// AEAD returns a primitive backed by the key under alias. Encrypt wraps,
	// Decrypt unwraps.
	AEAD(ctx context.Context, alias string) (tink.AEADWithContext, error)
}

// MemoryKeyStore keeps key-encryption keys in process memory. It provides no
// protection and exists for tests and local development.
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[string]tink.AEAD
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: map[string]tink.AEAD{}}
}

func (m *MemoryKeyStore) HasKey(_ context.Context, alias string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[alias]
	return ok, nil
}

func (m *MemoryKeyStore) GenerateKey(_ context.Context, alias string) error {
	_, primitive, err := newAES256GCM()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[alias] = primitive
	return nil
}

func (m *MemoryKeyStore) AEAD(_ context.Context, alias string) (tink.AEADWithContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	primitive, ok := m.keys[alias]
	if !ok {
		return nil, fmt.Errorf("no key with alias %q", alias)
	}
	return localAEAD{primitive}, nil
}

// localAEAD runs an in-process AEAD under a context. The context only gates
// the call.
type localAEAD struct {
	tink.AEAD
}

func (a localAEAD) EncryptWithContext(ctx context.Context, plaintext, associatedData []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.Encrypt(plaintext, associatedData)
}

func (a localAEAD) DecryptWithContext(ctx context.Context, ciphertext, associatedData []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.Decrypt(ciphertext, associatedData)
}
