package encryption

import (
	"bytes"
	"fmt"

	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// Validate performs a test encryption/decryption cycle to verify the AEAD is
// working. The cipher calls this after loading a keyset so that a primitive
// that cannot round-trip never reaches the Initialized state.
func Validate(a tink.AEAD) error {
	testPlaintext := []byte("bsa-token-encryption-test")
	testAAD := []byte("validation")

	ciphertext, err := a.Encrypt(testPlaintext, testAAD)
	if err != nil {
		return fmt.Errorf("validation encrypt failed: %w", err)
	}

	decrypted, err := a.Decrypt(ciphertext, testAAD)
	if err != nil {
		return fmt.Errorf("validation decrypt failed: %w", err)
	}

	if !bytes.Equal(testPlaintext, decrypted) {
		return fmt.Errorf("validation round-trip failed: plaintext mismatch")
	}

	return nil
}

// newAES256GCM creates a fresh in-process AEAD keyset handle.
func newAES256GCM() (*keyset.Handle, tink.AEAD, error) {
	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	if err != nil {
		return nil, nil, fmt.Errorf("creating keyset handle: %w", err)
	}
	primitive, err := aead.New(handle)
	if err != nil {
		return nil, nil, fmt.Errorf("creating AEAD primitive: %w", err)
	}
	return handle, primitive, nil
}
