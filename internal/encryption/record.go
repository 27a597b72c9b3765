package encryption

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// EncryptedRecord is the at-rest form of a token: the AEAD output together
// with the associated data needed to decrypt it.
type EncryptedRecord struct {
	Ciphertext     []byte
	AssociatedData []byte
}

// String encodes the record as "<base64 ciphertext>|<base64 associated data>",
// the column format used by the durable store.
func (r EncryptedRecord) String() string {
	return base64.StdEncoding.EncodeToString(r.Ciphertext) + "|" +
		base64.StdEncoding.EncodeToString(r.AssociatedData)
}

// ParseEncryptedRecord reverses EncryptedRecord.String.
func ParseEncryptedRecord(value string) (EncryptedRecord, error) {
	parts := strings.Split(value, "|")
	if len(parts) != 2 {
		return EncryptedRecord{}, fmt.Errorf("malformed encrypted record: expected 2 parts, got %d", len(parts))
	}

	ciphertext, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return EncryptedRecord{}, fmt.Errorf("decoding ciphertext: %w", err)
	}

	associatedData, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return EncryptedRecord{}, fmt.Errorf("decoding associated data: %w", err)
	}

	return EncryptedRecord{Ciphertext: ciphertext, AssociatedData: associatedData}, nil
}
