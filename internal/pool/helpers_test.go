package pool_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chinmina/blindsign-tokens/internal/encryption"
	"github.com/chinmina/blindsign-tokens/internal/token"
)

var epoch = time.UnixMilli(1_700_000_000_000)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// minter is a fallback source producing uniquely numbered proxy tokens that
// expire an hour after the clock's current time.
type minter struct {
	clock *fakeClock

	mu    sync.Mutex
	next  int
	calls []int
	err   error
	extra int
}

func newMinter(clock *fakeClock) *minter {
	return &minter{clock: clock}
}

func (m *minter) Source(_ context.Context, _ token.Params, atLeast int, valid token.ValidityPredicate[token.ProxyToken]) ([]token.ProxyToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, atLeast)
	if m.err != nil {
		return nil, m.err
	}

	tokens := make([]token.ProxyToken, 0, atLeast+m.extra)
	for range atLeast + m.extra {
		m.next++
		t := proxyToken(fmt.Sprintf("minted-%04d", m.next), m.clock.Now().Add(time.Hour))
		if valid(t) {
			tokens = append(tokens, t)
		}
	}
	return tokens, nil
}

func (m *minter) Calls() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.calls...)
}

func proxyToken(data string, expiresAt time.Time) token.ProxyToken {
	return token.ProxyToken{Data: []byte(data), ExpiresAt: expiresAt}
}

func tokenData[T token.Token](tokens []T) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, string(t.Bytes()))
	}
	return out
}

// plainCipher "encrypts" by copying. It can be told to fail either
// direction, and always fails to decrypt ciphertexts prefixed "corrupt".
type plainCipher struct {
	failEncrypt atomic.Bool
	failDecrypt atomic.Bool
}

func (c *plainCipher) Encrypt(_ context.Context, plaintext []byte) (encryption.EncryptedRecord, bool) {
	if c.failEncrypt.Load() {
		return encryption.EncryptedRecord{}, false
	}
	return encryption.EncryptedRecord{
		Ciphertext:     append([]byte(nil), plaintext...),
		AssociatedData: []byte("test"),
	}, true
}

func (c *plainCipher) Decrypt(_ context.Context, record encryption.EncryptedRecord) ([]byte, bool) {
	if c.failDecrypt.Load() || bytes.HasPrefix(record.Ciphertext, []byte("corrupt")) {
		return nil, false
	}
	return append([]byte(nil), record.Ciphertext...), true
}

var errMint = errors.New("signing engine unavailable")
