package encryption

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// The names and associated data below locate and authenticate keysets that
// already exist on deployed clients. They must never change.
const (
	KeysetName            = "pi_bsa_tink_encrypted_keyset"
	KeyEncryptionKeyAlias = "pi_bsa_tink_encrypted_keyset_kek"
)

var (
	keysetAssociatedData = []byte("pi bsa tink associated data")
	tokenAssociatedData  = []byte("pi bsa token")
)

const (
	// initAttempts is the initial keyset load plus three retries.
	initAttempts = 4

	// maxRegenerations bounds how many times a single attempt replaces an
	// unreadable keyset before giving up.
	maxRegenerations = 3
)

var errCipherClosed = errors.New("cipher closed")

// State is the lifecycle state of a Cipher.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Cipher encrypts token bytes for storage with a Tink keyset that is itself
// wrapped by a key-encryption key held in a KeyStore.
//
// Every cryptographic operation, including initialization, runs on a single
// worker goroutine owned by the Cipher, so callers may use it concurrently.
// Failures never surface as errors: Encrypt and Decrypt report ok=false, which
// callers treat as a cache miss.
type Cipher struct {
	keys       KeyStore
	keysets    KeysetStore
	newBackOff func() backoff.BackOff

	jobs      chan func()
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	state   State
	aead    tink.AEAD
	err     error
	ready   chan struct{}
	started bool
}

type CipherOption func(*Cipher)

// WithRetryBackOff replaces the backoff used between initialization
// attempts.
func WithRetryBackOff(f func() backoff.BackOff) CipherOption {
	return func(c *Cipher) {
		c.newBackOff = f
	}
}

// NewCipher creates a cipher in the Uninitialized state and starts its worker.
// Call Start to begin initialization and Close to stop the worker.
func NewCipher(keys KeyStore, keysets KeysetStore, opts ...CipherOption) *Cipher {
	c := &Cipher{
		keys:       keys,
		keysets:    keysets,
		newBackOff: defaultBackOff,
		jobs:       make(chan func()),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		ready:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.run()

	return c
}

// defaultBackOff waits a random duration up to 100ms, 200ms, 400ms between
// attempts.
func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.RandomizationFactor = 1
	b.Multiplier = 2
	b.MaxInterval = 2 * time.Second
	b.Reset()
	return b
}

// Start submits initialization to the worker. It returns immediately;
// subsequent calls are no-ops.
func (c *Cipher) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	ready := c.ready
	c.mu.Unlock()

	c.launchInitialize(ctx, ready)
}

// Restart re-runs initialization after a failure and reports whether it did
// so. It does nothing in any state other than Failed.
func (c *Cipher) Restart(ctx context.Context) bool {
	c.mu.Lock()
	if c.state != StateFailed {
		c.mu.Unlock()
		return false
	}
	c.state = StateUninitialized
	c.err = nil
	c.ready = make(chan struct{})
	ready := c.ready
	c.mu.Unlock()

	log.Info().Msg("cipher: restarting initialization")
	c.launchInitialize(ctx, ready)
	return true
}

func (c *Cipher) launchInitialize(ctx context.Context, ready chan struct{}) {
	go func() {
		log.Debug().Msg("cipher: submitting initialization")
		accepted := c.submit(ctx, func() {
			primitive, err := c.initialize(ctx)
			c.finish(ready, primitive, err)
		})
		if !accepted {
			err := ctx.Err()
			if err == nil {
				err = errCipherClosed
			}
			c.finish(ready, nil, err)
		}
	}()
}

// State returns the current lifecycle state.
func (c *Cipher) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Encrypt encrypts plaintext, waiting for initialization if necessary.
func (c *Cipher) Encrypt(ctx context.Context, plaintext []byte) (EncryptedRecord, bool) {
	primitive, ok := c.await(ctx)
	if !ok {
		log.Warn().Msg("could not encrypt token bytes: cipher unavailable")
		return EncryptedRecord{}, false
	}

	return runOnWorker(ctx, c, func() (EncryptedRecord, bool) {
		ciphertext, err := primitive.Encrypt(plaintext, tokenAssociatedData)
		if err != nil {
			log.Warn().Err(err).Msg("could not encrypt token bytes")
			return EncryptedRecord{}, false
		}
		return EncryptedRecord{
			Ciphertext:     ciphertext,
			AssociatedData: bytes.Clone(tokenAssociatedData),
		}, true
	})
}

// Decrypt decrypts a record produced by Encrypt, waiting for initialization if
// necessary.
func (c *Cipher) Decrypt(ctx context.Context, record EncryptedRecord) ([]byte, bool) {
	primitive, ok := c.await(ctx)
	if !ok {
		log.Warn().Msg("could not decrypt token bytes: cipher unavailable")
		return nil, false
	}

	return runOnWorker(ctx, c, func() ([]byte, bool) {
		plaintext, err := primitive.Decrypt(record.Ciphertext, record.AssociatedData)
		if err != nil {
			log.Warn().Err(err).Msg("could not decrypt token bytes")
			return nil, false
		}
		return plaintext, true
	})
}

// Close stops the worker. Pending and future operations report failure.
func (c *Cipher) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
	<-c.done
	return nil
}

func (c *Cipher) run() {
	defer close(c.done)

	for {
		select {
		case job := <-c.jobs:
			job()
		case <-c.stop:
			return
		}
	}
}

func (c *Cipher) submit(ctx context.Context, job func()) bool {
	select {
	case c.jobs <- job:
		return true
	case <-c.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// runOnWorker executes fn on the cipher's worker and waits for its result.
func runOnWorker[T any](ctx context.Context, c *Cipher, fn func() (T, bool)) (T, bool) {
	type result struct {
		value T
		ok    bool
	}
	results := make(chan result, 1)

	var zero T
	if !c.submit(ctx, func() {
		v, ok := fn()
		results <- result{value: v, ok: ok}
	}) {
		return zero, false
	}

	select {
	case r := <-results:
		return r.value, r.ok
	case <-ctx.Done():
		return zero, false
	}
}

// await blocks until initialization has finished, then returns the primitive
// if it succeeded.
func (c *Cipher) await(ctx context.Context) (tink.AEAD, bool) {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return nil, false
	case <-c.stop:
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInitialized {
		return nil, false
	}
	return c.aead, true
}

func (c *Cipher) finish(ready chan struct{}, primitive tink.AEAD, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ready != ready {
		// superseded by a restart
		return
	}
	select {
	case <-ready:
		return
	default:
	}

	if err != nil {
		c.state = StateFailed
		c.err = err
		log.Error().Err(err).Msg("cipher: unable to initialize AEAD")
	} else {
		c.state = StateInitialized
		c.aead = primitive
		log.Info().Msg("cipher: initialized successfully")
	}
	close(ready)
}

func (c *Cipher) initialize(ctx context.Context) (tink.AEAD, error) {
	handle, err := backoff.Retry(ctx, func() (*keyset.Handle, error) {
		handle, err := c.getOrCreateKeyset(ctx, maxRegenerations)
		if err != nil {
			log.Debug().Err(err).Msg("cipher: keyset load attempt failed")
		}
		return handle, err
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(initAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("loading keyset: %w", err)
	}

	primitive, err := aead.New(handle)
	if err != nil {
		return nil, fmt.Errorf("creating AEAD primitive: %w", err)
	}

	if err := Validate(primitive); err != nil {
		return nil, fmt.Errorf("validating AEAD: %w", err)
	}

	return primitive, nil
}

// getOrCreateKeyset reads the wrapped keyset, replacing it (and its KEK) when
// either is missing or the keyset can no longer be unwrapped, for example
// after the KEK was rotated out from under it.
func (c *Cipher) getOrCreateKeyset(ctx context.Context, regenerationsLeft int) (*keyset.Handle, error) {
	if regenerationsLeft < 0 {
		return nil, errors.New("keyset unavailable after regeneration")
	}

	wrapped, keysetExists, err := c.keysets.LoadKeyset(KeysetName)
	if errors.Is(err, ErrCorruptKeysetFile) {
		log.Warn().Err(err).Msg("cipher: keyset storage unreadable")
		keysetExists, err = false, nil
	}
	if err != nil {
		return nil, err
	}

	kekExists, err := c.keys.HasKey(ctx, KeyEncryptionKeyAlias)
	if err != nil {
		return nil, fmt.Errorf("checking key-encryption key: %w", err)
	}

	log.Debug().
		Bool("keyset_exists", keysetExists).
		Bool("kek_exists", kekExists).
		Msg("cipher: loading keyset")

	if keysetExists && kekExists {
		kek, err := c.keys.AEAD(ctx, KeyEncryptionKeyAlias)
		if err != nil {
			return nil, fmt.Errorf("loading key-encryption key: %w", err)
		}

		reader := keyset.NewBinaryReader(bytes.NewReader(wrapped))
		handle, err := keyset.ReadWithContext(ctx, reader, kek, keysetAssociatedData)
		if err == nil {
			return handle, nil
		}
		if regenerationsLeft == 0 {
			return nil, fmt.Errorf("unwrapping keyset: %w", err)
		}
		log.Warn().Err(err).Msg("cipher: stored keyset unreadable, regenerating")
	}

	if err := c.createKeyset(ctx); err != nil {
		return nil, err
	}

	return c.getOrCreateKeyset(ctx, regenerationsLeft-1)
}

// createKeyset generates a new KEK (replacing any existing one) and a new
// keyset wrapped by it.
func (c *Cipher) createKeyset(ctx context.Context) error {
	log.Debug().Msg("cipher: creating wrapped keyset")

	if err := c.keys.GenerateKey(ctx, KeyEncryptionKeyAlias); err != nil {
		return fmt.Errorf("generating key-encryption key: %w", err)
	}

	kek, err := c.keys.AEAD(ctx, KeyEncryptionKeyAlias)
	if err != nil {
		return fmt.Errorf("loading key-encryption key: %w", err)
	}

	handle, _, err := newAES256GCM()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := handle.WriteWithContext(ctx, keyset.NewBinaryWriter(&buf), kek, keysetAssociatedData); err != nil {
		return fmt.Errorf("wrapping keyset: %w", err)
	}

	if err := c.keysets.SaveKeyset(KeysetName, buf.Bytes()); err != nil {
		return fmt.Errorf("saving keyset: %w", err)
	}

	return nil
}
