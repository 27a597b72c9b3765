package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/chinmina/blindsign-tokens/internal/encryption"
	"github.com/chinmina/blindsign-tokens/internal/store"
	"github.com/chinmina/blindsign-tokens/internal/token"
	"github.com/rs/zerolog/log"
)

// Cipher seals token bytes at rest. Failures are reported as misses.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext []byte) (encryption.EncryptedRecord, bool)
	Decrypt(ctx context.Context, record encryption.EncryptedRecord) ([]byte, bool)
}

// TokenStore is the durable storage used by DatabasePool.
type TokenStore interface {
	DrawTokens(ctx context.Context, params token.Params, batchSize int, now time.Time) (store.DrawResult, error)
	InsertAll(ctx context.Context, records []store.Record) error
	DeleteAll(ctx context.Context, params []token.Params) error
}

// DatabasePool keeps encrypted tokens in a durable store so that they
// survive restarts.
type DatabasePool[T token.Token] struct {
	lock          lock
	store         TokenStore
	cipher        Cipher
	decode        token.Decoder[T]
	clock         token.Clock
	valid         token.ValidityPredicate[T]
	sizes         Sizing
	refreshParams []token.Params
}

func NewDatabasePool[T token.Token](
	tokenStore TokenStore,
	cipher Cipher,
	decode token.Decoder[T],
	clock token.Clock,
	sizes Sizing,
	refreshParams ...token.Params,
) *DatabasePool[T] {
	return &DatabasePool[T]{
		lock:          newLock(),
		store:         tokenStore,
		cipher:        cipher,
		decode:        decode,
		clock:         clock,
		valid:         token.ExpiresAfter[T](clock),
		sizes:         sizes,
		refreshParams: refreshParams,
	}
}

func (p *DatabasePool[T]) Draw(ctx context.Context, params token.Params, count int, fallback Source[T]) ([]T, error) {
	if err := p.lock.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.lock.release()

	drawn, err := p.store.DrawTokens(ctx, params, count, p.clock())
	if err != nil {
		return nil, fmt.Errorf("drawing from durable pool: %w", err)
	}
	if drawn.CleanedUp > 0 {
		log.Debug().Int("count", drawn.CleanedUp).Msg("durable pool: purged expired tokens")
	}

	result := make([]T, 0, count)
	for _, r := range drawn.Records {
		// an undecryptable record is a cache miss; the fallback covers it
		data, ok := p.cipher.Decrypt(ctx, r.Encrypted)
		if !ok {
			continue
		}
		result = append(result, p.decode(data, r.Expiration))
	}

	resultNeeded := count - len(result)
	storeNeeded := refillAmount(drawn.PoolSize, p.sizes())
	if resultNeeded+storeNeeded <= 0 {
		return result, nil
	}

	fresh, err := fallback(ctx, params, resultNeeded+storeNeeded, p.valid)
	if err != nil {
		return nil, err
	}

	forCaller, forStore, err := split(fresh, resultNeeded)
	if err != nil {
		return nil, err
	}
	result = append(result, forCaller...)

	if storeNeeded > 0 {
		if err := p.store.InsertAll(ctx, p.seal(ctx, params, forStore)); err != nil {
			return nil, fmt.Errorf("refilling durable pool: %w", err)
		}
	}

	return result, nil
}

func (p *DatabasePool[T]) Clear(ctx context.Context) error {
	if err := p.lock.acquire(ctx); err != nil {
		return err
	}
	defer p.lock.release()

	if err := p.store.DeleteAll(ctx, p.refreshParams); err != nil {
		return fmt.Errorf("clearing durable pool: %w", err)
	}
	return nil
}

func (p *DatabasePool[T]) Refresh(ctx context.Context, source Source[T]) error {
	if err := p.lock.acquire(ctx); err != nil {
		return err
	}
	defer p.lock.release()

	if err := p.store.DeleteAll(ctx, p.refreshParams); err != nil {
		return fmt.Errorf("clearing durable pool: %w", err)
	}

	preferred := p.sizes().Preferred
	var records []store.Record
	for _, params := range p.refreshParams {
		fresh, err := source(ctx, params, preferred, p.valid)
		if err != nil {
			return err
		}
		records = append(records, p.seal(ctx, params, fresh)...)
	}

	if err := p.store.InsertAll(ctx, records); err != nil {
		return fmt.Errorf("refilling durable pool: %w", err)
	}
	return nil
}

// seal encrypts tokens for storage. Tokens that fail to encrypt are dropped.
func (p *DatabasePool[T]) seal(ctx context.Context, params token.Params, tokens []T) []store.Record {
	records := make([]store.Record, 0, len(tokens))
	for _, t := range tokens {
		expiration, ok := t.Expiration()
		if !ok {
			panic(fmt.Sprintf("durable pool: %s tokens without an expiration cannot be stored", t.Kind()))
		}

		encrypted, ok := p.cipher.Encrypt(ctx, t.Bytes())
		if !ok {
			log.Warn().Str("token_kind", t.Kind().String()).Msg("durable pool: dropping token that failed to encrypt")
			continue
		}

		records = append(records, store.Record{
			Params:     params,
			Encrypted:  encrypted,
			Expiration: expiration,
		})
	}
	return records
}
