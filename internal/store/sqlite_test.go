package store_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chinmina/blindsign-tokens/internal/encryption"
	"github.com/chinmina/blindsign-tokens/internal/store"
	"github.com/chinmina/blindsign-tokens/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	epoch  = time.UnixMilli(1_700_000_000_000)
	params = token.CacheableArateaParams{}
)

func TestDrawTokens_OldestFirstAndPurgesExpired(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	// 5 valid and 2 expired records, interleaved
	records := []store.Record{
		record(params, "valid-1", epoch.Add(time.Hour)),
		record(params, "expired-1", epoch.Add(-time.Minute)),
		record(params, "valid-2", epoch.Add(time.Hour)),
		record(params, "valid-3", epoch.Add(time.Hour)),
		record(params, "expired-2", epoch),
		record(params, "valid-4", epoch.Add(time.Hour)),
		record(params, "valid-5", epoch.Add(time.Hour)),
	}
	require.NoError(t, s.InsertAll(ctx, records))

	result, err := s.DrawTokens(ctx, params, 3, epoch)
	require.NoError(t, err)

	assert.Equal(t, []string{"valid-1", "valid-2", "valid-3"}, ciphertexts(result.Records))
	assert.Equal(t, 2, result.PoolSize)
	assert.Equal(t, 2, result.CleanedUp)

	size, err := s.PoolSize(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	// the remaining records are the two newest
	result, err = s.DrawTokens(ctx, params, 10, epoch)
	require.NoError(t, err)
	assert.Equal(t, []string{"valid-4", "valid-5"}, ciphertexts(result.Records))
	assert.Equal(t, 0, result.PoolSize)
}

func TestDrawTokens_ExpiryPurgeAfterExpiration(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	expiration := epoch.Add(time.Hour)

	require.NoError(t, s.InsertAll(ctx, []store.Record{
		record(params, "a", expiration),
		record(params, "b", expiration),
	}))

	result, err := s.DrawTokens(ctx, params, 1, expiration.Add(time.Millisecond))
	require.NoError(t, err)

	assert.Empty(t, result.Records)
	assert.Equal(t, 0, result.PoolSize)
	assert.Equal(t, 2, result.CleanedUp)
}

func TestDrawTokens_PurgeIsGlobalButDrawIsPartitioned(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	proxy := token.ProxyParams{}
	require.NoError(t, s.InsertAll(ctx, []store.Record{
		record(proxy, "proxy-valid", epoch.Add(time.Hour)),
		record(proxy, "proxy-expired", epoch.Add(-time.Hour)),
		record(params, "aratea-valid", epoch.Add(time.Hour)),
	}))

	result, err := s.DrawTokens(ctx, params, 5, epoch)
	require.NoError(t, err)

	assert.Equal(t, []string{"aratea-valid"}, ciphertexts(result.Records))
	assert.Equal(t, 1, result.CleanedUp)

	size, err := s.PoolSize(ctx, proxy)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestInsertAll_DuplicatesIgnored(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	r := record(params, "same", epoch.Add(time.Hour))
	require.NoError(t, s.InsertAll(ctx, []store.Record{r}))
	require.NoError(t, s.InsertAll(ctx, []store.Record{r, r}))

	size, err := s.PoolSize(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	proxy := token.ProxyParams{}
	challenge := token.NewArateaParams([]byte("challenge"))
	require.NoError(t, s.InsertAll(ctx, []store.Record{
		record(proxy, "p", epoch.Add(time.Hour)),
		record(params, "c", epoch.Add(time.Hour)),
		record(challenge, "x", epoch.Add(time.Hour)),
	}))

	require.NoError(t, s.DeleteAll(ctx, []token.Params{proxy, params}))
	require.NoError(t, s.DeleteAll(ctx, nil))

	for _, p := range []token.Params{proxy, params} {
		size, err := s.PoolSize(ctx, p)
		require.NoError(t, err)
		assert.Zero(t, size)
	}
	size, err := s.PoolSize(ctx, challenge)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestDrawTokens_ConcurrentDrawsNeverShareRecords(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	var records []store.Record
	for i := range 100 {
		records = append(records, record(params, fmt.Sprintf("token-%03d", i), epoch.Add(time.Hour)))
	}
	require.NoError(t, s.InsertAll(ctx, records))

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			for range 3 {
				result, err := s.DrawTokens(ctx, params, 4, epoch)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				for _, c := range ciphertexts(result.Records) {
					seen[c]++
				}
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	assert.Len(t, seen, 100)
	for c, n := range seen {
		assert.Equal(t, 1, n, "record %s drawn more than once", c)
	}
}

func TestDrawTokens_CancelledContextLeavesStoreUntouched(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.InsertAll(context.Background(), []store.Record{
		record(params, "kept", epoch.Add(time.Hour)),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.DrawTokens(ctx, params, 1, epoch)
	require.Error(t, err)

	size, err := s.PoolSize(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.db")

	s, err := store.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.InsertAll(ctx, []store.Record{record(params, "durable", epoch.Add(time.Hour))}))
	require.NoError(t, s.Close())

	s, err = store.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	result, err := s.DrawTokens(ctx, params, 1, epoch)
	require.NoError(t, err)
	assert.Equal(t, []string{"durable"}, ciphertexts(result.Records))
	assert.Equal(t, epoch.Add(time.Hour), result.Records[0].Expiration)
}

func TestPartitions(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.InsertAll(ctx, []store.Record{
		record(token.ProxyParams{}, "p1", epoch.Add(2*time.Hour)),
		record(token.ProxyParams{}, "p2", epoch.Add(time.Hour)),
		record(token.ProxyParams{}, "p3", epoch.Add(-time.Hour)),
		record(params, "c1", epoch.Add(-time.Hour)),
	}))

	stats, err := s.Partitions(ctx, epoch)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	// ordered by partition key: "aratea-cacheable" < "proxy"
	assert.Equal(t, params, stats[0].Params)
	assert.Equal(t, 1, stats[0].Count)
	assert.Equal(t, 1, stats[0].Expired)
	assert.True(t, stats[0].NextExpiration.IsZero())

	assert.Equal(t, token.ProxyParams{}, stats[1].Params)
	assert.Equal(t, 3, stats[1].Count)
	assert.Equal(t, 1, stats[1].Expired)
	assert.Equal(t, epoch.Add(time.Hour), stats[1].NextExpiration)
}

// -- test helpers --

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(p token.Params, ciphertext string, expiration time.Time) store.Record {
	return store.Record{
		Params: p,
		Encrypted: encryption.EncryptedRecord{
			Ciphertext:     []byte(ciphertext),
			AssociatedData: []byte("ad"),
		},
		Expiration: expiration,
	}
}

func ciphertexts(records []store.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, string(r.Encrypted.Ciphertext))
	}
	return out
}
