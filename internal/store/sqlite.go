package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/chinmina/blindsign-tokens/internal/encryption"
	"github.com/chinmina/blindsign-tokens/internal/token"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"
)

// Record is a persisted, encrypted token belonging to one partition.
type Record struct {
	Params     token.Params
	Encrypted  encryption.EncryptedRecord
	Expiration time.Time
}

// DrawResult is the outcome of a DrawTokens transaction.
type DrawResult struct {
	// Records are the drawn records, oldest first. They no longer exist in
	// the store.
	Records []Record

	// PoolSize is the number of records remaining for the drawn partition
	// after the draw and the expiry purge.
	PoolSize int

	// CleanedUp is the number of expired records purged across all
	// partitions.
	CleanedUp int
}

// Store is the durable token store. All mutating operations run in a single
// transaction each, so a cancelled or interrupted call leaves no partial
// state.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path. Use ":memory:"
// for a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening token store: %w", err)
	}

	// SQLite permits a single writer. Every connection of an in-memory
	// database is a separate database, so one connection also keeps the
	// schema visible.
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS bsa_tokens (
			row_id INTEGER PRIMARY KEY AUTOINCREMENT,
			token_params TEXT NOT NULL,
			encrypted_token TEXT NOT NULL,
			expiration INTEGER NOT NULL,
			UNIQUE(token_params, encrypted_token)
		);
		CREATE INDEX IF NOT EXISTS bsa_tokens_params_expiration
			ON bsa_tokens (token_params, expiration);
	`)
	if err != nil {
		return fmt.Errorf("initializing token store schema: %w", err)
	}
	return nil
}

// DrawTokens selects up to batchSize unexpired records for params in
// insertion order, deletes them, purges every expired record and reports the
// remaining pool size, all in one transaction.
func (s *Store) DrawTokens(ctx context.Context, params token.Params, batchSize int, now time.Time) (result DrawResult, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DrawResult{}, fmt.Errorf("beginning draw: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	key := params.Key()
	nowMillis := now.UnixMilli()

	rows, err := tx.QueryContext(ctx, `
		SELECT row_id, encrypted_token, expiration FROM bsa_tokens
		WHERE token_params = ? AND expiration > ?
		ORDER BY row_id ASC
		LIMIT ?
	`, key, nowMillis, batchSize)
	if err != nil {
		return DrawResult{}, fmt.Errorf("selecting tokens: %w", err)
	}

	var ids []int64
	var records []Record
	for rows.Next() {
		var id, expiration int64
		var encoded string
		if err := rows.Scan(&id, &encoded, &expiration); err != nil {
			_ = rows.Close()
			return DrawResult{}, fmt.Errorf("reading token row: %w", err)
		}
		// every selected row is deleted, including ones that fail to parse
		ids = append(ids, id)

		encrypted, err := encryption.ParseEncryptedRecord(encoded)
		if err != nil {
			log.Warn().Err(err).Int64("row_id", id).Msg("dropping unreadable token record")
			continue
		}
		records = append(records, Record{
			Params:     params,
			Encrypted:  encrypted,
			Expiration: time.UnixMilli(expiration),
		})
	}
	if err := rows.Close(); err != nil {
		return DrawResult{}, fmt.Errorf("reading token rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return DrawResult{}, fmt.Errorf("reading token rows: %w", err)
	}

	if err := deleteRows(ctx, tx, ids); err != nil {
		return DrawResult{}, err
	}

	cleaned, err := tx.ExecContext(ctx, `DELETE FROM bsa_tokens WHERE expiration <= ?`, nowMillis)
	if err != nil {
		return DrawResult{}, fmt.Errorf("purging expired tokens: %w", err)
	}
	cleanedUp, err := cleaned.RowsAffected()
	if err != nil {
		return DrawResult{}, fmt.Errorf("purging expired tokens: %w", err)
	}

	var poolSize int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM bsa_tokens WHERE token_params = ?`, key).Scan(&poolSize)
	if err != nil {
		return DrawResult{}, fmt.Errorf("counting pool: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return DrawResult{}, fmt.Errorf("committing draw: %w", err)
	}

	return DrawResult{
		Records:   records,
		PoolSize:  poolSize,
		CleanedUp: int(cleanedUp),
	}, nil
}

func deleteRows(ctx context.Context, tx *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := tx.ExecContext(ctx, `DELETE FROM bsa_tokens WHERE row_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("deleting drawn tokens: %w", err)
	}
	return nil
}

// InsertAll stores records in order. Records duplicating an existing
// (partition, ciphertext) pair are ignored.
func (s *Store) InsertAll(ctx context.Context, records []Record) (err error) {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO bsa_tokens (token_params, encrypted_token, expiration)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.Params.Key(), r.Encrypted.String(), r.Expiration.UnixMilli()); err != nil {
			return fmt.Errorf("inserting token: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing insert: %w", err)
	}
	return nil
}

// DeleteAll removes every record belonging to any of the given partitions.
func (s *Store) DeleteAll(ctx context.Context, params []token.Params) error {
	if len(params) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(params)), ",")
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p.Key()
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM bsa_tokens WHERE token_params IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("deleting partitions: %w", err)
	}
	return nil
}

// PoolSize counts the records stored for params, expired or not.
func (s *Store) PoolSize(ctx context.Context, params token.Params) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bsa_tokens WHERE token_params = ?`, params.Key()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pool: %w", err)
	}
	return n, nil
}

// PartitionStats summarizes one partition of the store.
type PartitionStats struct {
	Params         token.Params
	Count          int
	Expired        int
	NextExpiration time.Time
}

// Partitions reports the inventory of every partition present in the store.
// Partition keys that cannot be parsed are skipped.
func (s *Store) Partitions(ctx context.Context, now time.Time) ([]PartitionStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_params,
			COUNT(*),
			SUM(CASE WHEN expiration <= ? THEN 1 ELSE 0 END),
			MIN(CASE WHEN expiration > ? THEN expiration END)
		FROM bsa_tokens
		GROUP BY token_params
		ORDER BY token_params
	`, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("querying partitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []PartitionStats
	for rows.Next() {
		var key string
		var count, expired int
		var next sql.NullInt64
		if err := rows.Scan(&key, &count, &expired, &next); err != nil {
			return nil, fmt.Errorf("reading partition: %w", err)
		}

		params, err := token.ParseParams(key)
		if err != nil {
			log.Warn().Err(err).Str("token_params", key).Msg("skipping unknown partition")
			continue
		}

		ps := PartitionStats{Params: params, Count: count, Expired: expired}
		if next.Valid {
			ps.NextExpiration = time.UnixMilli(next.Int64)
		}
		stats = append(stats, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading partitions: %w", err)
	}

	return stats, nil
}
