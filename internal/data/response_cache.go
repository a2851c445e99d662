package data

import (
	"context"
	"fmt"
	"time"

	"github.com/normanking/cortex-voicecore/internal/cache"
)

// ResponseCacheStore persists response-cache records. It implements
// cache.Store.
type ResponseCacheStore struct {
	store *Store
}

var (
	_ cache.Store  = (*ResponseCacheStore)(nil)
	_ cache.Pruner = (*ResponseCacheStore)(nil)
)

// NewResponseCacheStore wraps store.
func NewResponseCacheStore(store *Store) *ResponseCacheStore {
	return &ResponseCacheStore{store: store}
}

// Put inserts or replaces a record.
func (r *ResponseCacheStore) Put(ctx context.Context, rec cache.Record) error {
	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO response_cache (key, value, stored_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, stored_at = excluded.stored_at`,
		rec.Key, rec.Value, rec.StoredAt.UnixNano())
	if err != nil {
		return fmt.Errorf("put response cache record: %w", err)
	}
	return nil
}

// Delete removes a record; deleting a missing key is not an error.
func (r *ResponseCacheStore) Delete(ctx context.Context, key string) error {
	if _, err := r.store.db.ExecContext(ctx, `DELETE FROM response_cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete response cache record: %w", err)
	}
	return nil
}

// All returns every record, oldest first.
func (r *ResponseCacheStore) All(ctx context.Context) ([]cache.Record, error) {
	rows, err := r.store.db.QueryContext(ctx, `SELECT key, value, stored_at FROM response_cache ORDER BY stored_at, key`)
	if err != nil {
		return nil, fmt.Errorf("query response cache: %w", err)
	}
	defer rows.Close()

	var out []cache.Record
	for rows.Next() {
		var rec cache.Record
		var storedAt int64
		if err := rows.Scan(&rec.Key, &rec.Value, &storedAt); err != nil {
			return nil, fmt.Errorf("scan response cache record: %w", err)
		}
		rec.StoredAt = time.Unix(0, storedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate response cache: %w", err)
	}
	return out, nil
}

// Clear deletes every record.
func (r *ResponseCacheStore) Clear(ctx context.Context) error {
	if _, err := r.store.db.ExecContext(ctx, `DELETE FROM response_cache`); err != nil {
		return fmt.Errorf("clear response cache: %w", err)
	}
	return nil
}

// DeleteOlderThan removes records stored before cutoff and returns how many
// were removed.
func (r *ResponseCacheStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.store.db.ExecContext(ctx, `DELETE FROM response_cache WHERE stored_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune response cache: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored records.
func (r *ResponseCacheStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM response_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count response cache: %w", err)
	}
	return n, nil
}
