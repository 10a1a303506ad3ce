package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gabapcia/badgewatch/internal/viewcache"

	"github.com/redis/go-redis/v9"
)

// viewcacheKeyPrefix is the namespace prefix for all read-view cache keys.
const viewcacheKeyPrefix = "viewcache"

// viewcacheGenerationKey holds the current cache generation. Clear bumps it,
// which orphans every key written under the previous generation; orphans age
// out through their TTL.
func viewcacheGenerationKey() string {
	return fmt.Sprintf("%s:generation", viewcacheKeyPrefix)
}

// viewcacheEntryKey constructs the key for one cached read view:
//
//	"viewcache:<generation>:entry:<key>"
func viewcacheEntryKey(generation int64, key string) string {
	return fmt.Sprintf("%s:%d:entry:%s", viewcacheKeyPrefix, generation, key)
}

// viewcacheHeightKey is the per-generation sorted set indexing keys by the
// block height that produced them (score = height).
func viewcacheHeightKey(generation int64) string {
	return fmt.Sprintf("%s:%d:byheight", viewcacheKeyPrefix, generation)
}

// viewcacheRecord is the stored JSON shape.
type viewcacheRecord struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	BlockHeight int64           `json:"block_height"`
	WrittenAt   time.Time       `json:"written_at"`
}

// viewcacheStore implements the read-view cache over redis.
type viewcacheStore struct {
	conn *redis.Client
	ttl  time.Duration
}

// Compile-time assertion that *viewcacheStore implements the cache contract.
var _ viewcache.Store = (*viewcacheStore)(nil)

// ViewcacheStore returns a redis-backed read-view cache with the given entry
// TTL.
func (c *client) ViewcacheStore(ttl time.Duration) *viewcacheStore {
	return &viewcacheStore{
		conn: c.conn,
		ttl:  ttl,
	}
}

// generation reads the current cache generation, defaulting to zero.
func (s *viewcacheStore) generation(ctx context.Context) (int64, error) {
	gen, err := s.conn.Get(ctx, viewcacheGenerationKey()).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return gen, nil
}

func (s *viewcacheStore) Set(ctx context.Context, key string, value any, blockHeight int64) error {
	gen, err := s.generation(ctx)
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding cache value: %w", err)
	}

	raw, err := json.Marshal(viewcacheRecord{
		Key:         key,
		Value:       encoded,
		BlockHeight: blockHeight,
		WrittenAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	pipe := s.conn.TxPipeline()
	pipe.Set(ctx, viewcacheEntryKey(gen, key), raw, s.ttl)
	pipe.ZAdd(ctx, viewcacheHeightKey(gen), redis.Z{Score: float64(blockHeight), Member: key})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *viewcacheStore) Get(ctx context.Context, key string) (viewcache.Entry, bool, error) {
	gen, err := s.generation(ctx)
	if err != nil {
		return viewcache.Entry{}, false, err
	}

	raw, err := s.conn.Get(ctx, viewcacheEntryKey(gen, key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return viewcache.Entry{}, false, nil
		}
		return viewcache.Entry{}, false, err
	}

	var record viewcacheRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return viewcache.Entry{}, false, err
	}

	var value any
	if err := json.Unmarshal(record.Value, &value); err != nil {
		return viewcache.Entry{}, false, err
	}

	return viewcache.Entry{
		Key:         record.Key,
		Value:       value,
		BlockHeight: record.BlockHeight,
		WrittenAt:   record.WrittenAt,
	}, true, nil
}

func (s *viewcacheStore) Delete(ctx context.Context, key string) error {
	gen, err := s.generation(ctx)
	if err != nil {
		return err
	}

	pipe := s.conn.TxPipeline()
	pipe.Del(ctx, viewcacheEntryKey(gen, key))
	pipe.ZRem(ctx, viewcacheHeightKey(gen), key)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *viewcacheStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	gen, err := s.generation(ctx)
	if err != nil {
		return 0, err
	}

	var (
		removed int
		cursor  uint64
		match   = viewcacheEntryKey(gen, prefix) + "*"
	)
	for {
		keys, next, err := s.conn.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return removed, err
		}

		for _, fullKey := range keys {
			key := fullKey[len(viewcacheEntryKey(gen, "")):]
			if err := s.Delete(ctx, key); err != nil {
				return removed, err
			}
			removed++
		}

		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (s *viewcacheStore) RollbackAbove(ctx context.Context, height int64) (int, error) {
	gen, err := s.generation(ctx)
	if err != nil {
		return 0, err
	}

	keys, err := s.conn.ZRangeByScore(ctx, viewcacheHeightKey(gen), &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", height),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, err
	}

	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return 0, err
		}
	}

	return len(keys), nil
}

// Clear bumps the generation counter instead of deleting keys one by one,
// so concurrent readers switch atomically from the old cache to an empty
// one.
func (s *viewcacheStore) Clear(ctx context.Context) error {
	return s.conn.Incr(ctx, viewcacheGenerationKey()).Err()
}

func (s *viewcacheStore) Len(ctx context.Context) (int, error) {
	gen, err := s.generation(ctx)
	if err != nil {
		return 0, err
	}

	var (
		count  int
		cursor uint64
		match  = viewcacheEntryKey(gen, "") + "*"
	)
	for {
		keys, next, err := s.conn.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)

		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}
