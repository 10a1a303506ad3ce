package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gabapcia/badgewatch/internal/dedup"
	"github.com/gabapcia/badgewatch/internal/event"

	"github.com/redis/go-redis/v9"
)

// dedupKeyPrefix is the namespace prefix for all idempotency cache keys.
const dedupKeyPrefix = "dedup"

// dedupEntryKey constructs the key holding one cached processing result:
//
//	"dedup:entry:<envelopeKey>"
func dedupEntryKey(envelopeKey string) string {
	return fmt.Sprintf("%s:entry:%s", dedupKeyPrefix, envelopeKey)
}

// dedupOrderKey is the sorted set tracking insertion order (score = stored-at
// unix nanos), used for oldest-first capacity eviction.
func dedupOrderKey() string {
	return fmt.Sprintf("%s:order", dedupKeyPrefix)
}

// dedupHeightKey is the sorted set indexing entries by block height
// (score = height), used for reorg rollback.
func dedupHeightKey() string {
	return fmt.Sprintf("%s:byheight", dedupKeyPrefix)
}

// dedupRecord is the stored JSON shape. Events round-trip through the
// type-tagged event codec.
type dedupRecord struct {
	Key         string          `json:"key"`
	BlockHeight int64           `json:"block_height"`
	Events      json.RawMessage `json:"events"`
	StoredAt    time.Time       `json:"stored_at"`
}

// dedupStore implements the idempotency cache over redis.
type dedupStore struct {
	conn     *redis.Client
	capacity int64
	ttl      time.Duration
}

// Compile-time assertion that *dedupStore implements the cache contract.
var _ dedup.Store = (*dedupStore)(nil)

// DedupStore returns a redis-backed idempotency cache with the given
// capacity bound and entry TTL.
func (c *client) DedupStore(capacity int, ttl time.Duration) *dedupStore {
	return &dedupStore{
		conn:     c.conn,
		capacity: int64(capacity),
		ttl:      ttl,
	}
}

func (s *dedupStore) Put(ctx context.Context, entry dedup.Entry) (string, error) {
	events, err := event.Marshal(entry.Events)
	if err != nil {
		return "", fmt.Errorf("encoding cached events: %w", err)
	}

	now := time.Now().UTC()
	raw, err := json.Marshal(dedupRecord{
		Key:         entry.Key,
		BlockHeight: entry.BlockHeight,
		Events:      events,
		StoredAt:    now,
	})
	if err != nil {
		return "", err
	}

	var evicted string
	if count, err := s.conn.ZCard(ctx, dedupOrderKey()).Result(); err == nil && count >= s.capacity {
		evicted, err = s.evictOldest(ctx)
		if err != nil {
			return "", err
		}
	}

	pipe := s.conn.TxPipeline()
	pipe.Set(ctx, dedupEntryKey(entry.Key), raw, s.ttl)
	pipe.ZAdd(ctx, dedupOrderKey(), redis.Z{Score: float64(now.UnixNano()), Member: entry.Key})
	pipe.ZAdd(ctx, dedupHeightKey(), redis.Z{Score: float64(entry.BlockHeight), Member: entry.Key})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}

	return evicted, nil
}

func (s *dedupStore) Get(ctx context.Context, key string) (dedup.Entry, bool, error) {
	raw, err := s.conn.Get(ctx, dedupEntryKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return dedup.Entry{}, false, nil
		}
		return dedup.Entry{}, false, err
	}

	var record dedupRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return dedup.Entry{}, false, err
	}

	events, err := event.Unmarshal(record.Events)
	if err != nil {
		return dedup.Entry{}, false, err
	}

	return dedup.Entry{
		Key:         record.Key,
		BlockHeight: record.BlockHeight,
		Events:      events,
		StoredAt:    record.StoredAt,
	}, true, nil
}

func (s *dedupStore) Has(ctx context.Context, key string) (bool, error) {
	n, err := s.conn.Exists(ctx, dedupEntryKey(key)).Result()
	return n > 0, err
}

func (s *dedupStore) Invalidate(ctx context.Context, key string) error {
	pipe := s.conn.TxPipeline()
	pipe.Del(ctx, dedupEntryKey(key))
	pipe.ZRem(ctx, dedupOrderKey(), key)
	pipe.ZRem(ctx, dedupHeightKey(), key)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *dedupStore) RollbackAbove(ctx context.Context, height int64) (int, error) {
	keys, err := s.conn.ZRangeByScore(ctx, dedupHeightKey(), &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", height),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, err
	}

	for _, key := range keys {
		if err := s.Invalidate(ctx, key); err != nil {
			return 0, err
		}
	}

	return len(keys), nil
}

// evictOldest pops insertion-order heads until it finds one whose entry is
// still live; heads whose entries already expired do not count as capacity
// evictions.
func (s *dedupStore) evictOldest(ctx context.Context) (string, error) {
	for {
		members, err := s.conn.ZPopMin(ctx, dedupOrderKey(), 1).Result()
		if err != nil || len(members) == 0 {
			return "", err
		}

		key, _ := members[0].Member.(string)
		s.conn.ZRem(ctx, dedupHeightKey(), key)

		deleted, err := s.conn.Del(ctx, dedupEntryKey(key)).Result()
		if err != nil {
			return "", err
		}
		if deleted > 0 {
			return key, nil
		}
	}
}
