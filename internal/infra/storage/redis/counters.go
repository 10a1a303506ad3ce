package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gabapcia/badgewatch/internal/counters"
	"github.com/gabapcia/badgewatch/internal/event"
	"github.com/gabapcia/badgewatch/internal/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// countersKeyPrefix is the namespace prefix for all badge counter keys.
const countersKeyPrefix = "counters"

// counterUserKey constructs the hash key holding one user's counters:
//
//	"counters:user:<userID>"
func counterUserKey(userID string) string {
	return fmt.Sprintf("%s:user:%s", countersKeyPrefix, userID)
}

// counterDeltaKey is the sorted set journaling applied deltas by block
// height (score = height), consumed by reorg rollback.
func counterDeltaKey() string {
	return fmt.Sprintf("%s:deltas", countersKeyPrefix)
}

// counterDelta is the journaled JSON shape of one applied event. The ID
// keeps sorted-set members unique even when two deltas are otherwise equal.
type counterDelta struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	BlockHeight int64  `json:"block_height"`
	TxHash      string `json:"tx_hash"`
	Total       int64  `json:"total"`
	Active      int64  `json:"active"`
	SoftRevoked int64  `json:"soft_revoked"`
	HardRevoked int64  `json:"hard_revoked"`
}

// counterStore implements the badge counter service over redis.
type counterStore struct {
	conn *redis.Client
}

// Compile-time assertion that *counterStore implements the counter contract.
var _ counters.Service = (*counterStore)(nil)

// CounterStore returns a redis-backed badge counter service.
func (c *client) CounterStore() *counterStore {
	return &counterStore{conn: c.conn}
}

func (s *counterStore) ApplyMint(ctx context.Context, mint event.BadgeMint) (counters.Snapshot, error) {
	return s.apply(ctx, counterDelta{
		ID:          uuid.NewString(),
		UserID:      mint.UserID,
		BlockHeight: mint.Provenance.BlockHeight,
		TxHash:      mint.Provenance.TxHash,
		Total:       1,
		Active:      1,
	})
}

func (s *counterStore) ApplyRevocation(ctx context.Context, revocation event.BadgeRevocation) (counters.Snapshot, error) {
	delta := counterDelta{
		ID:          uuid.NewString(),
		UserID:      revocation.UserID,
		BlockHeight: revocation.Provenance.BlockHeight,
		TxHash:      revocation.Provenance.TxHash,
		Active:      -1,
	}
	switch revocation.Kind {
	case event.RevocationHard:
		delta.HardRevoked = 1
	default:
		delta.SoftRevoked = 1
	}
	return s.apply(ctx, delta)
}

func (s *counterStore) UserSnapshot(ctx context.Context, userID string) (counters.Snapshot, error) {
	fields, err := s.conn.HGetAll(ctx, counterUserKey(userID)).Result()
	if err != nil {
		return counters.Snapshot{}, err
	}

	snapshot := counters.Snapshot{UserID: userID}
	for field, value := range fields {
		var n int64
		fmt.Sscanf(value, "%d", &n)
		switch field {
		case "total":
			snapshot.Total = n
		case "active":
			snapshot.Active = n
		case "soft_revoked":
			snapshot.SoftRevoked = n
		case "hard_revoked":
			snapshot.HardRevoked = n
		}
	}

	return snapshot, nil
}

func (s *counterStore) Name() string { return "counters" }

func (s *counterStore) RollbackAbove(ctx context.Context, height int64) (int, error) {
	members, err := s.conn.ZRangeByScore(ctx, counterDeltaKey(), &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", height),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, err
	}

	for _, member := range members {
		var delta counterDelta
		if err := json.Unmarshal([]byte(member), &delta); err != nil {
			logger.Warn(ctx, "skipping undecodable counter delta", "error", err)
			continue
		}

		inverse := delta
		inverse.Total = -delta.Total
		inverse.Active = -delta.Active
		inverse.SoftRevoked = -delta.SoftRevoked
		inverse.HardRevoked = -delta.HardRevoked
		if err := s.fold(ctx, inverse); err != nil {
			return 0, err
		}

		if err := s.conn.ZRem(ctx, counterDeltaKey(), member).Err(); err != nil {
			return 0, err
		}
	}

	return len(members), nil
}

// apply journals the delta and folds it into the user's counters.
func (s *counterStore) apply(ctx context.Context, delta counterDelta) (counters.Snapshot, error) {
	member, err := json.Marshal(delta)
	if err != nil {
		return counters.Snapshot{}, err
	}

	err = s.conn.ZAdd(ctx, counterDeltaKey(), redis.Z{
		Score:  float64(delta.BlockHeight),
		Member: string(member),
	}).Err()
	if err != nil {
		return counters.Snapshot{}, err
	}

	if err := s.fold(ctx, delta); err != nil {
		return counters.Snapshot{}, err
	}

	return s.UserSnapshot(ctx, delta.UserID)
}

// fold applies the delta's increments, clamping each counter at zero. A
// clamp means the event stream and the stored counters disagree; it is
// logged, never propagated.
func (s *counterStore) fold(ctx context.Context, delta counterDelta) error {
	key := counterUserKey(delta.UserID)

	increments := map[string]int64{
		"total":        delta.Total,
		"active":       delta.Active,
		"soft_revoked": delta.SoftRevoked,
		"hard_revoked": delta.HardRevoked,
	}

	for field, increment := range increments {
		if increment == 0 {
			continue
		}

		value, err := s.conn.HIncrBy(ctx, key, field, increment).Result()
		if err != nil {
			return err
		}

		if value < 0 {
			logger.Warn(ctx, "counter decrement below zero, clamping",
				"counter.user_id", delta.UserID,
				"counter.name", field,
				"block.height", delta.BlockHeight,
				"transaction.hash", delta.TxHash,
			)
			if err := s.conn.HSet(ctx, key, field, 0).Err(); err != nil {
				return err
			}
		}
	}

	return nil
}
