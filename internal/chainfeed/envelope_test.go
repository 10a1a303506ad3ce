package chainfeed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("decodes a full contract call envelope", func(t *testing.T) {
		payload := []byte(`{
			"block_identifier": {"index": 100, "hash": "0xblock100"},
			"parent_block_identifier": {"index": 99, "hash": "0xblock99"},
			"timestamp": 1748779200,
			"transactions": [{
				"transaction_index": 0,
				"transaction_hash": "0xtx1",
				"operations": [{
					"type": "contract_call",
					"contract_call": {
						"contract": "0xbadges",
						"method": "mint-badge",
						"args": ["b1", "u1", "c1", "contributor", "gold"]
					}
				}]
			}]
		}`)

		env, err := Decode(payload)
		require.NoError(t, err)

		assert.Equal(t, int64(100), env.BlockIdentifier.Index)
		assert.Equal(t, "0xblock100", env.BlockIdentifier.Hash)
		assert.Equal(t, int64(99), env.ParentBlockIdentifier.Index)
		require.Len(t, env.Transactions, 1)
		require.Len(t, env.Transactions[0].Operations, 1)

		op := env.Transactions[0].Operations[0]
		assert.Equal(t, OperationContractCall, op.Type)
		require.NotNil(t, op.ContractCall)
		assert.Equal(t, "mint-badge", op.ContractCall.Method)
		assert.Len(t, op.ContractCall.Args, 5)
		assert.False(t, env.IsReorg())
	})

	t.Run("decodes the reorg variant", func(t *testing.T) {
		payload := []byte(`{
			"block_identifier": {"index": 105, "hash": "0xnew105"},
			"parent_block_identifier": {"index": 104, "hash": "0xnew104"},
			"rollback_to": {"block_identifier": {"index": 99, "hash": "0xblock99"}},
			"new_block": {"block_identifier": {"index": 105, "hash": "0xnew105"}},
			"affected_transactions": ["0xtx1", "0xtx2"]
		}`)

		env, err := Decode(payload)
		require.NoError(t, err)

		assert.True(t, env.IsReorg())
		require.NotNil(t, env.RollbackTo)
		assert.Equal(t, int64(99), env.RollbackTo.BlockIdentifier.Index)
		require.NotNil(t, env.NewBlock)
		assert.Equal(t, int64(105), env.NewBlock.BlockIdentifier.Index)
		assert.Equal(t, []string{"0xtx1", "0xtx2"}, env.AffectedTransactions)
	})

	t.Run("decodes emitted contract events", func(t *testing.T) {
		payload := []byte(`{
			"block_identifier": {"index": 200, "hash": "0xblock200"},
			"transactions": [{
				"transaction_hash": "0xtx9",
				"operations": [{
					"type": "emit",
					"events": [{
						"type": "contract_event",
						"contract_address": "0xbadges",
						"topic": "badges::revoke",
						"value": {"badge_id": "b1", "user_id": "u1"}
					}]
				}]
			}]
		}`)

		env, err := Decode(payload)
		require.NoError(t, err)

		op := env.Transactions[0].Operations[0]
		assert.Equal(t, OperationEmit, op.Type)
		require.Len(t, op.Events, 1)
		assert.Equal(t, "badges::revoke", op.Events[0].Topic)
		assert.Equal(t, "b1", op.Events[0].Value["badge_id"])
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		_, err := Decode([]byte("{not json"))
		require.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("rejects a missing block hash", func(t *testing.T) {
		_, err := Decode([]byte(`{"block_identifier": {"index": 1}}`))
		require.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("rejects a negative block height", func(t *testing.T) {
		_, err := Decode([]byte(`{"block_identifier": {"index": -5, "hash": "0xh"}}`))
		require.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("rejects a transaction without a hash", func(t *testing.T) {
		_, err := Decode([]byte(`{
			"block_identifier": {"index": 1, "hash": "0xh"},
			"transactions": [{"transaction_index": 0}]
		}`))
		require.ErrorIs(t, err, ErrMalformedEnvelope)
	})
}

func TestResolvedTimestamp(t *testing.T) {
	t.Run("explicit timestamp in seconds wins", func(t *testing.T) {
		env := Envelope{Timestamp: 1748779200}
		assert.Equal(t, time.Unix(1748779200, 0).UTC(), env.ResolvedTimestamp())
	})

	t.Run("explicit timestamp in milliseconds is detected", func(t *testing.T) {
		env := Envelope{Timestamp: 1748779200000}
		assert.Equal(t, time.UnixMilli(1748779200000).UTC(), env.ResolvedTimestamp())
	})

	t.Run("falls back to block_time metadata", func(t *testing.T) {
		env := Envelope{Metadata: map[string]any{"block_time": float64(1748779200)}}
		assert.Equal(t, time.Unix(1748779200, 0).UTC(), env.ResolvedTimestamp())
	})

	t.Run("burn_block_time is consulted after block_time", func(t *testing.T) {
		env := Envelope{Metadata: map[string]any{"burn_block_time": float64(1748779300)}}
		assert.Equal(t, time.Unix(1748779300, 0).UTC(), env.ResolvedTimestamp())
	})

	t.Run("wall clock fallback when nothing usable is present", func(t *testing.T) {
		before := time.Now().UTC()
		resolved := Envelope{Metadata: map[string]any{"block_time": "not a number"}}.ResolvedTimestamp()
		after := time.Now().UTC()

		assert.False(t, resolved.Before(before))
		assert.False(t, resolved.After(after))
	})
}
