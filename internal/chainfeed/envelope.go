// Package chainfeed defines the wire format of notifications pushed by the
// upstream chain-event notifier and the validation applied before an
// envelope enters the processing pipeline.
//
// An envelope is transient: it is decoded, validated, handed to the event
// processor, and discarded. The notifier's block/transaction framing is
// trusted as-is; only the envelope's own structural integrity is checked.
package chainfeed

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Operation type tags as they appear on the wire.
const (
	OperationContractCall = "contract_call"
	OperationEmit         = "emit"
)

// ContractEventType is the only event type emitted inside "emit" operations
// that carries contract event data.
const ContractEventType = "contract_event"

// ErrMalformedEnvelope is the root error for any structural validation
// failure on an inbound envelope.
var ErrMalformedEnvelope = errors.New("malformed chain event envelope")

// BlockIdentifier names a block by height and hash.
type BlockIdentifier struct {
	Index int64  `json:"index"`
	Hash  string `json:"hash"`
}

// ContractCall is the decoded payload of a "contract_call" operation.
// Args are positional: each method has a fixed, versioned argument order.
type ContractCall struct {
	Contract string `json:"contract"`
	Method   string `json:"method"`
	Args     []any  `json:"args"`
}

// ContractEvent is a single event emitted by a contract inside an "emit"
// operation. Value carries the notifier's untyped field map; field names
// vary between notifier payload versions.
type ContractEvent struct {
	Type            string         `json:"type"`
	ContractAddress string         `json:"contract_address"`
	Topic           string         `json:"topic"`
	Value           map[string]any `json:"value"`
}

// Operation is either a contract call or a batch of emitted contract events,
// discriminated by Type.
type Operation struct {
	Type         string          `json:"type"`
	ContractCall *ContractCall   `json:"contract_call,omitempty"`
	Events       []ContractEvent `json:"events,omitempty"`
}

// Transaction is one transaction inside an envelope, with its ordered
// operations.
type Transaction struct {
	TransactionIndex int64       `json:"transaction_index"`
	TransactionHash  string      `json:"transaction_hash"`
	Operations       []Operation `json:"operations"`
}

// RollbackTarget wraps the block identifier fields carried by the reorg
// variant of the envelope.
type RollbackTarget struct {
	BlockIdentifier BlockIdentifier `json:"block_identifier"`
}

// Envelope is one notification from the upstream feed. The reorg variant
// additionally populates RollbackTo, NewBlock and AffectedTransactions.
type Envelope struct {
	BlockIdentifier       BlockIdentifier `json:"block_identifier"`
	ParentBlockIdentifier BlockIdentifier `json:"parent_block_identifier"`
	Timestamp             int64           `json:"timestamp"`
	Transactions          []Transaction   `json:"transactions"`
	Metadata              map[string]any  `json:"metadata,omitempty"`

	RollbackTo           *RollbackTarget `json:"rollback_to,omitempty"`
	NewBlock             *RollbackTarget `json:"new_block,omitempty"`
	AffectedTransactions []string        `json:"affected_transactions,omitempty"`
}

// IsReorg reports whether the envelope declares any of the reorg-variant
// fields. It does not judge whether those fields are coherent; that is the
// rollback detector's job.
func (e Envelope) IsReorg() bool {
	return e.RollbackTo != nil || e.NewBlock != nil || len(e.AffectedTransactions) > 0
}

// Decode parses and validates a raw notifier payload.
//
// A decode or validation failure affects only the offending envelope; the
// caller logs it and moves on to the next notification.
func Decode(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}

	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}

	return env, nil
}

// Validate checks the structural invariants every envelope must satisfy
// before it may enter the pipeline.
func (e Envelope) Validate() error {
	if e.BlockIdentifier.Hash == "" {
		return fmt.Errorf("%w: missing block hash", ErrMalformedEnvelope)
	}

	if e.BlockIdentifier.Index < 0 {
		return fmt.Errorf("%w: negative block height %d", ErrMalformedEnvelope, e.BlockIdentifier.Index)
	}

	for i, tx := range e.Transactions {
		if tx.TransactionHash == "" {
			return fmt.Errorf("%w: transaction %d has no hash", ErrMalformedEnvelope, i)
		}
	}

	return nil
}
