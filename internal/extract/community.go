package extract

import (
	"context"
	"strings"

	"github.com/gabapcia/badgewatch/internal/chainfeed"
	"github.com/gabapcia/badgewatch/internal/event"
	"github.com/gabapcia/badgewatch/internal/pkg/logger"
)

// communityMethod is the contract-call entrypoint that creates a community.
//
// Positional argument order (fixed per method version):
//
//	[0] community id (required)
//	[1] name
//	[2] created by
const communityMethod = "create-community"

// communityTopicMarker identifies community-creation print events by topic.
const communityTopicMarker = "community"

// communityExtractor extracts CommunityCreation events.
type communityExtractor struct {
	contract string
	memo     *canHandleMemo
}

var _ Extractor = (*communityExtractor)(nil)

// NewCommunityExtractor creates the community-creation extractor.
func NewCommunityExtractor(contract string) *communityExtractor {
	return &communityExtractor{
		contract: contract,
		memo:     newCanHandleMemo(),
	}
}

func (x *communityExtractor) Name() string { return string(event.TypeCommunityCreation) }

func (x *communityExtractor) CanHandle(env chainfeed.Envelope) bool {
	return x.memo.lookup(env, func() bool {
		for _, tx := range env.Transactions {
			for _, op := range tx.Operations {
				if x.opMatches(op) {
					return true
				}
			}
		}
		return false
	})
}

func (x *communityExtractor) opMatches(op chainfeed.Operation) bool {
	switch op.Type {
	case chainfeed.OperationContractCall:
		return op.ContractCall != nil &&
			op.ContractCall.Method == communityMethod &&
			contractMatches(x.contract, op.ContractCall.Contract)
	case chainfeed.OperationEmit:
		for _, ev := range op.Events {
			if ev.Type == chainfeed.ContractEventType &&
				strings.Contains(ev.Topic, communityTopicMarker) &&
				contractMatches(x.contract, ev.ContractAddress) {
				return true
			}
		}
	}
	return false
}

func (x *communityExtractor) Extract(ctx context.Context, env chainfeed.Envelope) Outcome {
	var out Outcome
	occurredAt := env.ResolvedTimestamp()

	for _, tx := range env.Transactions {
		for _, op := range tx.Operations {
			switch op.Type {
			case chainfeed.OperationContractCall:
				if op.ContractCall == nil ||
					op.ContractCall.Method != communityMethod ||
					!contractMatches(x.contract, op.ContractCall.Contract) {
					continue
				}

				communityID, ok := argString(op.ContractCall.Args, 0)
				if !ok {
					out.Skipped = append(out.Skipped, x.skip(ctx, tx, communityMethod, "missing required field community_id"))
					continue
				}

				name, _ := argString(op.ContractCall.Args, 1)
				createdBy, _ := argString(op.ContractCall.Args, 2)

				out.Events = append(out.Events, event.CommunityCreation{
					Provenance:  provenanceFor(env, tx, op.ContractCall.Contract),
					CommunityID: communityID,
					Name:        name,
					CreatedBy:   createdBy,
					OccurredAt:  occurredAt,
				})

			case chainfeed.OperationEmit:
				for _, cev := range op.Events {
					if cev.Type != chainfeed.ContractEventType ||
						!strings.Contains(cev.Topic, communityTopicMarker) ||
						!contractMatches(x.contract, cev.ContractAddress) {
						continue
					}

					communityID, ok := fieldString(cev.Value, spellingsOf("community_id")...)
					if !ok {
						out.Skipped = append(out.Skipped, x.skip(ctx, tx, cev.Topic, "missing required field community_id"))
						continue
					}

					name, _ := fieldString(cev.Value, spellingsOf("name")...)
					createdBy, _ := fieldString(cev.Value, spellingsOf("created_by")...)

					out.Events = append(out.Events, event.CommunityCreation{
						Provenance:  provenanceFor(env, tx, cev.ContractAddress),
						CommunityID: communityID,
						Name:        name,
						CreatedBy:   createdBy,
						OccurredAt:  occurredAt,
					})
				}
			}
		}
	}

	return out
}

func (x *communityExtractor) skip(ctx context.Context, tx chainfeed.Transaction, method, reason string) Skip {
	logger.Warn(ctx, "skipping community creation operation",
		"tx.hash", tx.TransactionHash,
		"operation.method", method,
		"skip.reason", reason,
	)

	return Skip{TxHash: tx.TransactionHash, Method: method, Reason: reason}
}
