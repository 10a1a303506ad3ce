package extract

import (
	"context"
	"strings"

	"github.com/gabapcia/badgewatch/internal/chainfeed"
	"github.com/gabapcia/badgewatch/internal/event"
	"github.com/gabapcia/badgewatch/internal/pkg/logger"
)

// mintMethod is the contract-call entrypoint that issues a badge.
//
// Positional argument order (fixed per method version):
//
//	[0] badge id (required)
//	[1] user id (required)
//	[2] community id
//	[3] category
//	[4] level
//	[5] minted by
const mintMethod = "mint-badge"

// mintTopicMarker identifies badge-mint print events by topic.
const mintTopicMarker = "mint"

// mintExtractor extracts BadgeMint events.
type mintExtractor struct {
	contract string // optional contract-address filter; empty accepts any
	memo     *canHandleMemo
}

// Compile-time check that *mintExtractor implements Extractor.
var _ Extractor = (*mintExtractor)(nil)

// NewMintExtractor creates the badge-mint extractor. A non-empty contract
// restricts extraction to operations on that address.
func NewMintExtractor(contract string) *mintExtractor {
	return &mintExtractor{
		contract: contract,
		memo:     newCanHandleMemo(),
	}
}

func (x *mintExtractor) Name() string { return string(event.TypeBadgeMint) }

// CanHandle reports whether the envelope contains at least one mint
// operation. Verdicts are memoized per envelope key for a short TTL.
func (x *mintExtractor) CanHandle(env chainfeed.Envelope) bool {
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

func (x *mintExtractor) opMatches(op chainfeed.Operation) bool {
	switch op.Type {
	case chainfeed.OperationContractCall:
		return op.ContractCall != nil &&
			op.ContractCall.Method == mintMethod &&
			contractMatches(x.contract, op.ContractCall.Contract)
	case chainfeed.OperationEmit:
		for _, ev := range op.Events {
			if ev.Type == chainfeed.ContractEventType &&
				strings.Contains(ev.Topic, mintTopicMarker) &&
				contractMatches(x.contract, ev.ContractAddress) {
				return true
			}
		}
	}
	return false
}

// Extract maps every mint operation to a BadgeMint event. An operation
// missing a required field is skipped with a warning; its siblings are
// unaffected.
func (x *mintExtractor) Extract(ctx context.Context, env chainfeed.Envelope) Outcome {
	var out Outcome
	occurredAt := env.ResolvedTimestamp()

	for _, tx := range env.Transactions {
		for _, op := range tx.Operations {
			switch op.Type {
			case chainfeed.OperationContractCall:
				if op.ContractCall == nil ||
					op.ContractCall.Method != mintMethod ||
					!contractMatches(x.contract, op.ContractCall.Contract) {
					continue
				}

				args := op.ContractCall.Args

				badgeID, ok := argString(args, 0)
				if !ok {
					out.Skipped = append(out.Skipped, x.skip(ctx, tx, mintMethod, "missing required field badge_id"))
					continue
				}

				userID, ok := argString(args, 1)
				if !ok {
					out.Skipped = append(out.Skipped, x.skip(ctx, tx, mintMethod, "missing required field user_id"))
					continue
				}

				communityID, _ := argString(args, 2)
				category, _ := argString(args, 3)
				level, _ := argString(args, 4)
				mintedBy, _ := argString(args, 5)

				out.Events = append(out.Events, event.BadgeMint{
					Provenance:  provenanceFor(env, tx, op.ContractCall.Contract),
					BadgeID:     badgeID,
					UserID:      userID,
					CommunityID: communityID,
					Category:    category,
					Level:       level,
					MintedBy:    mintedBy,
					OccurredAt:  occurredAt,
				})

			case chainfeed.OperationEmit:
				for _, cev := range op.Events {
					if cev.Type != chainfeed.ContractEventType ||
						!strings.Contains(cev.Topic, mintTopicMarker) ||
						!contractMatches(x.contract, cev.ContractAddress) {
						continue
					}

					badgeID, ok := fieldString(cev.Value, spellingsOf("badge_id")...)
					if !ok {
						out.Skipped = append(out.Skipped, x.skip(ctx, tx, cev.Topic, "missing required field badge_id"))
						continue
					}

					userID, ok := fieldString(cev.Value, spellingsOf("user_id")...)
					if !ok {
						out.Skipped = append(out.Skipped, x.skip(ctx, tx, cev.Topic, "missing required field user_id"))
						continue
					}

					communityID, _ := fieldString(cev.Value, spellingsOf("community_id")...)
					category, _ := fieldString(cev.Value, spellingsOf("category")...)
					level, _ := fieldString(cev.Value, spellingsOf("level")...)
					mintedBy, _ := fieldString(cev.Value, spellingsOf("minted_by")...)

					out.Events = append(out.Events, event.BadgeMint{
						Provenance:  provenanceFor(env, tx, cev.ContractAddress),
						BadgeID:     badgeID,
						UserID:      userID,
						CommunityID: communityID,
						Category:    category,
						Level:       level,
						MintedBy:    mintedBy,
						OccurredAt:  occurredAt,
					})
				}
			}
		}
	}

	return out
}

func (x *mintExtractor) skip(ctx context.Context, tx chainfeed.Transaction, method, reason string) Skip {
	logger.Warn(ctx, "skipping mint operation",
		"tx.hash", tx.TransactionHash,
		"operation.method", method,
		"skip.reason", reason,
	)

	return Skip{TxHash: tx.TransactionHash, Method: method, Reason: reason}
}
