package extract

import (
	"context"
	"strings"

	"github.com/gabapcia/badgewatch/internal/chainfeed"
	"github.com/gabapcia/badgewatch/internal/event"
	"github.com/gabapcia/badgewatch/internal/pkg/logger"
)

// metadataMethod is the contract-call entrypoint that repoints a badge's
// metadata.
//
// Positional argument order (fixed per method version):
//
//	[0] badge id (required)
//	[1] metadata uri
//	[2] updated by
const metadataMethod = "update-badge-metadata"

// metadataTopicMarker identifies metadata-update print events by topic.
const metadataTopicMarker = "metadata"

// metadataExtractor extracts BadgeMetadataUpdate events.
type metadataExtractor struct {
	contract string
	memo     *canHandleMemo
}

var _ Extractor = (*metadataExtractor)(nil)

// NewMetadataExtractor creates the badge-metadata-update extractor.
func NewMetadataExtractor(contract string) *metadataExtractor {
	return &metadataExtractor{
		contract: contract,
		memo:     newCanHandleMemo(),
	}
}

func (x *metadataExtractor) Name() string { return string(event.TypeBadgeMetadataUpdate) }

func (x *metadataExtractor) CanHandle(env chainfeed.Envelope) bool {
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

func (x *metadataExtractor) opMatches(op chainfeed.Operation) bool {
	switch op.Type {
	case chainfeed.OperationContractCall:
		return op.ContractCall != nil &&
			op.ContractCall.Method == metadataMethod &&
			contractMatches(x.contract, op.ContractCall.Contract)
	case chainfeed.OperationEmit:
		for _, ev := range op.Events {
			if ev.Type == chainfeed.ContractEventType &&
				strings.Contains(ev.Topic, metadataTopicMarker) &&
				contractMatches(x.contract, ev.ContractAddress) {
				return true
			}
		}
	}
	return false
}

func (x *metadataExtractor) Extract(ctx context.Context, env chainfeed.Envelope) Outcome {
	var out Outcome
	occurredAt := env.ResolvedTimestamp()

	for _, tx := range env.Transactions {
		for _, op := range tx.Operations {
			switch op.Type {
			case chainfeed.OperationContractCall:
				if op.ContractCall == nil ||
					op.ContractCall.Method != metadataMethod ||
					!contractMatches(x.contract, op.ContractCall.Contract) {
					continue
				}

				badgeID, ok := argString(op.ContractCall.Args, 0)
				if !ok {
					out.Skipped = append(out.Skipped, x.skip(ctx, tx, metadataMethod, "missing required field badge_id"))
					continue
				}

				metadataURI, _ := argString(op.ContractCall.Args, 1)
				updatedBy, _ := argString(op.ContractCall.Args, 2)

				out.Events = append(out.Events, event.BadgeMetadataUpdate{
					Provenance:  provenanceFor(env, tx, op.ContractCall.Contract),
					BadgeID:     badgeID,
					MetadataURI: metadataURI,
					UpdatedBy:   updatedBy,
					OccurredAt:  occurredAt,
				})

			case chainfeed.OperationEmit:
				for _, cev := range op.Events {
					if cev.Type != chainfeed.ContractEventType ||
						!strings.Contains(cev.Topic, metadataTopicMarker) ||
						!contractMatches(x.contract, cev.ContractAddress) {
						continue
					}

					badgeID, ok := fieldString(cev.Value, spellingsOf("badge_id")...)
					if !ok {
						out.Skipped = append(out.Skipped, x.skip(ctx, tx, cev.Topic, "missing required field badge_id"))
						continue
					}

					metadataURI, _ := fieldString(cev.Value, spellingsOf("metadata_uri")...)
					updatedBy, _ := fieldString(cev.Value, spellingsOf("updated_by")...)

					attributes := make(map[string]string)
					for key, raw := range cev.Value {
						if s, ok := raw.(string); ok {
							attributes[key] = s
						}
					}

					out.Events = append(out.Events, event.BadgeMetadataUpdate{
						Provenance:  provenanceFor(env, tx, cev.ContractAddress),
						BadgeID:     badgeID,
						MetadataURI: metadataURI,
						Attributes:  attributes,
						UpdatedBy:   updatedBy,
						OccurredAt:  occurredAt,
					})
				}
			}
		}
	}

	return out
}

func (x *metadataExtractor) skip(ctx context.Context, tx chainfeed.Transaction, method, reason string) Skip {
	logger.Warn(ctx, "skipping metadata update operation",
		"tx.hash", tx.TransactionHash,
		"operation.method", method,
		"skip.reason", reason,
	)

	return Skip{TxHash: tx.TransactionHash, Method: method, Reason: reason}
}
