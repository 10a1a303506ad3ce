package extract

import (
	"context"
	"strings"

	"github.com/gabapcia/badgewatch/internal/chainfeed"
	"github.com/gabapcia/badgewatch/internal/event"
	"github.com/gabapcia/badgewatch/internal/pkg/logger"
)

// Revocation contract-call entrypoints. "revoke-badge" deactivates the badge
// but keeps its record (soft); "burn-badge" destroys it (hard).
//
// Positional argument order (fixed per method version):
//
//	[0] badge id (required)
//	[1] user id (required)
//	[2] reason
//	[3] revoked by
const (
	revokeMethod = "revoke-badge"
	burnMethod   = "burn-badge"
)

// Topic markers identifying revocation print events.
const (
	revokeTopicMarker = "revoke"
	burnTopicMarker   = "burn"
)

// revocationExtractor extracts BadgeRevocation events.
type revocationExtractor struct {
	contract string
	memo     *canHandleMemo
}

var _ Extractor = (*revocationExtractor)(nil)

// NewRevocationExtractor creates the badge-revocation extractor.
func NewRevocationExtractor(contract string) *revocationExtractor {
	return &revocationExtractor{
		contract: contract,
		memo:     newCanHandleMemo(),
	}
}

func (x *revocationExtractor) Name() string { return string(event.TypeBadgeRevocation) }

// revocationKindForMethod returns the revocation kind for a contract-call
// method, or "" when the method is not a revocation.
func revocationKindForMethod(method string) event.RevocationKind {
	switch method {
	case revokeMethod:
		return event.RevocationSoft
	case burnMethod:
		return event.RevocationHard
	default:
		return ""
	}
}

// revocationKindForTopic returns the revocation kind for a print-event
// topic, or "" when the topic is not a revocation.
func revocationKindForTopic(topic string) event.RevocationKind {
	switch {
	case strings.Contains(topic, burnTopicMarker):
		return event.RevocationHard
	case strings.Contains(topic, revokeTopicMarker):
		return event.RevocationSoft
	default:
		return ""
	}
}

// CanHandle reports whether the envelope contains at least one revocation
// operation. Verdicts are memoized per envelope key for a short TTL.
func (x *revocationExtractor) CanHandle(env chainfeed.Envelope) bool {
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

func (x *revocationExtractor) opMatches(op chainfeed.Operation) bool {
	switch op.Type {
	case chainfeed.OperationContractCall:
		return op.ContractCall != nil &&
			revocationKindForMethod(op.ContractCall.Method) != "" &&
			contractMatches(x.contract, op.ContractCall.Contract)
	case chainfeed.OperationEmit:
		for _, ev := range op.Events {
			if ev.Type == chainfeed.ContractEventType &&
				revocationKindForTopic(ev.Topic) != "" &&
				contractMatches(x.contract, ev.ContractAddress) {
				return true
			}
		}
	}
	return false
}

// Extract maps every revocation operation to a BadgeRevocation event.
func (x *revocationExtractor) Extract(ctx context.Context, env chainfeed.Envelope) Outcome {
	var out Outcome
	occurredAt := env.ResolvedTimestamp()

	for _, tx := range env.Transactions {
		for _, op := range tx.Operations {
			switch op.Type {
			case chainfeed.OperationContractCall:
				if op.ContractCall == nil || !contractMatches(x.contract, op.ContractCall.Contract) {
					continue
				}

				kind := revocationKindForMethod(op.ContractCall.Method)
				if kind == "" {
					continue
				}

				args := op.ContractCall.Args

				badgeID, ok := argString(args, 0)
				if !ok {
					out.Skipped = append(out.Skipped, x.skip(ctx, tx, op.ContractCall.Method, "missing required field badge_id"))
					continue
				}

				userID, ok := argString(args, 1)
				if !ok {
					out.Skipped = append(out.Skipped, x.skip(ctx, tx, op.ContractCall.Method, "missing required field user_id"))
					continue
				}

				reason, _ := argString(args, 2)
				revokedBy, _ := argString(args, 3)

				out.Events = append(out.Events, event.BadgeRevocation{
					Provenance: provenanceFor(env, tx, op.ContractCall.Contract),
					BadgeID:    badgeID,
					UserID:     userID,
					Kind:       kind,
					Reason:     reason,
					RevokedBy:  revokedBy,
					OccurredAt: occurredAt,
				})

			case chainfeed.OperationEmit:
				for _, cev := range op.Events {
					if cev.Type != chainfeed.ContractEventType || !contractMatches(x.contract, cev.ContractAddress) {
						continue
					}

					kind := revocationKindForTopic(cev.Topic)
					if kind == "" {
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

					category, _ := fieldString(cev.Value, spellingsOf("category")...)
					level, _ := fieldString(cev.Value, spellingsOf("level")...)
					reason, _ := fieldString(cev.Value, spellingsOf("reason")...)
					revokedBy, _ := fieldString(cev.Value, spellingsOf("revoked_by")...)

					out.Events = append(out.Events, event.BadgeRevocation{
						Provenance: provenanceFor(env, tx, cev.ContractAddress),
						BadgeID:    badgeID,
						UserID:     userID,
						Kind:       kind,
						Category:   category,
						Level:      level,
						Reason:     reason,
						RevokedBy:  revokedBy,
						OccurredAt: occurredAt,
					})
				}
			}
		}
	}

	return out
}

func (x *revocationExtractor) skip(ctx context.Context, tx chainfeed.Transaction, method, reason string) Skip {
	logger.Warn(ctx, "skipping revocation operation",
		"tx.hash", tx.TransactionHash,
		"operation.method", method,
		"skip.reason", reason,
	)

	return Skip{TxHash: tx.TransactionHash, Method: method, Reason: reason}
}
