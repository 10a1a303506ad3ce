package chainfeed

import "time"

// Metadata keys consulted when the envelope carries no explicit timestamp.
// Older notifier versions reported the block time under a metadata field
// instead of the top-level timestamp.
const (
	metadataBlockTimeKey = "block_time"
	metadataBurnTimeKey  = "burn_block_time"
	unixMillisecondFloor = int64(1e12)
)

// ResolvedTimestamp returns the logical time of the envelope.
//
// Precedence, highest first:
//  1. the explicit top-level timestamp,
//  2. a numeric "block_time" or "burn_block_time" metadata field,
//  3. the current wall clock.
//
// Values at or above 1e12 are interpreted as Unix milliseconds, otherwise as
// Unix seconds, since notifier versions disagree on the unit.
func (e Envelope) ResolvedTimestamp() time.Time {
	if e.Timestamp > 0 {
		return fromUnixFlexible(e.Timestamp)
	}

	for _, key := range []string{metadataBlockTimeKey, metadataBurnTimeKey} {
		if raw, ok := e.Metadata[key]; ok {
			if ts, ok := numericValue(raw); ok && ts > 0 {
				return fromUnixFlexible(ts)
			}
		}
	}

	return time.Now().UTC()
}

// fromUnixFlexible converts a Unix timestamp in either seconds or
// milliseconds into a UTC time.
func fromUnixFlexible(ts int64) time.Time {
	if ts >= unixMillisecondFloor {
		return time.UnixMilli(ts).UTC()
	}
	return time.Unix(ts, 0).UTC()
}

// numericValue coerces the JSON number representations an untyped metadata
// map may hold into an int64.
func numericValue(raw any) (int64, bool) {
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}
