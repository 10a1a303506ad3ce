package event

import (
	"encoding/json"
	"fmt"
)

// envelope is the wire form used when persisting domain events outside the
// process (e.g., in a Redis-backed idempotency store). The Type tag selects
// which concrete struct the Data field decodes into.
type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Marshal encodes a list of domain events into a self-describing JSON form
// that Unmarshal can restore without losing the concrete variant.
func Marshal(events []DomainEvent) ([]byte, error) {
	encoded := make([]envelope, 0, len(events))
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encoding %s event: %w", ev.EventType(), err)
		}

		encoded = append(encoded, envelope{Type: ev.EventType(), Data: data})
	}

	return json.Marshal(encoded)
}

// Unmarshal restores a list of domain events previously produced by Marshal.
//
// An unknown type tag yields an error rather than a silently dropped event,
// since a store round-trip must never lose side-effect information.
func Unmarshal(data []byte) ([]DomainEvent, error) {
	var encoded []envelope
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, err
	}

	events := make([]DomainEvent, 0, len(encoded))
	for _, e := range encoded {
		var (
			ev  DomainEvent
			err error
		)

		switch e.Type {
		case TypeBadgeMint:
			var v BadgeMint
			err = json.Unmarshal(e.Data, &v)
			ev = v
		case TypeBadgeRevocation:
			var v BadgeRevocation
			err = json.Unmarshal(e.Data, &v)
			ev = v
		case TypeBadgeMetadataUpdate:
			var v BadgeMetadataUpdate
			err = json.Unmarshal(e.Data, &v)
			ev = v
		case TypeCommunityCreation:
			var v CommunityCreation
			err = json.Unmarshal(e.Data, &v)
			ev = v
		default:
			return nil, fmt.Errorf("unknown domain event type %q", e.Type)
		}

		if err != nil {
			return nil, fmt.Errorf("decoding %s event: %w", e.Type, err)
		}

		events = append(events, ev)
	}

	return events, nil
}
