// Package event defines the typed domain events produced by envelope
// extraction, together with the provenance key that ties every derived
// mutation back to the chain event that caused it.
//
// Everything downstream of extraction operates exclusively on these types;
// raw notifier payloads never cross the extraction boundary.
package event

import (
	"fmt"
	"time"
)

// Type identifies the family a domain event belongs to.
type Type string

const (
	TypeBadgeMint           Type = "badge_mint"
	TypeBadgeRevocation     Type = "badge_revocation"
	TypeBadgeMetadataUpdate Type = "badge_metadata_update"
	TypeCommunityCreation   Type = "community_creation"
)

// RevocationKind distinguishes a soft revocation (badge deactivated, record
// retained) from a hard revocation (badge record destroyed).
type RevocationKind string

const (
	RevocationSoft RevocationKind = "soft"
	RevocationHard RevocationKind = "hard"
)

// Provenance is the (blockHeight, transactionHash, contractAddress) triple
// carried by every domain event. The height/hash pair is the rollback key:
// any derived mutation tagged with it can be located and undone when the
// chain history that produced it is discarded.
type Provenance struct {
	BlockHeight int64  // Height of the block containing the causing transaction
	TxHash      string // Hash of the causing transaction
	Contract    string // Contract address the operation targeted
}

// Key returns the canonical "blockHeight:transactionHash" form of the
// provenance, used as the idempotency and rollback lookup key.
func (p Provenance) Key() string {
	return fmt.Sprintf("%d:%s", p.BlockHeight, p.TxHash)
}

// DomainEvent is the tagged union over all event families. Concrete values
// are one of BadgeMint, BadgeRevocation, BadgeMetadataUpdate or
// CommunityCreation; consumers branch with a type switch.
type DomainEvent interface {
	// EventType returns the family tag of the event.
	EventType() Type

	// EventProvenance returns the provenance triple of the causing operation.
	EventProvenance() Provenance
}

// BadgeMint records the issuance of a badge to a user.
type BadgeMint struct {
	Provenance  Provenance
	BadgeID     string
	UserID      string
	CommunityID string
	Category    string
	Level       string
	MintedBy    string
	OccurredAt  time.Time
}

func (e BadgeMint) EventType() Type             { return TypeBadgeMint }
func (e BadgeMint) EventProvenance() Provenance { return e.Provenance }

// BadgeRevocation records the soft or hard revocation of a badge.
type BadgeRevocation struct {
	Provenance Provenance
	BadgeID    string
	UserID     string
	Kind       RevocationKind
	Category   string
	Level      string
	Reason     string
	RevokedBy  string
	OccurredAt time.Time
}

func (e BadgeRevocation) EventType() Type             { return TypeBadgeRevocation }
func (e BadgeRevocation) EventProvenance() Provenance { return e.Provenance }

// BadgeMetadataUpdate records a change to a badge's off-chain metadata
// pointer or attributes.
type BadgeMetadataUpdate struct {
	Provenance  Provenance
	BadgeID     string
	MetadataURI string
	Attributes  map[string]string
	UpdatedBy   string
	OccurredAt  time.Time
}

func (e BadgeMetadataUpdate) EventType() Type             { return TypeBadgeMetadataUpdate }
func (e BadgeMetadataUpdate) EventProvenance() Provenance { return e.Provenance }

// CommunityCreation records the creation of a new badge-issuing community.
type CommunityCreation struct {
	Provenance  Provenance
	CommunityID string
	Name        string
	CreatedBy   string
	OccurredAt  time.Time
}

func (e CommunityCreation) EventType() Type             { return TypeCommunityCreation }
func (e CommunityCreation) EventProvenance() Provenance { return e.Provenance }
