package domain

import (
	"context"
	"time"
)

type AuditActorType string

const (
	// AuditGenesisHash is the previous hash of the first record in every trail.
	AuditGenesisHash  = "0000000000000000000000000000000000000000000000000000000000000000"
	AuditChainVersion = "audit_trail_v1"

	AuditActorUser   AuditActorType = "user"
	AuditActorSigner AuditActorType = "signer"
	AuditActorSystem AuditActorType = "system"
)

// Well-known workflow actions. Action stays a free-form string so callers can
// record product-specific steps without a code change.
const (
	ActionDocumentAccessed     = "document_accessed"
	ActionIdentityProvided     = "identity_provided"
	ActionConsentGiven         = "consent_given"
	ActionOTPSent              = "otp_sent"
	ActionOTPVerified          = "otp_verificado"
	ActionTimestampObtained    = "timestamp_obtained"
	ActionTimestampUnavailable = "timestamp_unavailable"
	ActionSignatureCreated     = "signature_created"
)

type AuditActor struct {
	Type       AuditActorType `json:"type"`
	Identifier string         `json:"identifier"`
}

type AuditResource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

type AuditMetadata struct {
	IPAddress string `json:"ipAddress"`
	UserAgent string `json:"userAgent"`
}

type AuditRecord struct {
	SequenceIndex int64          `json:"sequenceIndex"`
	Timestamp     time.Time      `json:"timestamp"`
	Action        string         `json:"action"`
	Actor         AuditActor     `json:"actor"`
	Resource      AuditResource  `json:"resource"`
	Details       map[string]any `json:"details"`
	Metadata      AuditMetadata  `json:"metadata"`
	RecordHash    string         `json:"recordHash"`
	PreviousHash  string         `json:"previousHash"`
}

type AuditTrail struct {
	ResourceID   string        `json:"resourceId"`
	ResourceName string        `json:"resourceName"`
	Records      []AuditRecord `json:"records"`
	CreatedAt    time.Time     `json:"createdAt"`
	SealedAt     *time.Time    `json:"sealedAt,omitempty"`
	SealHash     string        `json:"sealHash,omitempty"`
}

func (t AuditTrail) Sealed() bool {
	return t.SealedAt != nil
}

// LastHash returns the hash the next appended record must chain from.
func (t AuditTrail) LastHash() string {
	if len(t.Records) == 0 {
		return AuditGenesisHash
	}
	return t.Records[len(t.Records)-1].RecordHash
}

// AppendInput carries the caller-supplied part of a new record.
type AppendInput struct {
	Action   string
	Actor    AuditActor
	Resource AuditResource
	Details  map[string]any
	Metadata AuditMetadata
}

// AuditExport is the snapshot embedded into downstream evidence documents.
// Its field names are part of the evidence format and must stay stable.
type AuditExport struct {
	Version      string           `json:"version"`
	ResourceID   string           `json:"resourceId"`
	ResourceName string           `json:"resourceName"`
	CreatedAt    string           `json:"createdAt"`
	GenesisHash  string           `json:"genesisHash"`
	Records      []ExportedRecord `json:"records"`
	SealedAt     *string          `json:"sealedAt"`
	SealHash     string           `json:"sealHash,omitempty"`
}

type ExportedRecord struct {
	SequenceIndex int64          `json:"sequenceIndex"`
	Timestamp     string         `json:"timestamp"`
	Action        string         `json:"action"`
	Actor         AuditActor     `json:"actor"`
	Resource      AuditResource  `json:"resource"`
	Details       map[string]any `json:"details"`
	Metadata      AuditMetadata  `json:"metadata"`
	RecordHash    string         `json:"recordHash"`
	PreviousHash  string         `json:"previousHash,omitempty"`
}

type ChainViolationKind string

const (
	ViolationSequenceGap   ChainViolationKind = "sequence_gap"
	ViolationPreviousHash  ChainViolationKind = "previous_hash_mismatch"
	ViolationHashMismatch  ChainViolationKind = "hash_mismatch"
	ViolationSealMismatch  ChainViolationKind = "seal_hash_mismatch"
	ViolationNotSealed     ChainViolationKind = "not_sealed"
	ViolationUnverifiable  ChainViolationKind = "unverifiable"
	ViolationMalformedDate ChainViolationKind = "malformed_timestamp"
)

// ChainViolation is a finding produced by chain verification. Index is -1 for
// trail-level findings.
type ChainViolation struct {
	Kind    ChainViolationKind `json:"kind"`
	Index   int64              `json:"index"`
	Message string             `json:"message"`
}

type TrailVerification struct {
	IsValid    bool             `json:"isValid"`
	Issues     []string         `json:"issues"`
	Violations []ChainViolation `json:"violations"`
	Sealed     bool             `json:"sealed"`
	Records    int              `json:"records"`
	Trail      *AuditTrail      `json:"trail,omitempty"`
}

// TrailRepository persists audit trails. AppendAtomic and Seal are
// conditional writes: they fail with ErrConcurrentModification when the
// stored head no longer matches expectedPriorHash / expectedLastHash.
type TrailRepository interface {
	Get(ctx context.Context, resourceID string) (AuditTrail, error)
	// Create inserts trail if no trail exists for its resource and returns
	// the stored trail either way.
	Create(ctx context.Context, trail AuditTrail) (AuditTrail, error)
	AppendAtomic(ctx context.Context, resourceID string, record AuditRecord, expectedPriorHash string) error
	Seal(ctx context.Context, resourceID string, sealedAt time.Time, sealHash string, expectedLastHash string) error
	Upsert(ctx context.Context, trail AuditTrail) error
}
