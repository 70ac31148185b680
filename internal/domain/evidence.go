package domain

import (
	"context"
	"encoding/json"
	"time"
)

// DocumentSnapshot is the immutable content captured when a signature is made.
type DocumentSnapshot struct {
	Content     string         `json:"content"`
	FieldValues map[string]any `json:"fieldValues"`
	CapturedAt  time.Time      `json:"capturedAt"`
}

// HashInput is the part of a snapshot covered by the document hash.
func (s DocumentSnapshot) HashInput() map[string]any {
	values := s.FieldValues
	if values == nil {
		values = map[string]any{}
	}
	return map[string]any{
		"content":     s.Content,
		"fieldValues": values,
	}
}

type SignerInfo struct {
	Name               string     `json:"name"`
	Email              string     `json:"email,omitempty"`
	Phone              string     `json:"phone,omitempty"`
	ShortID            string     `json:"shortId,omitempty"`
	VerificationMethod string     `json:"verificationMethod,omitempty"`
	OTPVerified        bool       `json:"otpVerified"`
	OTPVerifiedAt      *time.Time `json:"otpVerifiedAt,omitempty"`
	SignedAt           time.Time  `json:"signedAt"`
	IPAddress          string     `json:"ipAddress,omitempty"`
	UserAgent          string     `json:"userAgent,omitempty"`
}

// SignatureEvidence is the bundle persisted for each signature. AuditTrail
// holds the exported chain; records written by older releases may carry one
// of the legacy shapes instead. Pending evidence is stored before the trail
// is sealed and is completed by the next Sign for the same resource.
type SignatureEvidence struct {
	SignatureID  string            `json:"signatureId"`
	TenantID     string            `json:"tenantId"`
	ResourceID   string            `json:"resourceId"`
	ResourceName string            `json:"resourceName"`
	DocumentHash string            `json:"documentHash"`
	Snapshot     *DocumentSnapshot `json:"snapshot,omitempty"`
	Signer       SignerInfo        `json:"signer"`
	Timestamp    TimestampProof    `json:"timestamp"`
	AuditTrail   json.RawMessage   `json:"auditTrail,omitempty"`
	SealHash     string            `json:"sealHash,omitempty"`
	Pending      bool              `json:"pending,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// EvidenceRecord is the stored form: Document is the evidence flattened to a
// JSON object with its sensitive fields encrypted.
type EvidenceRecord struct {
	SignatureID string
	TenantID    string
	ResourceID  string
	Document    map[string]any
	CreatedAt   time.Time
}

type EvidenceRepository interface {
	Get(ctx context.Context, signatureID string) (EvidenceRecord, error)
	Put(ctx context.Context, record EvidenceRecord) error
	ListByResource(ctx context.Context, resourceID string) ([]EvidenceRecord, error)
}

// DocumentSource returns the current content of a resource when no snapshot
// was captured at signing time.
type DocumentSource interface {
	CurrentDocument(ctx context.Context, tenantID, resourceID string) (*DocumentSnapshot, error)
}
