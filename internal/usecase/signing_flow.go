package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"signtrust/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type SignRequest struct {
	TenantID     string
	ResourceID   string
	ResourceName string
	Content      string
	FieldValues  map[string]any
	Signer       domain.SignerInfo
	ConsentGiven bool
	RequireOTP   bool
	Request      RequestContext
}

type SignResult struct {
	Evidence domain.SignatureEvidence
	SealHash string
}

// SigningFlow records the signing workflow on the resource trail, binds the
// document hash to a timestamp, seals the trail and stores the evidence.
type SigningFlow struct {
	Trails          *AuditTrailService
	Emitter         *AuditEmitter
	OTP             *OTPChallenge
	Timestamps      domain.TimestampClient
	Cipher          FieldCipher
	Evidence        domain.EvidenceRepository
	EncryptedFields []string
	Clock           Clock
	Logger          *zap.Logger
	Metrics         Metrics
	NewID           func() string
}

func NewSigningFlow(trails *AuditTrailService, otp *OTPChallenge, timestamps domain.TimestampClient, cipher FieldCipher, evidence domain.EvidenceRepository, clock Clock, logger *zap.Logger, metrics Metrics) *SigningFlow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SigningFlow{
		Trails:          trails,
		Emitter:         NewAuditEmitter(trails),
		OTP:             otp,
		Timestamps:      timestamps,
		Cipher:          cipher,
		Evidence:        evidence,
		EncryptedFields: DefaultEncryptedFields,
		Clock:           clock,
		Logger:          logger,
		Metrics:         metricsOrNoop(metrics),
		NewID:           uuid.NewString,
	}
}

// Sign records the workflow and stores the evidence. Evidence is first
// stored as pending, then the trail is sealed and the evidence completed. A
// Sign that failed after the pending write is finished by the next Sign for
// the same resource and document.
func (f *SigningFlow) Sign(ctx context.Context, req SignRequest) (SignResult, error) {
	if err := f.ready(); err != nil {
		return SignResult{}, err
	}
	if strings.TrimSpace(req.TenantID) == "" || strings.TrimSpace(req.ResourceID) == "" {
		return SignResult{}, fmt.Errorf("%w: tenant id and resource id are required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(req.Signer.Name) == "" {
		return SignResult{}, fmt.Errorf("%w: signer name is required", domain.ErrInvalidInput)
	}
	if !req.ConsentGiven {
		return SignResult{}, fmt.Errorf("%w: signer consent is required", domain.ErrInvalidInput)
	}

	trail, createErr := f.Trails.Create(ctx, req.ResourceID, req.ResourceName)
	var sealedErr *domain.SealedTrailError
	if createErr != nil && !errors.As(createErr, &sealedErr) {
		return SignResult{}, createErr
	}
	pending, err := f.pendingEvidence(ctx, req.TenantID, req.ResourceID, lastSignatureID(trail))
	if err != nil {
		return SignResult{}, err
	}
	if pending != nil {
		return f.resume(ctx, req, trail, *pending)
	}
	if createErr != nil {
		return SignResult{}, createErr
	}

	resource := domain.AuditResource{Type: "document", ID: req.ResourceID, Name: req.ResourceName}
	signer := req.Signer
	signer.IPAddress = req.Request.IPAddress
	signer.UserAgent = req.Request.UserAgent

	if err := f.Emitter.EmitDocumentAccessed(ctx, resource, signer, req.Request); err != nil {
		return SignResult{}, err
	}
	if err := f.Emitter.EmitIdentityProvided(ctx, resource, signer, req.Request); err != nil {
		return SignResult{}, err
	}
	if err := f.Emitter.EmitConsentGiven(ctx, resource, signer, req.Request); err != nil {
		return SignResult{}, err
	}

	if err := f.checkOTP(ctx, req, resource, &signer); err != nil {
		return SignResult{}, err
	}

	now := f.Clock.now()
	snapshot := domain.DocumentSnapshot{
		Content:     req.Content,
		FieldValues: req.FieldValues,
		CapturedAt:  now,
	}
	if snapshot.FieldValues == nil {
		snapshot.FieldValues = map[string]any{}
	}
	documentHash, err := DocumentHash(snapshot)
	if err != nil {
		return SignResult{}, fmt.Errorf("%w: document hash: %v", domain.ErrInvalidInput, err)
	}

	proof := f.timestamp(ctx, documentHash, now)
	if err := f.Emitter.EmitTimestamp(ctx, resource, proof, req.Request); err != nil {
		return SignResult{}, err
	}

	signer.SignedAt = now
	evidence := domain.SignatureEvidence{
		SignatureID:  f.newID(),
		TenantID:     req.TenantID,
		ResourceID:   req.ResourceID,
		ResourceName: req.ResourceName,
		DocumentHash: documentHash,
		Snapshot:     &snapshot,
		Signer:       signer,
		Timestamp:    proof,
		Pending:      true,
		CreatedAt:    now,
	}
	if err := f.store(ctx, evidence); err != nil {
		return SignResult{}, err
	}
	return f.complete(ctx, evidence, false, req.Request)
}

// resume completes pending evidence left by an earlier Sign. The retry must
// carry the same document.
func (f *SigningFlow) resume(ctx context.Context, req SignRequest, trail domain.AuditTrail, evidence domain.SignatureEvidence) (SignResult, error) {
	documentHash, err := DocumentHash(domain.DocumentSnapshot{Content: req.Content, FieldValues: req.FieldValues})
	if err != nil {
		return SignResult{}, fmt.Errorf("%w: document hash: %v", domain.ErrInvalidInput, err)
	}
	if documentHash != evidence.DocumentHash {
		return SignResult{}, fmt.Errorf("%w: resource %s has a pending signature over another document", domain.ErrConcurrentModification, req.ResourceID)
	}
	recorded := lastSignatureID(trail) == evidence.SignatureID
	if trail.Sealed() && !recorded {
		return SignResult{}, &domain.SealedTrailError{ResourceID: req.ResourceID}
	}
	f.Logger.Info("resuming pending signature",
		zap.String("signature_id", evidence.SignatureID),
		zap.String("resource_id", evidence.ResourceID),
		zap.Bool("recorded", recorded),
		zap.Bool("sealed", trail.Sealed()),
	)
	return f.complete(ctx, evidence, recorded, req.Request)
}

// complete records signature_created unless the trail already has it, seals
// the trail and stores the evidence with the sealed export.
func (f *SigningFlow) complete(ctx context.Context, evidence domain.SignatureEvidence, recorded bool, reqCtx RequestContext) (SignResult, error) {
	if !recorded {
		resource := domain.AuditResource{Type: "document", ID: evidence.ResourceID, Name: evidence.ResourceName}
		if err := f.Emitter.EmitSignatureCreated(ctx, resource, evidence.Signer, evidence.SignatureID, evidence.DocumentHash, reqCtx); err != nil {
			return SignResult{}, fmt.Errorf("record signature: %w", err)
		}
	}
	sealHash, err := f.Trails.Seal(ctx, evidence.ResourceID)
	if err != nil {
		return SignResult{}, err
	}
	export, err := f.Trails.Export(ctx, evidence.ResourceID)
	if err != nil {
		return SignResult{}, err
	}
	exportJSON, err := json.Marshal(export)
	if err != nil {
		return SignResult{}, fmt.Errorf("encode audit export: %w", err)
	}

	evidence.AuditTrail = exportJSON
	evidence.SealHash = sealHash
	evidence.Pending = false
	if err := f.store(ctx, evidence); err != nil {
		return SignResult{}, err
	}

	f.Logger.Info("signature created",
		zap.String("signature_id", evidence.SignatureID),
		zap.String("tenant_id", evidence.TenantID),
		zap.String("resource_id", evidence.ResourceID),
		zap.Bool("timestamp_verified", evidence.Timestamp.Verified),
		zap.Bool("otp_verified", evidence.Signer.OTPVerified),
	)
	return SignResult{Evidence: evidence, SealHash: sealHash}, nil
}

// pendingEvidence returns the pending evidence of tenantID for resourceID.
// When the trail names a signature, only that one qualifies.
func (f *SigningFlow) pendingEvidence(ctx context.Context, tenantID, resourceID, signatureID string) (*domain.SignatureEvidence, error) {
	records, err := f.Evidence.ListByResource(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list evidence for %s: %w", resourceID, err)
	}
	for i := len(records) - 1; i >= 0; i-- {
		record := records[i]
		if record.TenantID != tenantID {
			continue
		}
		if signatureID != "" && record.SignatureID != signatureID {
			continue
		}
		if pending, _ := record.Document["pending"].(bool); !pending {
			continue
		}
		doc, failures := f.Cipher.DecryptFields(record.Document, tenantID, f.EncryptedFields)
		if len(failures) > 0 {
			return nil, fmt.Errorf("decrypt pending evidence %s: %w", record.SignatureID, failures[0])
		}
		evidence, _, _, err := DecodeEvidence(doc, nil)
		if err != nil {
			return nil, fmt.Errorf("decode pending evidence %s: %w", record.SignatureID, err)
		}
		return &evidence, nil
	}
	return nil, nil
}

// lastSignatureID is the signature_id of the last signature_created record.
func lastSignatureID(trail domain.AuditTrail) string {
	for i := len(trail.Records) - 1; i >= 0; i-- {
		record := trail.Records[i]
		if record.Action != domain.ActionSignatureCreated {
			continue
		}
		id, _ := record.Details["signature_id"].(string)
		return id
	}
	return ""
}

// checkOTP marks the signer as OTP verified when their shortId has a verified
// code, consuming it for this resource, and enforces it when the request
// requires one.
func (f *SigningFlow) checkOTP(ctx context.Context, req SignRequest, resource domain.AuditResource, signer *domain.SignerInfo) error {
	if signer.ShortID == "" || f.OTP == nil {
		if req.RequireOTP {
			return domain.ErrOTPRequired
		}
		return nil
	}
	otp, err := f.OTP.Consume(ctx, signer.ShortID, req.ResourceID)
	if err != nil {
		if errors.Is(err, domain.ErrOTPRequired) && !req.RequireOTP {
			return nil
		}
		return err
	}
	signer.OTPVerified = true
	signer.OTPVerifiedAt = otp.VerifiedAt
	signer.VerificationMethod = "otp_" + string(otp.DeliveryMethod)
	return f.Emitter.EmitOTPVerified(ctx, resource, *signer, otp, req.Request)
}

func (f *SigningFlow) timestamp(ctx context.Context, documentHash string, now time.Time) domain.TimestampProof {
	var proof domain.TimestampProof
	if f.Timestamps == nil {
		proof = domain.UnverifiedTimestamp(documentHash, now, domain.TimestampErrorDisabled)
	} else {
		proof = f.Timestamps.GetQualifiedTimestamp(ctx, documentHash)
	}
	if proof.DocumentHash != documentHash {
		f.Logger.Warn("timestamp proof bound to a different hash, discarding",
			zap.String("document_hash", documentHash),
			zap.String("proof_hash", proof.DocumentHash),
		)
		proof = domain.UnverifiedTimestamp(documentHash, now, domain.TimestampErrorBadResponse)
	}
	if !proof.Verified {
		f.Logger.Warn("qualified timestamp unavailable",
			zap.String("document_hash", documentHash),
			zap.String("error_code", proof.ErrorCode),
		)
	}
	f.Metrics.TimestampObtained(proof.Verified, proof.ErrorCode)
	return proof
}

func (f *SigningFlow) store(ctx context.Context, evidence domain.SignatureEvidence) error {
	raw, err := json.Marshal(evidence)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	encrypted, err := f.Cipher.EncryptFields(doc, evidence.TenantID, f.EncryptedFields)
	if err != nil {
		return fmt.Errorf("encrypt evidence: %w", err)
	}
	err = f.Evidence.Put(ctx, domain.EvidenceRecord{
		SignatureID: evidence.SignatureID,
		TenantID:    evidence.TenantID,
		ResourceID:  evidence.ResourceID,
		Document:    encrypted,
		CreatedAt:   evidence.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("store evidence %s: %w", evidence.SignatureID, err)
	}
	return nil
}

func (f *SigningFlow) newID() string {
	if f.NewID != nil {
		return f.NewID()
	}
	return uuid.NewString()
}

func (f *SigningFlow) ready() error {
	if f == nil || f.Trails == nil || f.Emitter == nil || f.Cipher == nil || f.Evidence == nil {
		return errors.New("signing flow not configured")
	}
	return nil
}
