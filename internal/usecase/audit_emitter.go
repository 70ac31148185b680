package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"signtrust/internal/domain"
)

// AuditEmitter writes the well-known signing workflow records onto a trail.
// OTP recipients and identity details are reduced to a hash and a masked
// hint before they enter a record.
type AuditEmitter struct {
	Trails *AuditTrailService
}

func NewAuditEmitter(trails *AuditTrailService) *AuditEmitter {
	return &AuditEmitter{Trails: trails}
}

// RequestContext is the client information recorded in record metadata.
type RequestContext struct {
	IPAddress string
	UserAgent string
}

func (r RequestContext) Metadata() domain.AuditMetadata {
	return domain.AuditMetadata{IPAddress: r.IPAddress, UserAgent: r.UserAgent}
}

func (e *AuditEmitter) Emit(ctx context.Context, resource domain.AuditResource, action string, actor domain.AuditActor, details map[string]any, req RequestContext) (domain.AuditRecord, error) {
	if e == nil || e.Trails == nil {
		return domain.AuditRecord{}, errors.New("audit trail service required")
	}
	return e.Trails.AddRecord(ctx, resource.ID, domain.AppendInput{
		Action:   action,
		Actor:    actor,
		Resource: resource,
		Details:  details,
		Metadata: req.Metadata(),
	})
}

func (e *AuditEmitter) EmitDocumentAccessed(ctx context.Context, resource domain.AuditResource, signer domain.SignerInfo, req RequestContext) error {
	_, err := e.Emit(ctx, resource, domain.ActionDocumentAccessed, signerActor(signer), map[string]any{}, req)
	return err
}

func (e *AuditEmitter) EmitIdentityProvided(ctx context.Context, resource domain.AuditResource, signer domain.SignerInfo, req RequestContext) error {
	details := map[string]any{
		"name": signer.Name,
	}
	if signer.Email != "" {
		details["email_hash"] = hashString(strings.ToLower(signer.Email))
	}
	if signer.Phone != "" {
		details["phone_hint"] = maskRecipient(signer.Phone)
	}
	_, err := e.Emit(ctx, resource, domain.ActionIdentityProvided, signerActor(signer), details, req)
	return err
}

func (e *AuditEmitter) EmitConsentGiven(ctx context.Context, resource domain.AuditResource, signer domain.SignerInfo, req RequestContext) error {
	_, err := e.Emit(ctx, resource, domain.ActionConsentGiven, signerActor(signer), map[string]any{
		"accepted": true,
	}, req)
	return err
}

func (e *AuditEmitter) EmitOTPSent(ctx context.Context, resource domain.AuditResource, otp domain.OTPRecord, req RequestContext) error {
	_, err := e.Emit(ctx, resource, domain.ActionOTPSent, systemActor(), map[string]any{
		"short_id":        otp.ShortID,
		"delivery_method": string(otp.DeliveryMethod),
		"recipient_hash":  hashString(otp.Recipient),
		"recipient_hint":  maskRecipient(otp.Recipient),
		"expires_at":      FormatAuditTime(otp.ExpiresAt),
	}, req)
	return err
}

func (e *AuditEmitter) EmitOTPVerified(ctx context.Context, resource domain.AuditResource, signer domain.SignerInfo, otp domain.OTPRecord, req RequestContext) error {
	details := map[string]any{
		"short_id": otp.ShortID,
		"attempts": otp.Attempts,
	}
	if otp.VerifiedAt != nil {
		details["verified_at"] = FormatAuditTime(*otp.VerifiedAt)
	}
	_, err := e.Emit(ctx, resource, domain.ActionOTPVerified, signerActor(signer), details, req)
	return err
}

// EmitTimestamp records either timestamp_obtained or timestamp_unavailable
// depending on the proof.
func (e *AuditEmitter) EmitTimestamp(ctx context.Context, resource domain.AuditResource, proof domain.TimestampProof, req RequestContext) error {
	action := domain.ActionTimestampObtained
	details := map[string]any{
		"document_hash": proof.DocumentHash,
		"tsa_url":       proof.TSAURL,
		"timestamp":     FormatAuditTime(proof.Value),
	}
	if proof.Verified {
		details["serial_number"] = proof.SerialNumber
	} else {
		action = domain.ActionTimestampUnavailable
		details["error_code"] = proof.ErrorCode
	}
	_, err := e.Emit(ctx, resource, action, systemActor(), details, req)
	return err
}

func (e *AuditEmitter) EmitSignatureCreated(ctx context.Context, resource domain.AuditResource, signer domain.SignerInfo, signatureID, documentHash string, req RequestContext) error {
	_, err := e.Emit(ctx, resource, domain.ActionSignatureCreated, signerActor(signer), map[string]any{
		"signature_id":  signatureID,
		"document_hash": documentHash,
		"otp_verified":  signer.OTPVerified,
	}, req)
	return err
}

func signerActor(signer domain.SignerInfo) domain.AuditActor {
	id := signer.Email
	if id == "" {
		id = signer.ShortID
	}
	if id == "" {
		id = signer.Name
	}
	return domain.AuditActor{Type: domain.AuditActorSigner, Identifier: id}
}

func systemActor() domain.AuditActor {
	return domain.AuditActor{Type: domain.AuditActorSystem, Identifier: "signtrust"}
}

// maskRecipient keeps the last four characters of a phone number or the
// domain of an email address.
func maskRecipient(recipient string) string {
	if at := strings.LastIndex(recipient, "@"); at >= 0 {
		return "***" + recipient[at:]
	}
	if len(recipient) <= 4 {
		return strings.Repeat("*", len(recipient))
	}
	return strings.Repeat("*", len(recipient)-4) + recipient[len(recipient)-4:]
}

func hashString(value string) string {
	if value == "" {
		return ""
	}
	return sha256HexString([]byte(value))
}

func sha256HexString(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}
