package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"signtrust/internal/domain"

	"go.uber.org/zap"
)

// DefaultEncryptedFields are the evidence fields stored encrypted under the
// tenant key.
var DefaultEncryptedFields = []string{"snapshot", "signer"}

type IntegrityVerifier struct {
	Evidence        domain.EvidenceRepository
	Cipher          FieldCipher
	Trails          *AuditTrailService
	Documents       domain.DocumentSource
	Policy          domain.PolicyEngine
	Scoring         domain.ScoringPolicy
	EncryptedFields []string
	Logger          *zap.Logger
	Metrics         Metrics
}

func NewIntegrityVerifier(evidence domain.EvidenceRepository, cipher FieldCipher, trails *AuditTrailService, scoring domain.ScoringPolicy, logger *zap.Logger, metrics Metrics) *IntegrityVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IntegrityVerifier{
		Evidence:        evidence,
		Cipher:          cipher,
		Trails:          trails,
		Scoring:         scoring,
		EncryptedFields: DefaultEncryptedFields,
		Logger:          logger,
		Metrics:         metricsOrNoop(metrics),
	}
}

// VerifySignature compiles the integrity report for a stored signature.
// Problems with the evidence itself become findings; only failures to load
// it are returned as errors.
func (v *IntegrityVerifier) VerifySignature(ctx context.Context, tenantID, signatureID string) (domain.IntegrityReport, error) {
	if v == nil || v.Evidence == nil || v.Cipher == nil {
		return domain.IntegrityReport{}, errors.New("integrity verifier not configured")
	}
	record, err := v.Evidence.Get(ctx, signatureID)
	if err != nil {
		return domain.IntegrityReport{}, fmt.Errorf("load evidence %s: %w", signatureID, err)
	}
	if record.TenantID != tenantID {
		return domain.IntegrityReport{}, fmt.Errorf("load evidence %s: %w", signatureID, domain.ErrNotFound)
	}

	doc, failures := v.Cipher.DecryptFields(record.Document, tenantID, v.EncryptedFields)
	evidence, unreadable, snapshotStored, err := DecodeEvidence(doc, failures)
	if err != nil {
		return domain.IntegrityReport{}, fmt.Errorf("decode evidence %s: %w", signatureID, err)
	}
	if evidence.ResourceID == "" {
		evidence.ResourceID = record.ResourceID
	}

	input := BuildReportInput(evidence, snapshotStored, unreadable)
	if live, ok, err := v.liveAudit(ctx, evidence); err != nil {
		return domain.IntegrityReport{}, err
	} else if ok {
		input.Audit = live
	}
	if input.Snapshot == nil && v.Documents != nil {
		current, err := v.Documents.CurrentDocument(ctx, tenantID, evidence.ResourceID)
		switch {
		case err == nil:
			input.LiveDocument = current
		case errors.Is(err, domain.ErrNotFound):
		default:
			return domain.IntegrityReport{}, fmt.Errorf("load current document %s: %w", evidence.ResourceID, err)
		}
	}

	report := CompileReport(input, v.Scoring)
	if v.Policy != nil {
		eval, err := v.Policy.Evaluate(ctx, domain.PolicyInput{Report: report})
		if err != nil {
			return domain.IntegrityReport{}, fmt.Errorf("evaluate evidence policy: %w", err)
		}
		report.Policy = &eval
	}

	v.Metrics.ReportCompiled(report.Level)
	v.Logger.Info("integrity report compiled",
		zap.String("signature_id", signatureID),
		zap.String("resource_id", report.ResourceID),
		zap.Int("score", report.OverallScore),
		zap.String("level", string(report.Level)),
		zap.Int("findings", len(report.Findings)),
	)
	return report, nil
}

// liveAudit verifies the trail still held by the trail service. ok is false
// when the service has no trail for the resource.
func (v *IntegrityVerifier) liveAudit(ctx context.Context, evidence domain.SignatureEvidence) (domain.AuditIntegrity, bool, error) {
	if v.Trails == nil || evidence.ResourceID == "" {
		return domain.AuditIntegrity{}, false, nil
	}
	result, err := v.Trails.VerifyIntegrity(ctx, evidence.ResourceID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.AuditIntegrity{}, false, nil
	}
	if err != nil {
		return domain.AuditIntegrity{}, false, err
	}
	if evidence.SealHash != "" && result.Trail != nil && result.Trail.Sealed() && result.Trail.SealHash != evidence.SealHash {
		violation := domain.ChainViolation{
			Kind:    domain.ViolationSealMismatch,
			Index:   -1,
			Message: "seal hash differs from the one recorded in the evidence",
		}
		result.Violations = append(result.Violations, violation)
		result.Issues = append(result.Issues, violation.Message)
		result.IsValid = false
	}
	return domain.AuditIntegrity{
		IsValid:    result.IsValid,
		Sealed:     result.Sealed,
		Shape:      domain.ShapeLive,
		Records:    result.Records,
		Issues:     result.Issues,
		Violations: result.Violations,
	}, true, nil
}

// DecodeEvidence turns a decrypted evidence document into SignatureEvidence.
// Fields that failed decryption are dropped and returned by name so the
// rest of the document still decodes. snapshotStored reports whether a
// snapshot was persisted, readable or not.
func DecodeEvidence(doc map[string]any, failures []*domain.FieldError) (domain.SignatureEvidence, []string, bool, error) {
	_, snapshotStored := doc["snapshot"]
	if doc["snapshot"] == nil {
		snapshotStored = false
	}
	clean := make(map[string]any, len(doc))
	for k, val := range doc {
		clean[k] = val
	}
	unreadable := make([]string, 0, len(failures))
	for _, failure := range failures {
		delete(clean, failure.Field)
		unreadable = append(unreadable, failure.Field)
	}
	sort.Strings(unreadable)

	raw, err := json.Marshal(clean)
	if err != nil {
		return domain.SignatureEvidence{}, nil, false, err
	}
	var evidence domain.SignatureEvidence
	if err := json.Unmarshal(raw, &evidence); err != nil {
		return domain.SignatureEvidence{}, nil, false, err
	}
	return evidence, unreadable, snapshotStored, nil
}

// BuildReportInput derives the report input from decoded evidence using the
// embedded audit trail.
func BuildReportInput(evidence domain.SignatureEvidence, snapshotStored bool, unreadable []string) ReportInput {
	return ReportInput{
		SignatureID:      evidence.SignatureID,
		ResourceID:       evidence.ResourceID,
		StoredHash:       evidence.DocumentHash,
		SnapshotStored:   snapshotStored || evidence.Snapshot != nil,
		Snapshot:         evidence.Snapshot,
		Audit:            DetectTrailShape(evidence.AuditTrail).Verify(evidence.ResourceID),
		Timestamp:        evidence.Timestamp,
		Signer:           evidence.Signer,
		UnreadableFields: unreadable,
	}
}
