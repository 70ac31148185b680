package usecase

import (
	"fmt"
	"strings"

	"signtrust/internal/domain"
	cryptoinfra "signtrust/internal/infra/crypto"
)

const (
	CheckHash     = "hash"
	CheckSeal     = "seal"
	CheckSnapshot = "snapshot"
)

// ReportInput is everything CompileReport looks at. Snapshot is the content
// captured at signing time; LiveDocument is only used when no snapshot is
// readable.
type ReportInput struct {
	SignatureID      string
	ResourceID       string
	StoredHash       string
	SnapshotStored   bool
	Snapshot         *domain.DocumentSnapshot
	LiveDocument     *domain.DocumentSnapshot
	Audit            domain.AuditIntegrity
	Timestamp        domain.TimestampProof
	Signer           domain.SignerInfo
	UnreadableFields []string
}

var recommendationByFinding = map[string]string{
	domain.FindingHashMismatch:            "Document content differs from what was signed; request a new signature on the current version.",
	domain.FindingHashUnverifiable:        "Document hash could not be recomputed; restore the signed snapshot before relying on this signature.",
	domain.FindingChainViolation:          "Audit trail was modified after it was written; preserve the stored evidence and investigate the affected records.",
	domain.FindingTrailNotSealed:          "Audit trail was never sealed; seal trails when the signature is created.",
	domain.FindingTrailMissing:            "No audit trail is attached to this signature; evidentiary value rests on the document hash alone.",
	domain.FindingLegacyShape:             "Evidence uses a legacy audit format; re-export it in the current format for long-term archiving.",
	domain.FindingLegacyShapeUnrecognized: "Audit trail format is not recognized; verify the evidence manually.",
	domain.FindingSnapshotMissing:         "No content snapshot was captured at signing time; enable snapshot capture for new signatures.",
	domain.FindingTimestampUnavailable:    "No qualified timestamp was obtained; the signing time rests on the server clock.",
	domain.FindingTimestampHashMismatch:   "Qualified timestamp covers a different document hash than the one stored.",
	domain.FindingFieldUnreadable:         "Some evidence fields could not be decrypted with the tenant key; check the tenant the evidence was stored under.",
	domain.FindingSignerNotVerified:       "Signer identity was not confirmed with a one-time code; require OTP for higher assurance.",
}

// CompileReport combines the independent checks into one verdict. It is a
// pure function of its arguments.
func CompileReport(in ReportInput, policy domain.ScoringPolicy) domain.IntegrityReport {
	var findings []domain.Finding
	add := func(code, message string) {
		findings = append(findings, domain.Finding{Code: code, Message: message})
	}

	for _, field := range in.UnreadableFields {
		add(domain.FindingFieldUnreadable, fmt.Sprintf("field %s could not be decrypted", field))
	}

	hash := verifyDocumentHash(in)
	switch {
	case hash.Source == domain.HashSourceNone:
		add(domain.FindingHashUnverifiable, "no snapshot or live document available to recompute the hash")
	case !hash.IsValid:
		add(domain.FindingHashMismatch, fmt.Sprintf("recomputed hash %s does not match stored hash %s", hash.RecomputedHash, hash.StoredHash))
	}

	audit := in.Audit
	if audit.Issues == nil {
		audit.Issues = []string{}
	}
	switch audit.Shape {
	case domain.ShapeMissing:
		add(domain.FindingTrailMissing, "signature evidence has no audit trail")
	case domain.ShapeUnrecognized:
		add(domain.FindingLegacyShapeUnrecognized, strings.Join(audit.Issues, "; "))
	case domain.ShapeFlatArray, domain.ShapeNestedTrail, domain.ShapeAccessLog:
		add(domain.FindingLegacyShape, fmt.Sprintf("audit trail stored as %s", audit.Shape))
	}
	for _, v := range audit.Violations {
		if v.Kind == domain.ViolationNotSealed {
			continue
		}
		add(domain.FindingChainViolation, v.Message)
	}
	if chainedShape(audit.Shape) && !audit.Sealed {
		add(domain.FindingTrailNotSealed, "audit trail is not sealed")
	}

	snapshotPresent := in.SnapshotStored || in.Snapshot != nil
	if !snapshotPresent {
		add(domain.FindingSnapshotMissing, "no content snapshot was captured at signing time")
	}

	ts := domain.TimestampSummary{
		Verified:     in.Timestamp.Verified,
		HashBound:    in.StoredHash != "" && in.Timestamp.DocumentHash == in.StoredHash,
		TSAURL:       in.Timestamp.TSAURL,
		Value:        in.Timestamp.Value,
		SerialNumber: in.Timestamp.SerialNumber,
		ErrorCode:    in.Timestamp.ErrorCode,
	}
	switch {
	case !ts.Verified:
		msg := "qualified timestamp unavailable"
		if ts.ErrorCode != "" {
			msg += " (" + ts.ErrorCode + ")"
		}
		add(domain.FindingTimestampUnavailable, msg)
	case !ts.HashBound:
		add(domain.FindingTimestampHashMismatch, "timestamp proof is bound to a different document hash")
	}

	if !in.Signer.OTPVerified {
		add(domain.FindingSignerNotVerified, "signer did not verify a one-time code")
	}

	breakdown := []domain.ScoreComponent{
		{Check: CheckHash, Weight: policy.Weights.Hash, Awarded: awardIf(hash.IsValid, policy.Weights.Hash)},
		{Check: CheckSeal, Weight: policy.Weights.Seal, Awarded: sealAward(audit, policy.Weights.Seal)},
		{Check: CheckSnapshot, Weight: policy.Weights.Snapshot, Awarded: awardIf(snapshotPresent, policy.Weights.Snapshot)},
	}
	score := 0
	for _, c := range breakdown {
		score += c.Awarded
	}

	if findings == nil {
		findings = []domain.Finding{}
	}
	return domain.IntegrityReport{
		SignatureID:      in.SignatureID,
		ResourceID:       in.ResourceID,
		HashVerification: hash,
		AuditIntegrity:   audit,
		SnapshotPresent:  snapshotPresent,
		Timestamp:        ts,
		Signer:           in.Signer,
		OverallScore:     score,
		Level:            LevelFor(score, policy.Thresholds),
		Scoring:          policy,
		Breakdown:        breakdown,
		Findings:         findings,
		Recommendations:  recommendationsFor(findings),
	}
}

// LevelFor buckets a score using inclusive lower bounds.
func LevelFor(score int, thresholds domain.LevelThresholds) domain.IntegrityLevel {
	switch {
	case score >= thresholds.High:
		return domain.LevelHigh
	case score >= thresholds.Medium:
		return domain.LevelMedium
	default:
		return domain.LevelLow
	}
}

// DocumentHash is the hash stored with a signature: SHA-256 over the
// canonical form of the snapshot content and field values.
func DocumentHash(snapshot domain.DocumentSnapshot) (string, error) {
	return cryptoinfra.CanonicalHash(snapshot.HashInput())
}

func verifyDocumentHash(in ReportInput) domain.HashVerification {
	out := domain.HashVerification{StoredHash: in.StoredHash, Source: domain.HashSourceNone}
	source := in.Snapshot
	if source != nil {
		out.Source = domain.HashSourceSnapshot
	} else if in.LiveDocument != nil {
		source = in.LiveDocument
		out.Source = domain.HashSourceLiveDocument
	}
	if source == nil {
		return out
	}
	recomputed, err := DocumentHash(*source)
	if err != nil {
		out.Source = domain.HashSourceNone
		return out
	}
	out.RecomputedHash = recomputed
	out.IsValid = in.StoredHash != "" && recomputed == in.StoredHash
	return out
}

// A verified, sealed chain earns the full seal weight. A legacy shape that
// cannot carry a seal earns half when nothing in it contradicts the chain.
func sealAward(audit domain.AuditIntegrity, weight int) int {
	if audit.IsValid {
		return weight
	}
	if !audit.Partial || audit.Shape == domain.ShapeUnrecognized {
		return 0
	}
	for _, v := range audit.Violations {
		if v.Kind != domain.ViolationNotSealed {
			return 0
		}
	}
	return weight / 2
}

func chainedShape(shape domain.TrailShape) bool {
	switch shape {
	case domain.ShapeLive, domain.ShapeExport, domain.ShapeNestedTrail, domain.ShapeFlatArray:
		return true
	}
	return false
}

func awardIf(ok bool, weight int) int {
	if ok {
		return weight
	}
	return 0
}

func recommendationsFor(findings []domain.Finding) []string {
	out := make([]string, 0, len(findings))
	seen := make(map[string]bool, len(findings))
	for _, f := range findings {
		if seen[f.Code] {
			continue
		}
		seen[f.Code] = true
		if rec, ok := recommendationByFinding[f.Code]; ok {
			out = append(out, rec)
		}
	}
	return out
}
