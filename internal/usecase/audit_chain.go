package usecase

import (
	"errors"
	"fmt"
	"time"

	"signtrust/internal/domain"
	cryptoinfra "signtrust/internal/infra/crypto"
)

// FormatAuditTime is the timestamp form covered by record and seal hashes.
func FormatAuditTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ComputeRecordHash returns SHA256(canonical(body) || previousHash) where the
// body is every record field except the two hashes.
func ComputeRecordHash(record domain.AuditRecord) (string, error) {
	return computeBodyHash(record.SequenceIndex, FormatAuditTime(record.Timestamp), record.Action,
		record.Actor, record.Resource, record.Details, record.Metadata, record.PreviousHash)
}

func computeBodyHash(seq int64, timestamp, action string, actor domain.AuditActor, resource domain.AuditResource, details map[string]any, metadata domain.AuditMetadata, previousHash string) (string, error) {
	if previousHash == "" {
		return "", errors.New("previous hash is required")
	}
	if details == nil {
		details = map[string]any{}
	}
	body := map[string]any{
		"sequenceIndex": seq,
		"timestamp":     timestamp,
		"action":        action,
		"actor": map[string]any{
			"type":       string(actor.Type),
			"identifier": actor.Identifier,
		},
		"resource": map[string]any{
			"type": resource.Type,
			"id":   resource.ID,
			"name": resource.Name,
		},
		"details": details,
		"metadata": map[string]any{
			"ipAddress": metadata.IPAddress,
			"userAgent": metadata.UserAgent,
		},
	}
	canonical, err := cryptoinfra.CanonicalizeAny(body)
	if err != nil {
		return "", fmt.Errorf("canonicalize record: %w", err)
	}
	return cryptoinfra.SHA256Hex(canonical, []byte(previousHash)), nil
}

// ComputeSealHash returns SHA256(lastRecordHash || resourceID || sealedAt).
func ComputeSealHash(lastRecordHash, resourceID string, sealedAt time.Time) string {
	return cryptoinfra.SHA256Hex([]byte(lastRecordHash), []byte(resourceID), []byte(FormatAuditTime(sealedAt)))
}

// VerifyTrail recomputes every record hash from scratch and checks sequence
// continuity, hash links and the seal. At most one violation is reported per
// record so a single tampered byte points at a single index.
func VerifyTrail(trail domain.AuditTrail) domain.TrailVerification {
	violations := verifyRecords(trail.Records, func(i int) (string, error) {
		return ComputeRecordHash(trail.Records[i])
	})
	lastFlagged := len(trail.Records) > 0 && flaggedIndex(violations, int64(len(trail.Records)-1))

	if trail.Sealed() {
		expected := ComputeSealHash(trail.LastHash(), trail.ResourceID, *trail.SealedAt)
		if expected != trail.SealHash && !lastFlagged {
			violations = append(violations, domain.ChainViolation{
				Kind:    domain.ViolationSealMismatch,
				Index:   -1,
				Message: "seal hash mismatch",
			})
		}
	} else {
		violations = append(violations, domain.ChainViolation{
			Kind:    domain.ViolationNotSealed,
			Index:   -1,
			Message: "trail is not sealed",
		})
	}

	copyTrail := trail
	return buildVerification(violations, trail.Sealed(), len(trail.Records), &copyTrail)
}

// VerifyExport re-verifies an exported snapshot without access to the store.
// Records exported without previousHash are linked to their predecessor.
func VerifyExport(export domain.AuditExport) domain.TrailVerification {
	records := export.Records
	prevHashes := make([]string, len(records))
	computed := make([]string, len(records))
	hashErrs := make([]error, len(records))
	for i, r := range records {
		switch {
		case r.PreviousHash != "":
			prevHashes[i] = r.PreviousHash
		case i == 0:
			prevHashes[i] = domain.AuditGenesisHash
		default:
			prevHashes[i] = derivePreviousHash(records[i-1], computed[i-1], r)
		}
		computed[i], hashErrs[i] = exportedRecordHash(r, prevHashes[i])
	}
	asRecords := make([]domain.AuditRecord, len(records))
	for i, r := range records {
		asRecords[i] = domain.AuditRecord{
			SequenceIndex: r.SequenceIndex,
			RecordHash:    r.RecordHash,
			PreviousHash:  prevHashes[i],
		}
	}
	violations := verifyRecords(asRecords, func(i int) (string, error) {
		return computed[i], hashErrs[i]
	})
	lastHash := domain.AuditGenesisHash
	if len(records) > 0 {
		lastHash = records[len(records)-1].RecordHash
	}
	lastFlagged := len(records) > 0 && flaggedIndex(violations, int64(len(records)-1))

	sealed := export.SealedAt != nil
	if sealed {
		sealedAt, err := time.Parse(time.RFC3339Nano, *export.SealedAt)
		switch {
		case err != nil:
			violations = append(violations, domain.ChainViolation{
				Kind:    domain.ViolationMalformedDate,
				Index:   -1,
				Message: "seal timestamp malformed",
			})
		case ComputeSealHash(lastHash, export.ResourceID, sealedAt) != export.SealHash && !lastFlagged:
			violations = append(violations, domain.ChainViolation{
				Kind:    domain.ViolationSealMismatch,
				Index:   -1,
				Message: "seal hash mismatch",
			})
		}
	} else {
		violations = append(violations, domain.ChainViolation{
			Kind:    domain.ViolationNotSealed,
			Index:   -1,
			Message: "trail is not sealed",
		})
	}
	return buildVerification(violations, sealed, len(records), nil)
}

// derivePreviousHash links r to prev when r carries no previousHash. When
// prev does not verify, either its stored hash or its content was altered;
// the recomputed hash is used if it is the one r was chained to, so the
// break is reported at prev only.
func derivePreviousHash(prev domain.ExportedRecord, prevComputed string, r domain.ExportedRecord) string {
	if prevComputed == "" || prevComputed == prev.RecordHash {
		return prev.RecordHash
	}
	if hash, err := exportedRecordHash(r, prevComputed); err == nil && hash == r.RecordHash {
		return prevComputed
	}
	return prev.RecordHash
}

func exportedRecordHash(r domain.ExportedRecord, previousHash string) (string, error) {
	return computeBodyHash(r.SequenceIndex, r.Timestamp, r.Action, r.Actor, r.Resource, r.Details, r.Metadata, previousHash)
}

func verifyRecords(records []domain.AuditRecord, recompute func(i int) (string, error)) []domain.ChainViolation {
	var violations []domain.ChainViolation
	// A record continues the sequence when it follows its predecessor or the
	// last record with a valid index, so one deleted or renumbered record is
	// reported once.
	lastGoodIndex, lastGoodSeq := int64(-1), int64(-1)
	prevFlagged := false
	for i, record := range records {
		index := int64(i)
		var violation *domain.ChainViolation

		expectedSeq := lastGoodSeq + (index - lastGoodIndex)
		followsPrev := i > 0 && record.SequenceIndex == records[i-1].SequenceIndex+1
		expectedPrev := domain.AuditGenesisHash
		if i > 0 {
			expectedPrev = records[i-1].RecordHash
		}

		if record.SequenceIndex != expectedSeq && !followsPrev {
			violation = &domain.ChainViolation{
				Kind:    domain.ViolationSequenceGap,
				Index:   index,
				Message: fmt.Sprintf("sequence gap at index %d: expected %d, found %d", i, expectedSeq, record.SequenceIndex),
			}
		} else if record.PreviousHash != expectedPrev && !prevFlagged {
			violation = &domain.ChainViolation{
				Kind:    domain.ViolationPreviousHash,
				Index:   index,
				Message: fmt.Sprintf("previous hash mismatch at index %d", i),
			}
		} else if computed, err := recompute(i); err != nil {
			violation = &domain.ChainViolation{
				Kind:    domain.ViolationUnverifiable,
				Index:   index,
				Message: fmt.Sprintf("record at index %d cannot be hashed: %v", i, err),
			}
		} else if computed != record.RecordHash {
			violation = &domain.ChainViolation{
				Kind:    domain.ViolationHashMismatch,
				Index:   index,
				Message: fmt.Sprintf("hash mismatch at index %d", i),
			}
		}

		if violation != nil {
			violations = append(violations, *violation)
		}
		if violation == nil || violation.Kind != domain.ViolationSequenceGap {
			lastGoodIndex, lastGoodSeq = index, record.SequenceIndex
		}
		prevFlagged = violation != nil
	}
	return violations
}

func flaggedIndex(violations []domain.ChainViolation, index int64) bool {
	for _, v := range violations {
		if v.Index == index {
			return true
		}
	}
	return false
}

func buildVerification(violations []domain.ChainViolation, sealed bool, records int, trail *domain.AuditTrail) domain.TrailVerification {
	issues := make([]string, 0, len(violations))
	chainIntact := true
	for _, v := range violations {
		issues = append(issues, v.Message)
		if v.Kind != domain.ViolationNotSealed {
			chainIntact = false
		}
	}
	if violations == nil {
		violations = []domain.ChainViolation{}
	}
	return domain.TrailVerification{
		IsValid:    chainIntact && sealed,
		Issues:     issues,
		Violations: violations,
		Sealed:     sealed,
		Records:    records,
		Trail:      trail,
	}
}
