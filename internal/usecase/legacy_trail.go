package usecase

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"signtrust/internal/domain"
)

// StoredTrail is the audit trail embedded in a signature evidence document,
// classified into one of a closed set of shapes. Export is set for the
// chained shapes, AccessLog for the unchained access-log list and Reason for
// an unrecognized payload.
type StoredTrail struct {
	Shape     domain.TrailShape
	Export    *domain.AuditExport
	AccessLog []AccessLogEntry
	Reason    string
}

// AccessLogEntry is one row of the pre-chain access log. Entries carry no
// hashes and cannot be verified, only counted.
type AccessLogEntry struct {
	Action    string `json:"action"`
	Timestamp string `json:"timestamp"`
	User      string `json:"user,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// DetectTrailShape classifies raw and normalizes it. It never fails: a
// payload that matches no known shape is returned as ShapeUnrecognized.
func DetectTrailShape(raw json.RawMessage) StoredTrail {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return StoredTrail{Shape: domain.ShapeMissing}
	}
	switch trimmed[0] {
	case '[':
		return normalizeFlatArray(trimmed)
	case '{':
	default:
		return unrecognized("trail is neither an object nor an array")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return unrecognized(fmt.Sprintf("trail object is not valid JSON: %v", err))
	}
	switch {
	case hasField(fields, "records"):
		return normalizeExport(trimmed)
	case hasField(fields, "trail"):
		return normalizeNestedTrail(fields["trail"])
	case hasField(fields, "auditRecords"):
		return normalizeAccessLog(fields["auditRecords"])
	default:
		return unrecognized("trail object has none of records, trail or auditRecords")
	}
}

// Verify checks the stored trail. resourceID is used for the seal hash when
// the stored shape does not carry it.
func (s StoredTrail) Verify(resourceID string) domain.AuditIntegrity {
	switch s.Shape {
	case domain.ShapeExport, domain.ShapeNestedTrail, domain.ShapeFlatArray:
		export := *s.Export
		if export.ResourceID == "" {
			export.ResourceID = resourceID
		}
		result := VerifyExport(export)
		return domain.AuditIntegrity{
			IsValid:    result.IsValid,
			Partial:    s.Shape == domain.ShapeFlatArray,
			Sealed:     result.Sealed,
			Shape:      s.Shape,
			Records:    result.Records,
			Issues:     result.Issues,
			Violations: result.Violations,
		}
	case domain.ShapeAccessLog:
		return domain.AuditIntegrity{
			Partial: true,
			Shape:   s.Shape,
			Records: len(s.AccessLog),
			Issues:  []string{"access log entries are not hash chained"},
		}
	case domain.ShapeMissing:
		return domain.AuditIntegrity{
			Shape:  s.Shape,
			Issues: []string{"audit trail missing"},
		}
	default:
		return domain.AuditIntegrity{
			Partial: true,
			Shape:   domain.ShapeUnrecognized,
			Issues:  []string{"unrecognized audit trail shape: " + s.Reason},
		}
	}
}

// canonical export, possibly written before the version field existed
func normalizeExport(raw []byte) StoredTrail {
	var export domain.AuditExport
	if err := json.Unmarshal(raw, &export); err != nil {
		return unrecognized(fmt.Sprintf("export does not decode: %v", err))
	}
	if reason := checkRecords(export.Records); reason != "" {
		return unrecognized(reason)
	}
	return StoredTrail{Shape: domain.ShapeExport, Export: &export}
}

// bare array of chained records without seal metadata
func normalizeFlatArray(raw []byte) StoredTrail {
	var records []domain.ExportedRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return unrecognized(fmt.Sprintf("record array does not decode: %v", err))
	}
	if len(records) == 0 {
		return unrecognized("record array is empty")
	}
	if reason := checkRecords(records); reason != "" {
		return unrecognized(reason)
	}
	return StoredTrail{
		Shape: domain.ShapeFlatArray,
		Export: &domain.AuditExport{
			GenesisHash: domain.AuditGenesisHash,
			Records:     records,
		},
	}
}

// {"trail": {"resourceId", "records", "sealedAt", "sealHash"}}
func normalizeNestedTrail(raw json.RawMessage) StoredTrail {
	var inner struct {
		ResourceID   string                  `json:"resourceId"`
		ResourceName string                  `json:"resourceName"`
		CreatedAt    string                  `json:"createdAt"`
		Records      []domain.ExportedRecord `json:"records"`
		SealedAt     *string                 `json:"sealedAt"`
		SealHash     string                  `json:"sealHash"`
	}
	if err := json.Unmarshal(raw, &inner); err != nil {
		return unrecognized(fmt.Sprintf("nested trail does not decode: %v", err))
	}
	if inner.Records == nil {
		return unrecognized("nested trail has no records")
	}
	if reason := checkRecords(inner.Records); reason != "" {
		return unrecognized(reason)
	}
	return StoredTrail{
		Shape: domain.ShapeNestedTrail,
		Export: &domain.AuditExport{
			ResourceID:   inner.ResourceID,
			ResourceName: inner.ResourceName,
			CreatedAt:    inner.CreatedAt,
			GenesisHash:  domain.AuditGenesisHash,
			Records:      inner.Records,
			SealedAt:     inner.SealedAt,
			SealHash:     inner.SealHash,
		},
	}
}

// {"auditRecords": [{action, timestamp, user, ipAddress, userAgent}]}
func normalizeAccessLog(raw json.RawMessage) StoredTrail {
	var entries []AccessLogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return unrecognized(fmt.Sprintf("access log does not decode: %v", err))
	}
	for i, entry := range entries {
		if entry.Action == "" {
			return unrecognized(fmt.Sprintf("access log entry %d has no action", i))
		}
		if _, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err != nil {
			return unrecognized(fmt.Sprintf("access log entry %d has a malformed timestamp", i))
		}
	}
	return StoredTrail{Shape: domain.ShapeAccessLog, AccessLog: entries}
}

func checkRecords(records []domain.ExportedRecord) string {
	for i, r := range records {
		if r.RecordHash == "" {
			return fmt.Sprintf("record %d has no recordHash", i)
		}
		if r.Action == "" {
			return fmt.Sprintf("record %d has no action", i)
		}
	}
	return ""
}

func hasField(fields map[string]json.RawMessage, name string) bool {
	value, ok := fields[name]
	return ok && len(bytes.TrimSpace(value)) > 0 && !bytes.Equal(bytes.TrimSpace(value), []byte("null"))
}

func unrecognized(reason string) StoredTrail {
	return StoredTrail{Shape: domain.ShapeUnrecognized, Reason: reason}
}
