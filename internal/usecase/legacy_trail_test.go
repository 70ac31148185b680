package usecase

import (
	"context"
	"encoding/json"
	"testing"

	"signtrust/internal/domain"
)

func sealedExport(t *testing.T) domain.AuditExport {
	t.Helper()
	ctx := context.Background()
	svc, _ := newTrailService(t)
	if _, err := svc.Create(ctx, "R1", "Contract"); err != nil {
		t.Fatalf("create: %v", err)
	}
	appendWorkflow(t, svc, "R1", domain.ActionDocumentAccessed, domain.ActionConsentGiven, domain.ActionSignatureCreated)
	if _, err := svc.Seal(ctx, "R1"); err != nil {
		t.Fatalf("seal: %v", err)
	}
	export, err := svc.Export(ctx, "R1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	return export
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestDetectTrailShape_Export(t *testing.T) {
	export := sealedExport(t)
	stored := DetectTrailShape(mustJSON(t, export))
	if stored.Shape != domain.ShapeExport {
		t.Fatalf("expected export shape, got %s (%s)", stored.Shape, stored.Reason)
	}
	result := stored.Verify("R1")
	if !result.IsValid || result.Partial || result.Records != 3 {
		t.Fatalf("unexpected integrity %+v", result)
	}
}

func TestDetectTrailShape_ExportWithoutPreviousHashes(t *testing.T) {
	export := sealedExport(t)
	for i := range export.Records {
		export.Records[i].PreviousHash = ""
	}
	result := DetectTrailShape(mustJSON(t, export)).Verify("R1")
	if !result.IsValid {
		t.Fatalf("expected chain links to be derived, issues: %v", result.Issues)
	}
}

func TestDetectTrailShape_NestedTrail(t *testing.T) {
	export := sealedExport(t)
	nested := map[string]any{
		"trail": map[string]any{
			"records":  export.Records,
			"sealedAt": export.SealedAt,
			"sealHash": export.SealHash,
		},
	}
	stored := DetectTrailShape(mustJSON(t, nested))
	if stored.Shape != domain.ShapeNestedTrail {
		t.Fatalf("expected nested shape, got %s (%s)", stored.Shape, stored.Reason)
	}
	result := stored.Verify("R1")
	if !result.IsValid || result.Partial {
		t.Fatalf("expected full verification, got %+v", result)
	}
	if bad := stored.Verify("R2"); bad.IsValid {
		t.Fatal("seal must bind the resource id")
	}
}

func TestDetectTrailShape_FlatArrayIsPartial(t *testing.T) {
	export := sealedExport(t)
	stored := DetectTrailShape(mustJSON(t, export.Records))
	if stored.Shape != domain.ShapeFlatArray {
		t.Fatalf("expected flat array, got %s (%s)", stored.Shape, stored.Reason)
	}
	result := stored.Verify("R1")
	if result.IsValid || !result.Partial || result.Sealed {
		t.Fatalf("flat array must be partial and unsealed, got %+v", result)
	}
	if len(result.Issues) != 1 || result.Issues[0] != "trail is not sealed" {
		t.Fatalf("unexpected issues %v", result.Issues)
	}

	export.Records[1].Action = "tampered"
	result = DetectTrailShape(mustJSON(t, export.Records)).Verify("R1")
	if len(result.Issues) != 2 || result.Issues[0] != "hash mismatch at index 1" {
		t.Fatalf("expected tamper to be located, got %v", result.Issues)
	}
}

func TestDetectTrailShape_AccessLog(t *testing.T) {
	raw := json.RawMessage(`{"auditRecords":[
		{"action":"document_accessed","timestamp":"2024-01-02T10:00:00Z","user":"ana@example.com","ipAddress":"10.0.0.1"},
		{"action":"signature_created","timestamp":"2024-01-02T10:05:00.123Z"}
	]}`)
	stored := DetectTrailShape(raw)
	if stored.Shape != domain.ShapeAccessLog || len(stored.AccessLog) != 2 {
		t.Fatalf("expected access log, got %s (%s)", stored.Shape, stored.Reason)
	}
	result := stored.Verify("R1")
	if result.IsValid || !result.Partial || result.Records != 2 {
		t.Fatalf("access log must be partial, got %+v", result)
	}
}

func TestDetectTrailShape_Unrecognized(t *testing.T) {
	cases := map[string]string{
		"string":             `"hello"`,
		"unknown object":     `{"events":[]}`,
		"array of strings":   `["a","b"]`,
		"records w/o hash":   `{"records":[{"action":"x"}]}`,
		"access log bad ts":  `{"auditRecords":[{"action":"x","timestamp":"yesterday"}]}`,
		"empty array":        `[]`,
		"nested w/o records": `{"trail":{"sealHash":"x"}}`,
	}
	for name, raw := range cases {
		stored := DetectTrailShape(json.RawMessage(raw))
		if stored.Shape != domain.ShapeUnrecognized {
			t.Fatalf("%s: expected unrecognized, got %s", name, stored.Shape)
		}
		result := stored.Verify("R1")
		if result.IsValid || !result.Partial {
			t.Fatalf("%s: unrecognized must never verify fully", name)
		}
	}
}

func TestDetectTrailShape_Missing(t *testing.T) {
	for _, raw := range []string{"", "null", "  "} {
		if stored := DetectTrailShape(json.RawMessage(raw)); stored.Shape != domain.ShapeMissing {
			t.Fatalf("%q: expected missing, got %s", raw, stored.Shape)
		}
	}
}
