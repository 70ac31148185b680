package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"signtrust/internal/domain"
	"signtrust/internal/infra/fieldcipher"
	"signtrust/internal/infra/memstore"
)

type timestampStub struct {
	fail  bool
	calls []string
}

func (s *timestampStub) GetQualifiedTimestamp(ctx context.Context, contentHash string) domain.TimestampProof {
	s.calls = append(s.calls, contentHash)
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	if s.fail {
		return domain.UnverifiedTimestamp(contentHash, at, domain.TimestampErrorNetwork)
	}
	return domain.TimestampProof{
		Value:        at,
		TSAURL:       "https://tsa.example",
		Verified:     true,
		SerialNumber: "1001",
		Token:        []byte("token"),
		Accuracy:     "1s",
		DocumentHash: contentHash,
	}
}

// flakyEvidence fails the Put calls whose 1-based position is listed.
type flakyEvidence struct {
	*memstore.EvidenceStore
	failAt map[int]bool
	puts   int
}

func (s *flakyEvidence) Put(ctx context.Context, record domain.EvidenceRecord) error {
	s.puts++
	if s.failAt[s.puts] {
		return errors.New("evidence store unavailable")
	}
	return s.EvidenceStore.Put(ctx, record)
}

type signingFixture struct {
	flow      *SigningFlow
	verifier  *IntegrityVerifier
	trails    *memstore.TrailStore
	evidence  *memstore.EvidenceStore
	otp       *OTPChallenge
	sms       *smsStub
	tsa       *timestampStub
	keys      *fieldcipher.TenantKeyStore
	trailSvc  *AuditTrailService
	clock     *manualClock
	signature int
}

func newSigningFixture(t *testing.T) *signingFixture {
	t.Helper()
	clock := &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	trails := memstore.NewTrailStore()
	evidence := memstore.NewEvidenceStore()
	keys, err := fieldcipher.NewTenantKeyStore("server-secret")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	cipher, err := fieldcipher.New(keys, nil)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	sms := &smsStub{}
	tsa := &timestampStub{}
	trailSvc := NewAuditTrailService(trails, clock.Now, nil, nil)
	otp := NewOTPChallenge(memstore.NewOTPStore(), sms, &emailStub{}, domain.DefaultOTPPolicy(), "signtrust", clock.Now, nil, nil)
	fx := &signingFixture{
		trails:   trails,
		evidence: evidence,
		otp:      otp,
		sms:      sms,
		tsa:      tsa,
		keys:     keys,
		trailSvc: trailSvc,
		clock:    clock,
	}
	fx.flow = NewSigningFlow(trailSvc, otp, tsa, cipher, evidence, clock.Now, nil, nil)
	fx.flow.NewID = func() string {
		fx.signature++
		return fmt.Sprintf("sig-%d", fx.signature)
	}
	fx.verifier = NewIntegrityVerifier(evidence, cipher, trailSvc, domain.DefaultScoringPolicy(), nil, nil)
	return fx
}

func signRequest(resourceID string) SignRequest {
	return SignRequest{
		TenantID:     "T1",
		ResourceID:   resourceID,
		ResourceName: "Contract",
		Content:      "hello",
		FieldValues:  map[string]any{"amount": 10, "city": "Madrid"},
		Signer:       domain.SignerInfo{Name: "Ana", Email: "ana@example.com", ShortID: "abc"},
		ConsentGiven: true,
		Request:      RequestContext{IPAddress: "10.0.0.1", UserAgent: "test-agent"},
	}
}

func TestSigningFlow_SignsAndVerifies(t *testing.T) {
	fx := newSigningFixture(t)
	ctx := context.Background()
	issued, err := fx.otp.Issue(ctx, "abc", domain.DeliverySMS, "+34600000000")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := fx.otp.Verify(ctx, "abc", issued.Code); err != nil {
		t.Fatalf("verify otp: %v", err)
	}

	result, err := fx.flow.Sign(ctx, signRequest("R1"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !result.Evidence.Timestamp.Verified || result.Evidence.Timestamp.DocumentHash != result.Evidence.DocumentHash {
		t.Fatalf("unexpected proof %+v", result.Evidence.Timestamp)
	}
	if !result.Evidence.Signer.OTPVerified {
		t.Fatal("expected signer to be OTP verified")
	}

	trail, err := fx.trails.Get(ctx, "R1")
	if err != nil {
		t.Fatalf("get trail: %v", err)
	}
	wantActions := []string{
		domain.ActionDocumentAccessed,
		domain.ActionIdentityProvided,
		domain.ActionConsentGiven,
		domain.ActionOTPVerified,
		domain.ActionTimestampObtained,
		domain.ActionSignatureCreated,
	}
	if len(trail.Records) != len(wantActions) {
		t.Fatalf("expected %d records, got %d", len(wantActions), len(trail.Records))
	}
	for i, action := range wantActions {
		if trail.Records[i].Action != action {
			t.Fatalf("record %d: expected %s, got %s", i, action, trail.Records[i].Action)
		}
	}
	if !trail.Sealed() || trail.SealHash != result.SealHash {
		t.Fatal("expected trail to be sealed with the returned hash")
	}

	stored, err := fx.evidence.Get(ctx, result.Evidence.SignatureID)
	if err != nil {
		t.Fatalf("get evidence: %v", err)
	}
	if _, ok := stored.Document["snapshot"].(string); !ok {
		t.Fatal("expected snapshot to be stored encrypted")
	}
	if _, ok := stored.Document["signer"].(string); !ok {
		t.Fatal("expected signer to be stored encrypted")
	}
	if stored.Document["documentHash"] != result.Evidence.DocumentHash {
		t.Fatal("expected document hash in clear")
	}

	report, err := fx.verifier.VerifySignature(ctx, "T1", result.Evidence.SignatureID)
	if err != nil {
		t.Fatalf("verify signature: %v", err)
	}
	if report.OverallScore != 100 || report.Level != domain.LevelHigh {
		t.Fatalf("expected 100/HIGH, got %d/%s findings %v", report.OverallScore, report.Level, findingCodes(report))
	}
	if report.AuditIntegrity.Shape != domain.ShapeLive || !report.AuditIntegrity.IsValid {
		t.Fatalf("unexpected audit integrity %+v", report.AuditIntegrity)
	}
	if len(report.Findings) != 0 {
		t.Fatalf("expected no findings, got %v", findingCodes(report))
	}
}

func TestSigningFlow_TimestampFailureDoesNotBlock(t *testing.T) {
	fx := newSigningFixture(t)
	fx.tsa.fail = true
	ctx := context.Background()

	result, err := fx.flow.Sign(ctx, signRequest("R1"))
	if err != nil {
		t.Fatalf("sign must not fail when the TSA is down: %v", err)
	}
	proof := result.Evidence.Timestamp
	if proof.Verified || proof.TSAURL != domain.TimestampUnavailableURL || proof.ErrorCode != domain.TimestampErrorNetwork {
		t.Fatalf("expected degraded proof, got %+v", proof)
	}
	if _, err := fx.evidence.Get(ctx, result.Evidence.SignatureID); err != nil {
		t.Fatalf("expected evidence to be stored: %v", err)
	}

	trail, _ := fx.trails.Get(ctx, "R1")
	var sawUnavailable, sawSignature bool
	for _, r := range trail.Records {
		sawUnavailable = sawUnavailable || r.Action == domain.ActionTimestampUnavailable
		sawSignature = sawSignature || r.Action == domain.ActionSignatureCreated
	}
	if !sawUnavailable || !sawSignature {
		t.Fatal("expected timestamp_unavailable and signature_created records")
	}

	report, err := fx.verifier.VerifySignature(ctx, "T1", result.Evidence.SignatureID)
	if err != nil {
		t.Fatalf("verify signature: %v", err)
	}
	codes := findingCodes(report)
	if len(codes) != 2 || codes[0] != domain.FindingTimestampUnavailable || codes[1] != domain.FindingSignerNotVerified {
		t.Fatalf("unexpected findings %v", codes)
	}
	if report.OverallScore != 100 {
		t.Fatalf("timestamp degradation must not change the score, got %d", report.OverallScore)
	}
}

func TestSigningFlow_RequireOTP(t *testing.T) {
	fx := newSigningFixture(t)
	req := signRequest("R1")
	req.RequireOTP = true
	if _, err := fx.flow.Sign(context.Background(), req); !errors.Is(err, domain.ErrOTPRequired) {
		t.Fatalf("expected otp required, got %v", err)
	}
	trail, err := fx.trails.Get(context.Background(), "R1")
	if err != nil {
		t.Fatalf("get trail: %v", err)
	}
	if trail.Sealed() {
		t.Fatal("trail must stay open when signing is refused")
	}
}

func TestSigningFlow_SecondSignatureOnSealedResource(t *testing.T) {
	fx := newSigningFixture(t)
	ctx := context.Background()
	if _, err := fx.flow.Sign(ctx, signRequest("R1")); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := fx.flow.Sign(ctx, signRequest("R1")); !errors.Is(err, domain.ErrTrailSealed) {
		t.Fatalf("expected sealed trail error, got %v", err)
	}
}

func TestSigningFlow_RequiresConsent(t *testing.T) {
	fx := newSigningFixture(t)
	req := signRequest("R1")
	req.ConsentGiven = false
	if _, err := fx.flow.Sign(context.Background(), req); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func verifiedOTP(t *testing.T, fx *signingFixture, shortID string) {
	t.Helper()
	ctx := context.Background()
	issued, err := fx.otp.Issue(ctx, shortID, domain.DeliverySMS, "+34600000000")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := fx.otp.Verify(ctx, shortID, issued.Code); err != nil {
		t.Fatalf("verify otp: %v", err)
	}
}

func TestSigningFlow_RetryAfterEvidenceWriteFailure(t *testing.T) {
	cases := []struct {
		name   string
		failAt int
		wantID string
	}{
		{name: "pending write", failAt: 1, wantID: "sig-2"},
		{name: "final write", failAt: 2, wantID: "sig-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newSigningFixture(t)
			ctx := context.Background()
			fx.flow.Evidence = &flakyEvidence{EvidenceStore: fx.evidence, failAt: map[int]bool{tc.failAt: true}}
			verifiedOTP(t, fx, "abc")
			req := signRequest("R1")
			req.RequireOTP = true

			if _, err := fx.flow.Sign(ctx, req); err == nil {
				t.Fatal("expected the first sign to fail")
			}
			result, err := fx.flow.Sign(ctx, req)
			if err != nil {
				t.Fatalf("retry: %v", err)
			}
			if result.Evidence.SignatureID != tc.wantID || result.Evidence.Pending {
				t.Fatalf("unexpected evidence %s pending=%v", result.Evidence.SignatureID, result.Evidence.Pending)
			}

			records, err := fx.evidence.ListByResource(ctx, "R1")
			if err != nil {
				t.Fatalf("list evidence: %v", err)
			}
			if len(records) != 1 || records[0].SignatureID != tc.wantID {
				t.Fatalf("expected one evidence %s, got %d", tc.wantID, len(records))
			}
			if _, ok := records[0].Document["pending"]; ok {
				t.Fatal("stored evidence is still pending")
			}

			trail, err := fx.trails.Get(ctx, "R1")
			if err != nil {
				t.Fatalf("get trail: %v", err)
			}
			if !trail.Sealed() || trail.SealHash != result.SealHash {
				t.Fatal("expected trail sealed with the returned hash")
			}
			if lastSignatureID(trail) != tc.wantID {
				t.Fatalf("trail names signature %q", lastSignatureID(trail))
			}

			report, err := fx.verifier.VerifySignature(ctx, "T1", tc.wantID)
			if err != nil {
				t.Fatalf("verify signature: %v", err)
			}
			if report.Level != domain.LevelHigh || !report.AuditIntegrity.IsValid || !report.Signer.OTPVerified {
				t.Fatalf("unexpected report %d/%s findings %v", report.OverallScore, report.Level, findingCodes(report))
			}

			if _, err := fx.flow.Sign(ctx, req); !errors.Is(err, domain.ErrTrailSealed) {
				t.Fatalf("expected sealed trail once completed, got %v", err)
			}
		})
	}
}

func TestSigningFlow_RetryWithOtherDocumentRefused(t *testing.T) {
	fx := newSigningFixture(t)
	ctx := context.Background()
	fx.flow.Evidence = &flakyEvidence{EvidenceStore: fx.evidence, failAt: map[int]bool{2: true}}
	if _, err := fx.flow.Sign(ctx, signRequest("R1")); err == nil {
		t.Fatal("expected the first sign to fail")
	}
	req := signRequest("R1")
	req.Content = "hello, amended"
	if _, err := fx.flow.Sign(ctx, req); !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
	stored, err := fx.evidence.Get(ctx, "sig-1")
	if err != nil {
		t.Fatalf("get evidence: %v", err)
	}
	if pending, _ := stored.Document["pending"].(bool); !pending {
		t.Fatal("expected evidence to stay pending")
	}
}

func TestSigningFlow_OTPSignsOneResource(t *testing.T) {
	fx := newSigningFixture(t)
	ctx := context.Background()
	verifiedOTP(t, fx, "abc")

	first := signRequest("R1")
	first.RequireOTP = true
	if _, err := fx.flow.Sign(ctx, first); err != nil {
		t.Fatalf("sign R1: %v", err)
	}

	second := signRequest("R2")
	second.RequireOTP = true
	if _, err := fx.flow.Sign(ctx, second); !errors.Is(err, domain.ErrOTPRequired) {
		t.Fatalf("expected otp required for R2, got %v", err)
	}
	trail, err := fx.trails.Get(ctx, "R2")
	if err != nil {
		t.Fatalf("get trail: %v", err)
	}
	if trail.Sealed() {
		t.Fatal("R2 must stay open")
	}

	second.RequireOTP = false
	result, err := fx.flow.Sign(ctx, second)
	if err != nil {
		t.Fatalf("sign R2 without otp: %v", err)
	}
	if result.Evidence.Signer.OTPVerified {
		t.Fatal("R2 must not claim the code consumed by R1")
	}

	status, live, err := fx.otp.Status(ctx, "abc")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != domain.OTPStatusConsumed || live.ConsumedBy != "R1" {
		t.Fatalf("unexpected status %s %+v", status, live)
	}
}
