//go:build integration

package db

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"signtrust/internal/domain"
	"signtrust/internal/usecase"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	store := newStore(gdb)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func appendInput(action string) domain.AppendInput {
	return domain.AppendInput{
		Action:   action,
		Actor:    domain.AuditActor{Type: domain.AuditActorSigner, Identifier: "ana@example.com"},
		Details:  map[string]any{"amount": 10, "nested": map[string]any{"b": 1, "a": "x"}},
		Metadata: domain.AuditMetadata{IPAddress: "10.0.0.1", UserAgent: "integration"},
	}
}

func TestTrailRepository_ChainSurvivesRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	svc := usecase.NewAuditTrailService(store.Trails, nil, nil, nil)
	resourceID := uuid.NewString()

	if _, err := svc.Create(ctx, resourceID, "Contract"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(ctx, resourceID, "Renamed"); err != nil {
		t.Fatalf("create is idempotent: %v", err)
	}
	for _, action := range []string{domain.ActionDocumentAccessed, domain.ActionConsentGiven, domain.ActionSignatureCreated} {
		if _, err := svc.AddRecord(ctx, resourceID, appendInput(action)); err != nil {
			t.Fatalf("add %s: %v", action, err)
		}
	}
	if _, err := svc.Seal(ctx, resourceID); err != nil {
		t.Fatalf("seal: %v", err)
	}

	result, err := svc.VerifyIntegrity(ctx, resourceID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.IsValid || result.Records != 3 {
		t.Fatalf("expected a valid sealed trail, got %+v", result)
	}
	if _, err := svc.AddRecord(ctx, resourceID, appendInput("late")); !errors.Is(err, domain.ErrTrailSealed) {
		t.Fatalf("expected sealed error, got %v", err)
	}
}

func TestTrailRepository_ConditionalWrites(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	resourceID := uuid.NewString()
	if _, err := store.Trails.Create(ctx, domain.AuditTrail{ResourceID: resourceID, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("create: %v", err)
	}
	record := domain.AuditRecord{SequenceIndex: 0, Timestamp: time.Now().UTC(), Action: "x", RecordHash: "h1", PreviousHash: domain.AuditGenesisHash}
	if err := store.Trails.AppendAtomic(ctx, resourceID, record, "stale"); !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := store.Trails.AppendAtomic(ctx, uuid.NewString(), record, domain.AuditGenesisHash); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Trails.Seal(ctx, resourceID, time.Now(), "seal", domain.AuditGenesisHash); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := store.Trails.Seal(ctx, resourceID, time.Now(), "seal", domain.AuditGenesisHash); !errors.Is(err, domain.ErrTrailSealed) {
		t.Fatalf("expected sealed, got %v", err)
	}
}

func TestTrailRepository_ConcurrentAppends(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	resourceID := uuid.NewString()
	// Separate services so only the database serializes the writers.
	if _, err := usecase.NewAuditTrailService(store.Trails, nil, nil, nil).Create(ctx, resourceID, "Contract"); err != nil {
		t.Fatalf("create: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc := usecase.NewAuditTrailService(store.Trails, nil, nil, nil)
			_, _ = svc.AddRecord(ctx, resourceID, appendInput(domain.ActionDocumentAccessed))
		}()
	}
	wg.Wait()
	result, err := usecase.NewAuditTrailService(store.Trails, nil, nil, nil).VerifyIntegrity(ctx, resourceID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(result.Violations) != 1 || result.Violations[0].Kind != domain.ViolationNotSealed {
		t.Fatalf("expected an intact unsealed chain, got %v", result.Issues)
	}
}

func TestOTPRepository_UpdateCommitsOnError(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	shortID := uuid.NewString()
	boom := errors.New("mismatch")
	err := store.OTP.Update(ctx, shortID, func(state *domain.OTPState) (bool, error) {
		state.Live = &domain.OTPRecord{IssueID: "i1", Attempts: 1}
		return true, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	state, err := store.OTP.Get(ctx, shortID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state.Live == nil || state.Live.Attempts != 1 {
		t.Fatalf("expected committed attempt, got %+v", state.Live)
	}
}

func TestEvidenceRepository_PutGetList(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	resourceID := uuid.NewString()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{uuid.NewString(), uuid.NewString()} {
		err := store.Evidence.Put(ctx, domain.EvidenceRecord{
			SignatureID: id,
			TenantID:    "T1",
			ResourceID:  resourceID,
			Document:    map[string]any{"documentHash": "h", "snapshot": "iv:ct"},
			CreatedAt:   created.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	list, err := store.Evidence.ListByResource(ctx, resourceID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || !list[0].CreatedAt.Before(list[1].CreatedAt) {
		t.Fatalf("unexpected list %+v", list)
	}
	got, err := store.Evidence.Get(ctx, list[0].SignatureID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Document["snapshot"] != "iv:ct" {
		t.Fatalf("unexpected document %v", got.Document)
	}
	if _, err := store.Evidence.Get(ctx, uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
