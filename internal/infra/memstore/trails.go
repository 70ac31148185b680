package memstore

import (
	"context"
	"sync"
	"time"

	"signtrust/internal/domain"
)

// TrailStore keeps audit trails in process memory. It implements the same
// conditional-write contract as the database store.
type TrailStore struct {
	mu     sync.RWMutex
	trails map[string]domain.AuditTrail
}

func NewTrailStore() *TrailStore {
	return &TrailStore{
		trails: make(map[string]domain.AuditTrail),
	}
}

func (s *TrailStore) Get(ctx context.Context, resourceID string) (domain.AuditTrail, error) {
	if err := ctx.Err(); err != nil {
		return domain.AuditTrail{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	trail, ok := s.trails[resourceID]
	if !ok {
		return domain.AuditTrail{}, domain.ErrNotFound
	}
	return cloneTrail(trail), nil
}

func (s *TrailStore) Create(ctx context.Context, trail domain.AuditTrail) (domain.AuditTrail, error) {
	if err := ctx.Err(); err != nil {
		return domain.AuditTrail{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.trails[trail.ResourceID]; ok {
		return cloneTrail(existing), nil
	}
	s.trails[trail.ResourceID] = cloneTrail(trail)
	return cloneTrail(trail), nil
}

func (s *TrailStore) AppendAtomic(ctx context.Context, resourceID string, record domain.AuditRecord, expectedPriorHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	trail, ok := s.trails[resourceID]
	if !ok {
		return domain.ErrNotFound
	}
	if trail.Sealed() {
		return domain.ErrTrailSealed
	}
	if trail.LastHash() != expectedPriorHash {
		return domain.ErrConcurrentModification
	}
	trail.Records = append(cloneRecords(trail.Records), record)
	s.trails[resourceID] = trail
	return nil
}

func (s *TrailStore) Seal(ctx context.Context, resourceID string, sealedAt time.Time, sealHash string, expectedLastHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	trail, ok := s.trails[resourceID]
	if !ok {
		return domain.ErrNotFound
	}
	if trail.Sealed() {
		return domain.ErrTrailSealed
	}
	if trail.LastHash() != expectedLastHash {
		return domain.ErrConcurrentModification
	}
	at := sealedAt
	trail.SealedAt = &at
	trail.SealHash = sealHash
	s.trails[resourceID] = trail
	return nil
}

// Upsert replaces the stored trail unconditionally. It bypasses chain checks
// and exists for imports and administrative repair.
func (s *TrailStore) Upsert(ctx context.Context, trail domain.AuditTrail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trails[trail.ResourceID] = cloneTrail(trail)
	return nil
}

func cloneTrail(trail domain.AuditTrail) domain.AuditTrail {
	out := trail
	out.Records = cloneRecords(trail.Records)
	if trail.SealedAt != nil {
		at := *trail.SealedAt
		out.SealedAt = &at
	}
	return out
}

func cloneRecords(records []domain.AuditRecord) []domain.AuditRecord {
	out := make([]domain.AuditRecord, len(records))
	copy(out, records)
	for i := range out {
		out[i].Details = cloneMap(records[i].Details)
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
