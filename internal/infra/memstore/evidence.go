package memstore

import (
	"context"
	"sort"
	"sync"

	"signtrust/internal/domain"
)

type EvidenceStore struct {
	mu      sync.RWMutex
	records map[string]domain.EvidenceRecord
}

func NewEvidenceStore() *EvidenceStore {
	return &EvidenceStore{
		records: make(map[string]domain.EvidenceRecord),
	}
}

func (s *EvidenceStore) Get(ctx context.Context, signatureID string) (domain.EvidenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.EvidenceRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[signatureID]
	if !ok {
		return domain.EvidenceRecord{}, domain.ErrNotFound
	}
	record.Document = cloneMap(record.Document)
	return record, nil
}

func (s *EvidenceStore) Put(ctx context.Context, record domain.EvidenceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record.Document = cloneMap(record.Document)
	s.records[record.SignatureID] = record
	return nil
}

func (s *EvidenceStore) ListByResource(ctx context.Context, resourceID string) ([]domain.EvidenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.EvidenceRecord, 0)
	for _, record := range s.records {
		if record.ResourceID != resourceID {
			continue
		}
		record.Document = cloneMap(record.Document)
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SignatureID < out[j].SignatureID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
