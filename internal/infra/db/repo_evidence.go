package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"signtrust/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EvidenceRepository struct {
	db *gorm.DB
}

func NewEvidenceRepository(db *gorm.DB) *EvidenceRepository {
	return &EvidenceRepository{db: db}
}

func (r *EvidenceRepository) Get(ctx context.Context, signatureID string) (domain.EvidenceRecord, error) {
	if r.db == nil {
		return domain.EvidenceRecord{}, errDBUnavailable
	}
	var model EvidenceModel
	err := r.db.WithContext(ctx).Where("signature_id = ?", signatureID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.EvidenceRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.EvidenceRecord{}, err
	}
	return evidenceFromModel(model)
}

func (r *EvidenceRepository) Put(ctx context.Context, record domain.EvidenceRecord) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if record.SignatureID == "" || record.TenantID == "" {
		return fmt.Errorf("%w: signature id and tenant id are required", domain.ErrInvalidInput)
	}
	doc, err := json.Marshal(record.Document)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	model := EvidenceModel{
		SignatureID:  record.SignatureID,
		TenantID:     record.TenantID,
		ResourceID:   record.ResourceID,
		DocumentJSON: doc,
		CreatedAt:    record.CreatedAt.UTC(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "signature_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"document_json"}),
		}).
		Create(&model).Error
}

func (r *EvidenceRepository) ListByResource(ctx context.Context, resourceID string) ([]domain.EvidenceRecord, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []EvidenceModel
	if err := r.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		Order("created_at ASC, signature_id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.EvidenceRecord, 0, len(models))
	for _, model := range models {
		record, err := evidenceFromModel(model)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func evidenceFromModel(model EvidenceModel) (domain.EvidenceRecord, error) {
	var doc map[string]any
	if err := json.Unmarshal(model.DocumentJSON, &doc); err != nil {
		return domain.EvidenceRecord{}, fmt.Errorf("decode evidence %s: %w", model.SignatureID, err)
	}
	return domain.EvidenceRecord{
		SignatureID: model.SignatureID,
		TenantID:    model.TenantID,
		ResourceID:  model.ResourceID,
		Document:    doc,
		CreatedAt:   model.CreatedAt.UTC(),
	}, nil
}
