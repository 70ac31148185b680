package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"signtrust/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TrailRepository stores a trail head row plus one row per record. Appends
// and seals lock the head row so the prior-hash check and the write happen
// in one transaction.
type TrailRepository struct {
	db *gorm.DB
}

func NewTrailRepository(db *gorm.DB) *TrailRepository {
	return &TrailRepository{db: db}
}

func (r *TrailRepository) Get(ctx context.Context, resourceID string) (domain.AuditTrail, error) {
	if r.db == nil {
		return domain.AuditTrail{}, errDBUnavailable
	}
	var head AuditTrailModel
	err := r.db.WithContext(ctx).Where("resource_id = ?", resourceID).Take(&head).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.AuditTrail{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.AuditTrail{}, err
	}
	var records []AuditRecordModel
	if err := r.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		Order("sequence_index ASC").
		Find(&records).Error; err != nil {
		return domain.AuditTrail{}, err
	}
	return trailFromModels(head, records)
}

func (r *TrailRepository) Create(ctx context.Context, trail domain.AuditTrail) (domain.AuditTrail, error) {
	if r.db == nil {
		return domain.AuditTrail{}, errDBUnavailable
	}
	head := AuditTrailModel{
		ResourceID:   trail.ResourceID,
		ResourceName: trail.ResourceName,
		LastHash:     domain.AuditGenesisHash,
		CreatedAt:    trail.CreatedAt.UTC(),
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&head).Error; err != nil {
		return domain.AuditTrail{}, err
	}
	return r.Get(ctx, trail.ResourceID)
}

func (r *TrailRepository) AppendAtomic(ctx context.Context, resourceID string, record domain.AuditRecord, expectedPriorHash string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	model, err := recordModelFromDomain(resourceID, record)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		head, err := lockHead(tx, resourceID)
		if err != nil {
			return err
		}
		if head.SealedAt != nil {
			return domain.ErrTrailSealed
		}
		if head.LastHash != expectedPriorHash || record.SequenceIndex != head.RecordCount {
			return domain.ErrConcurrentModification
		}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		return tx.Model(&AuditTrailModel{}).
			Where("resource_id = ?", resourceID).
			Updates(map[string]any{
				"last_hash":    record.RecordHash,
				"record_count": head.RecordCount + 1,
			}).Error
	})
}

func (r *TrailRepository) Seal(ctx context.Context, resourceID string, sealedAt time.Time, sealHash string, expectedLastHash string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		head, err := lockHead(tx, resourceID)
		if err != nil {
			return err
		}
		if head.SealedAt != nil {
			return domain.ErrTrailSealed
		}
		if head.LastHash != expectedLastHash {
			return domain.ErrConcurrentModification
		}
		return tx.Model(&AuditTrailModel{}).
			Where("resource_id = ?", resourceID).
			Updates(map[string]any{
				"sealed_at": sealedAt.UTC(),
				"seal_hash": sealHash,
			}).Error
	})
}

// Upsert replaces the trail and all its records. It bypasses chain checks
// and exists for imports and administrative repair.
func (r *TrailRepository) Upsert(ctx context.Context, trail domain.AuditTrail) error {
	if r.db == nil {
		return errDBUnavailable
	}
	models := make([]AuditRecordModel, 0, len(trail.Records))
	for _, record := range trail.Records {
		model, err := recordModelFromDomain(trail.ResourceID, record)
		if err != nil {
			return err
		}
		models = append(models, model)
	}
	head := AuditTrailModel{
		ResourceID:   trail.ResourceID,
		ResourceName: trail.ResourceName,
		LastHash:     trail.LastHash(),
		RecordCount:  int64(len(trail.Records)),
		CreatedAt:    trail.CreatedAt.UTC(),
		SealedAt:     trail.SealedAt,
		SealHash:     stringPtrIfNotEmpty(trail.SealHash),
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("resource_id = ?", trail.ResourceID).Delete(&AuditRecordModel{}).Error; err != nil {
			return err
		}
		if err := tx.Save(&head).Error; err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}
		return tx.Create(&models).Error
	})
}

func lockHead(tx *gorm.DB, resourceID string) (AuditTrailModel, error) {
	var head AuditTrailModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("resource_id = ?", resourceID).
		Take(&head).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AuditTrailModel{}, domain.ErrNotFound
	}
	return head, err
}

func recordModelFromDomain(resourceID string, record domain.AuditRecord) (AuditRecordModel, error) {
	details := record.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return AuditRecordModel{}, fmt.Errorf("encode record details: %w", err)
	}
	return AuditRecordModel{
		ResourceID:      resourceID,
		SequenceIndex:   record.SequenceIndex,
		Timestamp:       record.Timestamp.UTC(),
		Action:          record.Action,
		ActorType:       string(record.Actor.Type),
		ActorIdentifier: record.Actor.Identifier,
		ResourceType:    record.Resource.Type,
		ResourceRef:     record.Resource.ID,
		ResourceName:    record.Resource.Name,
		DetailsJSON:     detailsJSON,
		IPAddress:       record.Metadata.IPAddress,
		UserAgent:       record.Metadata.UserAgent,
		RecordHash:      record.RecordHash,
		PreviousHash:    record.PreviousHash,
	}, nil
}

func trailFromModels(head AuditTrailModel, models []AuditRecordModel) (domain.AuditTrail, error) {
	trail := domain.AuditTrail{
		ResourceID:   head.ResourceID,
		ResourceName: head.ResourceName,
		Records:      make([]domain.AuditRecord, 0, len(models)),
		CreatedAt:    head.CreatedAt.UTC(),
	}
	if head.SealedAt != nil {
		at := head.SealedAt.UTC()
		trail.SealedAt = &at
	}
	if head.SealHash != nil {
		trail.SealHash = *head.SealHash
	}
	for _, m := range models {
		var details map[string]any
		if err := json.Unmarshal(m.DetailsJSON, &details); err != nil {
			return domain.AuditTrail{}, fmt.Errorf("decode details of record %d: %w", m.SequenceIndex, err)
		}
		trail.Records = append(trail.Records, domain.AuditRecord{
			SequenceIndex: m.SequenceIndex,
			Timestamp:     m.Timestamp.UTC(),
			Action:        m.Action,
			Actor:         domain.AuditActor{Type: domain.AuditActorType(m.ActorType), Identifier: m.ActorIdentifier},
			Resource:      domain.AuditResource{Type: m.ResourceType, ID: m.ResourceRef, Name: m.ResourceName},
			Details:       details,
			Metadata:      domain.AuditMetadata{IPAddress: m.IPAddress, UserAgent: m.UserAgent},
			RecordHash:    m.RecordHash,
			PreviousHash:  m.PreviousHash,
		})
	}
	return trail, nil
}

func stringPtrIfNotEmpty(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
