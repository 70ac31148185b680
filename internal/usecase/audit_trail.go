package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"signtrust/internal/domain"

	"go.uber.org/zap"
)

const maxAppendRetries = 5

// AuditTrailService owns the append-only chain of every resource. Appends to
// the same resource are serialized by a per-resource lock in this process and
// by conditional writes in the repository across processes.
type AuditTrailService struct {
	Repo    domain.TrailRepository
	Clock   Clock
	Logger  *zap.Logger
	Metrics Metrics

	locks keyedLock
}

func NewAuditTrailService(repo domain.TrailRepository, clock Clock, logger *zap.Logger, metrics Metrics) *AuditTrailService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditTrailService{
		Repo:    repo,
		Clock:   clock,
		Logger:  logger,
		Metrics: metricsOrNoop(metrics),
	}
}

// Create returns the trail for resourceID, creating it when absent. Creating
// over a sealed trail returns the sealed trail together with a
// SealedTrailError.
func (s *AuditTrailService) Create(ctx context.Context, resourceID, resourceName string) (domain.AuditTrail, error) {
	if err := s.ready(); err != nil {
		return domain.AuditTrail{}, err
	}
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return domain.AuditTrail{}, fmt.Errorf("%w: resource id is required", domain.ErrInvalidInput)
	}
	stored, err := s.Repo.Create(ctx, domain.AuditTrail{
		ResourceID:   resourceID,
		ResourceName: resourceName,
		Records:      []domain.AuditRecord{},
		CreatedAt:    s.now(),
	})
	if err != nil {
		return domain.AuditTrail{}, fmt.Errorf("create trail %s: %w", resourceID, err)
	}
	if stored.Sealed() {
		return stored, &domain.SealedTrailError{ResourceID: resourceID}
	}
	return stored, nil
}

// AddRecord appends a record at the next sequence index. The trail must
// exist and must not be sealed.
func (s *AuditTrailService) AddRecord(ctx context.Context, resourceID string, in domain.AppendInput) (domain.AuditRecord, error) {
	if err := s.ready(); err != nil {
		return domain.AuditRecord{}, err
	}
	if strings.TrimSpace(in.Action) == "" {
		return domain.AuditRecord{}, fmt.Errorf("%w: action is required", domain.ErrInvalidInput)
	}
	if in.Actor.Type == "" {
		return domain.AuditRecord{}, fmt.Errorf("%w: actor type is required", domain.ErrInvalidInput)
	}
	details, err := normalizeDetails(in.Details)
	if err != nil {
		return domain.AuditRecord{}, fmt.Errorf("%w: details: %v", domain.ErrInvalidInput, err)
	}

	unlock := s.locks.Lock(resourceID)
	defer unlock()

	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		trail, err := s.Repo.Get(ctx, resourceID)
		if err != nil {
			return domain.AuditRecord{}, fmt.Errorf("load trail %s: %w", resourceID, err)
		}
		if trail.Sealed() {
			return domain.AuditRecord{}, &domain.SealedTrailError{ResourceID: resourceID}
		}

		seq := int64(0)
		if n := len(trail.Records); n > 0 {
			seq = trail.Records[n-1].SequenceIndex + 1
		}
		record := domain.AuditRecord{
			SequenceIndex: seq,
			Timestamp:     s.now(),
			Action:        in.Action,
			Actor:         in.Actor,
			Resource:      in.Resource,
			Details:       details,
			Metadata:      in.Metadata,
			PreviousHash:  trail.LastHash(),
		}
		hash, err := ComputeRecordHash(record)
		if err != nil {
			return domain.AuditRecord{}, err
		}
		record.RecordHash = hash

		err = s.Repo.AppendAtomic(ctx, resourceID, record, record.PreviousHash)
		switch {
		case err == nil:
			s.Metrics.RecordAppended(record.Action)
			return record, nil
		case errors.Is(err, domain.ErrConcurrentModification):
			s.Logger.Debug("audit append conflict, retrying",
				zap.String("resource_id", resourceID),
				zap.Int("attempt", attempt+1),
			)
			continue
		case errors.Is(err, domain.ErrTrailSealed):
			return domain.AuditRecord{}, &domain.SealedTrailError{ResourceID: resourceID}
		default:
			return domain.AuditRecord{}, fmt.Errorf("append record to %s: %w", resourceID, err)
		}
	}
	return domain.AuditRecord{}, fmt.Errorf("append record to %s: %w", resourceID, domain.ErrConcurrentModification)
}

// Seal freezes the trail and returns its seal hash. Sealing an already sealed
// trail returns the stored hash.
func (s *AuditTrailService) Seal(ctx context.Context, resourceID string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	unlock := s.locks.Lock(resourceID)
	defer unlock()

	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		trail, err := s.Repo.Get(ctx, resourceID)
		if err != nil {
			return "", fmt.Errorf("load trail %s: %w", resourceID, err)
		}
		if trail.Sealed() {
			return trail.SealHash, nil
		}
		sealedAt := s.now()
		lastHash := trail.LastHash()
		sealHash := ComputeSealHash(lastHash, resourceID, sealedAt)

		err = s.Repo.Seal(ctx, resourceID, sealedAt, sealHash, lastHash)
		switch {
		case err == nil:
			s.Metrics.TrailSealed()
			s.Logger.Info("audit trail sealed",
				zap.String("resource_id", resourceID),
				zap.Int("records", len(trail.Records)),
			)
			return sealHash, nil
		case errors.Is(err, domain.ErrConcurrentModification), errors.Is(err, domain.ErrTrailSealed):
			continue
		default:
			return "", fmt.Errorf("seal trail %s: %w", resourceID, err)
		}
	}
	return "", fmt.Errorf("seal trail %s: %w", resourceID, domain.ErrConcurrentModification)
}

// VerifyIntegrity re-derives the whole chain from the stored records.
func (s *AuditTrailService) VerifyIntegrity(ctx context.Context, resourceID string) (domain.TrailVerification, error) {
	if err := s.ready(); err != nil {
		return domain.TrailVerification{}, err
	}
	trail, err := s.Repo.Get(ctx, resourceID)
	if err != nil {
		return domain.TrailVerification{}, fmt.Errorf("load trail %s: %w", resourceID, err)
	}
	result := VerifyTrail(trail)
	for _, v := range result.Violations {
		if v.Kind == domain.ViolationNotSealed {
			continue
		}
		s.Logger.Info("audit chain violation",
			zap.String("resource_id", resourceID),
			zap.String("kind", string(v.Kind)),
			zap.Int64("index", v.Index),
		)
	}
	return result, nil
}

func (s *AuditTrailService) Export(ctx context.Context, resourceID string) (domain.AuditExport, error) {
	if err := s.ready(); err != nil {
		return domain.AuditExport{}, err
	}
	trail, err := s.Repo.Get(ctx, resourceID)
	if err != nil {
		return domain.AuditExport{}, fmt.Errorf("load trail %s: %w", resourceID, err)
	}
	return ExportTrail(trail), nil
}

// ExportTrail renders a trail in the stable export format.
func ExportTrail(trail domain.AuditTrail) domain.AuditExport {
	records := make([]domain.ExportedRecord, 0, len(trail.Records))
	for _, r := range trail.Records {
		details := r.Details
		if details == nil {
			details = map[string]any{}
		}
		records = append(records, domain.ExportedRecord{
			SequenceIndex: r.SequenceIndex,
			Timestamp:     FormatAuditTime(r.Timestamp),
			Action:        r.Action,
			Actor:         r.Actor,
			Resource:      r.Resource,
			Details:       details,
			Metadata:      r.Metadata,
			RecordHash:    r.RecordHash,
			PreviousHash:  r.PreviousHash,
		})
	}
	out := domain.AuditExport{
		Version:      domain.AuditChainVersion,
		ResourceID:   trail.ResourceID,
		ResourceName: trail.ResourceName,
		CreatedAt:    FormatAuditTime(trail.CreatedAt),
		GenesisHash:  domain.AuditGenesisHash,
		Records:      records,
		SealHash:     trail.SealHash,
	}
	if trail.SealedAt != nil {
		sealedAt := FormatAuditTime(*trail.SealedAt)
		out.SealedAt = &sealedAt
	}
	return out
}

func (s *AuditTrailService) ready() error {
	if s == nil || s.Repo == nil {
		return errors.New("trail repository required")
	}
	return nil
}

// now is truncated to microseconds so timestamps survive storage backends
// with microsecond precision unchanged.
func (s *AuditTrailService) now() time.Time {
	return s.Clock.now().Truncate(time.Microsecond)
}

// normalizeDetails round-trips details through JSON so the hashed form is
// exactly what a store will hand back.
func normalizeDetails(details map[string]any) (map[string]any, error) {
	if len(details) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
