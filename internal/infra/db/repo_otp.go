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

// OTPRepository keeps one JSON row per shortId. Update holds a row lock for
// the callback, which serializes issue and verify across replicas.
type OTPRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewOTPRepository(db *gorm.DB) *OTPRepository {
	return &OTPRepository{db: db, now: time.Now}
}

func (r *OTPRepository) Get(ctx context.Context, shortID string) (domain.OTPState, error) {
	if r.db == nil {
		return domain.OTPState{}, errDBUnavailable
	}
	var model OTPStateModel
	err := r.db.WithContext(ctx).Where("short_id = ?", shortID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.OTPState{ShortID: shortID}, nil
	}
	if err != nil {
		return domain.OTPState{}, err
	}
	return decodeOTPState(shortID, model.StateJSON)
}

func (r *OTPRepository) Update(ctx context.Context, shortID string, fn domain.OTPUpdateFunc) error {
	if r.db == nil {
		return errDBUnavailable
	}
	var fnErr error
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		empty, err := json.Marshal(domain.OTPState{ShortID: shortID})
		if err != nil {
			return err
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&OTPStateModel{ShortID: shortID, StateJSON: empty, UpdatedAt: r.now().UTC()}).Error; err != nil {
			return err
		}
		var model OTPStateModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("short_id = ?", shortID).
			Take(&model).Error; err != nil {
			return err
		}
		state, err := decodeOTPState(shortID, model.StateJSON)
		if err != nil {
			return err
		}
		commit, err := fn(&state)
		fnErr = err
		if !commit {
			return nil
		}
		state.ShortID = shortID
		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encode otp state: %w", err)
		}
		return tx.Model(&OTPStateModel{}).
			Where("short_id = ?", shortID).
			Updates(map[string]any{"state_json": data, "updated_at": r.now().UTC()}).Error
	})
	if err != nil {
		return err
	}
	return fnErr
}

func decodeOTPState(shortID string, raw []byte) (domain.OTPState, error) {
	var state domain.OTPState
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.OTPState{}, fmt.Errorf("decode otp state %s: %w", shortID, err)
	}
	state.ShortID = shortID
	return state, nil
}
