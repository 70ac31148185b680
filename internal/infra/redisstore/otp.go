package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"signtrust/internal/domain"

	"github.com/redis/go-redis/v9"
)

const (
	otpKeyPrefix     = "signtrust:otp:"
	defaultRetention = 24 * time.Hour
	maxTxRetries     = 10
)

// OTPStore keeps per-shortId OTP state as a JSON value. Update is an
// optimistic WATCH/MULTI transaction retried on conflict.
type OTPStore struct {
	client    redis.UniversalClient
	retention time.Duration
}

// NewOTPStore returns a store whose keys expire retention after the last
// write. retention must cover the issuance window and the code TTL.
func NewOTPStore(client redis.UniversalClient, retention time.Duration) (*OTPStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if retention <= 0 {
		retention = defaultRetention
	}
	return &OTPStore{client: client, retention: retention}, nil
}

func (s *OTPStore) Get(ctx context.Context, shortID string) (domain.OTPState, error) {
	raw, err := s.client.Get(ctx, otpKey(shortID)).Bytes()
	return decodeState(shortID, raw, err)
}

func (s *OTPStore) Update(ctx context.Context, shortID string, fn domain.OTPUpdateFunc) error {
	key := otpKey(shortID)
	var fnErr error
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		state, err := decodeState(shortID, raw, err)
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
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.retention)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}
		return fnErr
	}
	return domain.ErrConcurrentModification
}

func otpKey(shortID string) string {
	return otpKeyPrefix + shortID
}

func decodeState(shortID string, raw []byte, err error) (domain.OTPState, error) {
	if errors.Is(err, redis.Nil) {
		return domain.OTPState{ShortID: shortID}, nil
	}
	if err != nil {
		return domain.OTPState{}, err
	}
	var state domain.OTPState
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.OTPState{}, fmt.Errorf("decode otp state %s: %w", shortID, err)
	}
	state.ShortID = shortID
	return state, nil
}
