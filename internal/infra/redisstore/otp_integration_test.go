//go:build integration

package redisstore

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"signtrust/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newIntegrationStore(t *testing.T) *OTPStore {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	store, err := NewOTPStore(client, time.Minute)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestOTPStoreUpdateCommitsOnError(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	shortID := uuid.NewString()
	mismatch := errors.New("mismatch")

	err := store.Update(ctx, shortID, func(state *domain.OTPState) (bool, error) {
		state.Live = &domain.OTPRecord{IssueID: "i1", Attempts: 1}
		return true, mismatch
	})
	if !errors.Is(err, mismatch) {
		t.Fatalf("expected callback error, got %v", err)
	}
	state, err := store.Get(ctx, shortID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state.Live == nil || state.Live.Attempts != 1 {
		t.Fatalf("expected committed attempt, got %+v", state.Live)
	}
}

func TestOTPStoreConcurrentIncrements(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	shortID := uuid.NewString()
	if err := store.Update(ctx, shortID, func(state *domain.OTPState) (bool, error) {
		state.Live = &domain.OTPRecord{IssueID: "i1"}
		return true, nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Update(ctx, shortID, func(state *domain.OTPState) (bool, error) {
				state.Live.Attempts++
				return true, nil
			})
		}()
	}
	wg.Wait()
	state, _ := store.Get(ctx, shortID)
	if state.Live.Attempts != 5 {
		t.Fatalf("expected 5 serialized increments, got %d", state.Live.Attempts)
	}
}
