package memstore

import (
	"context"
	"sync"
	"time"

	"signtrust/internal/domain"
)

// OTPStore is the in-memory OTP backend. Update holds a per-shortId lock for
// the duration of the callback, so different shortIds never contend.
type OTPStore struct {
	mu      sync.Mutex
	entries map[string]*otpEntry
}

type otpEntry struct {
	mu    sync.Mutex
	state domain.OTPState
}

func NewOTPStore() *OTPStore {
	return &OTPStore{
		entries: make(map[string]*otpEntry),
	}
}

func (s *OTPStore) Get(ctx context.Context, shortID string) (domain.OTPState, error) {
	if err := ctx.Err(); err != nil {
		return domain.OTPState{}, err
	}
	entry := s.entry(shortID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return cloneOTPState(entry.state), nil
}

func (s *OTPStore) Update(ctx context.Context, shortID string, fn domain.OTPUpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := s.entry(shortID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	working := cloneOTPState(entry.state)
	commit, err := fn(&working)
	if commit {
		working.ShortID = shortID
		entry.state = working
	}
	return err
}

func (s *OTPStore) entry(shortID string) *otpEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[shortID]
	if !ok {
		entry = &otpEntry{state: domain.OTPState{ShortID: shortID}}
		s.entries[shortID] = entry
	}
	return entry
}

func cloneOTPState(state domain.OTPState) domain.OTPState {
	out := state
	if state.Live != nil {
		live := *state.Live
		if state.Live.VerifiedAt != nil {
			at := *state.Live.VerifiedAt
			live.VerifiedAt = &at
		}
		out.Live = &live
	}
	out.Issuances = append([]time.Time(nil), state.Issuances...)
	return out
}
