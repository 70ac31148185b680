package fieldcipher

import (
	"crypto/sha256"
	"errors"
	"sync"
)

// TenantKeyStore derives and caches one AES-256 key per tenant. Keys are never
// persisted; the same tenant always maps to the same key while the server
// secret is unchanged.
type TenantKeyStore struct {
	secret []byte

	mu   sync.RWMutex
	keys map[string][]byte
}

func NewTenantKeyStore(serverSecret string) (*TenantKeyStore, error) {
	if serverSecret == "" {
		return nil, errors.New("server secret is required")
	}
	return &TenantKeyStore{
		secret: []byte(serverSecret),
		keys:   make(map[string][]byte),
	}, nil
}

// DeriveTenantKey computes SHA256(tenantID || ":" || serverSecret).
func DeriveTenantKey(tenantID string, serverSecret []byte) []byte {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte(":"))
	h.Write(serverSecret)
	return h.Sum(nil)
}

func (s *TenantKeyStore) Key(tenantID string) ([]byte, error) {
	if tenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	s.mu.RLock()
	key, ok := s.keys[tenantID]
	s.mu.RUnlock()
	if ok {
		return key, nil
	}

	key = DeriveTenantKey(tenantID, s.secret)
	s.mu.Lock()
	if cached, ok := s.keys[tenantID]; ok {
		key = cached
	} else {
		s.keys[tenantID] = key
	}
	s.mu.Unlock()
	return key, nil
}

// Len reports how many tenant keys are cached.
func (s *TenantKeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
