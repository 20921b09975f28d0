package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/valora-federation/internal/domain"
	"github.com/smallbiznis/valora-federation/internal/repository"
)

// In-process stores used when no Redis address is configured and in tests.
var (
	_ repository.NonceStore   = (*MemoryNonceStore)(nil)
	_ repository.SessionStore = (*MemorySessionStore)(nil)
	_ repository.FlashStore   = (*MemoryFlashStore)(nil)
)

type nonceEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryNonceStore is a mutex guarded NonceStore.
type MemoryNonceStore struct {
	mu   sync.Mutex
	data map[string]nonceEntry
	now  func() time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{data: map[string]nonceEntry{}, now: time.Now}
}

func (m *MemoryNonceStore) Put(_ context.Context, key, nonce string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = nonceEntry{value: nonce, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryNonceStore) Take(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.data[key]
	delete(m.data, key)
	if !ok || !m.now().Before(entry.expiresAt) {
		return "", nil
	}
	return entry.value, nil
}

// MemorySessionStore is a mutex guarded SessionStore.
type MemorySessionStore struct {
	mu   sync.RWMutex
	data map[string]domain.Session
	now  func() time.Time
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{data: map[string]domain.Session{}, now: time.Now}
}

func (m *MemorySessionStore) Create(_ context.Context, session domain.Session) error {
	if session.ID == "" {
		return fmt.Errorf("session: missing id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[session.ID] = session
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, sessionID string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.data[sessionID]
	if !ok || !m.now().Before(session.ExpiresAt) {
		return nil, nil
	}
	return &session, nil
}

func (m *MemorySessionStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, sessionID)
	return nil
}

// MemoryFlashStore is a mutex guarded FlashStore.
type MemoryFlashStore struct {
	mu   sync.Mutex
	data map[string][]domain.Flash
}

func NewMemoryFlashStore() *MemoryFlashStore {
	return &MemoryFlashStore{data: map[string][]domain.Flash{}}
}

func (m *MemoryFlashStore) AddFlash(_ context.Context, sessionID string, flash domain.Flash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[sessionID] = append(m.data[sessionID], flash)
	return nil
}

func (m *MemoryFlashStore) PopFlashes(_ context.Context, sessionID string) ([]domain.Flash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flashes := m.data[sessionID]
	delete(m.data, sessionID)
	return flashes, nil
}
