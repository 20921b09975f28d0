package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/valora-federation/internal/domain"
)

// NonceStore keeps short-lived anti-replay nonces keyed by session, provider and purpose.
type NonceStore interface {
	Put(ctx context.Context, key, nonce string, ttl time.Duration) error
	// Take atomically reads and deletes the nonce. It returns "" when the slot is empty.
	Take(ctx context.Context, key string) (string, error)
}

// SessionStore persists browser sessions. Get returns nil, nil for unknown or expired ids.
type SessionStore interface {
	Create(ctx context.Context, session domain.Session) error
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	Delete(ctx context.Context, sessionID string) error
}

// FlashStore queues one-shot messages per session.
type FlashStore interface {
	AddFlash(ctx context.Context, sessionID string, flash domain.Flash) error
	PopFlashes(ctx context.Context, sessionID string) ([]domain.Flash, error)
}
