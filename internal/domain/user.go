package domain

import (
	"time"

	"github.com/smallbiznis/valora-federation/internal/domain/oauth"
)

// User is a local account.
type User struct {
	ID            int64
	Username      string
	Email         string
	EmailVerified bool
	PasswordHash  string
	Name          string
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UserIdentity links a third-party subject to a user. Unique on (Provider, ProviderUniqueID).
type UserIdentity struct {
	ID               int64                  `json:"id,string"`
	UserID           int64                  `json:"user_id,string"`
	Provider         oauth.IdentityProvider `json:"provider"`
	ProviderUniqueID string                 `json:"provider_unique_id"`
	CreatedAt        time.Time              `json:"created_at"`
}

// Session is the server-side half of a browser session. UserID 0 means anonymous.
type Session struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Authenticated reports whether a user is logged in on the session.
func (s *Session) Authenticated() bool {
	return s != nil && s.UserID != 0
}

// FlashKind classifies a queued flash message.
type FlashKind string

const (
	FlashSuccess FlashKind = "success"
	FlashError   FlashKind = "error"
	FlashInfo    FlashKind = "info"
)

// Flash is a one-shot message shown on the next page.
type Flash struct {
	Kind    FlashKind `json:"kind"`
	Message string    `json:"message"`
}

const UserStatusActive = "ACTIVE"
