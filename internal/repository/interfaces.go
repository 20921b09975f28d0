package repository

import (
	"context"

	"github.com/smallbiznis/valora-federation/internal/domain"
	"github.com/smallbiznis/valora-federation/internal/domain/oauth"
)

// UserRepository exposes persistence for local accounts. Missing rows surface as pgx.ErrNoRows.
type UserRepository interface {
	GetByID(ctx context.Context, userID int64) (domain.User, error)
	GetByEmail(ctx context.Context, email string) (domain.User, error)
	// CreateWithIdentity inserts the user and its first identity link in one transaction.
	CreateWithIdentity(ctx context.Context, user domain.User, identity domain.UserIdentity) (domain.User, error)
}

// IdentityRepository manages third-party identity links.
type IdentityRepository interface {
	GetByProviderID(ctx context.Context, provider oauth.IdentityProvider, providerUniqueID string) (domain.UserIdentity, error)
	ListByUser(ctx context.Context, userID int64) ([]domain.UserIdentity, error)
	// Create returns oauth.ErrIdentityConflict when (provider, provider_unique_id) already exists.
	Create(ctx context.Context, identity domain.UserIdentity) (domain.UserIdentity, error)
}
