package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/valora-federation/internal/domain"
	"github.com/smallbiznis/valora-federation/internal/domain/oauth"
)

// Compile-time interface assertions.
var (
	_ UserRepository     = (*PostgresUserRepo)(nil)
	_ IdentityRepository = (*PostgresIdentityRepo)(nil)
)

// Constraint names created by bootstrap.EnsureSchema.
const (
	ConstraintUsersUsername    = "users_username_key"
	ConstraintUsersEmail       = "users_email_key"
	ConstraintIdentityProvider = "user_identities_provider_uid_key"
)

const uniqueViolation = "23505"

// translateUniqueViolation maps unique constraint errors onto domain conflicts.
func translateUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return err
	}
	switch pgErr.ConstraintName {
	case ConstraintIdentityProvider:
		return oauth.ErrIdentityConflict
	case ConstraintUsersEmail:
		return oauth.ErrEmailConflict
	case ConstraintUsersUsername:
		return oauth.ErrUsernameTaken
	}
	return err
}

// PostgresUserRepo implements UserRepository.
type PostgresUserRepo struct {
	db *pgxpool.Pool
}

func NewPostgresUserRepo(pool *pgxpool.Pool) *PostgresUserRepo {
	return &PostgresUserRepo{db: pool}
}

const selectUserSQL = `SELECT id, username, email, email_verified, password_hash, name, status, created_at, updated_at FROM users`

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.EmailVerified,
		&u.PasswordHash,
		&u.Name,
		&u.Status,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	return u, err
}

func (r *PostgresUserRepo) GetByID(ctx context.Context, userID int64) (domain.User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, selectUserSQL+` WHERE id = $1`, userID))
	if err != nil {
		return domain.User{}, fmt.Errorf("get user by id: %w", err)
	}
	return user, nil
}

func (r *PostgresUserRepo) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, selectUserSQL+` WHERE email = $1`, strings.ToLower(strings.TrimSpace(email))))
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

const insertUserSQL = `INSERT INTO users (id, username, email, email_verified, password_hash, name, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, username, email, email_verified, password_hash, name, status, created_at, updated_at`

const insertIdentitySQL = `INSERT INTO user_identities (id, user_id, provider, provider_unique_id)
VALUES ($1, $2, $3, $4)
RETURNING id, user_id, provider, provider_unique_id, created_at`

func (r *PostgresUserRepo) CreateWithIdentity(ctx context.Context, user domain.User, identity domain.UserIdentity) (domain.User, error) {
	var created domain.User
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		created, err = scanUser(tx.QueryRow(ctx, insertUserSQL,
			user.ID,
			user.Username,
			strings.ToLower(strings.TrimSpace(user.Email)),
			user.EmailVerified,
			user.PasswordHash,
			user.Name,
			user.Status,
		))
		if err != nil {
			return fmt.Errorf("insert user: %w", translateUniqueViolation(err))
		}
		identity.UserID = created.ID
		if _, err := scanIdentity(tx.QueryRow(ctx, insertIdentitySQL,
			identity.ID,
			identity.UserID,
			string(identity.Provider),
			identity.ProviderUniqueID,
		)); err != nil {
			return fmt.Errorf("insert identity: %w", translateUniqueViolation(err))
		}
		return nil
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return created, nil
}

// PostgresIdentityRepo implements IdentityRepository.
type PostgresIdentityRepo struct {
	db *pgxpool.Pool
}

func NewPostgresIdentityRepo(pool *pgxpool.Pool) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: pool}
}

func scanIdentity(row pgx.Row) (domain.UserIdentity, error) {
	var (
		identity domain.UserIdentity
		provider string
	)
	if err := row.Scan(&identity.ID, &identity.UserID, &provider, &identity.ProviderUniqueID, &identity.CreatedAt); err != nil {
		return domain.UserIdentity{}, err
	}
	identity.Provider = oauth.IdentityProvider(provider)
	return identity, nil
}

func (r *PostgresIdentityRepo) GetByProviderID(ctx context.Context, provider oauth.IdentityProvider, providerUniqueID string) (domain.UserIdentity, error) {
	const query = `SELECT id, user_id, provider, provider_unique_id, created_at
FROM user_identities
WHERE provider = $1 AND provider_unique_id = $2`

	identity, err := scanIdentity(r.db.QueryRow(ctx, query, string(provider), providerUniqueID))
	if err != nil {
		return domain.UserIdentity{}, fmt.Errorf("get identity: %w", err)
	}
	return identity, nil
}

func (r *PostgresIdentityRepo) ListByUser(ctx context.Context, userID int64) ([]domain.UserIdentity, error) {
	const query = `SELECT id, user_id, provider, provider_unique_id, created_at
FROM user_identities
WHERE user_id = $1
ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var identities []domain.UserIdentity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	return identities, nil
}

func (r *PostgresIdentityRepo) Create(ctx context.Context, identity domain.UserIdentity) (domain.UserIdentity, error) {
	created, err := scanIdentity(r.db.QueryRow(ctx, insertIdentitySQL,
		identity.ID,
		identity.UserID,
		string(identity.Provider),
		identity.ProviderUniqueID,
	))
	if err != nil {
		return domain.UserIdentity{}, fmt.Errorf("create identity: %w", translateUniqueViolation(err))
	}
	return created, nil
}
