package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/hotline/internal/models"
)

type Storage interface {
	User() UserRepo
	Credential() CredentialRepo

	// Run fn in transaction. Commit if fn returns nil, rollback otherwise
	InTx(ctx context.Context, fn func(Storage) error) error
}

// User repository interface
type UserRepo interface {
	// Create user
	// If user with username exists already has to return error apperrors.ErrUserAlreadyExists
	CreateUser(ctx context.Context, username string, hashedPassword string, securityStamp string) (models.User, error)

	// Get user by it's id or username
	// If user not found must return apperrors.ErrUserNotFound
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)

	// Replace user security stamp
	// If user not found must return apperrors.ErrUserNotFound
	SetSecurityStamp(ctx context.Context, userID uuid.UUID, stamp string) (models.User, error)
}

// Credential repository interface
// Credentials are never deleted, only flags change
type CredentialRepo interface {
	Create(ctx context.Context, c models.Credential) (models.Credential, error)

	// Get credential by token uid or by refresh token value
	// If not found must return apperrors.ErrCredentialNotFound
	Get(ctx context.Context, tokenUID uuid.UUID) (models.Credential, error)
	GetByRefreshToken(ctx context.Context, refresh string) (models.Credential, error)

	// Set both revoked flags in one statement
	// changed is false if the credential was revoked already
	// If not found must return apperrors.ErrCredentialNotFound
	// 'now' is kept as revocation time of the first revoke
	Revoke(ctx context.Context, tokenUID uuid.UUID, now time.Time) (c models.Credential, changed bool, err error)

	// Set expired flags; flags passed as false are left as they are
	MarkExpired(ctx context.Context, tokenUID uuid.UUID, access bool, refresh bool) (models.Credential, error)

	// Spend the refresh token: expire both sub-tokens only if refresh is still valid at 'now'.
	// Of concurrent callers exactly one succeeds, others get apperrors.ErrCredentialInactive
	UseRefresh(ctx context.Context, tokenUID uuid.UUID, now time.Time) (models.Credential, error)

	// Credentials with at least one sub-token valid at 'now'
	ListLive(ctx context.Context, now time.Time) ([]models.Credential, error)
	ListLiveByUser(ctx context.Context, userID uuid.UUID, now time.Time) ([]models.Credential, error)
}
