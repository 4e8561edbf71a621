package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the session manager.
type Store interface {
	PrincipalStore
	RefreshTokenStore
}

// PrincipalStore reads principals from the identity store.
type PrincipalStore interface {
	FindPrincipal(ctx context.Context, id string) (Principal, error)
	FindAccountByEmail(ctx context.Context, email string) (Account, error)
	ListActivePrincipalsByRole(ctx context.Context, role Role) ([]Principal, error)
}

// RefreshTokenStore manages the per-principal list of outstanding refresh tokens.
type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, tok RefreshToken) error
	// ReplaceRefreshToken removes the unexpired token identified by oldHash
	// from the principal's list and stores next in its place, as one atomic
	// step. When no such token is present it returns ErrInvalidRefreshToken
	// and stores nothing, so of two callers racing on the same token only
	// one can succeed.
	ReplaceRefreshToken(ctx context.Context, principalID, oldHash string, now time.Time, next RefreshToken) error
	DeleteRefreshToken(ctx context.Context, principalID, tokenHash string) error
	DeleteRefreshTokens(ctx context.Context, principalID string) (int, error)
	PurgeExpiredRefreshTokens(ctx context.Context, principalID string, now time.Time) error
	ListRefreshTokens(ctx context.Context, principalID string) ([]RefreshToken, error)
}
