package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"wastelink.org/internal/ids"
)

const (
	defaultIssuer     = "wastelink"
	defaultAccessTTL  = 7 * 24 * time.Hour
	defaultRefreshTTL = 30 * 24 * time.Hour

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims represents JWT claims used for both token kinds.
type Claims struct {
	Role      string `json:"role,omitempty"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Service issues, validates, rotates and revokes session credentials. It is
// shared by the HTTP surface and the realtime gateway.
type Service struct {
	store Store
	now   func() time.Time

	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithSecrets sets the HS256 keys for access and refresh tokens. They must differ
// so a refresh token can never be replayed as an access token.
func WithSecrets(access, refresh string) ServiceOption {
	return func(s *Service) error {
		access = strings.TrimSpace(access)
		refresh = strings.TrimSpace(refresh)
		if access == "" || refresh == "" {
			return errors.New("auth: access and refresh secrets are required")
		}
		if access == refresh {
			return errors.New("auth: access and refresh secrets must differ")
		}
		s.accessSecret = []byte(access)
		s.refreshSecret = []byte(refresh)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	svc := &Service{
		store:      store,
		now:        time.Now,
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if len(svc.accessSecret) == 0 {
		return nil, errors.New("auth: secrets are not configured")
	}
	return svc, nil
}

// Principals exposes the identity store for read-only lookups.
func (s *Service) Principals() PrincipalStore { return s.store }

// Login verifies email and password and issues a fresh pair.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, Principal, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	acc, err := s.store.FindAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Equalize timing with the known-email path.
			_ = checkPassword(dummyHash(), password)
			return TokenPair{}, Principal{}, ErrInvalidCredentials
		}
		return TokenPair{}, Principal{}, err
	}
	if err := checkPassword(acc.PasswordHash, password); err != nil {
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	if !acc.Active {
		return TokenPair{}, Principal{}, ErrInactiveAccount
	}
	pair, err := s.mint(ctx, acc.Principal)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, acc.Principal, nil
}

// Issue mints an access token and appends a new refresh token to the
// principal's outstanding list.
func (s *Service) Issue(ctx context.Context, principalID string) (TokenPair, error) {
	p, err := s.store.FindPrincipal(ctx, principalID)
	if err != nil {
		return TokenPair{}, err
	}
	if !p.Active {
		return TokenPair{}, ErrInactiveAccount
	}
	return s.mint(ctx, p)
}

// VerifyAccess validates an access token and loads its principal.
func (s *Service) VerifyAccess(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrMissingToken
	}
	claims, err := s.parse(token, s.accessSecret, tokenTypeAccess)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	p, err := s.store.FindPrincipal(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrInvalidToken
		}
		return Principal{}, fmt.Errorf("load principal: %w", err)
	}
	if !p.Active {
		return Principal{}, ErrInactiveAccount
	}
	return p, nil
}

// Rotate exchanges a refresh token for a fresh pair. The presented token is
// consumed by a compare-and-remove in the store; a second presentation of the
// same token, concurrent or later, fails with ErrInvalidRefreshToken.
func (s *Service) Rotate(ctx context.Context, refreshToken string) (TokenPair, Principal, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	claims, err := s.parse(refreshToken, s.refreshSecret, tokenTypeRefresh)
	if err != nil {
		return TokenPair{}, Principal{}, ErrInvalidRefreshToken
	}
	p, err := s.store.FindPrincipal(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Principal{}, ErrInvalidRefreshToken
		}
		return TokenPair{}, Principal{}, fmt.Errorf("load principal: %w", err)
	}
	if !p.Active {
		return TokenPair{}, Principal{}, ErrInactiveAccount
	}

	now := s.now().UTC()
	pair, rec, err := s.sign(p, now)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	if err := s.store.ReplaceRefreshToken(ctx, p.ID, HashToken(refreshToken), now, rec); err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, p, nil
}

// Revoke removes one refresh token (logout on one device).
func (s *Service) Revoke(ctx context.Context, principalID, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}
	return s.store.DeleteRefreshToken(ctx, principalID, HashToken(refreshToken))
}

// RevokeAll clears every outstanding refresh token of the principal, used when
// credentials are reset.
func (s *Service) RevokeAll(ctx context.Context, principalID string) (int, error) {
	return s.store.DeleteRefreshTokens(ctx, principalID)
}

func (s *Service) mint(ctx context.Context, p Principal) (TokenPair, error) {
	now := s.now().UTC()
	if err := s.store.PurgeExpiredRefreshTokens(ctx, p.ID, now); err != nil {
		return TokenPair{}, fmt.Errorf("purge refresh tokens: %w", err)
	}
	pair, rec, err := s.sign(p, now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.CreateRefreshToken(ctx, rec); err != nil {
		return TokenPair{}, fmt.Errorf("store refresh token: %w", err)
	}
	return pair, nil
}

func (s *Service) sign(p Principal, now time.Time) (TokenPair, RefreshToken, error) {
	accessExp := now.Add(s.accessTTL)
	access, err := s.signToken(s.accessSecret, Claims{
		Role:             string(p.Role),
		TokenType:        tokenTypeAccess,
		RegisteredClaims: s.registered(p.ID, now, accessExp),
	})
	if err != nil {
		return TokenPair{}, RefreshToken{}, err
	}
	refreshExp := now.Add(s.refreshTTL)
	refresh, err := s.signToken(s.refreshSecret, Claims{
		TokenType:        tokenTypeRefresh,
		RegisteredClaims: s.registered(p.ID, now, refreshExp),
	})
	if err != nil {
		return TokenPair{}, RefreshToken{}, err
	}
	rec := RefreshToken{
		ID:          ids.NewAt(now),
		PrincipalID: p.ID,
		TokenHash:   HashToken(refresh),
		ExpiresAt:   refreshExp,
		CreatedAt:   now,
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, rec, nil
}

func (s *Service) registered(subject string, now, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
}

func (s *Service) signToken(secret []byte, claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *Service) parse(token string, secret []byte, tokenType string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != tokenType || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashToken is the storage key of a refresh token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
