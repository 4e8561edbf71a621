package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"wastelink.org/internal/auth"
)

const principalColumns = `id, email, name, password_hash, role, active, latitude, longitude`

func scanAccount(row interface{ Scan(...any) error }) (auth.Account, error) {
	var (
		acc      auth.Account
		role     string
		lat, lng sql.NullFloat64
	)
	if err := row.Scan(&acc.ID, &acc.Email, &acc.Name, &acc.PasswordHash, &role, &acc.Active, &lat, &lng); err != nil {
		return auth.Account{}, err
	}
	acc.Role = auth.Role(role)
	if lat.Valid && lng.Valid {
		acc.Location = &auth.Coordinates{Latitude: lat.Float64, Longitude: lng.Float64}
	}
	return acc, nil
}

// UpsertAccount inserts or replaces an account. Used by seeding and tests;
// the identity store proper is owned elsewhere.
func (s *Store) UpsertAccount(ctx context.Context, acc auth.Account) error {
	var lat, lng sql.NullFloat64
	if acc.Location != nil {
		lat = sql.NullFloat64{Float64: acc.Location.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: acc.Location.Longitude, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into principals (id, email, name, password_hash, role, active, latitude, longitude)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (id) do update set
			email = excluded.email,
			name = excluded.name,
			password_hash = excluded.password_hash,
			role = excluded.role,
			active = excluded.active,
			latitude = excluded.latitude,
			longitude = excluded.longitude`,
		acc.ID, strings.ToLower(strings.TrimSpace(acc.Email)), acc.Name, acc.PasswordHash, string(acc.Role), acc.Active, lat, lng)
	if err != nil && isPgCode(err, pgErrUniqueViolation) {
		return errors.New("pg: email already registered")
	}
	return err
}

func (s *Store) FindPrincipal(ctx context.Context, id string) (auth.Principal, error) {
	acc, err := scanAccount(s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Principal{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Principal{}, err
	}
	return acc.Principal, nil
}

func (s *Store) FindAccountByEmail(ctx context.Context, email string) (auth.Account, error) {
	acc, err := scanAccount(s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where email = $1`, strings.ToLower(strings.TrimSpace(email))))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Account{}, auth.ErrNotFound
	}
	return acc, err
}

func (s *Store) ListActivePrincipalsByRole(ctx context.Context, role auth.Role) ([]auth.Principal, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+principalColumns+` from principals where role = $1 and active order by id`, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Principal
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc.Principal)
	}
	return out, rows.Err()
}

func (s *Store) CreateRefreshToken(ctx context.Context, tok auth.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, principal_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)`,
		tok.ID, tok.PrincipalID, tok.TokenHash, tok.ExpiresAt.UTC(), tok.CreatedAt.UTC())
	switch {
	case err == nil:
		return nil
	case isPgCode(err, pgErrUniqueViolation):
		return auth.ErrInvalidRefreshToken
	case isPgCode(err, pgErrForeignKeyViolation):
		return auth.ErrNotFound
	default:
		return err
	}
}

// ReplaceRefreshToken deletes the unexpired old token and inserts next in
// one transaction. The delete is the compare step: zero affected rows means
// another caller already consumed the token.
func (s *Store) ReplaceRefreshToken(ctx context.Context, principalID, oldHash string, now time.Time, next auth.RefreshToken) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			delete from refresh_tokens
			where principal_id = $1 and token_hash = $2 and expires_at > $3`,
			principalID, oldHash, now.UTC())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return auth.ErrInvalidRefreshToken
		}
		_, err = tx.ExecContext(ctx, `
			insert into refresh_tokens (id, principal_id, token_hash, expires_at, created_at)
			values ($1, $2, $3, $4, $5)`,
			next.ID, next.PrincipalID, next.TokenHash, next.ExpiresAt.UTC(), next.CreatedAt.UTC())
		if err != nil && isPgCode(err, pgErrUniqueViolation) {
			return auth.ErrInvalidRefreshToken
		}
		return err
	})
}

func (s *Store) DeleteRefreshToken(ctx context.Context, principalID, tokenHash string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where principal_id = $1 and token_hash = $2`, principalID, tokenHash)
	return err
}

func (s *Store) DeleteRefreshTokens(ctx context.Context, principalID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where principal_id = $1`, principalID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) PurgeExpiredRefreshTokens(ctx context.Context, principalID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where principal_id = $1 and expires_at <= $2`, principalID, now.UTC())
	return err
}

func (s *Store) ListRefreshTokens(ctx context.Context, principalID string) ([]auth.RefreshToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, principal_id, token_hash, expires_at, created_at
		from refresh_tokens where principal_id = $1 order by created_at, id`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.RefreshToken
	for rows.Next() {
		var tok auth.RefreshToken
		if err := rows.Scan(&tok.ID, &tok.PrincipalID, &tok.TokenHash, &tok.ExpiresAt, &tok.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}
