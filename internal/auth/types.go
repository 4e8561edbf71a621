package auth

import (
	"math"
	"strings"
	"time"
)

// Role is the coarse capability class of a principal.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleCollector Role = "collector"
	RoleResident  Role = "resident"
)

// ParseRole normalizes s and reports whether it names a known role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.TrimSpace(strings.ToLower(s)))
	switch r {
	case RoleAdmin, RoleCollector, RoleResident:
		return r, true
	}
	return "", false
}

// Coordinates is a WGS84 point.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the point lies within WGS84 bounds.
func (c Coordinates) Valid() bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// Principal is an authenticated actor. The identity store owns it; this
// service only reads it.
type Principal struct {
	ID       string       `json:"id"`
	Email    string       `json:"email"`
	Name     string       `json:"name,omitempty"`
	Role     Role         `json:"role"`
	Active   bool         `json:"active"`
	Location *Coordinates `json:"location,omitempty"`
}

func (p Principal) IsAdmin() bool     { return p.Role == RoleAdmin }
func (p Principal) IsCollector() bool { return p.Role == RoleCollector }

// Account is a principal together with its credential hash, used only at login.
type Account struct {
	Principal
	PasswordHash string
}

// RefreshToken is one outstanding refresh credential of a principal. Only the
// sha-256 of the token is persisted.
type RefreshToken struct {
	ID          string
	PrincipalID string
	TokenHash   string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}
