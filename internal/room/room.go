// Package room parses realtime room identifiers and decides who may use them.
//
// A room name has one of four canonical shapes:
//
//	user:<principalId>
//	role:<admin|collector|resident>
//	area:<lat.2f>,<lng.2f>
//	dm:<idLow>:<idHigh>
//
// Every path that needs an access decision (realtime join, historical read)
// goes through Parse and Decide so both reach the same verdict.
package room

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"wastelink.org/internal/apperr"
	"wastelink.org/internal/auth"
)

// Kind tags the parsed shape of a room name.
type Kind int

const (
	Invalid Kind = iota
	User
	Role
	Area
	DM
)

func (k Kind) String() string {
	switch k {
	case User:
		return "user"
	case Role:
		return "role"
	case Area:
		return "area"
	case DM:
		return "dm"
	default:
		return "invalid"
	}
}

var (
	ErrInvalidRoom = fmt.Errorf("%w: invalid room", apperr.ErrValidation)
	ErrRoomDenied  = fmt.Errorf("%w: room access denied", apperr.ErrAuthorization)
)

// Room is the tagged variant produced by Parse. Only the fields of its Kind
// are populated.
type Room struct {
	Kind Kind
	Name string

	PrincipalID string           // User
	Role        auth.Role        // Role
	Bucket      auth.Coordinates // Area
	Low, High   string           // DM
}

// Valid reports whether the name parsed into one of the canonical shapes.
func (r Room) Valid() bool { return r.Kind != Invalid }

// Parse classifies a room name. Anything that is not exactly one of the
// canonical shapes yields Kind Invalid.
func Parse(name string) Room {
	invalid := Room{Kind: Invalid, Name: name}
	prefix, rest, ok := strings.Cut(name, ":")
	if !ok || rest == "" {
		return invalid
	}
	switch prefix {
	case "user":
		if !validID(rest) {
			return invalid
		}
		return Room{Kind: User, Name: name, PrincipalID: rest}
	case "role":
		r, ok := auth.ParseRole(rest)
		if !ok || string(r) != rest {
			return invalid
		}
		return Room{Kind: Role, Name: name, Role: r}
	case "area":
		c, ok := parseBucket(rest)
		if !ok {
			return invalid
		}
		return Room{Kind: Area, Name: name, Bucket: c}
	case "dm":
		a, b, ok := strings.Cut(rest, ":")
		if !ok || !validID(a) || !validID(b) || a >= b {
			return invalid
		}
		return Room{Kind: DM, Name: name, Low: a, High: b}
	}
	return invalid
}

// Decide is the room access policy. It has no side effects.
func Decide(p auth.Principal, r Room) bool {
	if p.ID == "" {
		return false
	}
	switch r.Kind {
	case User:
		return r.PrincipalID == p.ID
	case Role:
		return r.Role == p.Role
	case Area:
		return true
	case DM:
		return p.ID == r.Low || p.ID == r.High
	default:
		return false
	}
}

// Authorize parses name and applies Decide, returning ErrInvalidRoom for a
// malformed name and ErrRoomDenied when the policy refuses.
func Authorize(p auth.Principal, name string) (Room, error) {
	r := Parse(name)
	if !r.Valid() {
		return r, ErrInvalidRoom
	}
	if !Decide(p, r) {
		return r, ErrRoomDenied
	}
	return r, nil
}

// UserRoom returns the personal room of a principal.
func UserRoom(id string) string { return "user:" + id }

// RoleRoom returns the broadcast room of a role.
func RoleRoom(r auth.Role) string { return "role:" + string(r) }

// AreaRoom returns the proximity bucket containing c.
func AreaRoom(c auth.Coordinates) string {
	return "area:" + formatCoord(c.Latitude) + "," + formatCoord(c.Longitude)
}

// DMRoom returns the direct-message room of two principals, ids sorted.
func DMRoom(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

func validID(id string) bool {
	if id == "" {
		return false
	}
	return !strings.ContainsAny(id, ": \t\r\n")
}

func parseBucket(s string) (auth.Coordinates, bool) {
	latS, lngS, ok := strings.Cut(s, ",")
	if !ok {
		return auth.Coordinates{}, false
	}
	lat, ok := parseCoord(latS)
	if !ok {
		return auth.Coordinates{}, false
	}
	lng, ok := parseCoord(lngS)
	if !ok {
		return auth.Coordinates{}, false
	}
	c := auth.Coordinates{Latitude: lat, Longitude: lng}
	if !c.Valid() {
		return auth.Coordinates{}, false
	}
	return c, true
}

// parseCoord accepts only the canonical two-decimal rendering.
func parseCoord(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	if formatCoord(v) != s {
		return 0, false
	}
	return v, true
}

func formatCoord(v float64) string {
	v = math.Round(v*100) / 100
	if v == 0 {
		v = 0 // drop the sign of negative zero
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
