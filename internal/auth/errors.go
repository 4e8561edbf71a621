package auth

import (
	"fmt"

	"wastelink.org/internal/apperr"
)

var (
	ErrMissingToken        = fmt.Errorf("%w: no token", apperr.ErrAuthentication)
	ErrInvalidToken        = fmt.Errorf("%w: invalid token", apperr.ErrAuthentication)
	ErrInactiveAccount     = fmt.Errorf("%w: account inactive", apperr.ErrAuthentication)
	ErrInvalidCredentials  = fmt.Errorf("%w: invalid credentials", apperr.ErrAuthentication)
	ErrInvalidRefreshToken = fmt.Errorf("%w: invalid refresh token", apperr.ErrStateConflict)
	ErrNotFound            = fmt.Errorf("%w: principal", apperr.ErrNotFound)
	ErrForbidden           = fmt.Errorf("%w: role not permitted", apperr.ErrAuthorization)
)
