package auth

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"wastelink.org/internal/apperr"
)

const minPasswordLength = 8

var (
	timingOnce sync.Once
	timingHash string
)

// dummyHash is compared against when the email is unknown.
func dummyHash() string {
	timingOnce.Do(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte("wastelink-timing-equalizer"), bcrypt.DefaultCost)
		if err == nil {
			timingHash = string(hash)
		}
	})
	return timingHash
}

// HashPassword hashes a plaintext password with bcrypt for the identity store.
func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", fmt.Errorf("%w: password must be at least %d characters", apperr.ErrValidation, minPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func checkPassword(hash, password string) error {
	if hash == "" {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
