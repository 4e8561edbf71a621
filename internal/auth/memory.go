package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"wastelink.org/internal/ids"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with in-process concurrency safety. It is used by
// tests and by the single-process development mode.
type InMemory struct {
	mu       sync.RWMutex
	accounts map[string]*Account // principal id -> account
	byEmail  map[string]string   // email -> principal id
	tokens   map[string][]RefreshToken
}

// NewInMemory creates an empty identity and token store.
func NewInMemory() *InMemory {
	return &InMemory{
		accounts: make(map[string]*Account),
		byEmail:  make(map[string]string),
		tokens:   make(map[string][]RefreshToken),
	}
}

// PutAccount inserts or replaces an account. An empty ID is assigned.
func (s *InMemory) PutAccount(acc Account) Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc.ID == "" {
		acc.ID = ids.New()
	}
	acc.Email = strings.TrimSpace(strings.ToLower(acc.Email))
	if prev, ok := s.accounts[acc.ID]; ok && prev.Email != acc.Email {
		delete(s.byEmail, prev.Email)
	}
	stored := acc
	if acc.Location != nil {
		loc := *acc.Location
		stored.Location = &loc
	}
	s.accounts[acc.ID] = &stored
	if acc.Email != "" {
		s.byEmail[acc.Email] = acc.ID
	}
	return clonePrincipal(stored.Principal)
}

// SetActive flips the active flag, standing in for the external profile flows.
func (s *InMemory) SetActive(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.accounts[id]; ok {
		acc.Active = active
	}
}

func (s *InMemory) FindPrincipal(ctx context.Context, id string) (Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return Principal{}, ErrNotFound
	}
	return clonePrincipal(acc.Principal), nil
}

func (s *InMemory) FindAccountByEmail(ctx context.Context, email string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[strings.TrimSpace(strings.ToLower(email))]
	if !ok {
		return Account{}, ErrNotFound
	}
	acc := *s.accounts[id]
	acc.Principal = clonePrincipal(acc.Principal)
	return acc, nil
}

func (s *InMemory) ListActivePrincipalsByRole(ctx context.Context, role Role) ([]Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Principal
	for _, acc := range s.accounts {
		if acc.Active && acc.Role == role {
			out = append(out, clonePrincipal(acc.Principal))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) CreateRefreshToken(ctx context.Context, tok RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tokens[tok.PrincipalID] {
		if existing.TokenHash == tok.TokenHash {
			return ErrInvalidRefreshToken
		}
	}
	s.tokens[tok.PrincipalID] = append(s.tokens[tok.PrincipalID], tok)
	return nil
}

func (s *InMemory) ReplaceRefreshToken(ctx context.Context, principalID, oldHash string, now time.Time, next RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.tokens[principalID]
	idx := -1
	for i, tok := range list {
		if tok.TokenHash == oldHash && now.Before(tok.ExpiresAt) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrInvalidRefreshToken
	}
	updated := make([]RefreshToken, 0, len(list))
	updated = append(updated, list[:idx]...)
	updated = append(updated, list[idx+1:]...)
	updated = append(updated, next)
	s.tokens[principalID] = updated
	return nil
}

func (s *InMemory) DeleteRefreshToken(ctx context.Context, principalID, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.tokens[principalID]
	for i, tok := range list {
		if tok.TokenHash == tokenHash {
			s.tokens[principalID] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *InMemory) DeleteRefreshTokens(ctx context.Context, principalID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.tokens[principalID])
	delete(s.tokens, principalID)
	return n, nil
}

func (s *InMemory) PurgeExpiredRefreshTokens(ctx context.Context, principalID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.tokens[principalID]
	kept := list[:0:0]
	for _, tok := range list {
		if now.Before(tok.ExpiresAt) {
			kept = append(kept, tok)
		}
	}
	s.tokens[principalID] = kept
	return nil
}

func (s *InMemory) ListRefreshTokens(ctx context.Context, principalID string) ([]RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RefreshToken, len(s.tokens[principalID]))
	copy(out, s.tokens[principalID])
	return out, nil
}

func clonePrincipal(p Principal) Principal {
	if p.Location != nil {
		loc := *p.Location
		p.Location = &loc
	}
	return p
}
