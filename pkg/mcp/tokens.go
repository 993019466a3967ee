package mcp

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNoToken is returned when a user has no usable credential for a
// server.
var ErrNoToken = errors.New("no valid token stored")

// StoredToken is one user credential for one server.
type StoredToken struct {
	UserEmail    string
	ServerName   string
	Token        string
	TokenType    string // api_key, bearer, oauth
	RefreshToken string
	Scopes       []string
	ExpiresAt    time.Time // zero means no expiry
	Metadata     map[string]any
	UpdatedAt    time.Time
}

// Expired reports whether the token's expiry has passed. Tokens without
// an expiry never expire.
func (t *StoredToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// TokenStorage persists per-user tool server credentials.
type TokenStorage interface {
	// GetValidToken returns the stored token for (user, server), or
	// ErrNoToken when none exists or the stored one has expired.
	GetValidToken(ctx context.Context, userEmail, serverName string) (*StoredToken, error)

	// StoreToken inserts or replaces the token for (user, server).
	StoreToken(ctx context.Context, token *StoredToken) error

	// DeleteToken removes the token for (user, server). Deleting a
	// missing token is not an error.
	DeleteToken(ctx context.Context, userEmail, serverName string) error

	// AuthStatus returns the servers the user currently holds a valid
	// token for, sorted by name.
	AuthStatus(ctx context.Context, userEmail string) ([]string, error)

	// DeleteUserTokens removes every token belonging to a user and
	// returns how many were removed.
	DeleteUserTokens(ctx context.Context, userEmail string) (int, error)
}

type tokenKey struct {
	user   string
	server string
}

// MemoryTokenStorage is an in-process TokenStorage, used in tests and
// single-node deployments without a database.
type MemoryTokenStorage struct {
	mu     sync.RWMutex
	tokens map[tokenKey]*StoredToken
	now    func() time.Time
}

// NewMemoryTokenStorage creates an empty in-memory store.
func NewMemoryTokenStorage() *MemoryTokenStorage {
	return &MemoryTokenStorage{
		tokens: make(map[tokenKey]*StoredToken),
		now:    time.Now,
	}
}

func (s *MemoryTokenStorage) GetValidToken(_ context.Context, userEmail, serverName string) (*StoredToken, error) {
	s.mu.RLock()
	tok, ok := s.tokens[tokenKey{userEmail, serverName}]
	s.mu.RUnlock()
	if !ok || tok.Expired(s.now()) {
		return nil, ErrNoToken
	}
	cp := *tok
	return &cp, nil
}

func (s *MemoryTokenStorage) StoreToken(_ context.Context, token *StoredToken) error {
	cp := *token
	cp.UpdatedAt = s.now()
	s.mu.Lock()
	s.tokens[tokenKey{token.UserEmail, token.ServerName}] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryTokenStorage) DeleteToken(_ context.Context, userEmail, serverName string) error {
	s.mu.Lock()
	delete(s.tokens, tokenKey{userEmail, serverName})
	s.mu.Unlock()
	return nil
}

func (s *MemoryTokenStorage) AuthStatus(_ context.Context, userEmail string) ([]string, error) {
	now := s.now()
	s.mu.RLock()
	var servers []string
	for key, tok := range s.tokens {
		if key.user == userEmail && !tok.Expired(now) {
			servers = append(servers, key.server)
		}
	}
	s.mu.RUnlock()
	sort.Strings(servers)
	return servers, nil
}

func (s *MemoryTokenStorage) DeleteUserTokens(_ context.Context, userEmail string) (int, error) {
	s.mu.Lock()
	removed := 0
	for key := range s.tokens {
		if key.user == userEmail {
			delete(s.tokens, key)
			removed++
		}
	}
	s.mu.Unlock()
	return removed, nil
}
