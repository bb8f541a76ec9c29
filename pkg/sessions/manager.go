// Package sessions maps opaque cookie tokens to user ids in the key-value
// store and keeps a per-user index of live tokens.
package sessions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/aeolun/wirechat/pkg/kvstore"
)

const (
	// DefaultTTL is how long an issued token stays valid
	DefaultTTL = 30 * 24 * time.Hour
	// DefaultMaxAttempts bounds token generation retries on collision
	DefaultMaxAttempts = 2

	tokenBytes   = 40
	cookiePrefix = "cookie:"
	userPrefix   = "userid:"
)

var (
	// ErrUnauthorized indicates the token is missing, expired or unknown
	ErrUnauthorized = errors.New("not logged in")
	// ErrTokenUnavailable indicates every generated token collided
	ErrTokenUnavailable = errors.New("could not allocate a session token")
)

// Generator produces candidate tokens
type Generator func() (string, error)

// RandomToken returns 40 random bytes hex-encoded
func RandomToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Manager implements the token lifecycle on top of a kvstore.Store
type Manager struct {
	store       kvstore.Store
	ttl         time.Duration
	maxAttempts int
	generate    Generator
}

// Option configures a Manager
type Option func(*Manager)

// WithTTL sets the lifetime of issued tokens
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithMaxAttempts sets how many candidate tokens are tried before giving up
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithGenerator replaces the random token source
func WithGenerator(g Generator) Option {
	return func(m *Manager) {
		m.generate = g
	}
}

// NewManager creates a Manager
func NewManager(store kvstore.Store, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		ttl:         DefaultTTL,
		maxAttempts: DefaultMaxAttempts,
		generate:    RandomToken,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the token lifetime, used for cookie expiry
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func cookieKey(token string) string { return cookiePrefix + token }
func userKey(userID string) string  { return userPrefix + userID }

// candidate returns the token to try on the given attempt
func (m *Manager) candidate(attempt int, preferred string) (string, error) {
	if attempt == 0 && preferred != "" {
		return preferred, nil
	}
	return m.generate()
}

// Issue creates a token for userID. A non-empty preferred token is tried
// first. The token key is claimed with SETNX so two users can never share a
// token; the user index is then updated in one batch.
func (m *Manager) Issue(ctx context.Context, userID, preferred string) (string, error) {
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		token, err := m.candidate(attempt, preferred)
		if err != nil {
			return "", err
		}

		ok, err := m.store.SetNX(ctx, cookieKey(token), userID, m.ttl)
		if err != nil {
			return "", fmt.Errorf("failed to claim token: %w", err)
		}
		if !ok {
			continue
		}

		err = m.store.Batch(ctx, func(b kvstore.Batch) {
			b.SAdd(userKey(userID), token)
			b.Expire(userKey(userID), m.ttl)
		})
		if err != nil {
			return "", fmt.Errorf("failed to index token: %w", err)
		}
		return token, nil
	}
	return "", ErrTokenUnavailable
}

// Resolve returns the user id a token belongs to
func (m *Manager) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	userID, found, err := m.store.Get(ctx, cookieKey(token))
	if err != nil {
		return "", fmt.Errorf("failed to resolve token: %w", err)
	}
	if !found || userID == "" {
		return "", ErrUnauthorized
	}
	return userID, nil
}

// Rotate moves the session under old to a fresh token. The rename only
// succeeds when the target is free, so the old token stops resolving at the
// same instant the new one starts.
func (m *Manager) Rotate(ctx context.Context, old string) (string, error) {
	userID, err := m.Resolve(ctx, old)
	if err != nil {
		return "", err
	}

	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		token, err := m.generate()
		if err != nil {
			return "", err
		}

		ok, err := m.store.RenameNX(ctx, cookieKey(old), cookieKey(token))
		if errors.Is(err, kvstore.ErrNoSuchKey) {
			// expired or revoked between resolve and rename
			return "", ErrUnauthorized
		}
		if err != nil {
			return "", fmt.Errorf("failed to rotate token: %w", err)
		}
		if !ok {
			continue
		}

		err = m.store.Batch(ctx, func(b kvstore.Batch) {
			b.SRem(userKey(userID), old)
			b.SAdd(userKey(userID), token)
			b.Expire(userKey(userID), m.ttl)
		})
		if err != nil {
			return "", fmt.Errorf("failed to reindex token: %w", err)
		}
		return token, nil
	}
	return "", ErrTokenUnavailable
}

// Revoke deletes a single token
func (m *Manager) Revoke(ctx context.Context, token string) error {
	userID, err := m.Resolve(ctx, token)
	if err != nil {
		return err
	}

	err = m.store.Batch(ctx, func(b kvstore.Batch) {
		b.Del(cookieKey(token))
		b.SRem(userKey(userID), token)
	})
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// RevokeAll deletes every token of a user together with the user index.
// Members whose token key already expired are deleted without error.
func (m *Manager) RevokeAll(ctx context.Context, userID string) error {
	tokens, err := m.Tokens(ctx, userID)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(tokens)+1)
	for _, token := range tokens {
		keys = append(keys, cookieKey(token))
	}
	keys = append(keys, userKey(userID))

	err = m.store.Batch(ctx, func(b kvstore.Batch) {
		b.Del(keys...)
	})
	if err != nil {
		return fmt.Errorf("failed to revoke tokens: %w", err)
	}
	return nil
}

// RevokeOthers ends every session of the token's owner and issues a new
// session, preferring to keep the current token value.
func (m *Manager) RevokeOthers(ctx context.Context, token string) (string, error) {
	userID, err := m.Resolve(ctx, token)
	if err != nil {
		return "", err
	}
	if err := m.RevokeAll(ctx, userID); err != nil {
		return "", err
	}
	return m.Issue(ctx, userID, token)
}

// Tokens lists the indexed tokens of a user
func (m *Manager) Tokens(ctx context.Context, userID string) ([]string, error) {
	tokens, err := m.store.SMembers(ctx, userKey(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	return tokens, nil
}
