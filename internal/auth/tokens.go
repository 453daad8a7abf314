package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/sessionbridge/internal/config"
)

var (
	// ErrEmptyOwner is returned when issuing a token without an owner
	ErrEmptyOwner = errors.New("owner cannot be empty")
	// ErrInvalidToken is returned for unknown, used or expired tokens
	ErrInvalidToken = errors.New("invalid or expired terminal token")
)

// Token is a single-use credential for opening a terminal socket
type Token struct {
	Value     string    `json:"token"`
	Owner     string    `json:"-"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TerminalTokens stores issued tokens with TTL-based expiration
type TerminalTokens struct {
	tokens map[string]*Token
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	done   chan struct{}
	once   sync.Once
}

// NewTerminalTokens creates a token store with the given TTL. It starts a
// background goroutine that drops expired tokens every cleanupInterval.
func NewTerminalTokens(ttl, cleanupInterval time.Duration) *TerminalTokens {
	if ttl <= 0 {
		ttl = config.DefaultTokenTTL
	}
	if cleanupInterval <= 0 {
		cleanupInterval = config.DefaultTokenCleanupInterval
	}
	tt := &TerminalTokens{
		tokens: make(map[string]*Token),
		ttl:    ttl,
		now:    time.Now,
		done:   make(chan struct{}),
	}

	go tt.cleanupLoop(cleanupInterval)

	return tt
}

// Issue creates a new token for owner
func (tt *TerminalTokens) Issue(_ context.Context, owner string) (Token, error) {
	if owner == "" {
		return Token{}, ErrEmptyOwner
	}

	tt.mu.Lock()
	defer tt.mu.Unlock()

	now := tt.now()
	tok := &Token{
		Value:     uuid.NewString(),
		Owner:     owner,
		IssuedAt:  now,
		ExpiresAt: now.Add(tt.ttl),
	}
	tt.tokens[tok.Value] = tok
	return *tok, nil
}

// Redeem consumes a token and returns its owner. A token can be redeemed once.
func (tt *TerminalTokens) Redeem(_ context.Context, value string) (string, error) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	tok, ok := tt.tokens[value]
	if !ok {
		return "", ErrInvalidToken
	}
	delete(tt.tokens, value)

	if tt.now().After(tok.ExpiresAt) {
		return "", fmt.Errorf("%w: expired at %s", ErrInvalidToken, tok.ExpiresAt.Format(time.RFC3339))
	}
	return tok.Owner, nil
}

// Size returns the number of outstanding tokens
func (tt *TerminalTokens) Size() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return len(tt.tokens)
}

// Close stops the cleanup goroutine
func (tt *TerminalTokens) Close() {
	tt.once.Do(func() { close(tt.done) })
}

func (tt *TerminalTokens) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tt.cleanup()
		case <-tt.done:
			return
		}
	}
}

// cleanup removes expired tokens
func (tt *TerminalTokens) cleanup() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	now := tt.now()
	removed := 0
	for value, tok := range tt.tokens {
		if now.After(tok.ExpiresAt) {
			delete(tt.tokens, value)
			removed++
		}
	}
	return removed
}
