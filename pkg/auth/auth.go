package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/agentcom/agentcom/pkg/storage"
)

// ErrInvalidToken is returned when a bearer token does not resolve to
// an agent.
var ErrInvalidToken = errors.New("invalid token")

// Store maps bearer tokens to agent ids. Tokens are persisted so
// agents survive hub restarts; a write-through cache serves the hot
// path on every WebSocket handshake and HTTP request.
type Store struct {
	store  storage.Store
	mu     sync.RWMutex
	tokens map[string]string // token -> agent id
}

// NewStore creates a token store backed by the durable store.
func NewStore(s storage.Store) (*Store, error) {
	tokens, err := s.ListTokens()
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	return &Store{store: s, tokens: tokens}, nil
}

// Issue generates a new bearer token bound to an agent id.
func (a *Store) Issue(agentID string) (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := hex.EncodeToString(bytes)

	if err := a.store.PutToken(token, agentID); err != nil {
		return "", err
	}

	a.mu.Lock()
	a.tokens[token] = agentID
	a.mu.Unlock()

	return token, nil
}

// Resolve returns the agent id bound to a token.
func (a *Store) Resolve(token string) (string, error) {
	a.mu.RLock()
	agentID, ok := a.tokens[token]
	a.mu.RUnlock()
	if !ok {
		return "", ErrInvalidToken
	}
	return agentID, nil
}

// Revoke removes a token.
func (a *Store) Revoke(token string) error {
	if err := a.store.DeleteToken(token); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.tokens, token)
	a.mu.Unlock()
	return nil
}
