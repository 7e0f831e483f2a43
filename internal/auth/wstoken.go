package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// WSTokenTTL is how long a live stream token is valid
	WSTokenTTL = 30 * time.Second
	// WSTokenLength is the byte length of the token before hex encoding
	WSTokenLength = 32
)

// WSTokenStore issues one-time tokens for the live reading websocket.
// Browsers cannot set headers on websocket upgrades, so the client fetches
// a token over the authenticated API and passes it in the query string.
type WSTokenStore struct {
	mu     sync.Mutex
	tokens map[string]wsTokenEntry
	now    func() time.Time
}

type wsTokenEntry struct {
	username  string
	createdAt time.Time
}

// NewWSTokenStore creates an empty token store
func NewWSTokenStore() *WSTokenStore {
	return &WSTokenStore{
		tokens: make(map[string]wsTokenEntry),
		now:    time.Now,
	}
}

// Generate creates a new one-time token for a user
func (s *WSTokenStore) Generate(username string) (string, error) {
	buf := make([]byte, WSTokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)

	s.mu.Lock()
	s.tokens[token] = wsTokenEntry{username: username, createdAt: s.now()}
	s.mu.Unlock()

	return token, nil
}

// Validate consumes token and returns the user it was issued to
func (s *WSTokenStore) Validate(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tokens[token]
	if !exists {
		return "", false
	}
	delete(s.tokens, token)

	if s.now().Sub(entry.createdAt) > WSTokenTTL {
		return "", false
	}
	return entry.username, true
}

// Len returns the number of unconsumed tokens
func (s *WSTokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// Run drops expired tokens every minute until ctx is cancelled
func (s *WSTokenStore) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *WSTokenStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for token, entry := range s.tokens {
		if now.Sub(entry.createdAt) > WSTokenTTL {
			delete(s.tokens, token)
		}
	}
}
