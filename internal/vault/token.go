package vault

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
)

// TokenSource produces the opaque part of a placeholder.
type TokenSource interface {
	Token() (string, error)
}

type randomTokens struct{}

// RandomTokens draws tokens from the operating system's CSPRNG: 32 hex
// characters of a version 4 UUID, 122 bits of entropy.
func RandomTokens() TokenSource {
	return randomTokens{}
}

func (randomTokens) Token() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to draw placeholder token: %w", err)
	}
	return hex.EncodeToString(u[:]), nil
}

type seededTokens struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// SeededTokens returns a reproducible token stream for fixtures and audits.
// It must not be used for real traffic: anyone with the seed can enumerate
// placeholders.
func SeededTokens(seed int64) TokenSource {
	return &seededTokens{rng: rand.New(rand.NewSource(seed))}
}

func (s *seededTokens) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := uuid.NewRandomFromReader(s.rng)
	if err != nil {
		return "", fmt.Errorf("failed to draw placeholder token: %w", err)
	}
	return hex.EncodeToString(u[:]), nil
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() (string, error)

// Token calls f.
func (f TokenFunc) Token() (string, error) {
	return f()
}
