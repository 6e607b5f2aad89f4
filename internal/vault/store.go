package vault

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Store persists vault sessions. Implementations are append-only: Append
// never overwrites an existing placeholder, and re-appending an identical
// entry is a no-op.
type Store interface {
	// Load returns every entry of the session, or ErrVaultNotFound.
	Load(ctx context.Context, id string) (map[string]Entry, error)

	// Append adds entries atomically. A placeholder already stored with a
	// different value fails the whole call with ErrDuplicatePlaceholder.
	Append(ctx context.Context, id string, entries []Entry) error

	// Sessions lists persisted sessions. Unreadable ones carry Err.
	Sessions(ctx context.Context) ([]SessionInfo, error)

	// Stat describes one session.
	Stat(ctx context.Context, id string) (SessionInfo, error)

	Close() error
}

// SessionInfo describes a persisted session without exposing its values.
type SessionInfo struct {
	ID        string    `json:"session_id"`
	Entries   int       `json:"entries"`
	SizeBytes int64     `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
	Err       string    `json:"error,omitempty"`
}

// validateEntry applies the schema every backend enforces on load.
func validateEntry(id, key string, e Entry) error {
	if key == "" {
		return corrupt(id, "empty placeholder key")
	}
	if !IsPlaceholder(key) {
		return corrupt(id, "malformed placeholder %q", key)
	}
	if e.Placeholder != "" && e.Placeholder != key {
		return corrupt(id, "placeholder %q recorded under key %q", e.Placeholder, key)
	}
	if e.CreatedAt.IsZero() {
		return corrupt(id, "placeholder %q has no created_at", key)
	}
	return nil
}

// mergeEntries folds incoming entries into existing, enforcing write-once.
// It returns the entries that were actually new.
func mergeEntries(id string, existing map[string]Entry, incoming []Entry) ([]Entry, error) {
	var added []Entry
	for _, e := range incoming {
		if !IsPlaceholder(e.Placeholder) {
			return nil, fmt.Errorf("vault session %q: malformed placeholder %q", id, e.Placeholder)
		}
		if cur, ok := existing[e.Placeholder]; ok {
			if cur.OriginalValue != e.OriginalValue {
				return nil, &SessionError{ID: id, Err: fmt.Errorf("%w: %s", ErrDuplicatePlaceholder, e.Placeholder)}
			}
			continue
		}
		existing[e.Placeholder] = e
		added = append(added, e)
	}
	return added, nil
}

// Backend names accepted by Config.Backend.
const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config selects and configures a vault backend.
type Config struct {
	Backend    string         `yaml:"backend" mapstructure:"backend"`
	Dir        string         `yaml:"dir" mapstructure:"dir"`
	Passphrase string         `yaml:"passphrase" mapstructure:"passphrase"`
	Redis      RedisConfig    `yaml:"redis" mapstructure:"redis"`
	Postgres   PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
}

// NewStore builds the backend named by config.Backend.
func NewStore(config *Config, logger *zap.Logger) (Store, error) {
	switch config.Backend {
	case "", BackendFile:
		return NewFileStore(config.Dir, WithPassphrase(config.Passphrase))
	case BackendRedis:
		return NewRedisStore(&config.Redis, logger)
	case BackendPostgres:
		return NewPostgresStore(&config.Postgres, logger)
	default:
		return nil, fmt.Errorf("unknown vault backend %q", config.Backend)
	}
}
