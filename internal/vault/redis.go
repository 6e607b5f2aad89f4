package vault

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisConfig configures the redis backend.
type RedisConfig struct {
	URL            string `yaml:"url" mapstructure:"url"`
	MaxConnections int    `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int    `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	KeyPrefix      string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// DefaultRedisKeyPrefix namespaces vault keys.
const DefaultRedisKeyPrefix = "moltshield:vault:"

// appendScript writes a batch of entries write-once. KEYS are the values and
// created hashes; ARGV is (placeholder, original, created_at) triples. Any
// placeholder already stored with another value aborts before writing.
var appendScript = redis.NewScript(`
local values, created = KEYS[1], KEYS[2]
for i = 1, #ARGV, 3 do
  local cur = redis.call('HGET', values, ARGV[i])
  if cur and cur ~= ARGV[i+1] then
    return redis.error_reply('duplicate placeholder ' .. ARGV[i])
  end
end
local added = 0
for i = 1, #ARGV, 3 do
  added = added + redis.call('HSETNX', values, ARGV[i], ARGV[i+1])
  redis.call('HSETNX', created, ARGV[i], ARGV[i+2])
end
return added
`)

// RedisStore keeps each session in two hashes: placeholder to original
// value, and placeholder to creation time.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(config *RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if config.MaxConnections > 0 {
		opts.PoolSize = config.MaxConnections
	}
	opts.MinIdleConns = config.MinIdleConns

	s := NewRedisStoreFromClient(redis.NewClient(opts), config.KeyPrefix, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis vault store initialized",
		zap.String("redis_url", maskURL(config.URL)),
		zap.String("key_prefix", s.prefix))
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

func (s *RedisStore) valuesKey(id string) string  { return s.prefix + id + ":values" }
func (s *RedisStore) createdKey(id string) string { return s.prefix + id + ":created" }

func (s *RedisStore) Load(ctx context.Context, id string) (map[string]Entry, error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}
	pipe := s.client.Pipeline()
	valuesCmd := pipe.HGetAll(ctx, s.valuesKey(id))
	createdCmd := pipe.HGetAll(ctx, s.createdKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load vault from Redis: %w", err)
	}
	values, created := valuesCmd.Val(), createdCmd.Val()
	if len(values) == 0 {
		return nil, &SessionError{ID: id, Err: ErrVaultNotFound}
	}

	out := make(map[string]Entry, len(values))
	for key, value := range values {
		ts, ok := created[key]
		if !ok {
			return nil, corrupt(id, "placeholder %q has no created_at", key)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, corrupt(id, "placeholder %q has bad created_at: %v", key, err)
		}
		e := Entry{Placeholder: key, OriginalValue: value, CreatedAt: t}
		if err := validateEntry(id, key, e); err != nil {
			return nil, err
		}
		out[key] = e
	}
	return out, nil
}

func (s *RedisStore) Append(ctx context.Context, id string, entries []Entry) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(entries)*3)
	for _, e := range entries {
		if !IsPlaceholder(e.Placeholder) {
			return fmt.Errorf("vault session %q: malformed placeholder %q", id, e.Placeholder)
		}
		args = append(args, e.Placeholder, e.OriginalValue, e.CreatedAt.UTC().Format(time.RFC3339Nano))
	}

	added, err := appendScript.Run(ctx, s.client, []string{s.valuesKey(id), s.createdKey(id)}, args...).Int()
	if err != nil {
		if strings.Contains(err.Error(), "duplicate placeholder") {
			return &SessionError{ID: id, Err: fmt.Errorf("%w: %v", ErrDuplicatePlaceholder, err)}
		}
		return fmt.Errorf("failed to append to Redis vault: %w", err)
	}

	s.logger.Debug("Vault entries appended",
		zap.String("session_id", id),
		zap.Int("added", added),
		zap.Int("submitted", len(entries)))
	return nil
}

func (s *RedisStore) Stat(ctx context.Context, id string) (SessionInfo, error) {
	entries, err := s.Load(ctx, id)
	if err != nil {
		return SessionInfo{}, err
	}
	info := SessionInfo{ID: id, Entries: len(entries)}
	for key, e := range entries {
		info.SizeBytes += int64(len(key) + len(e.OriginalValue))
		if e.CreatedAt.After(info.UpdatedAt) {
			info.UpdatedAt = e.CreatedAt
		}
	}
	return info, nil
}

func (s *RedisStore) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var (
		cursor uint64
		ids    []string
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*:values", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan Redis vaults: %w", err)
		}
		for _, k := range keys {
			id := strings.TrimSuffix(strings.TrimPrefix(k, s.prefix), ":values")
			if ValidateSessionID(id) == nil {
				ids = append(ids, id)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(ids)

	out := make([]SessionInfo, 0, len(ids))
	for _, id := range ids {
		info, err := s.Stat(ctx, id)
		if err != nil {
			if errors.Is(err, ErrVaultNotFound) {
				continue
			}
			info = SessionInfo{ID: id, Err: err.Error()}
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// maskURL hides the password of a connection URL for logging.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
