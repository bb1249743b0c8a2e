package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fenilsonani/imapd/internal/logging"
	"github.com/fenilsonani/imapd/internal/resilience"
)

// ErrRevocationUnavailable is returned when the revocation store cannot be
// consulted. Validation fails closed on this error.
var ErrRevocationUnavailable = errors.New("revocation list unavailable")

// RevocationList records token ids that must no longer be accepted.
type RevocationList interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	Revoke(ctx context.Context, tokenID string, until time.Time) error
}

// RedisRevocationConfig configures the Redis-backed revocation list.
type RedisRevocationConfig struct {
	// URL is a redis:// or rediss:// connection string.
	URL string
	// Prefix namespaces keys, e.g. "imapd" gives "imapd:revoked:<jti>".
	Prefix string
	// Breaker guards lookups; zero values take resilience defaults.
	Breaker resilience.Config
}

// RedisRevocationList stores revoked token ids as expiring Redis keys.
type RedisRevocationList struct {
	client  *redis.Client
	prefix  string
	breaker *resilience.CircuitBreaker
	logger  *logging.Logger
}

// NewRedisRevocationList connects to Redis and verifies the connection.
func NewRedisRevocationList(ctx context.Context, cfg RedisRevocationConfig, logger *logging.Logger) (*RedisRevocationList, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	// Lookups sit on the AUTHENTICATE path; keep them short.
	opts.MaxRetries = 1
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.ConnMaxIdleTime = 5 * time.Minute
	opts.PoolTimeout = 2 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisRevocationList(client, cfg, logger), nil
}

func newRedisRevocationList(client *redis.Client, cfg RedisRevocationConfig, logger *logging.Logger) *RedisRevocationList {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "imapd"
	}

	breakerCfg := cfg.Breaker
	if breakerCfg.Name == "" {
		breakerCfg = resilience.DefaultConfig("revocation")
	}
	authLog := logger.Auth()
	breakerCfg.OnStateChange = func(name string, from, to resilience.State) {
		authLog.Warn("circuit breaker state changed",
			"breaker", name,
			"from", from.String(),
			"to", to.String(),
		)
	}

	return &RedisRevocationList{
		client:  client,
		prefix:  cfg.Prefix,
		breaker: resilience.NewCircuitBreaker(breakerCfg),
		logger:  authLog,
	}
}

func (r *RedisRevocationList) key(tokenID string) string {
	return r.prefix + ":revoked:" + tokenID
}

// IsRevoked reports whether tokenID has been revoked.
func (r *RedisRevocationList) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var n int64
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.client.Exists(ctx, r.key(tokenID)).Result()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrRevocationUnavailable, err)
	}
	return n > 0, nil
}

// Revoke marks tokenID as revoked until the given time. Tokens that have
// already expired need no entry.
func (r *RedisRevocationList) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}

	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		return r.client.Set(ctx, r.key(tokenID), "1", ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRevocationUnavailable, err)
	}
	return nil
}

// Breaker exposes the circuit breaker guarding Redis calls.
func (r *RedisRevocationList) Breaker() *resilience.CircuitBreaker {
	return r.breaker
}

// Close releases the Redis connection pool.
func (r *RedisRevocationList) Close() error {
	return r.client.Close()
}

// MemoryRevocationList is an in-process RevocationList for single-node
// setups and tests.
type MemoryRevocationList struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryRevocationList creates an empty in-process revocation list.
func NewMemoryRevocationList() *MemoryRevocationList {
	return &MemoryRevocationList{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// IsRevoked reports whether tokenID is revoked, pruning it once expired.
func (m *MemoryRevocationList) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.entries[tokenID]
	if !ok {
		return false, nil
	}
	if !m.now().Before(until) {
		delete(m.entries, tokenID)
		return false, nil
	}
	return true, nil
}

// Revoke marks tokenID as revoked until the given time.
func (m *MemoryRevocationList) Revoke(_ context.Context, tokenID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.now().Before(until) {
		return nil
	}
	m.entries[tokenID] = until
	return nil
}
