package captokens

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryReplayGuard is the in-process guard. It does not survive restarts;
// production wiring uses the Redis or Postgres guard.
type MemoryReplayGuard struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// WithClock overrides the clock for tests.
func (g *MemoryReplayGuard) WithClock(now func() time.Time) *MemoryReplayGuard {
	g.now = now
	return g
}

func (g *MemoryReplayGuard) InsertIfAbsent(_ context.Context, jti string, expiresAt time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, exp := range g.entries {
		if !exp.After(now) {
			delete(g.entries, k)
		}
	}

	if exp, exists := g.entries[jti]; exists && exp.After(now) {
		return false, nil
	}
	g.entries[jti] = expiresAt
	return true, nil
}

// RedisReplayGuard is the production guard: SET NX with TTL is atomic and
// shared across instances.
type RedisReplayGuard struct {
	client *redis.Client
	prefix string
}

func NewRedisReplayGuard(client *redis.Client) *RedisReplayGuard {
	return &RedisReplayGuard{client: client, prefix: "captokens:jti:"}
}

func (g *RedisReplayGuard) InsertIfAbsent(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	ok, err := g.client.SetNX(ctx, g.prefix+jti, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis replay guard: %w", err)
	}
	return ok, nil
}

// PostgresReplayGuard is the durable fallback when no Redis is configured.
// Uniqueness rides on the primary key; expired rows are reclaimed lazily.
type PostgresReplayGuard struct {
	db *sql.DB
}

func NewPostgresReplayGuard(db *sql.DB) *PostgresReplayGuard {
	return &PostgresReplayGuard{db: db}
}

func (g *PostgresReplayGuard) InsertIfAbsent(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	// Reclaim the slot if a previous entry with the same jti has expired.
	res, err := g.db.ExecContext(ctx, `
		INSERT INTO replay_guard (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE replay_guard.expires_at < NOW()
	`, jti, expiresAt)
	if err != nil {
		return false, fmt.Errorf("postgres replay guard: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres replay guard: %w", err)
	}
	return n > 0, nil
}

// Cleanup removes expired entries; call periodically.
func (g *PostgresReplayGuard) Cleanup(ctx context.Context) error {
	_, err := g.db.ExecContext(ctx, `DELETE FROM replay_guard WHERE expires_at < NOW()`)
	return err
}
