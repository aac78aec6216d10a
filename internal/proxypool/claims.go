package proxypool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Claims records which account owns which proxy. Claim must be an atomic
// check-then-set: it either records accountID as owner or reports the
// existing owner unchanged.
type Claims interface {
	Claim(ctx context.Context, proxyID, accountID string) (owner string, err error)
	// Release drops the claim only if accountID still owns it.
	Release(ctx context.Context, proxyID, accountID string) error
	Owner(ctx context.Context, proxyID string) (string, error)
}

// MemClaims is the single-process Claims backend.
type MemClaims struct {
	mu    sync.Mutex
	owner map[string]string
}

func NewMemClaims() *MemClaims { return &MemClaims{owner: map[string]string{}} }

func (m *MemClaims) Claim(_ context.Context, proxyID, accountID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.owner[proxyID]; ok {
		return cur, nil
	}
	m.owner[proxyID] = accountID
	return accountID, nil
}

func (m *MemClaims) Release(_ context.Context, proxyID, accountID string) error {
	m.mu.Lock()
	if m.owner[proxyID] == accountID {
		delete(m.owner, proxyID)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemClaims) Owner(_ context.Context, proxyID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner[proxyID], nil
}

const defaultRedisKey = "pacebot:proxy:owner"

// releaseScript deletes the field only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0
`)

// RedisClaims stores ownership in one Redis hash so several daemons
// sharing a proxy inventory never double-assign.
type RedisClaims struct {
	rc  redis.UniversalClient
	key string
}

func NewRedisClaims(rc redis.UniversalClient, key string) *RedisClaims {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisClaims{rc: rc, key: key}
}

// DialRedis parses a redis:// URL and verifies connectivity.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rc := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rc, nil
}

func (r *RedisClaims) Claim(ctx context.Context, proxyID, accountID string) (string, error) {
	ok, err := r.rc.HSetNX(ctx, r.key, proxyID, accountID).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return accountID, nil
	}
	return r.Owner(ctx, proxyID)
}

func (r *RedisClaims) Release(ctx context.Context, proxyID, accountID string) error {
	return releaseScript.Run(ctx, r.rc, []string{r.key}, proxyID, accountID).Err()
}

func (r *RedisClaims) Owner(ctx context.Context, proxyID string) (string, error) {
	v, err := r.rc.HGet(ctx, r.key, proxyID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}
