// Package lock provides a Redis lease that keeps two sweeps of the same kind
// from running at once. Sweeps are safe to overlap; the lease only avoids
// wasted work.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/diamory/diamory-backend/internal/util"
)

var ErrLeaseHeld = errors.New("lease held by another runner")

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Store is the subset of the redis client the lease uses.
type Store interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

type Locker struct {
	store  Store
	prefix string
}

func NewLocker(store Store, prefix string) *Locker {
	if prefix == "" {
		prefix = "diamory:lease:"
	}
	return &Locker{store: store, prefix: prefix}
}

type Lease struct {
	store Store
	key   string
	token string
}

// Acquire takes the lease for name until ttl runs out or it is released.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lease %s: ttl must be positive", name)
	}
	key := l.prefix + name
	token := util.NewID()

	ok, err := l.store.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, name)
	}
	return &Lease{store: l.store, key: key, token: token}, nil
}

// Release deletes the lease only if it is still ours.
func (ls *Lease) Release(ctx context.Context) error {
	if err := ls.store.Eval(ctx, releaseScript, []string{ls.key}, ls.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", ls.key, err)
	}
	return nil
}
