// Package lock provides a redis-backed per-key mutex used to serialize
// writers on shared aggregates (one insurance fund chain per tenant).
// Within a single database the row-level FOR UPDATE locks in the
// repositories are authoritative; this locker fences concurrent processes.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var ErrNotAcquired = errors.New("lock_not_acquired")

type Locker struct {
	client *redis.Client
	script *redis.Script
}

// NewLocker returns nil when no redis client is configured; callers treat
// a nil locker as a no-op (single-process deployments).
func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(releaseScript),
	}
}

// Acquire blocks until the key lock is held or ctx is done, retrying with
// a short backoff. Returns the release token.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if l == nil || l.client == nil {
		return "", nil
	}
	for {
		token, ok, err := l.TryLock(ctx, key, ttl)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", true, nil
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}
