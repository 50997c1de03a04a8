package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Owner-checked scripts: a lease can only be dropped or renewed with the
// token it was granted.
var (
	releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
	renewLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

var ErrLeaseLost = errors.New("lease_lost")

// Locker hands out exclusive, expiring leases on Redis keys so that only one
// replica runs a periodic task at a time.
type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client}
}

// Lease is a held lock. It expires on its own if never released.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire returns nil without error when another holder owns key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("lock client not configured")
	}
	if key == "" {
		return nil, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Lease{client: l.client, key: key, token: token}, nil
}

// Renew pushes the expiry out to ttl from now. ErrLeaseLost means the key
// expired or was taken by someone else.
func (l *Lease) Renew(ctx context.Context, ttl time.Duration) error {
	if l == nil {
		return ErrLeaseLost
	}
	n, err := renewLeaseScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return releaseLeaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
