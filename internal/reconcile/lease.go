package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Lease makes sure only one instance reconciles at a time.
type Lease interface {
	// Acquire returns a token identifying this holder, or ok=false when
	// another holder has the lease.
	Acquire(ctx context.Context) (token string, ok bool, err error)
	Release(ctx context.Context, token string) error
}

// releaseScript deletes the key only while it still holds our token, so an
// expired lease taken over by another instance is left alone.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

type RedisLease struct {
	client   redis.Cmdable
	key      string
	ttl      time.Duration
	newToken func() string
}

func NewRedisLease(client redis.Cmdable, key string, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = defaultLeaseTTLMs * time.Millisecond
	}
	return &RedisLease{client: client, key: key, ttl: ttl, newToken: uuid.NewString}
}

func (l *RedisLease) Acquire(ctx context.Context) (string, bool, error) {
	token := l.newToken()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", false, errors.Wrap(err, "acquire reconcile lease")
	}
	return token, ok, nil
}

func (l *RedisLease) Release(ctx context.Context, token string) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, token).Err(); err != nil {
		return errors.Wrap(err, "release reconcile lease")
	}
	return nil
}

// LocalLease is used when no Redis is configured. It always grants the lease.
type LocalLease struct{}

func (LocalLease) Acquire(context.Context) (string, bool, error) { return "local", true, nil }

func (LocalLease) Release(context.Context, string) error { return nil }
