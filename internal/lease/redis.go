// internal/lease/redis.go
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisConfig configures the Redis locker.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Only the holder (matching token) may extend or delete the key.
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLocker stores leases as expiring Redis keys.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker connects and pings Redis.
func NewRedisLocker(ctx context.Context, cfg RedisConfig) (*RedisLocker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisLockerWithClient(rdb, cfg.Prefix, cfg.TTL), nil
}

// NewRedisLockerWithClient uses an existing client.
func NewRedisLockerWithClient(rdb *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "trainloop:lease:"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: rdb, prefix: prefix, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	token := uuid.NewString()
	redisKey := l.prefix + key
	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	rl := &redisLease{
		key:      key,
		redisKey: redisKey,
		token:    token,
		locker:   l,
		lost:     make(chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go rl.renew()
	return rl, nil
}

// Close closes the Redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

type redisLease struct {
	key      string
	redisKey string
	token    string
	locker   *RedisLocker

	lost     chan struct{}
	lostOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (r *redisLease) Key() string           { return r.key }
func (r *redisLease) Lost() <-chan struct{} { return r.lost }

func (r *redisLease) markLost() {
	r.lostOnce.Do(func() { close(r.lost) })
}

// renew extends the key every ttl/3 until released. A failed or refused
// renewal marks the lease lost.
func (r *redisLease) renew() {
	defer close(r.done)
	ticker := time.NewTicker(r.locker.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.locker.ttl/3)
			n, err := renewScript.Run(ctx, r.locker.client, []string{r.redisKey}, r.token, r.locker.ttl.Milliseconds()).Int()
			cancel()
			if err != nil || n == 0 {
				r.markLost()
				return
			}
		}
	}
}

func (r *redisLease) Release(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
	if err := releaseScript.Run(ctx, r.locker.client, []string{r.redisKey}, r.token).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", r.key, err)
	}
	return nil
}
