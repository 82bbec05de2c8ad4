package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "lock:"
	retryDelay = 100 * time.Millisecond
)

// ErrLost is returned by Release when the lease could not be extended and
// another holder may have taken the lock.
var ErrLost = errors.New("lock lease lost")

// Redis is a distributed Locker built on redsync. Held locks are extended
// every lease/3 until released, so lease only bounds how long a crashed
// holder keeps the lock.
type Redis struct {
	client *redis.Client
	rs     *redsync.Redsync
	lease  time.Duration
}

// NewRedis connects to redisURL.
func NewRedis(ctx context.Context, redisURL string, lease time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedis(client, lease), nil
}

func newRedis(client *redis.Client, lease time.Duration) *Redis {
	return &Redis{
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
		lease:  lease,
	}
}

// Acquire retries until wait elapses.
func (r *Redis) Acquire(ctx context.Context, key string, wait time.Duration) (Release, error) {
	tries := int(wait/retryDelay) + 1
	mutex := r.rs.NewMutex(keyPrefix+key,
		redsync.WithExpiry(r.lease),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(retryDelay),
	)

	lockCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	if err := mutex.LockContext(lockCtx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrTimeout, key, err)
	}

	h := &redisHold{mutex: mutex, key: key, stop: make(chan struct{}), done: make(chan struct{})}
	go h.extend(r.lease / 3)
	return h.release, nil
}

type redisHold struct {
	mutex *redsync.Mutex
	key   string
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
	err   error

	mu        sync.Mutex
	extendErr error
}

// extend keeps the lease alive until stop is closed or an extension fails.
func (h *redisHold) extend(every time.Duration) {
	defer close(h.done)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			ok, err := h.mutex.ExtendContext(ctx)
			cancel()
			if err == nil && !ok {
				err = redsync.ErrExtendFailed
			}
			if err != nil {
				h.mu.Lock()
				h.extendErr = err
				h.mu.Unlock()
				return
			}
		}
	}
}

func (h *redisHold) release(ctx context.Context) error {
	h.once.Do(func() {
		close(h.stop)
		<-h.done

		h.mu.Lock()
		extendErr := h.extendErr
		h.mu.Unlock()
		if extendErr != nil {
			h.err = fmt.Errorf("%w: %s: %v", ErrLost, h.key, extendErr)
			return
		}
		if _, err := h.mutex.UnlockContext(ctx); err != nil {
			h.err = fmt.Errorf("failed to release lock %s: %w", h.key, err)
		}
	})
	return h.err
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
