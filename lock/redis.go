package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rodmar/ledger-engine/ledger"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTTL  = 30 * time.Second
	DefaultWait = 10 * time.Second
)

// Redis locks keys across processes with redislock. Locks expire after TTL
// so a crashed holder cannot block fusions forever.
type Redis struct {
	client *redislock.Client
	TTL    time.Duration
	Wait   time.Duration
	Logger logrus.FieldLogger
}

func NewRedis(rdb redis.UniversalClient, logger logrus.FieldLogger) *Redis {
	return &Redis{
		client: redislock.New(rdb),
		TTL:    DefaultTTL,
		Wait:   DefaultWait,
		Logger: logger,
	}
}

// Lock obtains every key in order, retrying for up to Wait per key.
func (r *Redis) Lock(ctx context.Context, keys ...string) (func(), error) {
	held := make([]*redislock.Lock, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			// Release with a fresh context: ctx may already be cancelled.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := held[i].Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				r.Logger.WithFields(logrus.Fields{
					"module": "lock",
					"key":    held[i].Key(),
				}).WithError(err).Warn("failed to release redis lock")
			}
			cancel()
		}
	}

	attempts := int(r.Wait / (100 * time.Millisecond))
	opts := &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), attempts),
	}

	for _, key := range keys {
		l, err := r.client.Obtain(ctx, "lock:"+key, r.TTL, opts)
		if err != nil {
			release()
			if errors.Is(err, redislock.ErrNotObtained) {
				return nil, fmt.Errorf("%w: %s", ledger.ErrLockNotObtained, key)
			}
			return nil, fmt.Errorf("obtain lock %s: %w", key, err)
		}
		held = append(held, l)
	}

	return release, nil
}

var _ ledger.Locker = (*Redis)(nil)
