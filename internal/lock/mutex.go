// Package lock provides the process-external mutex guarding trade
// execution. Multiple worker processes share it via Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrBusy means the lock is already held; acquisition is non-blocking
// and the caller discards its work.
var ErrBusy = errors.New("another trade in progress")

// releaseScript deletes the key only while we still hold it, so an
// expired lock taken over by another worker is never released from here.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// Mutex is a TTL-bounded distributed mutex on `SET key token NX PX ttl`
type Mutex struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewMutex creates a distributed mutex with the given hold TTL
func NewMutex(rdb *redis.Client, ttl time.Duration) *Mutex {
	return &Mutex{rdb: rdb, ttl: ttl}
}

// WithLock runs fn while holding the named lock. Acquisition is
// non-blocking: a held lock returns ErrBusy immediately. Release runs
// on every exit path, including panics.
func (m *Mutex) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token := uuid.New().String()

	acquired, err := m.rdb.SetNX(ctx, key, token, m.ttl).Result()
	if err != nil {
		return fmt.Errorf("lock acquisition failed: %w", err)
	}
	if !acquired {
		return fmt.Errorf("%w (key %s)", ErrBusy, key)
	}

	log.Debug().Str("key", key).Dur("ttl", m.ttl).Msg("Lock acquired")

	defer func() {
		// Release must not inherit a cancelled caller context.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		released, err := releaseScript.Run(releaseCtx, m.rdb, []string{key}, token).Int()
		if err != nil {
			log.Error().Err(err).Str("key", key).Msg("Lock release failed; TTL will expire it")
			return
		}
		if released == 0 {
			log.Warn().Str("key", key).Msg("Lock expired before release; critical section exceeded TTL")
			return
		}
		log.Debug().Str("key", key).Msg("Lock released")
	}()

	return fn(ctx)
}
