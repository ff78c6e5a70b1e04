// Package locking serializes merges of the same entity type.
package locking

import (
	"context"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Unlock releases a held lock. It is safe to call more than once.
type Unlock func()

type Locker interface {
	// Lock blocks until key is held exclusively or ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)
}

type slot struct {
	ch   chan struct{}
	refs int
}

// KeyedLocker is an in-process exclusive lock per key.
type KeyedLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{slots: map[string]*slot{}}
}

func (l *KeyedLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, s, true) })
	}, nil
}

func (l *KeyedLocker) release(key string, s *slot, held bool) {
	if held {
		<-s.ch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// RedisLocker holds a SET NX lock in Redis, extending it while held so long merges keep it.
type RedisLocker struct {
	locker *redis.Locker
	ttl    time.Duration
	logger ectologger.Logger
}

func NewRedisLocker(locker *redis.Locker, ttl time.Duration, logger ectologger.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{
		locker: locker,
		ttl:    ttl,
		logger: logger,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	ctx, span := tracing.StartSpan(ctx, "locking.RedisLocker.Lock")
	defer span.End()

	lock, err := l.locker.Wait(ctx, key, l.ttl)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := lock.Extend(context.Background(), l.ttl); err != nil {
					l.logger.WithError(err).WithField("lock", key).Warn("Failed to extend lock")
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				l.logger.WithError(err).WithField("lock", key).Warn("Failed to release lock")
			}
		})
	}, nil
}
