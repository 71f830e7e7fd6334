// Package lock serializes operations on one chat session.
//
// KeyedMutex serializes callers inside the process. RedisLocker adds a
// lease-based Redis lock (SET NX PX, released by a compare-and-delete script)
// so that several server replicas sharing one database do not bill or settle
// the same session concurrently. Both satisfy Locker.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Locker acquires an exclusive lock on key. The returned func releases it
// and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// KeyedMutex is an in-process Locker with one mutex per key. Entries are
// reference counted and removed when the last holder or waiter leaves.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyed
}

type keyed struct {
	ch   chan struct{} // buffered(1): holding the token means holding the lock
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyed)}
}

// Lock blocks until key is free or ctx is done.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyed{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { k.release(key, e, true) }) }, nil
}

func (k *KeyedMutex) release(key string, e *keyed, held bool) {
	if held {
		<-e.ch
	}
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// ErrNotAcquired is returned when the Redis lease could not be taken before
// the context expired.
var ErrNotAcquired = errors.New("lock not acquired")

// RedisLocker layers a Redis lease on top of a KeyedMutex.
type RedisLocker struct {
	local  *KeyedMutex
	client redis.UniversalClient
	script *redis.Script
	ttl    time.Duration
	prefix string
	retry  time.Duration
}

// NewRedisLocker returns a Locker holding leases of ttl under
// "lock:session:<key>". A nil client yields a local-only locker.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) Locker {
	if client == nil {
		return NewKeyedMutex()
	}
	return &RedisLocker{
		local:  NewKeyedMutex(),
		client: client,
		script: redis.NewScript(releaseScript),
		ttl:    ttl,
		prefix: "lock:session:",
		retry:  25 * time.Millisecond,
	}
}

// Lock takes the local mutex first, then polls the Redis lease until it is
// acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	rkey := l.prefix + key
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, rkey, token, l.ttl).Result()
		if err != nil {
			unlockLocal()
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-time.After(l.retry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release with a fresh context; the caller's may already be done.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = l.script.Run(rctx, l.client, []string{rkey}, token).Err()
			unlockLocal()
		})
	}, nil
}
