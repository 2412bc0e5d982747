package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bitsacco/transaction-service/internal/domain"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// Locker grants exclusive ownership of a transaction to one task at a time. TryLock never
// waits: a held key fails with domain.ErrBusy.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker serialises work within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[key]; taken {
		return nil, domain.ErrBusy
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// RedisLocker serialises work across replicas with a single-try redsync mutex. The expiry
// must outlast the longest quote fetch plus submission.
type RedisLocker struct {
	rs     *redsync.Redsync
	prefix string
	expiry time.Duration
}

func NewRedisLocker(client redis.UniversalClient, prefix string, expiry time.Duration) *RedisLocker {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "bitsacco:lock"
	}
	if expiry <= 0 {
		expiry = time.Minute
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		prefix: prefix,
		expiry: expiry,
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), error) {
	mutex := l.rs.NewMutex(
		l.prefix+":"+key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) || strings.Contains(err.Error(), "lock already taken") {
			return nil, domain.ErrBusy
		}
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return func() {
		// Release even when the caller's context is already done.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = mutex.UnlockContext(ctx)
	}, nil
}
