package emagsync

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
)

// ErrAlreadyRunning means another process holds the sync lease for the same
// (account, item kind) scope. Callers fail fast; they never queue behind it.
var ErrAlreadyRunning = errors.New("sync already running for this account and item kind")

// RunLock is a held lease. Refresh extends the TTL while a run makes
// progress; if the holder dies the lease simply lapses.
type RunLock interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// RunLocker hands out cross-process run leases.
type RunLocker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (RunLock, error)
}

type redisRunLocker struct {
	client *redislock.Client
}

// NewRedisRunLocker wraps a redislock client as a RunLocker.
func NewRedisRunLocker(client *redislock.Client) RunLocker {
	return &redisRunLocker{client: client}
}

func (l *redisRunLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (RunLock, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		return nil, err
	}
	return &redisRunLock{lock: lock}, nil
}

type redisRunLock struct {
	lock *redislock.Lock
}

func (l *redisRunLock) Refresh(ctx context.Context, ttl time.Duration) error {
	return l.lock.Refresh(ctx, ttl, nil)
}

func (l *redisRunLock) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		// Lease already lapsed; nothing left to release.
		return nil
	}
	return err
}
