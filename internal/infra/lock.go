package infra

import (
	"context"
	"sync"
	"time"
)

// LockSet hands out named locks. A caller that fails to acquire within its
// deadline gets false and is expected to fall back (re-read the cache and,
// if still empty, fetch itself).
type LockSet struct {
	mu    sync.Mutex
	locks map[string]*namedLock
}

type namedLock struct {
	ch   chan struct{}
	refs int
}

// NewLockSet creates an empty lock set.
func NewLockSet() *LockSet {
	return &LockSet{locks: make(map[string]*namedLock)}
}

func (s *LockSet) get(key string) *namedLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &namedLock{ch: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	l.refs++
	return l
}

func (s *LockSet) put(key string, l *namedLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
}

// Acquire tries to take the named lock, waiting at most wait. Returns a
// release func on success, nil on timeout or context cancellation.
func (s *LockSet) Acquire(ctx context.Context, key string, wait time.Duration) func() {
	l := s.get(key)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			s.put(key, l)
		}
	case <-timer.C:
	case <-ctx.Done():
	}
	s.put(key, l)
	return nil
}

// TryAcquire takes the named lock only if it is immediately free.
func (s *LockSet) TryAcquire(key string) func() {
	l := s.get(key)
	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			s.put(key, l)
		}
	default:
		s.put(key, l)
		return nil
	}
}
