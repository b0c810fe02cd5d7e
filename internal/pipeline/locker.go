package pipeline

import (
	"context"
	"sync"
)

// memoryLocker is the run lock used when no shared lock is configured. It
// only guards runs inside this process.
type memoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newMemoryLocker() *memoryLocker {
	return &memoryLocker{held: make(map[string]struct{})}
}

func (l *memoryLocker) Acquire(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false, nil
	}
	l.held[key] = struct{}{}
	return true, nil
}

func (l *memoryLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()
	return nil
}
