// Package lease guarantees at most one driver per task.
//
// A driver acquires the task's lease before its first dispatch and releases
// it when it halts. The in-process Locker suffices for a single replica;
// RedisLocker extends the guarantee across replicas with an expiring key
// that is renewed while the driver is alive.
package lease

import (
	"context"
	"errors"
	"sync"
)

// ErrHeld is returned when another holder owns the lease.
var ErrHeld = errors.New("lease held by another driver")

// Lease is an acquired lock on one key.
type Lease interface {
	Key() string
	// Lost is closed when the lease can no longer be guaranteed.
	Lost() <-chan struct{}
	Release(ctx context.Context) error
}

// Locker hands out leases.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// MemoryLocker is an in-process Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]*memoryLease
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker returns an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]*memoryLease)}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrHeld
	}
	ls := &memoryLease{key: key, owner: l, lost: make(chan struct{})}
	l.held[key] = ls
	return ls, nil
}

// Held reports whether key is currently leased.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

type memoryLease struct {
	key   string
	owner *MemoryLocker
	lost  chan struct{}
	once  sync.Once
}

func (m *memoryLease) Key() string           { return m.key }
func (m *memoryLease) Lost() <-chan struct{} { return m.lost }

func (m *memoryLease) Release(context.Context) error {
	m.once.Do(func() {
		m.owner.mu.Lock()
		if m.owner.held[m.key] == m {
			delete(m.owner.held, m.key)
		}
		m.owner.mu.Unlock()
	})
	return nil
}
