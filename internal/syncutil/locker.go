// Package syncutil provides keyed locks. LocalLocker serializes work inside
// one process; RedisLocker extends that across replicas.
package syncutil

import (
	"context"
	"hash/maphash"
	"sync"
)

// Locker serializes work on a key. Lock blocks until the key is free or ctx
// is done; the returned function releases it and is safe to call twice.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// DefaultSlots is the slot count used by NewLocalLocker(0).
const DefaultSlots = 256

// LocalLocker hashes keys onto a fixed set of one-token channels, so memory
// stays bounded however many keys it sees. Keys sharing a slot serialize
// with each other.
type LocalLocker struct {
	seed  maphash.Seed
	slots []chan struct{}
}

// NewLocalLocker creates an in-process locker with n slots.
func NewLocalLocker(n int) *LocalLocker {
	if n <= 0 {
		n = DefaultSlots
	}
	l := &LocalLocker{seed: maphash.MakeSeed(), slots: make([]chan struct{}, n)}
	for i := range l.slots {
		l.slots[i] = make(chan struct{}, 1)
		l.slots[i] <- struct{}{}
	}
	return l
}

var _ Locker = (*LocalLocker)(nil)

// Lock takes the slot for key. On cancellation it returns ctx.Err().
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	slot := l.slots[maphash.String(l.seed, key)%uint64(len(l.slots))]
	select {
	case <-slot:
		var once sync.Once
		return func() { once.Do(func() { slot <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
