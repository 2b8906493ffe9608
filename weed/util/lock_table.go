package util

import (
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
)

// LockTable is a table of locks that can be acquired.
// Locks are acquired in order of request.
type LockTable[T comparable] struct {
	mu        sync.Mutex
	locks     map[T]*LockEntry
	lockIdSeq int64
}

type LockEntry struct {
	mu                   sync.Mutex
	waiters              []*ActiveLock // ordered waiters that are blocked by exclusive locks
	activeLockOwnerCount int32
	lockType             LockType
	cond                 *sync.Cond
	refs                 int // holders plus waiters, guarded by LockTable.mu
}

type LockType int

const (
	SharedLock LockType = iota
	ExclusiveLock
)

func (t LockType) String() string {
	if t == ExclusiveLock {
		return "exclusive"
	}
	return "shared"
}

type ActiveLock struct {
	ID        int64
	isDeleted bool
	intention string // for debugging
}

func NewLockTable[T comparable]() *LockTable[T] {
	return &LockTable[T]{
		locks: make(map[T]*LockEntry),
	}
}

func (lt *LockTable[T]) NewActiveLock(intention string) *ActiveLock {
	id := atomic.AddInt64(&lt.lockIdSeq, 1)
	l := &ActiveLock{ID: id, intention: intention}
	return l
}

func (lt *LockTable[T]) AcquireLock(intention string, key T, lockType LockType) (lock *ActiveLock) {
	lt.mu.Lock()
	// Get or create the lock entry for the key
	entry, exists := lt.locks[key]
	if !exists {
		entry = &LockEntry{}
		entry.cond = sync.NewCond(&entry.mu)
		lt.locks[key] = entry
	}
	entry.refs++
	lt.mu.Unlock()

	lock = lt.NewActiveLock(intention)

	entry.mu.Lock()
	// an exclusive owner or earlier waiters make everybody queue up
	if len(entry.waiters) > 0 || lockType == ExclusiveLock || entry.lockType == ExclusiveLock && entry.activeLockOwnerCount > 0 {
		glog.V(4).Infof("ActiveLock %d %s wait for %+v type=%v with waiters %d active %d", lock.ID, lock.intention, key, lockType, len(entry.waiters), entry.activeLockOwnerCount)
		entry.waiters = append(entry.waiters, lock)
		if lockType == ExclusiveLock {
			for !lock.isDeleted && ((len(entry.waiters) > 0 && lock.ID != entry.waiters[0].ID) || entry.activeLockOwnerCount > 0) {
				entry.cond.Wait()
			}
		} else {
			for !lock.isDeleted && ((len(entry.waiters) > 0 && lock.ID != entry.waiters[0].ID) || (entry.lockType == ExclusiveLock && entry.activeLockOwnerCount > 0)) {
				entry.cond.Wait()
			}
		}
		// Remove the lock from the waiters list
		if len(entry.waiters) > 0 && lock.ID == entry.waiters[0].ID {
			entry.waiters = entry.waiters[1:]
			entry.cond.Broadcast()
		}
	}
	entry.activeLockOwnerCount++

	entry.lockType = lockType
	glog.V(4).Infof("ActiveLock %d %s locked %+v type=%v with waiters %d active %d", lock.ID, lock.intention, key, lockType, len(entry.waiters), entry.activeLockOwnerCount)
	entry.mu.Unlock()

	return lock
}

func (lt *LockTable[T]) ReleaseLock(key T, lock *ActiveLock) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	entry, exists := lt.locks[key]
	if !exists {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.activeLockOwnerCount--

	// the entry can go once nobody holds or waits for it
	entry.refs--
	if entry.refs <= 0 {
		delete(lt.locks, key)
	}

	glog.V(4).Infof("ActiveLock %d %s unlocked %+v type=%v with waiters %d active %d", lock.ID, lock.intention, key, entry.lockType, len(entry.waiters), entry.activeLockOwnerCount)

	// Notify the next waiter
	entry.cond.Broadcast()
}

// WithLock runs fn while holding the lock of the given type on key.
func (lt *LockTable[T]) WithLock(intention string, key T, lockType LockType, fn func() error) error {
	lock := lt.AcquireLock(intention, key, lockType)
	defer lt.ReleaseLock(key, lock)
	return fn()
}
