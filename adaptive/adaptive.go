// Package adaptive implements a biased reentrant mutual-exclusion lock that
// starts as a few atomic operations and inflates to a real blocking mutex
// only when cross-goroutine contention appears.
//
// The adaptive lock provides several benefits:
//   - The uncontended and reentrant fast paths never touch a blocking mutex
//   - Inflation is paid once per contention episode and is undone as soon as
//     the waiter queue drains, so quiet periods run thin again
//   - Mutex handles are borrowed from a shared mutexpool.Pool, amortizing
//     allocation across all locks in the process
//
// Example usage:
//
//	pool := mutexpool.New(64)
//	lock := adaptive.New(pool)
//
//	lock.Lock()
//	lock.Lock() // reentrant, same goroutine
//	// ... critical section ...
//	lock.Unlock()
//	lock.Unlock()
//
// The lock makes no fairness guarantee: any waiting goroutine may acquire
// next. Unlock must be called by the owning goroutine, once per nested Lock;
// violating that contract panics rather than corrupting the state machine.
package adaptive

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/petermattis/goid"

	"github.com/ahrav/go-adaptive-lock/mutexpool"
)

type status uint32

const (
	statusUnlocked status = iota
	statusThin             // held, no blocking mutex involved
	statusFat              // held or handing off, backed by a pool mutex
)

// state is an immutable snapshot of the whole lock. Transitions replace the
// snapshot wholesale via CompareAndSwap; fields are never mutated in place,
// which is what makes a torn read impossible.
//
// nested is the reentrancy depth of the owner and is zero iff the state is
// not owned. waiters counts goroutines blocked on the fat handle. mutex is
// non-nil iff status is statusFat.
type state struct {
	status  status
	nested  uint32
	waiters uint32
	owner   int64 // goroutine id of the holder; 0 means none
	mutex   *mutexpool.Node
}

// unlockedState is shared by every lock; it carries no per-acquisition data,
// so releasing a lock allocates nothing.
var unlockedState = &state{}

// Lock is a biased reentrant mutual-exclusion lock. The zero value is not
// usable; construct with New.
type Lock struct {
	state atomic.Pointer[state]
	pool  *mutexpool.Pool
}

// New creates an adaptive lock that borrows its blocking mutex handles from
// the given pool. Many locks may share one pool.
func New(pool *mutexpool.Pool) *Lock {
	l := &Lock{pool: pool}
	l.state.Store(unlockedState)
	return l
}

// Lock acquires the lock, blocking if another goroutine holds it. The owning
// goroutine may acquire again without blocking; each acquisition must be
// matched by an Unlock.
func (l *Lock) Lock() {
	me := goid.Get()
	for {
		cur := l.state.Load()
		switch cur.status {
		case statusUnlocked:
			next := &state{status: statusThin, nested: 1, owner: me}
			if l.state.CompareAndSwap(cur, next) {
				return
			}

		case statusThin:
			if cur.owner == me {
				// Reentrant acquisition.
				next := &state{status: statusThin, nested: cur.nested + 1, owner: me}
				if l.state.CompareAndSwap(cur, next) {
					return
				}
				continue
			}

			// Contention on a thin lock: inflate. The node is locked first
			// as a private claim so a fat snapshot never publishes an
			// unlocked handle.
			node := l.pool.Allocate()
			node.Lock()
			next := &state{status: statusFat, nested: cur.nested, waiters: cur.waiters + 1, owner: cur.owner, mutex: node}
			if l.state.CompareAndSwap(cur, next) {
				// Second acquisition of the claimed handle. This is the
				// actual wait: it returns once the owner's final Unlock
				// releases the handle.
				node.Lock()
				l.lockAfterResume(me)
				return
			}
			// Lost the race to inflate, or the owner changed meanwhile.
			// Hand the node back and start over from a fresh snapshot.
			node.Unlock()
			l.pool.Release(node)

		case statusFat:
			if cur.owner == me {
				// Reentrant acquisition.
				next := &state{status: statusFat, nested: cur.nested + 1, waiters: cur.waiters, owner: me, mutex: cur.mutex}
				if l.state.CompareAndSwap(cur, next) {
					return
				}
				continue
			}
			if cur.owner == 0 {
				// Hand-off window: the previous owner released but the woken
				// waiter has not claimed ownership yet. Let it run.
				runtime.Gosched()
				continue
			}

			// Register as one more waiter, then block on the handle.
			next := &state{status: statusFat, nested: cur.nested, waiters: cur.waiters + 1, owner: cur.owner, mutex: cur.mutex}
			if l.state.CompareAndSwap(cur, next) {
				cur.mutex.Lock()
				l.lockAfterResume(me)
				return
			}
		}
	}
}

// lockAfterResume transitions a woken waiter, which now holds the fat
// handle, into ownership. The last waiter deflates back to thin and retires
// the handle, bounding inflation to genuinely contended periods; otherwise
// the handle stays locked so the next Unlock can signal the next waiter.
func (l *Lock) lockAfterResume(me int64) {
	for {
		cur := l.state.Load()
		if cur.waiters == 0 {
			next := &state{status: statusThin, nested: 1, owner: me}
			if l.state.CompareAndSwap(cur, next) {
				cur.mutex.Unlock()
				l.pool.Release(cur.mutex)
				return
			}
			continue
		}
		next := &state{status: statusFat, nested: 1, waiters: cur.waiters, owner: me, mutex: cur.mutex}
		if l.state.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Unlock releases one reentrant level. It panics if the calling goroutine is
// not the current owner or the lock is not held; masking either would
// corrupt the state machine, so neither is recoverable.
func (l *Lock) Unlock() {
	me := goid.Get()
	for {
		cur := l.state.Load()
		if cur.status == statusUnlocked {
			panic(fmt.Sprintf("adaptive: unlock of unlocked lock by goroutine %d", me))
		}
		if cur.owner != me {
			panic(fmt.Sprintf("adaptive: unlock by goroutine %d, lock is owned by goroutine %d", me, cur.owner))
		}
		switch cur.status {
		case statusThin:
			if cur.nested > 1 {
				next := &state{status: statusThin, nested: cur.nested - 1, owner: me}
				if l.state.CompareAndSwap(cur, next) {
					return
				}
				continue
			}
			if l.state.CompareAndSwap(cur, unlockedState) {
				return
			}

		case statusFat:
			if cur.nested > 1 {
				next := &state{status: statusFat, nested: cur.nested - 1, waiters: cur.waiters, owner: me, mutex: cur.mutex}
				if l.state.CompareAndSwap(cur, next) {
					return
				}
				continue
			}
			// Final release under contention: give up ownership, then signal
			// the handle. This is the only path that touches the blocking
			// mutex; exactly one waiter wakes and runs lockAfterResume.
			next := &state{status: statusFat, waiters: cur.waiters - 1, mutex: cur.mutex}
			if l.state.CompareAndSwap(cur, next) {
				cur.mutex.Unlock()
				return
			}
		}
	}
}

// TryLock attempts to acquire the lock without blocking. It succeeds only on
// the uncontended and reentrant paths and never inflates; any cross-goroutine
// contention returns false.
func (l *Lock) TryLock() bool {
	me := goid.Get()
	for {
		cur := l.state.Load()
		switch cur.status {
		case statusUnlocked:
			next := &state{status: statusThin, nested: 1, owner: me}
			if l.state.CompareAndSwap(cur, next) {
				return true
			}
		default:
			if cur.owner != me {
				return false
			}
			next := &state{status: cur.status, nested: cur.nested + 1, waiters: cur.waiters, owner: me, mutex: cur.mutex}
			if l.state.CompareAndSwap(cur, next) {
				return true
			}
		}
	}
}
