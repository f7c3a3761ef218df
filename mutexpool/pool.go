// Package mutexpool implements a lock-free recycling pool of blocking mutex
// handles. The Pool type maintains a Treiber-style lock-free stack of Node
// values, amortizing the cost of mutex allocation across many borrowers.
//
// The pool provides several benefits:
//   - Allocate never blocks and never fails; an empty pool grows on demand
//   - All stack operations are optimistic CAS loops on the top pointer
//   - Probabilistic release damps cache-line contention on the top pointer
//     under sustained churn
//
// Example usage:
//
//	pool := mutexpool.New(64)
//
//	node := pool.Allocate()
//	node.Lock()
//	// ... node is owned exclusively by this borrower ...
//	node.Unlock()
//	pool.Release(node)
//
// A node handed out by Allocate is owned exclusively by its borrower until
// passed back through Release; the pool never hands the same node to two
// concurrent callers.
package mutexpool

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

// DefaultRetention is the default 1-in-N rate at which Release actually
// returns a node to the stack. Dropping most released nodes keeps the stack
// top from becoming a hot spot when many locks release handles at once.
const DefaultRetention = 21

// Node is a reusable blocking mutex handle. The next link is meaningful only
// while the node sits in the pool's stack; outside the stack the node belongs
// exclusively to whoever Allocate handed it to.
type Node struct {
	sync.Mutex
	next atomic.Pointer[Node]
}

// Pool is a lock-free stack of mutex nodes shared by any number of
// goroutines. The zero value is not usable; construct with New or
// NewWithRetention.
type Pool struct {
	top         atomic.Pointer[Node]
	allocated   atomic.Uint64
	retainOneIn uint32
}

// New creates a pool preallocated with the given number of nodes, using the
// default retention rate.
func New(prealloc int) *Pool { return NewWithRetention(prealloc, DefaultRetention) }

// NewWithRetention creates a pool preallocated with the given number of
// nodes. retainOneIn sets the 1-in-N retention rate for Release; 1 retains
// every released node.
func NewWithRetention(prealloc, retainOneIn int) *Pool {
	if retainOneIn < 1 {
		retainOneIn = 1
	}
	p := &Pool{retainOneIn: uint32(retainOneIn)}
	for range prealloc {
		p.push(new(Node))
	}
	return p
}

// Allocate pops a node off the stack, or creates a fresh one if the stack is
// empty. It never blocks. The returned node is unlocked and owned exclusively
// by the caller until handed back via Release.
func (p *Pool) Allocate() *Node {
	p.allocated.Add(1)
	for {
		top := p.top.Load()
		if top == nil {
			return new(Node)
		}
		next := top.next.Load()
		if p.top.CompareAndSwap(top, next) {
			top.next.Store(nil)
			return top
		}
	}
}

// Release hands a node back to the pool. Only about 1-in-retainOneIn calls
// actually push the node onto the stack; the rest drop it for the garbage
// collector, which bounds contention on the stack top. The caller must not
// touch the node afterwards, and the node must be unlocked.
func (p *Pool) Release(n *Node) {
	if rand.Uint32N(p.retainOneIn) != 0 {
		return
	}
	p.push(n)
}

// Allocated reports the total number of Allocate calls made on the pool.
func (p *Pool) Allocated() uint64 { return p.allocated.Load() }

func (p *Pool) push(n *Node) {
	for {
		top := p.top.Load()
		n.next.Store(top)
		if p.top.CompareAndSwap(top, n) {
			return
		}
	}
}
