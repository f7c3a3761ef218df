package mutexpool

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestPoolAllocateDistinct(t *testing.T) {
	pool := New(4)

	a := pool.Allocate()
	b := pool.Allocate()
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.NotSame(t, a, b, "Allocate handed out the same node twice")
}

func TestPoolGrowsWhenEmpty(t *testing.T) {
	pool := New(0)

	n := pool.Allocate()
	require.NotNil(t, n, "Allocate on an empty pool must create a fresh node")
	assert.Nil(t, pool.top.Load(), "the stack should still be empty")
}

func TestPoolRetainAll(t *testing.T) {
	pool := NewWithRetention(0, 1)

	n := pool.Allocate()
	pool.Release(n)
	assert.Same(t, n, pool.Allocate(), "a retained node should come back on the next Allocate")
}

func TestPoolDropsAtLowRetention(t *testing.T) {
	pool := NewWithRetention(0, 1<<30)

	pool.Release(pool.Allocate())
	assert.Nil(t, pool.top.Load(), "a 1-in-2^30 retention rate should drop the node")
}

func TestPoolAllocatedCounter(t *testing.T) {
	pool := New(2)
	require.Zero(t, pool.Allocated())

	for range 5 {
		pool.Allocate()
	}
	assert.Equal(t, uint64(5), pool.Allocated())
}

// TestPoolConcurrentAllocateUnique checks that no two goroutines ever hold
// the same node at once: every borrower must be able to TryLock its node
// immediately.
func TestPoolConcurrentAllocateUnique(t *testing.T) {
	pool := NewWithRetention(4, 1)
	const numGoroutines = 16
	const iterations = 2000

	var g errgroup.Group
	for i := 0; i < numGoroutines; i++ {
		g.Go(func() error {
			for range iterations {
				n := pool.Allocate()
				if !n.TryLock() {
					return errors.New("allocated node was already locked by another holder")
				}
				n.Unlock()
				pool.Release(n)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

// TestPoolConcurrentStackIntegrity hammers the stack, then walks it to make
// sure no node appears twice (which would mean a torn push or pop).
func TestPoolConcurrentStackIntegrity(t *testing.T) {
	pool := NewWithRetention(8, 1)
	const numGoroutines = 8
	const iterations = 5000
	var wg sync.WaitGroup

	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for range iterations {
				pool.Release(pool.Allocate())
			}
		}()
	}
	wg.Wait()

	seen := make(map[*Node]bool)
	for n := pool.top.Load(); n != nil; n = n.next.Load() {
		require.False(t, seen[n], "node linked into the stack twice")
		seen[n] = true
	}
}

func BenchmarkPoolAllocateRelease(b *testing.B) {
	pool := New(8)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		pool.Release(pool.Allocate())
	}
}

func BenchmarkPoolAllocateReleaseParallel(b *testing.B) {
	pool := New(64)
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			pool.Release(pool.Allocate())
		}
	})
}

// BenchmarkFreshNode is the baseline the pool is amortizing against.
func BenchmarkFreshNode(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		n := new(Node)
		n.Lock()
		n.Unlock()
	}
}
