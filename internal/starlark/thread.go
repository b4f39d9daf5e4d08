package starlark

import (
	"sync"

	"go.starlark.net/starlark"
)

// DefaultMaxSteps bounds a single expression evaluation. Row predicates and
// derived columns are small; anything past this is a runaway loop.
const DefaultMaxSteps = 1_000_000

// ThreadPool recycles Starlark threads. Predicates and derived columns
// evaluate once per row, so threads are reused rather than allocated.
type ThreadPool struct {
	mu       sync.Mutex
	free     []*starlark.Thread
	capacity int
	maxSteps uint64
}

// NewThreadPool creates a pool holding at most capacity idle threads. Each
// evaluation on a pooled thread may execute at most maxSteps steps; zero
// means unlimited.
func NewThreadPool(capacity int, maxSteps uint64) *ThreadPool {
	if capacity <= 0 {
		capacity = 16
	}
	return &ThreadPool{
		free:     make([]*starlark.Thread, 0, capacity),
		capacity: capacity,
		maxSteps: maxSteps,
	}
}

// Get returns a thread ready for one evaluation: named for error
// reporting, not cancelled, and with a fresh step budget.
func (p *ThreadPool) Get(name string) *starlark.Thread {
	p.mu.Lock()
	var thread *starlark.Thread
	if n := len(p.free); n > 0 {
		thread = p.free[n-1]
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if thread == nil {
		thread = &starlark.Thread{
			// expressions have no output
			Print: func(*starlark.Thread, string) {},
		}
	}
	thread.Name = name
	thread.Uncancel()
	thread.Steps = 0
	if p.maxSteps > 0 {
		thread.SetMaxExecutionSteps(p.maxSteps)
	}
	return thread
}

// Put returns a thread to the pool. Threads beyond capacity are dropped.
func (p *ThreadPool) Put(thread *starlark.Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) < p.capacity {
		p.free = append(p.free, thread)
	}
}

// Idle returns the number of pooled threads.
func (p *ThreadPool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
