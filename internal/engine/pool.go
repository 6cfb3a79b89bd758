package engine

import (
	"sync"
	"time"
)

// ResourceHandle identifies a resource created by an add operation.
type ResourceHandle struct {
	ID        string
	Worker    int
	Seq       int64
	CreatedAt time.Time
}

// ResourcePool tracks created resources awaiting reuse or cleanup. It is a
// FIFO queue guarded by one mutex; every operation is O(1) and none blocks.
type ResourcePool struct {
	mu    sync.Mutex
	items []ResourceHandle
	head  int
}

func NewResourcePool() *ResourcePool {
	return &ResourcePool{}
}

// Add appends a handle to the tail of the queue.
func (p *ResourcePool) Add(h ResourceHandle) {
	p.mu.Lock()
	p.items = append(p.items, h)
	p.mu.Unlock()
}

// Take removes the oldest handle. It returns false immediately when the pool
// is empty; callers decide on a fallback.
func (p *ResourcePool) Take() (ResourceHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.head >= len(p.items) {
		return ResourceHandle{}, false
	}
	h := p.items[p.head]
	p.items[p.head] = ResourceHandle{}
	p.head++

	// compact once the consumed prefix dominates the backing array
	if p.head > 64 && p.head*2 >= len(p.items) {
		n := copy(p.items, p.items[p.head:])
		p.items = p.items[:n]
		p.head = 0
	}
	return h, true
}

// Len returns the number of consumable handles.
func (p *ResourcePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items) - p.head
}

// Drain removes every remaining handle and passes each to fn. Errors from fn
// are collected and do not stop the drain.
func (p *ResourcePool) Drain(fn func(ResourceHandle) error) []error {
	p.mu.Lock()
	remaining := append([]ResourceHandle(nil), p.items[p.head:]...)
	p.items = nil
	p.head = 0
	p.mu.Unlock()

	var errs []error
	for _, h := range remaining {
		if err := fn(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
