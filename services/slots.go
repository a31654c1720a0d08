package services

import (
	"fmt"
	"sync"
)

// SlotPool is a set of named counting semaphores used to bound how many
// agents may occupy a lane (per-repo, per-executor, per-meeting) at once.
// Allocation is first-come; there is no queueing, callers poll through
// condition.slot_available.
type SlotPool struct {
	mu       sync.Mutex
	capacity map[string]int
	used     map[string]int
}

// NewSlotPool creates an empty slot pool.
func NewSlotPool() *SlotPool {
	return &SlotPool{
		capacity: make(map[string]int),
		used:     make(map[string]int),
	}
}

// Configure sets the capacity of a named slot. Shrinking below current
// usage is allowed; usage drains back under capacity as slots release.
func (p *SlotPool) Configure(name string, capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capacity[name] = capacity
}

// Available returns how many slots remain for a name. Unconfigured names
// have zero capacity.
func (p *SlotPool) Available(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	free := p.capacity[name] - p.used[name]
	if free < 0 {
		return 0
	}
	return free
}

// Allocate takes one slot, or reports an error when the lane is full.
func (p *SlotPool) Allocate(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used[name] >= p.capacity[name] {
		return fmt.Errorf("no slot available for %q (capacity %d)", name, p.capacity[name])
	}
	p.used[name]++
	return nil
}

// Release returns one slot. Releasing an unallocated slot is a no-op.
func (p *SlotPool) Release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used[name] > 0 {
		p.used[name]--
	}
}
