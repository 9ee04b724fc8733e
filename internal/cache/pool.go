package cache

import (
	"sync"
	"time"
)

// Pool is the engine-wide table of tree-descriptor slots: a fixed
// number of slots with a free bitmap, guarded by one lock held briefly
// during open/close/create/destroy.
type Pool struct {
	mu    sync.Mutex
	slots []*TreeDescriptor
	free  []bool // true where the slot index is unoccupied.
}

// NewPool creates a pool with the given fixed number of slots;
// callers size it from config.C.TreePoolSize.
func NewPool(size int) *Pool {
	return &Pool{
		slots: make([]*TreeDescriptor, size),
		free:  allTrue(size),
	}
}

func allTrue(n int) []bool {
	b := make([]bool, n)
	for i := range b {
		b[i] = true
	}
	return b
}

// ErrPoolExhausted is returned by Acquire when every slot is occupied.
var ErrPoolExhausted = poolError("tree-descriptor pool exhausted")

type poolError string

func (e poolError) Error() string { return string(e) }

// Acquire assigns a free slot to a brand-new TreeDescriptor for the
// given tree type, as creating a tree does.
func (p *Pool) Acquire(treeType uint32) (*TreeDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, isFree := range p.free {
		if !isFree {
			continue
		}
		td := newTreeDescriptor(treeType)
		td.refCount = 1
		td.startTime = time.Now()
		p.slots[i] = td
		p.free[i] = false
		return td, nil
	}
	return nil, ErrPoolExhausted
}

// Find returns an already-open TreeDescriptor matching the predicate,
// re-acquiring it (ref++) the way reopening a tree reuses an existing
// slot. The second return value is false if no such descriptor
// exists.
func (p *Pool) Find(matches func(*TreeDescriptor) bool) (*TreeDescriptor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, isFree := range p.free {
		if isFree {
			continue
		}
		td := p.slots[i]
		if matches(td) {
			td.mu.Lock()
			td.refCount++
			td.mu.Unlock()
			return td, true
		}
	}
	return nil, false
}

// Release decrements the descriptor's ref count, retiring (freeing)
// the slot when it reaches zero.
func (p *Pool) Release(td *TreeDescriptor) (retired bool) {
	td.mu.Lock()
	td.refCount--
	retired = td.refCount == 0
	td.mu.Unlock()
	if !retired {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, slot := range p.slots {
		if slot == td {
			p.slots[i] = nil
			p.free[i] = true
			break
		}
	}
	return true
}
