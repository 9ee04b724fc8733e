package segstore

import (
	"sync"

	"github.com/nicolagi/segtree/internal/cache"
	"github.com/nicolagi/segtree/internal/segaddr"
)

var _ cache.SegAlloc = (*Memory)(nil)

// Memory is an in-memory segment arena: a fixed-size byte slice grown
// by bumping a cursor, with freed segments recycled by shift before the
// cursor advances further. Intended for tests and ephemeral trees that
// don't need to survive a process restart.
type Memory struct {
	mu    sync.Mutex
	arena []byte
	next  uint64

	free *freeLists
}

// NewMemory creates a Memory arena of the given size in bytes.
func NewMemory(size int) *Memory {
	return &Memory{arena: make([]byte, size), free: newFreeLists()}
}

func (m *Memory) Alloc(shift int) (segaddr.T, error) {
	if off, ok := m.free.pop(shift); ok {
		return segaddr.Build(off, shift), nil
	}
	size := uint64(1) << uint(shift)

	m.mu.Lock()
	defer m.mu.Unlock()
	off := m.next
	if off+size > uint64(len(m.arena)) {
		return 0, ErrOutOfSpace
	}
	m.next += size
	return segaddr.Build(off, shift), nil
}

func (m *Memory) Free(addr segaddr.T, shift int) error {
	m.free.push(shift, addr.Addr())
	return nil
}

func (m *Memory) Bytes(addr segaddr.T) ([]byte, error) {
	if err := boundsCheck(addr, int64(len(m.arena))); err != nil {
		return nil, errorf("Bytes", "%v", err)
	}
	start := addr.Addr()
	end := start + uint64(addr.Size())
	return m.arena[start:end], nil
}
