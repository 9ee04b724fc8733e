// Package segstore implements the segment allocator collaborator the
// cache package depends on (cache.SegAlloc): Alloc hands out aligned
// byte ranges of a requested power-of-two size, Free returns them to a
// per-size free list, and Bytes exposes the live backing slice for a
// previously allocated address.
//
// Two variants are provided, both grounded on the same free-list
// bookkeeping: Memory, a pure in-memory arena for tests and
// throwaway trees, and File, a file-backed arena mapped into the
// process's address space so writes are ordinary memory stores (spec
// §1's "segment" abstraction).
package segstore

import (
	"fmt"
	"sync"

	"github.com/nicolagi/segtree/internal/segaddr"
)

var (
	ErrOutOfSpace = fmt.Errorf("segstore: arena exhausted")
)

// freeLists tracks, per shift, the offsets of segments that have been
// freed and are available for reuse before the arena is grown further.
type freeLists struct {
	mu      sync.Mutex
	byShift map[int][]uint64
}

func newFreeLists() *freeLists {
	return &freeLists{byShift: make(map[int][]uint64)}
}

func (f *freeLists) pop(shift int) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.byShift[shift]
	if len(list) == 0 {
		return 0, false
	}
	off := list[len(list)-1]
	f.byShift[shift] = list[:len(list)-1]
	return off, true
}

func (f *freeLists) push(shift int, offset uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byShift[shift] = append(f.byShift[shift], offset)
}

func errorf(method, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/nicolagi/segtree/internal/segstore.%s: %s", method, fmt.Sprintf(format, a...))
}

func boundsCheck(addr segaddr.T, arenaSize int64) error {
	if !addr.IsValid() {
		return fmt.Errorf("invalid segment address %s", addr)
	}
	if !addr.InSegment(arenaSize) {
		return fmt.Errorf("segment address %s out of bounds for arena of size %d", addr, arenaSize)
	}
	return nil
}
