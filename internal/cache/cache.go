// Package cache implements the node-descriptor cache with active/LRU
// lifecycle: the global LRU plus per-tree active lists, refcounting,
// delayed free, and the get/put/alloc/free/lru_purge operations, under
// the mandatory LRU -> tree -> node lock ordering.
package cache

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/segtree/internal/nodeformat"
	"github.com/nicolagi/segtree/internal/segaddr"
)

// SegAlloc is the segment allocator collaborator: it yields aligned
// persistent byte ranges of a requested power-of-two size, and
// lets the cache materialize a Node's bytes for an already-allocated
// address. Concretely implemented by package segstore.
type SegAlloc interface {
	Alloc(shift int) (segaddr.T, error)
	Free(addr segaddr.T, shift int) error
	// Bytes returns the live byte slice backing addr. The slice aliases
	// the segment's storage: writes through it are writes to the
	// segment.
	Bytes(addr segaddr.T) ([]byte, error)
}

// NodeCache is the module-wide node descriptor cache.
type NodeCache struct {
	segments SegAlloc
	formats  map[uint32]nodeformat.Format

	lruMu sync.Mutex // the global LRU lock.
	lru   ndList

	// byAddr lets a second concurrent Get for the same address find the
	// already-allocated descriptor instead of racing to create a
	// duplicate. Guarded by lruMu.
	byAddr map[segaddr.T]*NodeDescriptor

	// byID resolves the opaque_hint stored in a node's persistent
	// header back to its descriptor. The hint is an id, never a
	// pointer, and is only trusted after the descriptor it resolves to
	// carries the same address; it is never followed outside the cache
	// lock. Guarded by lruMu.
	byID   map[uint64]*NodeDescriptor
	nextID uint64

	capacity int // triggers an implicit lru_purge once exceeded.
}

// New creates a NodeCache backed by segments, recognizing the given
// node formats by their NodeTypeID, and auto-purging the LRU once it
// holds more than capacity zero-refcount descriptors.
func New(segments SegAlloc, capacity int, formats ...nodeformat.Format) *NodeCache {
	c := &NodeCache{
		segments: segments,
		formats:  make(map[uint32]nodeformat.Format, len(formats)),
		byAddr:   make(map[segaddr.T]*NodeDescriptor),
		byID:     make(map[uint64]*NodeDescriptor),
		capacity: capacity,
	}
	c.lru.init()
	for _, f := range formats {
		c.formats[f.NodeTypeID()] = f
	}
	return c
}

// Get returns a descriptor for the node at addr, attached to tree's
// active list, with its refcount incremented. Concurrent callers
// requesting the same address receive the same descriptor.
func (c *NodeCache) Get(tree *TreeDescriptor, addr segaddr.T) (*NodeDescriptor, error) {
	c.lruMu.Lock()
	if nd, ok := c.byAddr[addr]; ok {
		c.reattachLocked(nd, tree)
		c.lruMu.Unlock()
		return nd, nil
	}

	raw, err := c.segments.Bytes(addr)
	if err != nil {
		c.lruMu.Unlock()
		return nil, errorf("Get", "read segment bytes at %s: %v", addr, err)
	}
	node := nodeformat.Node{Addr: addr, Bytes: raw}
	typeID := nodeformat.TypeOf(&node)
	format, ok := c.formats[typeID]
	if !ok {
		c.lruMu.Unlock()
		return nil, errorf("Get", "%v: unrecognized node_type_id %d", ErrDataFault, typeID)
	}

	// The persistent header carries an opaque descriptor hint. It is
	// only a hint: it may be left over from a previous process run, so
	// it is honored only if it resolves, under the LRU lock, to a live
	// descriptor for this same address.
	if hint := format.OpaqueGet(&node); hint != 0 {
		if nd, ok := c.byID[hint]; ok && nd.addr == addr {
			c.reattachLocked(nd, tree)
			c.lruMu.Unlock()
			return nd, nil
		}
	}

	if err := format.Verify(&node); err != nil {
		c.lruMu.Unlock()
		return nil, errorf("Get", "%v: %v", ErrDataFault, err)
	}

	nd := c.registerLocked(addr, node, format)
	c.attachToTreeLocked(nd, tree)
	c.lruMu.Unlock()
	return nd, nil
}

// registerLocked creates and indexes a descriptor for a just-loaded or
// just-initialized node, rewriting the persistent header's opaque hint
// to point back at it. Called with lruMu held.
func (c *NodeCache) registerLocked(addr segaddr.T, node nodeformat.Node, format nodeformat.Format) *NodeDescriptor {
	c.nextID++
	nd := &NodeDescriptor{addr: addr, node: node, format: format, id: c.nextID}
	c.byAddr[addr] = nd
	c.byID[nd.id] = nd
	format.OpaqueSet(&nd.node, nd.id)
	return nd
}

// dropLocked removes a descriptor from both lookup indexes. Called with
// lruMu held, when the descriptor is evicted or physically freed.
func (c *NodeCache) dropLocked(nd *NodeDescriptor) {
	delete(c.byAddr, nd.addr)
	delete(c.byID, nd.id)
}

// reattachLocked implements the move-from-LRU-to-active-list part of
// Get, and the shared-descriptor refcount bump otherwise. Called with
// lruMu held, which is what makes the nd.tree read below safe without
// nd.mu: every transition of that field (here, in attachToTreeLocked,
// and in Put) happens while lruMu is held, so lruMu alone serializes
// it. The tree's membership lock must still be acquired before nd.mu
// to honor the mandated LRU -> tree -> node order — taking node before
// tree here would invert it against Put, a deadlock risk.
func (c *NodeCache) reattachLocked(nd *NodeDescriptor, tree *TreeDescriptor) {
	if nd.tree == nil {
		// Currently on the global LRU: move to the requesting tree.
		tree.mu.Lock()
		nd.mu.Lock()
		c.lru.detach(nd)
		tree.activeNodes.pushFront(nd)
		tree.recordActiveHighWaterMark()
		nd.tree = tree
		nd.refCount++
		nd.mu.Unlock()
		tree.mu.Unlock()
		return
	}
	nd.mu.Lock()
	nd.refCount++
	nd.mu.Unlock()
}

func (c *NodeCache) attachToTreeLocked(nd *NodeDescriptor, tree *TreeDescriptor) {
	tree.mu.Lock()
	tree.activeNodes.pushFront(nd)
	tree.recordActiveHighWaterMark()
	tree.mu.Unlock()
	nd.tree = tree
	nd.refCount = 1
}

// Put releases one reference to nd. On reaching refcount zero, the
// descriptor moves to the global LRU (or, if delayed_free was set, is
// physically released immediately).
func (c *NodeCache) Put(nd *NodeDescriptor, tx nodeformat.Tx) error {
	c.lruMu.Lock()
	tree := nd.tree
	if tree != nil {
		tree.mu.Lock()
	}
	nd.mu.Lock()

	if nd.refCount == 0 {
		nd.mu.Unlock()
		if tree != nil {
			tree.mu.Unlock()
		}
		c.lruMu.Unlock()
		panic("cache: Put on a descriptor with zero refcount")
	}
	nd.refCount--
	reachedZero := nd.refCount == 0
	var shouldFree bool
	if reachedZero {
		if tree != nil {
			tree.activeNodes.detach(nd)
		}
		nd.tree = nil
		nd.seq = 0
		if nd.delayedFree {
			shouldFree = true
		} else {
			c.lru.pushFront(nd)
		}
	}
	nd.mu.Unlock()
	if tree != nil {
		tree.mu.Unlock()
	}

	if shouldFree {
		c.dropLocked(nd)
	}
	purgeCount := 0
	if c.capacity > 0 && c.lru.size > c.capacity {
		purgeCount = c.lru.size - c.capacity
	}
	c.lruMu.Unlock()

	if shouldFree {
		if err := c.segments.Free(nd.addr, nd.addr.Shift()); err != nil {
			return errorf("Put", "free segment: %v", err)
		}
	}
	if purgeCount > 0 {
		c.LRUPurge(purgeCount)
	}
	return nil
}

// Alloc allocates aligned segment memory, initializes its header via
// format.Init, and registers a fresh descriptor on tree's active list
// with refcount 1.
func (c *NodeCache) Alloc(tree *TreeDescriptor, shift int, format nodeformat.Format, ksize, vsize int, tx nodeformat.Tx) (*NodeDescriptor, error) {
	addr, err := c.segments.Alloc(shift)
	if err != nil {
		return nil, errorf("Alloc", "%v: %v", ErrOutOfMemory, err)
	}
	raw, err := c.segments.Bytes(addr)
	if err != nil {
		return nil, errorf("Alloc", "read segment bytes at %s: %v", addr, err)
	}
	node := nodeformat.Node{Addr: addr, Bytes: raw}
	if err := format.Init(&node, shift, ksize, vsize, tree.treeType, tx); err != nil {
		return nil, errorf("Alloc", "init node: %v", err)
	}

	c.lruMu.Lock()
	nd := c.registerLocked(addr, node, format)
	c.attachToTreeLocked(nd, tree)
	c.lruMu.Unlock()
	return nd, nil
}

// Free logically frees nd: format.Fini is invoked and delayed_free is
// set; if the refcount is already zero the physical release happens
// immediately (honoring any outstanding references otherwise).
func (c *NodeCache) Free(nd *NodeDescriptor, tx nodeformat.Tx) error {
	nd.mu.Lock()
	if err := nd.format.Fini(&nd.node, tx); err != nil {
		nd.mu.Unlock()
		return errorf("Free", "fini: %v", err)
	}
	nd.delayedFree = true
	nd.seq++ // Fini emptied the node; concurrent seq snapshots must notice.
	refZero := nd.refCount == 0
	nd.mu.Unlock()

	if !refZero {
		return nil
	}
	c.lruMu.Lock()
	c.lru.detach(nd)
	c.dropLocked(nd)
	c.lruMu.Unlock()
	if err := c.segments.Free(nd.addr, nd.addr.Shift()); err != nil {
		return errorf("Free", "free segment: %v", err)
	}
	return nil
}

// LRUPurge evicts up to count descriptors from the LRU tail.
// Descriptors still referenced by an in-flight transaction are skipped
// and left in place; a shortfall is logged rather than reported as an
// error, since eviction pressure is advisory.
func (c *NodeCache) LRUPurge(count int) int {
	c.lruMu.Lock()
	defer c.lruMu.Unlock()
	evicted := 0
	nd := c.lru.tail()
	for evicted < count && nd != nil && nd != &c.lru.fakeHead {
		prev := nd.prev
		nd.mu.Lock()
		if nd.txRef == 0 {
			c.lru.detach(nd)
			c.dropLocked(nd)
			evicted++
		}
		nd.mu.Unlock()
		nd = prev
	}
	if evicted < count {
		log.WithFields(log.Fields{
			"requested": count,
			"evicted":   evicted,
		}).Warning("cache: could not fully satisfy lru_purge")
	}
	return evicted
}
