package cache

import (
	"sync"
	"time"
)

// TreeDescriptor is the per-open-tree in-memory state: root, height,
// active-node list. It is obtained from the module-wide pool (see
// Pool); package optree drives operations against it.
type TreeDescriptor struct {
	// opMu is the tree write lock: held across the
	// CHECK->ACT critical section of every mutating operation, and
	// across the whole descent once an operation escalates to
	// lock-all. It sits above every other lock in the module and is
	// never taken by the cache itself, so an operation holding it may
	// still call Get/Put/Alloc/Free freely.
	opMu sync.Mutex

	// mu guards the descriptor's own fields and the active-list
	// membership; it is the "tree" rung of the mandated LRU -> tree ->
	// node acquisition order.
	mu sync.Mutex

	root     *NodeDescriptor
	height   uint32
	refCount uint32

	treeType uint32

	activeNodes ndList

	startTime time.Time

	// Stats kept for diagnostics only: high-water mark of the active
	// list size.
	maxActive int
}

func newTreeDescriptor(treeType uint32) *TreeDescriptor {
	td := &TreeDescriptor{treeType: treeType}
	td.activeNodes.init()
	return td
}

// Root returns the current root descriptor. The caller must already
// hold a reference to the tree (i.e. have it open).
func (td *TreeDescriptor) Root() *NodeDescriptor {
	td.mu.Lock()
	defer td.mu.Unlock()
	return td.root
}

// Height returns the tree's current height, snapshotted at SETUP.
func (td *TreeDescriptor) Height() uint32 {
	td.mu.Lock()
	defer td.mu.Unlock()
	return td.height
}

// SetRoot installs nd as the tree's root descriptor. Called once at
// create() and again whenever the root is replaced in place (it never
// is — the root's address is stable for the tree's lifetime — but its
// descriptor may be re-fetched after eviction).
func (td *TreeDescriptor) SetRoot(nd *NodeDescriptor) {
	td.mu.Lock()
	defer td.mu.Unlock()
	td.root = nd
}

// SetHeight forces the tree height, used by root-shrink (the root
// becoming a leaf again after the last internal level is dropped).
func (td *TreeDescriptor) SetHeight(h uint32) {
	td.mu.Lock()
	defer td.mu.Unlock()
	td.height = h
}

// IncrementHeight and DecrementHeight adjust the height by one, for
// root growth (split) and root collapse respectively.
func (td *TreeDescriptor) IncrementHeight() {
	td.mu.Lock()
	defer td.mu.Unlock()
	td.height++
}

func (td *TreeDescriptor) DecrementHeight() {
	td.mu.Lock()
	defer td.mu.Unlock()
	if td.height > 0 {
		td.height--
	}
}

// TreeType returns the tree_type tag new nodes are stamped with.
func (td *TreeDescriptor) TreeType() uint32 { return td.treeType }

// Lock acquires the tree's exclusive write lock (used across
// CHECK->ACT, or across the whole descent once an operation has
// escalated to lock-all).
func (td *TreeDescriptor) Lock()   { td.opMu.Lock() }
func (td *TreeDescriptor) Unlock() { td.opMu.Unlock() }

// ActiveCount reports the size of the tree's active-node list, for
// Tree.Stats().
func (td *TreeDescriptor) ActiveCount() int {
	td.mu.Lock()
	defer td.mu.Unlock()
	return td.activeNodes.size
}

// MaxActive reports the high-water mark of the active-node list size.
func (td *TreeDescriptor) MaxActive() int {
	td.mu.Lock()
	defer td.mu.Unlock()
	return td.maxActive
}

func (td *TreeDescriptor) recordActiveHighWaterMark() {
	if td.activeNodes.size > td.maxActive {
		td.maxActive = td.activeNodes.size
	}
}

// StartTime reports when the tree descriptor was opened, used for
// close-timeout diagnostics only.
func (td *TreeDescriptor) StartTime() time.Time { return td.startTime }
