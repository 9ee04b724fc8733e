package cache

import (
	"sync"

	"github.com/nicolagi/segtree/internal/nodeformat"
	"github.com/nicolagi/segtree/internal/segaddr"
)

// NodeDescriptor is the in-memory handle for one cached node. It is
// always reached through NodeCache, never constructed directly by a
// consumer.
type NodeDescriptor struct {
	mu sync.Mutex // per-node lock: guards refCount, txRef, seq, delayedFree, membership.

	addr   segaddr.T
	node   nodeformat.Node
	format nodeformat.Format

	// id is the value written into the node's persistent opaque-hint
	// header field, letting a later load resolve back to this
	// descriptor. Immutable after registration.
	id uint64

	// tree is a weak back-reference: non-nil exactly when refCount > 0.
	// Guarded by the node lock for reads by the owner
	// of a reference; mutated only by NodeCache under LRU->tree->node
	// ordering.
	tree *TreeDescriptor

	refCount    uint32
	txRef       uint32
	seq         uint64
	delayedFree bool

	// Intrusive list membership: a descriptor is on exactly one of a
	// tree's active list or the global LRU list at any time it is
	// reachable at all (see ndList).
	prev, next *NodeDescriptor
	owner      *ndList
}

// Addr returns the node's persistent address.
func (nd *NodeDescriptor) Addr() segaddr.T { return nd.addr }

// Tree returns the tree descriptor this node is currently attached to,
// or nil while the node sits on the global LRU.
func (nd *NodeDescriptor) Tree() *TreeDescriptor {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	return nd.tree
}

// Format returns the node's format vtable, resolved from its
// node_type_id at load time.
func (nd *NodeDescriptor) Format() nodeformat.Format { return nd.format }

// Node returns the underlying byte view. Callers must hold a reference
// (obtained via NodeCache.Get or NodeCache.Alloc) for the duration of
// any access.
func (nd *NodeDescriptor) Node() *nodeformat.Node { return &nd.node }

// Seq returns the current sequence number, used by CHECK (package
// optree) to detect a concurrent structural mutation since descent.
func (nd *NodeDescriptor) Seq() uint64 {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	return nd.seq
}

// BumpSeq is called by every operation that may have mutated the node,
// so that a concurrent optimistic reader's seq snapshot is
// invalidated.
func (nd *NodeDescriptor) BumpSeq() {
	nd.mu.Lock()
	nd.seq++
	nd.mu.Unlock()
}
