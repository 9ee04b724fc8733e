// Package optree implements the restartable tree-operation state
// machine that drives lookup, insert, delete and iterate: descent with
// optimistic concurrency, lock acquisition, the cookie fast path, and
// structural mutation (split / underflow resolution).
//
// The state walk is plain control flow — a driver loop with early
// returns — rather than a literal state enum with a transition table;
// suspension points (segment I/O, lock acquisition) are the only
// places a fully asynchronous scheduler would park a task, and
// single-threaded cooperative execution — running the loop to
// completion in one call — is equally valid, which is what this
// package does.
package optree

import (
	"errors"
	"fmt"

	"github.com/nicolagi/segtree/internal/cache"
	"github.com/nicolagi/segtree/internal/nodeformat"
)

// Op identifies which of the four user operations is being driven.
type Op int

const (
	OpLookup Op = iota
	OpInsert
	OpDelete
	OpIterate
)

// Dir is the iteration direction; meaningless for the other ops.
type Dir int

const (
	DirNext Dir = iota
	DirPrev
)

// Flags select optional behaviors of an operation.
type Flags uint32

const (
	FlagCookie Flags = 1 << iota
	FlagLockAll
	FlagEqual
	FlagSlant
)

// ResultFlag is delivered to the callback along with the record it
// applies to.
type ResultFlag int

const (
	Success ResultFlag = iota
	KeyExists
	KeyNotFound
	Boundary
)

// Callback is invoked synchronously inside ACT. rec aliases the node's
// own storage for SUCCESS on insert (the caller writes key/value
// through it) and is read-only otherwise. A non-nil return triggers
// undo where possible and surfaces as ErrCallback.
type Callback func(rec nodeformat.Record, flag ResultFlag) error

var (
	ErrOutOfMemory     = errors.New("out of memory")
	ErrDataFault       = errors.New("data fault")
	ErrTooManyRestarts = errors.New("too many restarts")
	ErrCallback        = errors.New("callback error")
)

// maxOptimisticTrials and maxLockedTrials bound the restart policy:
// three optimistic attempts, then escalate to holding the tree lock
// across the whole descent for three more attempts, then give up.
const (
	maxOptimisticTrials = 3
	maxLockedTrials     = 3
)

// Cookie is the optional fast path to a previously-known leaf.
// Correctness never depends on a cookie being accepted — it is a pure
// optimization. A non-empty cookie holds one counted reference on its
// leaf, keeping the descriptor (and its seq) alive between operations;
// the owner must Release it when done.
type Cookie struct {
	leaf  *cache.NodeDescriptor
	seq   uint64
	loKey []byte
	hiKey []byte
}

// Release drops the leaf reference the cookie holds, if any, and
// resets it to empty. A Tree releases its cookie before closing so the
// leaf can drain to the LRU.
func (c *Cookie) Release(nc *cache.NodeCache, tx nodeformat.Tx) {
	if c.leaf != nil {
		_ = nc.Put(c.leaf, tx)
	}
	*c = Cookie{}
}

// levelEntry is the per-level scratch recorded during descent: the
// node visited, the seq snapshot taken before validating it in CHECK,
// and the index find() returned at that level.
type levelEntry struct {
	nd    *cache.NodeDescriptor
	seq   uint64
	idx   int
	exact bool
}

// Request bundles everything the caller supplies for one operation.
type Request struct {
	Tree  *cache.TreeDescriptor
	Cache *cache.NodeCache
	Tx    nodeformat.Tx

	Op    Op
	Key   []byte
	Dir   Dir
	Flags Flags
	Cb    Callback

	// Cookie, if non-nil and FlagCookie is set, is tried before falling
	// back to a full descent. After an exact-match lookup, or an insert
	// that fit into its leaf without a split, it is updated to reflect
	// that leaf (for a subsequent get to reuse); other outcomes leave it
	// unchanged.
	Cookie *Cookie

	KeySize int
	ValSize int
}

func dataFault(format string, a ...interface{}) error {
	return fmt.Errorf("optree: %w: "+format, append([]interface{}{ErrDataFault}, a...)...)
}
