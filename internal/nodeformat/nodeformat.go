// Package nodeformat defines the polymorphic capability set ("NodeFormat")
// over one persistent node, plus the one mandatory variant, FixedFormat,
// where both key and value have fixed size. A NodeFormat is a stateless
// codec: it knows how to interpret and mutate the bytes of a Node, but
// owns none of them — the bytes live in a segment managed elsewhere
// (see package segstore) and are only ever visited under a NodeDescriptor's
// lock (see package cache).
package nodeformat

import (
	"github.com/nicolagi/segtree/internal/segaddr"
)

// Tx is the transactional capture sink every mutating operation in this
// package reports to. The concrete implementation is a write-ahead log
// (see internal/txlog); the interface is declared here, minimally, so
// this package does not depend on it.
type Tx interface {
	// Capture records that bytes [offset, offset+length) of the node at
	// addr have been (or are about to be) modified, so they can be
	// replayed on recovery.
	Capture(addr segaddr.T, offset, length int)
}

// Node is a view over the raw bytes of one persistent node, addressed by
// addr inside its segment. Bytes must be exactly addr.Size() long. Node
// carries no lock of its own — callers (package cache) serialize access
// per the tree/node lock ordering.
type Node struct {
	Addr  segaddr.T
	Bytes []byte
}

// Record is a logical key/value pair. For an internal node, Val has the
// tree's value size (at least 8 bytes) and its first 8 bytes hold the
// big-endian encoding of a segaddr.T child pointer. The slices returned by Format.Rec alias the node's own
// storage: writing through them is how callers populate a slot a prior
// Make call opened.
type Record struct {
	Key []byte
	Val []byte
}

// Slot is the transient {node, idx, rec} parameter object operations
// are expressed over.
type Slot struct {
	Node *Node
	Idx  int
	Rec  Record
}

// Direction is the argument to Move: which side of the split the target
// node sits on relative to the source.
type Direction int

const (
	Left Direction = iota
	Right
)

// Special nr arguments to Move.
const (
	NREven = -1
	NRMax  = -2
)

// Format is the vtable every node layout variant must implement.
// Variants are tagged by a 32-bit node_type_id stored in the common
// header (see header.go) and resolved at load time by whoever constructs a
// Node's descriptor (package cache); nothing downstream of Format needs
// to know which variant it is talking to.
type Format interface {
	NodeTypeID() uint32

	// Init lays out a brand-new node's header in n.Bytes. shift must
	// match n.Addr.Shift(). tx receives a capture of the whole header.
	Init(n *Node, shift int, ksize, vsize int, treeTypeID uint32, tx Tx) error
	// Fini empties the node: FixedFormat resets its record count to 0
	// and recomputes the footer; the common header stays valid. Called
	// by NodeCache.Free before the physical segment release.
	Fini(n *Node, tx Tx) error

	Count(n *Node) int
	CountRec(n *Node) int
	SpaceFree(n *Node) int
	Level(n *Node) int
	SetLevel(n *Node, level int, tx Tx)
	Shift(n *Node) int
	KeySize(n *Node) int
	ValSize(n *Node) int

	IsUnderflow(n *Node, predictAfterOneDelete bool) bool
	IsOverflow(n *Node) bool
	IsFit(n *Node, recSize int) bool

	Rec(n *Node, idx int) Record
	Key(n *Node, idx int) []byte
	Child(n *Node, idx int) segaddr.T
	// SetKey overwrites the key of the record at idx in place, leaving
	// its value untouched. Used to turn a record that used to carry a
	// real separator key into an internal node's trailing
	// unused-key/rightmost-child sentinel after a split promotes that
	// separator to the parent.
	SetKey(n *Node, idx int, key []byte, tx Tx)
	// Find performs a binary search over the sorted key array.
	// It returns the lowest index whose key is >= key, and whether that
	// key is an exact match.
	Find(n *Node, key []byte) (idx int, exact bool)

	// Make opens a gap for one record at idx, shifting subsequent
	// records right. The caller writes into the returned Record's
	// slices (via n.Rec(idx) again, or the one handed back here).
	Make(n *Node, idx int, tx Tx) (Record, error)
	// Del removes the record at idx, shifting subsequent records left.
	Del(n *Node, idx int, tx Tx) error
	// Cut truncates or splits a record's value in place; only relevant
	// to variable-value formats. FixedFormat returns ErrNotImplemented.
	Cut(n *Node, idx int, size int, tx Tx) error
	// Fix recomputes the footer (checksum) after direct mutation of the
	// record area.
	Fix(n *Node, tx Tx)
	// Move transfers nr records from src to tgt. tgt is the node on the
	// dir side of src (dir == Left means tgt is to the left of src).
	Move(src, tgt *Node, dir Direction, nr int, tx Tx)

	// Invariant performs the structural checks of §4.2: header fields
	// self-consistent, record region fits. Returns a descriptive error,
	// never a sentinel, since it's diagnostic-only.
	Invariant(n *Node) error
	// Verify is the strong, checksum-validating check: called on first
	// load of a node from storage and by explicit consistency tooling,
	// never on the optimistic retry hot path.
	Verify(n *Node) error
	// IsValid is the cheap magic/version check, safe to call on every
	// CHECK pass.
	IsValid(n *Node) bool

	OpaqueSet(n *Node, v uint64)
	OpaqueGet(n *Node) uint64
}
