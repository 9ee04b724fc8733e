package segtree

import (
	"errors"

	"github.com/nicolagi/segtree/internal/cache"
	"github.com/nicolagi/segtree/internal/optree"
)

// Error sentinels surfaced by the public API. They wrap the internal
// package sentinels rather than redeclaring them, so errors.Is works
// across the package boundary.
var (
	ErrOutOfMemory     = optree.ErrOutOfMemory
	ErrDataFault       = optree.ErrDataFault
	ErrTooManyRestarts = optree.ErrTooManyRestarts
	ErrCallback        = optree.ErrCallback

	ErrKeyExists   = errors.New("segtree: key already exists")
	ErrKeyNotFound = errors.New("segtree: key not found")
	ErrBoundary    = errors.New("segtree: no record in the requested direction")
	ErrTimedOut    = errors.New("segtree: tree close timed out waiting for active nodes to drain")

	ErrPoolExhausted = cache.ErrPoolExhausted
)
