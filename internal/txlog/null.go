package txlog

import (
	"github.com/nicolagi/segtree/internal/nodeformat"
	"github.com/nicolagi/segtree/internal/segaddr"
)

var _ nodeformat.Tx = Null{}

// Null discards every capture, for read-only trees (lookup/iterate
// only) or tests that don't care about durability.
type Null struct{}

func (Null) Capture(addr segaddr.T, offset, length int) {}
