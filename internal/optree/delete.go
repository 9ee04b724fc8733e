package optree

import (
	"fmt"

	"github.com/nicolagi/segtree/internal/cache"
	"github.com/nicolagi/segtree/internal/nodeformat"
)

func (m *machine) actDelete() (ResultFlag, error) {
	req := m.req
	lv := m.leaf()
	format, node := lv.nd.Format(), lv.nd.Node()
	if !lv.exact {
		_ = req.Cb(nodeformat.Record{}, KeyNotFound)
		return KeyNotFound, nil
	}
	deleted := format.Rec(node, lv.idx)
	deletedCopy := nodeformat.Record{
		Key: append([]byte(nil), deleted.Key...),
		Val: append([]byte(nil), deleted.Val...),
	}
	if err := format.Del(node, lv.idx, req.Tx); err != nil {
		return 0, err
	}
	format.Fix(node, req.Tx)
	lv.nd.BumpSeq()
	if err := req.Cb(deletedCopy, Success); err != nil {
		// Undo: the record was only just removed, so the space it
		// occupied is necessarily still free.
		if rec, mkErr := format.Make(node, lv.idx, req.Tx); mkErr == nil {
			copy(rec.Key, deletedCopy.Key)
			copy(rec.Val, deletedCopy.Val)
			format.Fix(node, req.Tx)
		}
		lv.nd.BumpSeq()
		return 0, fmt.Errorf("%w: %v", ErrCallback, err)
	}
	if !format.IsUnderflow(node, false) {
		return Success, nil
	}
	return m.resolveUnderflow()
}

// resolveUnderflow implements delete's underflow resolution and
// FREENODE: walk from the leaf upward, removing each emptied node's
// entry from its parent and freeing it, stopping once a level is not
// itself left empty, with special handling for the root (level drop,
// or collapse when a single child remains).
func (m *machine) resolveUnderflow() (ResultFlag, error) {
	req := m.req
	var toFree []*cache.NodeDescriptor

	for i := len(m.levels) - 1; i >= 0; i-- {
		lv := m.levels[i]
		format, node := lv.nd.Format(), lv.nd.Node()
		if format.CountRec(node) > 0 {
			break
		}
		if i == 0 {
			// The root itself is empty: the tree shrinks back to a
			// single empty leaf.
			if format.Level(node) > 0 {
				format.SetLevel(node, 0, req.Tx)
				format.Fix(node, req.Tx)
				lv.nd.BumpSeq()
				req.Tree.SetHeight(1)
			}
			break
		}

		parent := m.levels[i-1]
		pformat, pnode := parent.nd.Format(), parent.nd.Node()
		childIdx := parent.idx
		if parent.exact {
			childIdx++
		}
		_ = pformat.Del(pnode, childIdx, req.Tx)
		pformat.Fix(pnode, req.Tx)
		parent.nd.BumpSeq()
		toFree = append(toFree, lv.nd)

		if i-1 != 0 {
			continue
		}

		// Parent is the root.
		if pformat.CountRec(pnode) == 0 {
			if pformat.Level(pnode) > 0 {
				pformat.SetLevel(pnode, 0, req.Tx)
				pformat.Fix(pnode, req.Tx)
				parent.nd.BumpSeq()
				req.Tree.SetHeight(1)
			}
			break
		}
		// Root collapse: while exactly one child remains, adopt its
		// records into the root node — whose address must stay stable —
		// and drop a level. The first child was preloaded
		// by STORE_CHILD; a chain of single-child levels below it (the
		// minimal underflow policy can leave those behind) is fetched
		// as the collapse walks down.
		for pformat.Level(pnode) > 0 && pformat.CountRec(pnode) == 1 {
			childAddr := pformat.Child(pnode, 0)
			var child *cache.NodeDescriptor
			if m.stored != nil && m.stored.nd.Addr() == childAddr {
				child = m.stored.nd
				m.stored = nil
			} else {
				var err error
				child, err = req.Cache.Get(req.Tree, childAddr)
				if err != nil {
					break
				}
			}
			m.consumed = append(m.consumed, child)
			cformat, cnode := child.Format(), child.Node()
			_ = pformat.Fini(pnode, req.Tx) // clears used to 0; root is about to adopt the child's body.
			pformat.SetLevel(pnode, cformat.Level(cnode), req.Tx)
			cformat.Move(cnode, pnode, nodeformat.Right, nodeformat.NRMax, req.Tx)
			parent.nd.BumpSeq()
			child.BumpSeq()
			req.Tree.DecrementHeight()
			toFree = append(toFree, child)
		}
		break
	}

	// FREENODE: every node emptied on the way up is logically freed
	// here; the physical release is deferred by the cache until its
	// last reference (held in m.levels, m.stored or m.consumed until CLEANUP)
	// drops.
	for _, nd := range toFree {
		_ = req.Cache.Free(nd, req.Tx)
	}
	return Success, nil
}
