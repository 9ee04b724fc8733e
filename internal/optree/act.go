package optree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/nicolagi/segtree/internal/cache"
	"github.com/nicolagi/segtree/internal/nodeformat"
)

// act dispatches to the per-opcode ACT handler.
func (m *machine) act() (ResultFlag, error) {
	switch m.req.Op {
	case OpLookup:
		return m.actLookup()
	case OpInsert:
		return m.actInsert()
	case OpDelete:
		return m.actDelete()
	case OpIterate:
		return m.actIterate()
	default:
		return 0, dataFault("unknown op %d", m.req.Op)
	}
}

func (m *machine) actLookup() (ResultFlag, error) {
	lv := m.leaf()
	format, node := lv.nd.Format(), lv.nd.Node()
	if lv.exact {
		rec := format.Rec(node, lv.idx)
		if err := m.req.Cb(rec, Success); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCallback, err)
		}
		m.setCookie()
		return Success, nil
	}
	if m.req.Flags&FlagSlant != 0 && lv.idx < format.Count(node) {
		rec := format.Rec(node, lv.idx)
		if err := m.req.Cb(rec, Success); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCallback, err)
		}
		return Success, nil
	}
	_ = m.req.Cb(nodeformat.Record{}, KeyNotFound)
	return KeyNotFound, nil
}

func (m *machine) actIterate() (ResultFlag, error) {
	lv := m.leaf()
	format, node := lv.nd.Format(), lv.nd.Node()
	idx := lv.idx
	if m.req.Dir == DirPrev {
		// Find returns the lowest idx whose key is >= the supplied key,
		// whether or not it matched exactly. PREV always wants the record
		// immediately before that position: the nearest key strictly less
		// than the supplied key.
		idx--
	}
	if idx >= 0 && idx < format.Count(node) {
		rec := format.Rec(node, idx)
		if err := m.req.Cb(rec, Success); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCallback, err)
		}
		return Success, nil
	}
	// The leaf we landed on doesn't hold the answer; if descend()
	// found a sibling subtree in this direction (SIBLING), its
	// extremal leaf does — descendSibling recorded that leaf last.
	if len(m.sibling) > 0 {
		slv := m.sibling[len(m.sibling)-1]
		sformat, snode := slv.nd.Format(), slv.nd.Node()
		rec := sformat.Rec(snode, slv.idx)
		if err := m.req.Cb(rec, Success); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCallback, err)
		}
		return Success, nil
	}
	_ = m.req.Cb(nodeformat.Record{}, Boundary)
	return Boundary, nil
}

func (m *machine) actInsert() (ResultFlag, error) {
	req := m.req
	lv := m.leaf()
	format, node := lv.nd.Format(), lv.nd.Node()
	if lv.exact {
		_ = req.Cb(nodeformat.Record{}, KeyExists)
		return KeyExists, nil
	}
	recSize := req.KeySize + req.ValSize
	if format.IsFit(node, recSize) {
		rec, err := format.Make(node, lv.idx, req.Tx)
		if err != nil {
			return 0, err
		}
		copy(rec.Key, req.Key)
		if err := req.Cb(rec, Success); err != nil {
			_ = format.Del(node, lv.idx, req.Tx)
			format.Fix(node, req.Tx)
			lv.nd.BumpSeq()
			return 0, fmt.Errorf("%w: %v", ErrCallback, err)
		}
		format.Fix(node, req.Tx)
		lv.nd.BumpSeq()
		m.setCookie()
		return Success, nil
	}
	return m.makespace()
}

// setCookie points the request's cookie at the leaf this operation
// settled on, bounding the key range the leaf currently covers so a
// future operation can tell
// whether the cookie still applies without a descent. The cookie takes
// its own counted reference on the leaf; the previous cookie's
// reference, if any, is dropped.
func (m *machine) setCookie() {
	req := m.req
	if req.Cookie == nil || req.Flags&FlagCookie == 0 {
		return
	}
	lv := m.leaf()
	format, node := lv.nd.Format(), lv.nd.Node()
	if format.Count(node) == 0 {
		return
	}
	nd, err := req.Cache.Get(req.Tree, lv.nd.Addr())
	if err != nil {
		return
	}
	old := req.Cookie.leaf
	*req.Cookie = Cookie{
		leaf:  nd,
		seq:   nd.Seq(),
		loKey: append([]byte(nil), format.Key(node, 0)...),
		hiKey: append([]byte(nil), format.Key(node, format.Count(node)-1)...),
	}
	if old != nil {
		_ = req.Cache.Put(old, req.Tx)
	}
}

// takeSpare consumes the preallocated spare for the given level; once
// taken, the spare is part of the tree structure and CLEANUP releases
// it without freeing.
func (m *machine) takeSpare(level int) *cache.NodeDescriptor {
	if level >= len(m.lAlloc) || m.lAlloc[level] == nil {
		return nil
	}
	spare := m.lAlloc[level]
	m.lAlloc[level] = nil
	m.consumed = append(m.consumed, spare)
	return spare
}

func (m *machine) takeExtra() *cache.NodeDescriptor {
	extra := m.extra
	if extra != nil {
		m.extra = nil
		m.consumed = append(m.consumed, extra)
	}
	return extra
}

// makespace implements MAKESPACE: split nodes upward from
// the leaf until the new record fits, growing the root if necessary.
// Every node it links in was preallocated by ALLOC, so no allocation —
// and no allocation failure — happens once mutation has begun.
func (m *machine) makespace() (ResultFlag, error) {
	req := m.req
	var promotedKey []byte
	var promotedChild uint64

	for i := len(m.levels) - 1; i >= 0; i-- {
		lv := m.levels[i]
		format, node := lv.nd.Format(), lv.nd.Node()
		isLeaf := i == len(m.levels)-1

		insertKey := promotedKey
		if isLeaf {
			insertKey = req.Key
		}
		recSize := req.KeySize + req.ValSize

		if format.IsFit(node, recSize) {
			idx, _ := format.Find(node, insertKey)
			rec, err := format.Make(node, idx, req.Tx)
			if err != nil {
				return 0, err
			}
			copy(rec.Key, insertKey)
			if isLeaf {
				if err := req.Cb(rec, Success); err != nil {
					_ = format.Del(node, idx, req.Tx)
					format.Fix(node, req.Tx)
					lv.nd.BumpSeq()
					return 0, fmt.Errorf("%w: %v", ErrCallback, err)
				}
			} else {
				binary.BigEndian.PutUint64(rec.Val, promotedChild)
			}
			format.Fix(node, req.Tx)
			lv.nd.BumpSeq()
			return Success, nil
		}

		// Split this level using its preallocated spare: move the low
		// half of the node's records into it.
		spare := m.takeSpare(i)
		if spare == nil {
			return 0, dataFault("no spare node preallocated for level %d", i)
		}
		format.SetLevel(spare.Node(), format.Level(node), req.Tx)
		format.Move(node, spare.Node(), nodeformat.Left, nodeformat.NREven, req.Tx)
		lv.nd.BumpSeq()
		spare.BumpSeq()

		// Decide which half the new record belongs to. Leaves compare
		// against the right half's first key. Internal nodes compare
		// against the separator-to-be — the left half's trailing real
		// key — with one special case: a key falling strictly between
		// the two halves goes at the left node's tail, without a second
		// find, where the promote step below turns it into the
		// sentinel record.
		target := lv.nd
		targetIdx := -1 // -1 means position by find.
		if isLeaf {
			if format.Count(node) == 0 || bytes.Compare(insertKey, format.Key(node, 0)) < 0 {
				target = spare
			}
		} else {
			sformat, snode := spare.Format(), spare.Node()
			lastLeftKey := sformat.Key(snode, sformat.CountRec(snode)-1)
			switch {
			case bytes.Compare(insertKey, lastLeftKey) < 0:
				target = spare
			case format.Count(node) > 0 && bytes.Compare(insertKey, format.Key(node, 0)) > 0:
				target = lv.nd
			default:
				target = spare
				targetIdx = sformat.CountRec(snode)
			}
		}
		tformat, tnode := target.Format(), target.Node()
		idx := targetIdx
		if idx < 0 {
			idx, _ = tformat.Find(tnode, insertKey)
		}
		rec, err := tformat.Make(tnode, idx, req.Tx)
		if err != nil {
			return 0, err
		}
		copy(rec.Key, insertKey)
		if isLeaf {
			if err := req.Cb(rec, Success); err != nil {
				_ = tformat.Del(tnode, idx, req.Tx)
				tformat.Fix(tnode, req.Tx)
				target.BumpSeq()
				format.Move(spare.Node(), node, nodeformat.Right, nodeformat.NRMax, req.Tx)
				lv.nd.BumpSeq()
				spare.BumpSeq()
				_ = req.Cache.Free(spare, req.Tx)
				return 0, fmt.Errorf("%w: %v", ErrCallback, err)
			}
		} else {
			binary.BigEndian.PutUint64(rec.Val, promotedChild)
		}
		tformat.Fix(tnode, req.Tx)
		target.BumpSeq()

		if isLeaf {
			// Leaf split: the separator already exists as a real record
			// in the upper half, so it is copied up rather than removed
			// from either half.
			promotedKey = append([]byte(nil), format.Key(node, 0)...)
		} else {
			// Internal split: the separator is the key that used to sit
			// between the two halves. After Move, it's spare's trailing
			// record — still carrying its real key and the child pointer
			// that belongs to spare's new rightmost child. Promote that
			// key and turn the slot into spare's own sentinel record,
			// or routing would treat spare's subtree as ending one key
			// too early.
			sformat, snode := spare.Format(), spare.Node()
			lastIdx := sformat.CountRec(snode) - 1
			promotedKey = append([]byte(nil), sformat.Key(snode, lastIdx)...)
			sformat.SetKey(snode, lastIdx, sentinelKey(req.KeySize), req.Tx)
			sformat.Fix(snode, req.Tx)
			spare.BumpSeq()
		}
		promotedChild = uint64(spare.Addr())

		if i > 0 {
			continue
		}

		// The root itself split: grow the tree by one level. The
		// root's own address must not change, so its
		// current contents (the right half after the split above) are
		// preserved by copying them wholesale into the preallocated
		// extra node, and the root is reinitialized in place as a
		// two-record internal node pointing at {spare, extra}.
		extra := m.takeExtra()
		if extra == nil {
			return 0, dataFault("no extra node preallocated for root growth")
		}
		rootLevel := format.Level(node)
		eformat, enode := extra.Format(), extra.Node()
		copy(enode.Bytes[:], node.Bytes)
		eformat.OpaqueSet(enode, 0)
		eformat.Fix(enode, req.Tx)
		extra.BumpSeq()

		_ = format.Fini(node, req.Tx) // resets used to 0; node is about to be rebuilt as the new, taller root.
		format.SetLevel(node, rootLevel+1, req.Tx)

		firstRec, err := format.Make(node, 0, req.Tx)
		if err != nil {
			return 0, err
		}
		copy(firstRec.Key, promotedKey)
		binary.BigEndian.PutUint64(firstRec.Val, promotedChild)

		secondRec, err := format.Make(node, 1, req.Tx)
		if err != nil {
			return 0, err
		}
		copy(secondRec.Key, sentinelKey(req.KeySize))
		binary.BigEndian.PutUint64(secondRec.Val, uint64(extra.Addr()))

		format.Fix(node, req.Tx)
		lv.nd.BumpSeq()
		lv.nd.Tree().IncrementHeight()
		return Success, nil
	}
	return Success, nil
}

func sentinelKey(ksize int) []byte {
	k := make([]byte, ksize)
	for i := range k {
		k[i] = 0xFF
	}
	return k
}
