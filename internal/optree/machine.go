package optree

import (
	"bytes"
	"fmt"

	"github.com/nicolagi/segtree/internal/cache"
	"github.com/nicolagi/segtree/internal/segaddr"
)

type machine struct {
	req *Request

	levels []levelEntry
	// sibling holds the extremal-leaf descent for iterate when the
	// in-leaf index falls out of range (the SIBLING path).
	sibling []levelEntry

	// pivotLevel is the index into levels of the deepest internal node
	// visited during descent that has a sibling child in the requested
	// iterate direction; -1 if none was found. pivotChild is that
	// sibling's address.
	pivotLevel int
	pivotChild segaddr.T

	// lAlloc holds the per-level spare nodes preallocated by the ALLOC
	// state for insert, indexed like levels; extra is the additional
	// root-growth spare. Spares still present at CLEANUP were not
	// consumed and are freed.
	lAlloc []*cache.NodeDescriptor
	extra  *cache.NodeDescriptor

	// stored is the root's other child, preloaded by STORE_CHILD when a
	// delete may collapse the root.
	stored *levelEntry

	// consumed collects descriptors ACT linked into (or unlinked from)
	// the tree structure — used spares, the collapsed root child —
	// whose references are released at CLEANUP without freeing.
	consumed []*cache.NodeDescriptor

	trial       int
	lockAllMode bool
	lockHeld    bool
}

// Run drives the state machine to completion for one request. It is
// safe to call concurrently for different requests against the same
// tree; concurrent requests against overlapping nodes are reconciled
// by CHECK's seq validation and the restart policy.
func Run(req *Request) (ResultFlag, error) {
	m := &machine{req: req}
	for {
		m.levels = nil
		m.sibling = nil
		m.pivotLevel = -1

		// LOCKALL: when the lock-all flag is set, or the operation has
		// escalated after repeated optimistic failures, the tree lock
		// is held across the whole descent, so CHECK below cannot fail
		// against a concurrent mutation.
		lockAll := m.lockAllMode || req.Flags&FlagLockAll != 0
		if lockAll && !m.lockHeld {
			req.Tree.Lock()
			m.lockHeld = true
		}

		// COOKIE. The cookie records a single leaf, never a pivot, so
		// it cannot serve an iterate that may need to cross into a
		// sibling subtree; and an escalated operation goes through
		// LOCKALL -> DOWN, skipping the fast path.
		usedCookie := false
		if req.Flags&FlagCookie != 0 && req.Cookie != nil && req.Op != OpIterate && !lockAll {
			usedCookie = m.tryCookie()
		}

		if !usedCookie {
			if err := m.descend(); err != nil {
				m.cleanup()
				return 0, err
			}
			var err error
			switch req.Op {
			case OpInsert:
				err = m.allocSpares()
			case OpDelete:
				err = m.storeChild()
			}
			if err != nil {
				m.cleanup()
				return 0, err
			}
		}

		if !m.lockHeld {
			req.Tree.Lock()
			m.lockHeld = true
		}

		if !m.check() {
			m.cleanup()
			m.trial++
			if !m.lockAllMode && m.trial >= maxOptimisticTrials {
				m.lockAllMode = true
				m.trial = 0
				continue
			}
			if m.lockAllMode && m.trial >= maxLockedTrials {
				return 0, ErrTooManyRestarts
			}
			continue
		}

		flag, err := m.act()
		m.cleanup()
		return flag, err
	}
}

// tryCookie implements the COOKIE state: if the cookie still refers
// to a live leaf bounding the key, and (for insert) has free space, or
// (for delete) is not about to underflow, jump
// straight to a single-level descent at that leaf. The leaf is
// re-acquired through the cache so the reference CLEANUP releases is
// balanced; the cookie's own reference stays with the cookie.
func (m *machine) tryCookie() bool {
	req := m.req
	c := req.Cookie
	if c.leaf == nil {
		return false
	}
	if bytes.Compare(req.Key, c.loKey) < 0 || (c.hiKey != nil && bytes.Compare(req.Key, c.hiKey) > 0) {
		return false
	}
	nd, err := req.Cache.Get(req.Tree, c.leaf.Addr())
	if err != nil {
		return false
	}
	if nd != c.leaf || nd.Seq() != c.seq {
		_ = req.Cache.Put(nd, req.Tx)
		return false
	}
	format := nd.Format()
	node := nd.Node()
	ok := true
	switch req.Op {
	case OpInsert:
		ok = format.IsFit(node, req.KeySize+req.ValSize)
	case OpDelete:
		ok = !format.IsUnderflow(node, true)
	}
	if !ok {
		_ = req.Cache.Put(nd, req.Tx)
		return false
	}
	idx, exact := format.Find(node, req.Key)
	m.levels = []levelEntry{{nd: nd, seq: c.seq, idx: idx, exact: exact}}
	return true
}

// descend implements SETUP/DOWN/NEXTDOWN: walk from the root to the
// target leaf, recording {node, seq, idx} at every level, and
// following the tie-break rule on internal nodes (exact match descends
// into idx+1).
func (m *machine) descend() error {
	req := m.req
	root := req.Tree.Root()
	if root == nil {
		return dataFault("tree has no root")
	}
	nd, err := req.Cache.Get(req.Tree, root.Addr())
	if err != nil {
		return err
	}
	for {
		format := nd.Format()
		node := nd.Node()
		idx, exact := format.Find(node, req.Key)
		seq := nd.Seq()
		level := len(m.levels)
		m.levels = append(m.levels, levelEntry{nd: nd, seq: seq, idx: idx, exact: exact})

		if format.Level(node) == 0 {
			if req.Op == OpIterate && m.pivotLevel >= 0 {
				leafIdx := idx
				if req.Dir == DirPrev {
					leafIdx--
				}
				if leafIdx < 0 || leafIdx >= format.Count(node) {
					if err := m.descendSibling(); err != nil {
						return err
					}
				}
			}
			return nil // reached the leaf.
		}

		childIdx := idx
		if exact {
			childIdx = idx + 1
		}

		// Record the deepest internal level with a sibling child in the
		// requested iterate direction: this is the pivot to fall back
		// to via SIBLING if the leaf we land on turns out not to hold
		// the answer.
		if req.Op == OpIterate {
			total := format.CountRec(node)
			switch req.Dir {
			case DirNext:
				if childIdx+1 < total {
					m.pivotLevel = level
					m.pivotChild = format.Child(node, childIdx+1)
				}
			case DirPrev:
				if childIdx-1 >= 0 {
					m.pivotLevel = level
					m.pivotChild = format.Child(node, childIdx-1)
				}
			}
		}

		childAddr := format.Child(node, childIdx)
		if !childAddr.IsValid() {
			return dataFault("invalid child pointer at level %d idx %d", format.Level(node), childIdx)
		}
		child, err := req.Cache.Get(req.Tree, childAddr)
		if err != nil {
			return err
		}
		nd = child
	}
}

// descendSibling implements SIBLING: from the recorded pivot child,
// descend to the extremal leaf in the
// iterate direction (leftmost for NEXT, rightmost for PREV), recording
// each visited node in m.sibling so CHECK can validate the whole chain.
func (m *machine) descendSibling() error {
	req := m.req
	addr := m.pivotChild
	for {
		nd, err := req.Cache.Get(req.Tree, addr)
		if err != nil {
			return err
		}
		format := nd.Format()
		node := nd.Node()
		idx := 0
		if req.Dir == DirPrev {
			idx = format.CountRec(node) - 1
		}
		m.sibling = append(m.sibling, levelEntry{nd: nd, seq: nd.Seq(), idx: idx})
		if format.Level(node) == 0 {
			return nil
		}
		childAddr := format.Child(node, idx)
		if !childAddr.IsValid() {
			return dataFault("invalid sibling child pointer at level %d idx %d", format.Level(node), idx)
		}
		addr = childAddr
	}
}

// allocSpares implements ALLOC: walk the recorded levels upward from
// the leaf and, for every level a propagating split
// could overflow, preallocate a spare node now, before the tree lock is
// taken — so MAKESPACE never has to allocate (and so never fails)
// mid-mutation. If the split may reach the root, the extra root-growth
// node is preallocated too. Unconsumed spares are freed at CLEANUP.
func (m *machine) allocSpares() error {
	req := m.req
	recSize := req.KeySize + req.ValSize
	m.lAlloc = make([]*cache.NodeDescriptor, len(m.levels))
	for i := len(m.levels) - 1; i >= 0; i-- {
		lv := m.levels[i]
		format, node := lv.nd.Format(), lv.nd.Node()
		if format.IsFit(node, recSize) {
			return nil
		}
		spare, err := req.Cache.Alloc(req.Tree, format.Shift(node), format, req.KeySize, req.ValSize, req.Tx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
		}
		m.lAlloc[i] = spare
	}
	// Even the root may split: preallocate the node its current
	// contents move into.
	root := m.levels[0]
	format, node := root.nd.Format(), root.nd.Node()
	extra, err := req.Cache.Alloc(req.Tree, format.Shift(node), format, req.KeySize, req.ValSize, req.Tx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	m.extra = extra
	return nil
}

// storeChild implements STORE_CHILD: when the root has exactly two
// children and the delete may cascade all the way up,
// the child the descent did not pass through is loaded now, before the
// tree lock is taken, so the root-collapse path in ACT never has to
// fetch it mid-mutation. CLEANUP releases it unused if the cascade
// stops early.
func (m *machine) storeChild() error {
	req := m.req
	if len(m.levels) < 2 {
		return nil
	}
	root := m.levels[0]
	format, node := root.nd.Format(), root.nd.Node()
	if format.CountRec(node) != 2 {
		return nil
	}
	childIdx := root.idx
	if root.exact {
		childIdx++
	}
	other := 1 - childIdx
	if other < 0 || other > 1 {
		return nil
	}
	addr := format.Child(node, other)
	if !addr.IsValid() {
		return dataFault("invalid root child pointer at idx %d", other)
	}
	nd, err := req.Cache.Get(req.Tree, addr)
	if err != nil {
		return err
	}
	m.stored = &levelEntry{nd: nd, seq: nd.Seq()}
	return nil
}

// check implements CHECK: every recorded level must still be valid
// and carry the seq it had when visited; the
// sibling chain (iterate) and the stored root child (delete) are
// validated the same way.
func (m *machine) check() bool {
	for _, lv := range m.levels {
		if !lv.nd.Format().IsValid(lv.nd.Node()) {
			return false
		}
		if lv.nd.Seq() != lv.seq {
			return false
		}
	}
	for _, lv := range m.sibling {
		if !lv.nd.Format().IsValid(lv.nd.Node()) {
			return false
		}
		if lv.nd.Seq() != lv.seq {
			return false
		}
	}
	if m.stored != nil {
		if !m.stored.nd.Format().IsValid(m.stored.nd.Node()) {
			return false
		}
		if m.stored.nd.Seq() != m.stored.seq {
			return false
		}
	}
	return true
}

func (m *machine) leaf() levelEntry {
	return m.levels[len(m.levels)-1]
}

// cleanup implements CLEANUP/FINI: release every held node reference,
// free the spare nodes ACT did not consume, and drop the tree lock.
func (m *machine) cleanup() {
	req := m.req
	for _, lv := range m.levels {
		_ = req.Cache.Put(lv.nd, req.Tx)
	}
	for _, lv := range m.sibling {
		_ = req.Cache.Put(lv.nd, req.Tx)
	}
	if m.stored != nil {
		_ = req.Cache.Put(m.stored.nd, req.Tx)
		m.stored = nil
	}
	for _, nd := range m.consumed {
		_ = req.Cache.Put(nd, req.Tx)
	}
	m.consumed = nil
	for _, nd := range m.lAlloc {
		if nd != nil {
			_ = req.Cache.Free(nd, req.Tx)
			_ = req.Cache.Put(nd, req.Tx)
		}
	}
	m.lAlloc = nil
	if m.extra != nil {
		_ = req.Cache.Free(m.extra, req.Tx)
		_ = req.Cache.Put(m.extra, req.Tx)
		m.extra = nil
	}
	if m.lockHeld {
		req.Tree.Unlock()
		m.lockHeld = false
	}
}
