package segtree

import (
	"errors"
	"sync"
	"time"

	"github.com/nicolagi/segtree/internal/cache"
	"github.com/nicolagi/segtree/internal/nodeformat"
	"github.com/nicolagi/segtree/internal/optree"
	"github.com/nicolagi/segtree/internal/segaddr"
)

// closeDrainTimeout bounds how long Tree.Close polls for the
// active-node list to drain before giving up.
const closeDrainTimeout = 5 * time.Second

// Dir is the iteration direction for Tree.Iterate.
type Dir int

const (
	DirNext Dir = Dir(optree.DirNext)
	DirPrev Dir = Dir(optree.DirPrev)
)

// Tree is one open B+-tree within an Engine. Trees are independent of
// each other: each has its own descriptor, root and height, but all
// share the engine's node cache and segment arena.
type Tree struct {
	e  *Engine
	td *cache.TreeDescriptor

	keySize int
	valSize int

	// cookie is this handle's leaf fast-path hint, taken out (and
	// owned exclusively) by one operation at a time under cookieMu;
	// concurrent operations on the same handle simply run without it.
	cookieMu sync.Mutex
	cookie   optree.Cookie
}

// CreateTree allocates a brand-new, empty tree of the given treeType
// (an opaque tag the caller uses to distinguish trees sharing one
// engine, e.g. by purpose), with fixed-size keys and values.
func (e *Engine) CreateTree(treeType uint32, keySize, valSize int) (*Tree, error) {
	if keySize < 1 {
		return nil, errorf("CreateTree", "key size %d, want at least 1", keySize)
	}
	if valSize < 8 {
		// Internal nodes reuse the tree's record layout and store a
		// packed 64-bit child address in the value slot.
		return nil, errorf("CreateTree", "value size %d, want at least 8", valSize)
	}
	td, err := e.pool.Acquire(treeType)
	if err != nil {
		return nil, err
	}
	root, err := e.cache.Alloc(td, int(e.cfg.NodeShift), nodeformat.FixedFormat{}, keySize, valSize, e.tx)
	if err != nil {
		e.pool.Release(td)
		return nil, errorf("CreateTree", "allocate root: %v", err)
	}
	td.SetRoot(root)
	td.SetHeight(1)
	return &Tree{e: e, td: td, keySize: keySize, valSize: valSize}, nil
}

// OpenTree re-acquires a handle to an already-created tree rooted at
// addr: if the pool already holds a
// descriptor for this root (another handle is open), its slot is
// reused and its refcount bumped; otherwise a free slot is assigned and
// the root node is loaded to recover the tree_type and height (the
// root's level, persisted in its header, plus one) that CreateTree
// would otherwise have had to be told.
func (e *Engine) OpenTree(addr segaddr.T, keySize, valSize int) (*Tree, error) {
	if td, ok := e.pool.Find(func(td *cache.TreeDescriptor) bool {
		r := td.Root()
		return r != nil && r.Addr() == addr
	}); ok {
		return &Tree{e: e, td: td, keySize: keySize, valSize: valSize}, nil
	}

	raw, err := e.segments.Bytes(addr)
	if err != nil {
		return nil, errorf("OpenTree", "read root bytes: %v", err)
	}
	peek := nodeformat.Node{Addr: addr, Bytes: raw}
	treeType := nodeformat.TreeTypeOf(&peek)

	td, err := e.pool.Acquire(treeType)
	if err != nil {
		return nil, errorf("OpenTree", "acquire slot: %v", err)
	}
	root, err := e.cache.Get(td, addr)
	if err != nil {
		e.pool.Release(td)
		return nil, errorf("OpenTree", "load root: %v", err)
	}
	td.SetRoot(root)
	td.SetHeight(uint32(root.Format().Level(root.Node()) + 1))
	return &Tree{e: e, td: td, keySize: keySize, valSize: valSize}, nil
}

// DestroyTree frees t's root node and retires its descriptor slot. Its
// precondition is that the root is empty; DestroyTree reports an error
// rather than silently discarding data otherwise.
func (e *Engine) DestroyTree(t *Tree) error {
	t.releaseCookie()
	root := t.td.Root()
	format, node := root.Format(), root.Node()
	if format.Count(node) > 0 {
		return errorf("DestroyTree", "root is not empty")
	}
	if err := e.cache.Put(root, e.tx); err != nil {
		return errorf("DestroyTree", "release root: %v", err)
	}
	if err := e.cache.Free(root, e.tx); err != nil {
		return errorf("DestroyTree", "free root: %v", err)
	}
	e.pool.Release(t.td)
	return nil
}

// Close releases this handle's reference to the tree. The tree's nodes
// remain cached (subject to normal LRU eviction) until every handle is
// closed. The root descriptor itself is pinned on the active list for
// the tree's whole lifetime (every descent reacquires it by address),
// so a quiescent tree's active list has exactly one entry; Close waits
// for it to drop to that baseline, i.e. for every in-flight operation's
// extra references to drain, polling for up to 5 seconds before
// giving up with ErrTimedOut. When this is the
// last handle (the descriptor's own refcount reaches zero and its slot
// is retired), the root's pin is released too, so the node properly
// falls back to the global LRU rather than being stranded on an
// orphaned tree descriptor's active list — letting a later OpenTree of
// the same root reattach it correctly.
func (t *Tree) Close() error {
	const rootBaseline = 1
	t.releaseCookie()
	deadline := time.Now().Add(closeDrainTimeout)
	for t.td.ActiveCount() > rootBaseline && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	timedOut := t.td.ActiveCount() > rootBaseline
	retired := t.e.pool.Release(t.td)
	if retired && !timedOut {
		_ = t.e.cache.Put(t.td.Root(), t.e.tx)
	}
	if timedOut {
		return ErrTimedOut
	}
	return nil
}

// run submits one request to the operation state machine with the
// cookie fast path enabled, updating the stored
// cookie on return. The cookie is swapped out for the duration of the
// call so the operation owns it exclusively; if a concurrent operation
// stored its own cookie meanwhile, one of the two is released — last
// writer wins, which is fine for a pure optimization.
func (t *Tree) run(op optree.Op, key []byte, dir optree.Dir, flags optree.Flags, cb optree.Callback) (optree.ResultFlag, error) {
	t.cookieMu.Lock()
	ck := t.cookie
	t.cookie = optree.Cookie{}
	t.cookieMu.Unlock()

	req := &optree.Request{
		Tree:    t.td,
		Cache:   t.e.cache,
		Tx:      t.e.tx,
		Op:      op,
		Key:     key,
		Dir:     dir,
		Flags:   optree.FlagCookie | flags,
		Cb:      cb,
		Cookie:  &ck,
		KeySize: t.keySize,
		ValSize: t.valSize,
	}
	flag, err := optree.Run(req)

	t.cookieMu.Lock()
	old := t.cookie
	t.cookie = ck
	t.cookieMu.Unlock()
	old.Release(t.e.cache, t.e.tx)
	return flag, err
}

// Get looks up key and returns a copy of its value, or ErrKeyNotFound.
func (t *Tree) Get(key []byte) ([]byte, error) {
	var val []byte
	flag, err := t.run(optree.OpLookup, key, optree.DirNext, 0, func(rec nodeformat.Record, f optree.ResultFlag) error {
		if f == optree.Success {
			val = append([]byte(nil), rec.Val...)
		}
		return nil
	})
	if err != nil {
		return nil, translateErr(err)
	}
	if flag != optree.Success {
		return nil, ErrKeyNotFound
	}
	return val, nil
}

// GetNearest looks up key in slant mode: if the
// exact key is absent, the record with the nearest greater key is
// returned instead. ErrKeyNotFound means no record at or after key
// exists.
func (t *Tree) GetNearest(key []byte) (recKey, recVal []byte, err error) {
	flag, runErr := t.run(optree.OpLookup, key, optree.DirNext, optree.FlagSlant, func(rec nodeformat.Record, f optree.ResultFlag) error {
		if f == optree.Success {
			recKey = append([]byte(nil), rec.Key...)
			recVal = append([]byte(nil), rec.Val...)
		}
		return nil
	})
	if runErr != nil {
		return nil, nil, translateErr(runErr)
	}
	if flag != optree.Success {
		// The landed leaf had no record at or after key; the next leaf
		// over may. Iterate knows how to cross that boundary.
		recKey, recVal, err = t.Iterate(key, DirNext)
		if errors.Is(err, ErrBoundary) {
			return nil, nil, ErrKeyNotFound
		}
		return recKey, recVal, err
	}
	return recKey, recVal, nil
}

// Put inserts key with the given value. It returns ErrKeyExists if the
// key is already present; callers that want upsert semantics should
// Delete first.
func (t *Tree) Put(key, value []byte) error {
	if len(value) != t.valSize {
		return errorf("Put", "value is %d bytes, tree expects %d", len(value), t.valSize)
	}
	flag, err := t.run(optree.OpInsert, key, optree.DirNext, 0, func(rec nodeformat.Record, f optree.ResultFlag) error {
		if f == optree.Success {
			copy(rec.Val, value)
		}
		return nil
	})
	if err != nil {
		return translateErr(err)
	}
	if flag == optree.KeyExists {
		return ErrKeyExists
	}
	return nil
}

// Delete removes key. It returns ErrKeyNotFound if the key is absent.
func (t *Tree) Delete(key []byte) error {
	flag, err := t.run(optree.OpDelete, key, optree.DirNext, 0, func(rec nodeformat.Record, f optree.ResultFlag) error {
		return nil
	})
	if err != nil {
		return translateErr(err)
	}
	if flag == optree.KeyNotFound {
		return ErrKeyNotFound
	}
	return nil
}

// Iterate finds the nearest record to key in the given direction
// (DirNext: the record at key or the first one after it; DirPrev: the
// nearest record strictly before key) and returns it, or ErrBoundary if
// there is none.
func (t *Tree) Iterate(key []byte, dir Dir) (recKey, recVal []byte, err error) {
	flag, runErr := t.run(optree.OpIterate, key, optree.Dir(dir), 0, func(rec nodeformat.Record, f optree.ResultFlag) error {
		if f == optree.Success {
			recKey = append([]byte(nil), rec.Key...)
			recVal = append([]byte(nil), rec.Val...)
		}
		return nil
	})
	if runErr != nil {
		return nil, nil, translateErr(runErr)
	}
	if flag == optree.Boundary {
		return nil, nil, ErrBoundary
	}
	return recKey, recVal, nil
}

// Stats reports diagnostic counters for this tree: the current height
// and the active-node list size, current and high-water mark.
type Stats struct {
	Height         uint32
	ActiveNodes    int
	MaxActiveNodes int
}

func (t *Tree) Stats() Stats {
	return Stats{
		Height:         t.td.Height(),
		ActiveNodes:    t.td.ActiveCount(),
		MaxActiveNodes: t.td.MaxActive(),
	}
}

// RootAddr returns the persistent address of the tree's root node, the
// handle a caller must retain (e.g. in its own metadata) to OpenTree
// this tree again later.
func (t *Tree) RootAddr() segaddr.T {
	return t.td.Root().Addr()
}

func (t *Tree) releaseCookie() {
	t.cookieMu.Lock()
	ck := t.cookie
	t.cookie = optree.Cookie{}
	t.cookieMu.Unlock()
	ck.Release(t.e.cache, t.e.tx)
}

func translateErr(err error) error {
	switch {
	case errors.Is(err, optree.ErrOutOfMemory):
		return ErrOutOfMemory
	case errors.Is(err, optree.ErrDataFault):
		return ErrDataFault
	case errors.Is(err, optree.ErrTooManyRestarts):
		return ErrTooManyRestarts
	case errors.Is(err, optree.ErrCallback):
		return ErrCallback
	default:
		return err
	}
}
