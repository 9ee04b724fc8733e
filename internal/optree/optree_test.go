package optree

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicolagi/segtree/internal/cache"
	"github.com/nicolagi/segtree/internal/nodeformat"
	"github.com/nicolagi/segtree/internal/segaddr"
)

// arenaSegAlloc is a bump allocator over a fixed in-memory arena, the
// same shape as the cache package's own test double, kept separate
// since it is unexported there.
type arenaSegAlloc struct {
	mu    sync.Mutex
	arena []byte
	next  uint64
}

func newArenaSegAlloc(size int) *arenaSegAlloc {
	return &arenaSegAlloc{arena: make([]byte, size)}
}

func (a *arenaSegAlloc) Alloc(shift int) (segaddr.T, error) {
	sz := uint64(1) << uint(shift)
	a.mu.Lock()
	off := a.next
	a.next += sz
	a.mu.Unlock()
	return segaddr.Build(off, shift), nil
}

func (a *arenaSegAlloc) Free(addr segaddr.T, shift int) error { return nil }

func (a *arenaSegAlloc) Bytes(addr segaddr.T) ([]byte, error) {
	start := addr.Addr()
	end := start + uint64(addr.Size())
	return a.arena[start:end], nil
}

func key(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

type testTree struct {
	td    *cache.TreeDescriptor
	c     *cache.NodeCache
	sa    *arenaSegAlloc
	shift int
}

func newTestTree(t *testing.T, shift int) *testTree {
	t.Helper()
	sa := newArenaSegAlloc(1 << 24)
	c := cache.New(sa, 64, nodeformat.FixedFormat{})
	pool := cache.NewPool(4)
	td, err := pool.Acquire(1)
	require.NoError(t, err)
	root, err := c.Alloc(td, shift, nodeformat.FixedFormat{}, 8, 8, nil)
	require.NoError(t, err)
	td.SetRoot(root)
	td.SetHeight(1)
	return &testTree{td: td, c: c, sa: sa, shift: shift}
}

func (tt *testTree) insert(t *testing.T, k uint64) ResultFlag {
	t.Helper()
	v := key(k)
	flag, err := Run(&Request{
		Tree: tt.td, Cache: tt.c, Tx: nil,
		Op: OpInsert, Key: key(k),
		Cb: func(rec nodeformat.Record, f ResultFlag) error {
			if f == Success {
				copy(rec.Val, v)
			}
			return nil
		},
		KeySize: 8, ValSize: 8,
	})
	require.NoError(t, err)
	return flag
}

func (tt *testTree) lookup(t *testing.T, k uint64) (ResultFlag, []byte) {
	t.Helper()
	var got []byte
	flag, err := Run(&Request{
		Tree: tt.td, Cache: tt.c, Tx: nil,
		Op: OpLookup, Key: key(k),
		Cb: func(rec nodeformat.Record, f ResultFlag) error {
			if f == Success {
				got = append([]byte(nil), rec.Val...)
			}
			return nil
		},
		KeySize: 8, ValSize: 8,
	})
	require.NoError(t, err)
	return flag, got
}

func (tt *testTree) delete(t *testing.T, k uint64) ResultFlag {
	t.Helper()
	flag, err := Run(&Request{
		Tree: tt.td, Cache: tt.c, Tx: nil,
		Op: OpDelete, Key: key(k),
		Cb: func(rec nodeformat.Record, f ResultFlag) error { return nil },
		KeySize: 8, ValSize: 8,
	})
	require.NoError(t, err)
	return flag
}

func TestInsertLookupDelete(t *testing.T) {
	tt := newTestTree(t, 12)
	for _, k := range []uint64{5, 1, 9, 3, 7} {
		flag := tt.insert(t, k)
		assert.Equal(t, Success, flag)
	}
	for _, k := range []uint64{5, 1, 9, 3, 7} {
		flag, got := tt.lookup(t, k)
		assert.Equal(t, Success, flag)
		assert.Equal(t, key(k), got)
	}

	flag := tt.insert(t, 5)
	assert.Equal(t, KeyExists, flag)

	flag = tt.delete(t, 9)
	assert.Equal(t, Success, flag)
	flag, _ = tt.lookup(t, 9)
	assert.Equal(t, KeyNotFound, flag)

	flag = tt.delete(t, 9)
	assert.Equal(t, KeyNotFound, flag)
}

func TestRootSplitOnManyInserts(t *testing.T) {
	tt := newTestTree(t, 9) // 512-byte nodes: a handful of 16-byte records overflow fast.
	const n = 60
	for k := uint64(0); k < n; k++ {
		flag := tt.insert(t, k)
		require.Equal(t, Success, flag, "insert %d", k)
	}
	assert.Greater(t, tt.td.Height(), uint32(1), "root should have split at least once")
	for k := uint64(0); k < n; k++ {
		flag, got := tt.lookup(t, k)
		assert.Equal(t, Success, flag, "lookup %d", k)
		assert.Equal(t, key(k), got)
	}
}

func TestRootCollapseAfterDeletes(t *testing.T) {
	tt := newTestTree(t, 9)
	const n = 60
	for k := uint64(0); k < n; k++ {
		require.Equal(t, Success, tt.insert(t, k))
	}
	require.Greater(t, tt.td.Height(), uint32(1))

	for k := uint64(1); k < n; k++ {
		require.Equal(t, Success, tt.delete(t, k))
	}
	flag, got := tt.lookup(t, 0)
	assert.Equal(t, Success, flag)
	assert.Equal(t, key(0), got)
	assert.Equal(t, uint32(1), tt.td.Height(), "root should have collapsed back to a leaf")
}

func TestCookieFastPath(t *testing.T) {
	tt := newTestTree(t, 12)
	for _, k := range []uint64{1, 2, 3} {
		require.Equal(t, Success, tt.insert(t, k))
	}

	var cookie Cookie
	flag, err := Run(&Request{
		Tree: tt.td, Cache: tt.c, Tx: nil,
		Op: OpLookup, Key: key(2), Flags: FlagCookie, Cookie: &cookie,
		Cb: func(rec nodeformat.Record, f ResultFlag) error { return nil },
		KeySize: 8, ValSize: 8,
	})
	require.NoError(t, err)
	assert.Equal(t, Success, flag)

	flag, err = Run(&Request{
		Tree: tt.td, Cache: tt.c, Tx: nil,
		Op: OpLookup, Key: key(1), Flags: FlagCookie, Cookie: &cookie,
		Cb: func(rec nodeformat.Record, f ResultFlag) error { return nil },
		KeySize: 8, ValSize: 8,
	})
	require.NoError(t, err)
	assert.Equal(t, Success, flag)
}

func TestIterateBoundary(t *testing.T) {
	tt := newTestTree(t, 12)
	for _, k := range []uint64{10, 20, 30} {
		require.Equal(t, Success, tt.insert(t, k))
	}

	flag, err := Run(&Request{
		Tree: tt.td, Cache: tt.c, Tx: nil,
		Op: OpIterate, Key: key(5), Dir: DirPrev,
		Cb: func(rec nodeformat.Record, f ResultFlag) error { return nil },
		KeySize: 8, ValSize: 8,
	})
	require.NoError(t, err)
	assert.Equal(t, Boundary, flag)

	var got []byte
	flag, err = Run(&Request{
		Tree: tt.td, Cache: tt.c, Tx: nil,
		Op: OpIterate, Key: key(20), Dir: DirNext,
		Cb: func(rec nodeformat.Record, f ResultFlag) error {
			if f == Success {
				got = append([]byte(nil), rec.Key...)
			}
			return nil
		},
		KeySize: 8, ValSize: 8,
	})
	require.NoError(t, err)
	assert.Equal(t, Success, flag)
	assert.Equal(t, key(20), got)
}

// insertErr is insert for use off the test goroutine, where require
// must not be called.
func (tt *testTree) insertErr(k uint64) error {
	v := key(k)
	_, err := Run(&Request{
		Tree: tt.td, Cache: tt.c, Tx: nil,
		Op: OpInsert, Key: key(k),
		Cb: func(rec nodeformat.Record, f ResultFlag) error {
			if f == Success {
				copy(rec.Val, v)
			}
			return nil
		},
		KeySize: 8, ValSize: 8,
	})
	return err
}

func (tt *testTree) deleteErr(k uint64) error {
	_, err := Run(&Request{
		Tree: tt.td, Cache: tt.c, Tx: nil,
		Op: OpDelete, Key: key(k),
		Cb: func(rec nodeformat.Record, f ResultFlag) error { return nil },
		KeySize: 8, ValSize: 8,
	})
	return err
}

// TestIterateAcrossLeaves walks a multi-leaf tree one record at a time,
// which forces the sibling descent whenever the walk steps past a
// leaf's last record.
func TestIterateAcrossLeaves(t *testing.T) {
	tt := newTestTree(t, 9)
	const n = 60
	for k := uint64(0); k < n; k++ {
		require.Equal(t, Success, tt.insert(t, k))
	}
	require.Greater(t, tt.td.Height(), uint32(1))

	var visited []uint64
	from := key(0)
	for {
		var gotKey []byte
		flag, err := Run(&Request{
			Tree: tt.td, Cache: tt.c, Tx: nil,
			Op: OpIterate, Key: from, Dir: DirNext,
			Cb: func(rec nodeformat.Record, f ResultFlag) error {
				if f == Success {
					gotKey = append([]byte(nil), rec.Key...)
				}
				return nil
			},
			KeySize: 8, ValSize: 8,
		})
		require.NoError(t, err)
		if flag == Boundary {
			break
		}
		require.Equal(t, Success, flag)
		k := binary.BigEndian.Uint64(gotKey)
		visited = append(visited, k)
		from = key(k + 1)
	}
	require.Len(t, visited, n)
	for i, k := range visited {
		assert.Equal(t, uint64(i), k)
	}

	// And backwards from past the maximum.
	var prev []uint64
	from = key(n + 100)
	for {
		var gotKey []byte
		flag, err := Run(&Request{
			Tree: tt.td, Cache: tt.c, Tx: nil,
			Op: OpIterate, Key: from, Dir: DirPrev,
			Cb: func(rec nodeformat.Record, f ResultFlag) error {
				if f == Success {
					gotKey = append([]byte(nil), rec.Key...)
				}
				return nil
			},
			KeySize: 8, ValSize: 8,
		})
		require.NoError(t, err)
		if flag == Boundary {
			break
		}
		k := binary.BigEndian.Uint64(gotKey)
		prev = append(prev, k)
		from = key(k)
	}
	require.Len(t, prev, n)
	assert.Equal(t, uint64(n-1), prev[0])
	assert.Equal(t, uint64(0), prev[n-1])
}

// TestCallbackErrorUndoesInsert covers the undo path: a failing
// callback must leave the tree exactly as it was.
func TestCallbackErrorUndoesInsert(t *testing.T) {
	tt := newTestTree(t, 12)
	require.Equal(t, Success, tt.insert(t, 1))

	boom := errors.New("boom")
	_, err := Run(&Request{
		Tree: tt.td, Cache: tt.c, Tx: nil,
		Op: OpInsert, Key: key(2),
		Cb: func(rec nodeformat.Record, f ResultFlag) error {
			return boom
		},
		KeySize: 8, ValSize: 8,
	})
	require.ErrorIs(t, err, ErrCallback)

	flag, _ := tt.lookup(t, 2)
	assert.Equal(t, KeyNotFound, flag)
	flag, got := tt.lookup(t, 1)
	assert.Equal(t, Success, flag)
	assert.Equal(t, key(1), got)
}

// TestConcurrentChurn checks quiescence: several goroutines each
// insert a disjoint key range and then delete it; the tree must end up
// empty, one level tall.
func TestConcurrentChurn(t *testing.T) {
	defer leaktest.Check(t)()
	tt := newTestTree(t, 9)

	const (
		workers = 4
		perW    = 50
	)
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			base := uint64(w * perW)
			for k := base; k < base+perW; k++ {
				if err := tt.insertErr(k); err != nil {
					errs <- err
					return
				}
			}
			for k := base; k < base+perW; k++ {
				if err := tt.deleteErr(k); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, uint32(1), tt.td.Height())
	for k := uint64(0); k < workers*perW; k++ {
		flag, _ := tt.lookup(t, k)
		require.Equal(t, KeyNotFound, flag, "key %d should be gone", k)
	}
}
