package segtree

import (
	"encoding/binary"
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/nicolagi/segtree/config"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := &config.C{
		NodeShift:    9, // 512-byte nodes, to exercise splitting with a handful of keys.
		TreePoolSize: 4,
		LRUCapacity:  64,
	}
	e, err := OpenWithConfig(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func u64(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func TestTreePutGetDelete(t *testing.T) {
	e := newTestEngine(t)
	tr, err := e.CreateTree(1, 8, 8)
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Put(u64(1), u64(100)))
	require.NoError(t, tr.Put(u64(2), u64(200)))
	require.ErrorIs(t, tr.Put(u64(1), u64(999)), ErrKeyExists)

	v, err := tr.Get(u64(1))
	require.NoError(t, err)
	assert.Equal(t, u64(100), v)

	require.NoError(t, tr.Delete(u64(1)))
	_, err = tr.Get(u64(1))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestTreeSplitsAndSurvivesManyInserts(t *testing.T) {
	e := newTestEngine(t)
	tr, err := e.CreateTree(1, 8, 8)
	require.NoError(t, err)
	defer tr.Close()

	const n = 80
	for k := uint64(0); k < n; k++ {
		require.NoError(t, tr.Put(u64(k), u64(k*10)))
	}
	stats := tr.Stats()
	assert.Greater(t, stats.Height, uint32(1))

	for k := uint64(0); k < n; k++ {
		v, err := tr.Get(u64(k))
		require.NoError(t, err)
		assert.Equal(t, u64(k*10), v)
	}
}

func TestTreeIterate(t *testing.T) {
	e := newTestEngine(t)
	tr, err := e.CreateTree(1, 8, 8)
	require.NoError(t, err)
	defer tr.Close()

	for _, k := range []uint64{10, 20, 30} {
		require.NoError(t, tr.Put(u64(k), u64(k)))
	}

	_, _, err = tr.Iterate(u64(5), DirPrev)
	assert.ErrorIs(t, err, ErrBoundary)

	k, v, err := tr.Iterate(u64(20), DirNext)
	require.NoError(t, err)
	assert.Equal(t, u64(20), k)
	assert.Equal(t, u64(20), v)
}

func TestTreeRejectsWrongValueSize(t *testing.T) {
	e := newTestEngine(t)
	tr, err := e.CreateTree(1, 8, 8)
	require.NoError(t, err)
	defer tr.Close()

	err = tr.Put(u64(1), []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestOpenTreeReopensByRootAddr(t *testing.T) {
	e := newTestEngine(t)
	tr, err := e.CreateTree(7, 8, 8)
	require.NoError(t, err)
	require.NoError(t, tr.Put(u64(1), u64(100)))
	root := tr.RootAddr()
	tr.Close()

	reopened, err := e.OpenTree(root, 8, 8)
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Get(u64(1))
	require.NoError(t, err)
	assert.Equal(t, u64(100), v)
}

func TestDestroyTreeRequiresEmptyRoot(t *testing.T) {
	e := newTestEngine(t)
	tr, err := e.CreateTree(9, 8, 8)
	require.NoError(t, err)
	require.NoError(t, tr.Put(u64(1), u64(1)))

	assert.Error(t, e.DestroyTree(tr))

	require.NoError(t, tr.Delete(u64(1)))
	require.NoError(t, e.DestroyTree(tr))
}

func TestCursorWalksInOrder(t *testing.T) {
	e := newTestEngine(t)
	tr, err := e.CreateTree(1, 8, 8)
	require.NoError(t, err)
	defer tr.Close()

	for _, k := range []uint64{5, 1, 3, 2, 4} {
		require.NoError(t, tr.Put(u64(k), u64(k)))
	}

	c := tr.Cursor(u64(0), DirNext)
	var got []uint64
	for {
		k, _, err := c.Next()
		if err != nil {
			assert.ErrorIs(t, err, ErrBoundary)
			break
		}
		got = append(got, binary.BigEndian.Uint64(k))
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got)
}

// TestCursorWalksAcrossLeaves checks the ordered-walk guarantee over a
// tree tall enough that the walk crosses leaf and internal-node
// boundaries.
func TestCursorWalksAcrossLeaves(t *testing.T) {
	e := newTestEngine(t)
	tr, err := e.CreateTree(1, 8, 8)
	require.NoError(t, err)
	defer tr.Close()

	const n = 700
	for k := uint64(0); k < n; k++ {
		require.NoError(t, tr.Put(u64(k), u64(k)))
	}
	require.GreaterOrEqual(t, tr.Stats().Height, uint32(3), "test assumes the walk crosses internal-node boundaries")

	c := tr.Cursor(u64(0), DirNext)
	var count uint64
	for {
		k, v, err := c.Next()
		if err != nil {
			require.ErrorIs(t, err, ErrBoundary)
			break
		}
		require.Equal(t, u64(count), k)
		require.Equal(t, u64(count), v)
		count++
	}
	assert.Equal(t, uint64(n), count)
}

// TestConcurrentPutGetDelete runs interleaved operations over disjoint
// key ranges from several goroutines; afterwards the surviving key set
// must be exactly the keys that were put and not deleted.
func TestConcurrentPutGetDelete(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEngine(t)
	tr, err := e.CreateTree(1, 8, 8)
	require.NoError(t, err)
	defer tr.Close()

	const (
		workers = 4
		perW    = 40
	)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			base := uint64(w * perW)
			for k := base; k < base+perW; k++ {
				if err := tr.Put(u64(k), u64(k)); err != nil {
					return err
				}
			}
			for k := base; k < base+perW; k++ {
				if _, err := tr.Get(u64(k)); err != nil {
					return err
				}
			}
			// Every worker deletes the odd half of its range.
			for k := base + 1; k < base+perW; k += 2 {
				if err := tr.Delete(u64(k)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for k := uint64(0); k < workers*perW; k++ {
		v, err := tr.Get(u64(k))
		if k%2 == 0 {
			require.NoError(t, err, "key %d should have survived", k)
			assert.Equal(t, u64(k), v)
		} else {
			require.ErrorIs(t, err, ErrKeyNotFound, "key %d should have been deleted", k)
		}
	}
}

func TestGetNearestSlantsToUpperKey(t *testing.T) {
	e := newTestEngine(t)
	tr, err := e.CreateTree(1, 8, 8)
	require.NoError(t, err)
	defer tr.Close()

	for _, k := range []uint64{10, 20, 30} {
		require.NoError(t, tr.Put(u64(k), u64(k*2)))
	}

	k, v, err := tr.GetNearest(u64(15))
	require.NoError(t, err)
	assert.Equal(t, u64(20), k)
	assert.Equal(t, u64(40), v)

	k, _, err = tr.GetNearest(u64(20))
	require.NoError(t, err)
	assert.Equal(t, u64(20), k)

	_, _, err = tr.GetNearest(u64(31))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestLRUPurgeEvictsIdleDescriptors(t *testing.T) {
	e := newTestEngine(t)
	tr, err := e.CreateTree(1, 8, 8)
	require.NoError(t, err)
	defer tr.Close()

	const n = 80 // enough to split into several nodes.
	for k := uint64(0); k < n; k++ {
		require.NoError(t, tr.Put(u64(k), u64(k)))
	}

	evicted := e.LRUPurge(4)
	assert.Greater(t, evicted, 0, "a quiescent split tree should have idle descriptors to evict")

	// Evicted nodes must be transparently reloaded on the next descent.
	for k := uint64(0); k < n; k++ {
		v, err := tr.Get(u64(k))
		require.NoError(t, err)
		assert.Equal(t, u64(k), v)
	}
}
