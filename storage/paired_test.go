package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func disposableLogPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ship.log")
}

func TestShipLogCompactsShippedEntriesOnReopen(t *testing.T) {
	path := disposableLogPath(t)
	l, err := newShipLog(path)
	require.NoError(t, err)

	k1 := NewKey("0123456789abcdef", 1)
	k2 := NewKey("0123456789abcdef", 2)
	require.NoError(t, l.add(k1))
	require.NoError(t, l.add(k2))
	require.NoError(t, l.mark(chunkShipped, 0))
	l.close()

	l2, err := newShipLog(path)
	require.NoError(t, err)
	defer l2.close()

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(shipLineLength), fi.Size(), "compaction should have dropped the shipped entry, keeping only the pending one")

	line := make([]byte, shipLineLength)
	l2.next(line)
	assert.Equal(t, byte(chunkPending), line[0])
	assert.Equal(t, k2, Key(line[1:1+KeyLength]))
}

func TestPairedGetPutFastStore(t *testing.T) {
	fast := &InMemory{}
	p, err := NewPaired(fast, NullStore{}, disposableLogPath(t))
	require.NoError(t, err)

	k := NewKey("0123456789abcdef", 1)
	v := Value("hello")
	require.NoError(t, p.Put(k, v))

	got, err := p.Get(k)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestPairedPutWithoutLogIsReadOnly(t *testing.T) {
	p, err := NewPaired(&InMemory{}, NullStore{}, "")
	require.NoError(t, err)

	k := NewKey("0123456789abcdef", 1)
	assert.ErrorIs(t, p.Put(k, Value("x")), ErrReadOnly)
}

func TestPairedGetReWarmsFastFromSlow(t *testing.T) {
	fast := &InMemory{}
	slow := &InMemory{}
	p, err := NewPaired(fast, slow, disposableLogPath(t))
	require.NoError(t, err)

	k := NewKey("0123456789abcdef", 1)
	v := Value("from slow")
	require.NoError(t, slow.Put(k, v))

	got, err := p.Get(k)
	require.NoError(t, err)
	assert.Equal(t, v, got)

	// The value should now also be cached in the fast store.
	cached, err := fast.Get(k)
	require.NoError(t, err)
	assert.Equal(t, v, cached)
}

func TestPairedGetSurvivesFastStoreWriteFailure(t *testing.T) {
	fast := storeFuncs{
		get: func(Key) (Value, error) { return nil, ErrNotFound },
		put: func(Key, Value) error { return errors.New("fast store unavailable") },
	}
	slow := &InMemory{}
	p, err := NewPaired(fast, slow, disposableLogPath(t))
	require.NoError(t, err)

	k := NewKey("0123456789abcdef", 1)
	v := Value("from slow")
	require.NoError(t, slow.Put(k, v))

	got, err := p.Get(k)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestPairedPutShipsToSlowStoreEventually(t *testing.T) {
	fast := &InMemory{}
	slow := &InMemory{}
	p, err := NewPaired(fast, slow, disposableLogPath(t))
	require.NoError(t, err)
	p.retryInterval = time.Millisecond

	k := NewKey("0123456789abcdef", 1)
	v := Value("eventually durable")
	require.NoError(t, p.Put(k, v))

	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if got, err := slow.Get(k); err == nil {
				assert.Equal(t, v, got)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the shipper to reach the slow store")
		}
	}
}
