package segaddr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRoundTrip(t *testing.T) {
	cases := []struct {
		ptr   uint64
		shift int
	}{
		{0, 9},
		{512, 9},
		{4096, 12},
		{1 << 30, 20},
		{0, 24},
	}
	for _, c := range cases {
		sa := Build(c.ptr, c.shift)
		assert.Equal(t, c.ptr, sa.Addr())
		assert.Equal(t, c.shift, sa.Shift())
		assert.True(t, sa.IsValid())
	}
}

func TestBuildPanicsOnBadShift(t *testing.T) {
	assert.Panics(t, func() { Build(0, 8) })
	assert.Panics(t, func() { Build(0, 25) })
}

func TestBuildPanicsOnMisalignedOffset(t *testing.T) {
	assert.Panics(t, func() { Build(511, 12) })
}

func TestIsValidRejectsReservedBits(t *testing.T) {
	sa := Build(4096, 12)
	require.True(t, sa.IsValid())
	tampered := sa | 1<<60
	assert.False(t, tampered.IsValid())
	tampered = sa | 1<<5
	assert.False(t, tampered.IsValid())
}

func TestInSegment(t *testing.T) {
	sa := Build(0, 12) // 4096-byte node at offset 0
	assert.True(t, sa.InSegment(4096))
	assert.False(t, sa.InSegment(4095))
	assert.True(t, sa.InSegment(8192))

	far := Build(1<<20, 12)
	assert.False(t, far.InSegment(1<<19))
}

func TestSize(t *testing.T) {
	assert.Equal(t, int64(512), Build(0, 9).Size())
	assert.Equal(t, int64(1<<24), Build(0, 24).Size())
}
