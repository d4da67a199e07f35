package malloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlocksizesMonotoneAndBounded(t *testing.T) {
	sizes := Blocksizes(32, 1024*1024)
	require.True(t, len(sizes) > 1)
	require.Equal(t, int64(32), sizes[0])
	require.Equal(t, int64(1024*1024), sizes[len(sizes)-1])
	for i := 1; i < len(sizes); i++ {
		require.Greater(t, sizes[i], sizes[i-1], "size classes must be strictly increasing")
		require.Zero(t, sizes[i]%Sizeinterval, "every class must be a multiple of Sizeinterval")
	}
}

func TestBlocksizesPanicsOnBadRange(t *testing.T) {
	require.Panics(t, func() { Blocksizes(1024, 32) })
	require.Panics(t, func() { Blocksizes(33, 1024) })
}

func TestSizeTableClassify(t *testing.T) {
	table := newSizeTable(32, 1024*1024)
	for _, n := range []int64{1, 32, 33, 1000, 65536, 1024 * 1024} {
		class := table.Classify(n)
		rep := table.Representative(class)
		require.GreaterOrEqual(t, rep, n, "representative(classify(n)) must be >= n")
		if class > 0 {
			require.Less(t, table.Representative(class-1), n,
				"classify should pick the smallest suitable class")
		}
	}
}

func TestSizeTableClassifyPanicsAboveMaxblock(t *testing.T) {
	table := newSizeTable(32, 1024)
	require.Panics(t, func() { table.Classify(1025) })
}
