package malloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestRadixRegisterLookupRoundTrip(t *testing.T) {
	idx := newRadixIndex()
	pb := &pageblock{objectSize: 64}

	page := uint64(12345)
	idx.registerSmall(page, 3, pb)

	for off := uint64(0); off < 3; off++ {
		ptr := unsafe.Pointer(uintptr((page + off) << uint(radixPageBits)))
		rec := idx.lookup(ptr)
		require.Equal(t, kindSmall, rec.kind)
		require.Same(t, pb, rec.pageblock)
	}
}

func TestRadixRegisterMediumAndLarge(t *testing.T) {
	idx := newRadixIndex()
	sp := &superpage{}

	mediumPage := uint64(99)
	idx.registerMedium(mediumPage, 1, sp, 2)
	rec := idx.lookup(unsafe.Pointer(uintptr(mediumPage << uint(radixPageBits))))
	require.Equal(t, kindMedium, rec.kind)
	require.Same(t, sp, rec.owner)
	require.Equal(t, uint32(2), rec.logPages)

	largePage := uint64(777)
	idx.registerLarge(largePage, 1, 4*uint64(PageSize))
	rec = idx.lookup(unsafe.Pointer(uintptr(largePage << uint(radixPageBits))))
	require.Equal(t, kindLarge, rec.kind)
	require.Equal(t, 4*uint64(PageSize), rec.largeBytes)
}

func TestSplitPageRoundTrips(t *testing.T) {
	for _, page := range []uint64{0, 1, 12345, 1 << 20, 1<<40 - 1} {
		l1, l2, l3 := splitPage(page)
		require.Less(t, l1, uint64(radixInteriorSize)+1)
		require.Less(t, l2, uint64(radixInteriorSize))
		require.Less(t, l3, uint64(radixLeafSize))
		require.Equal(t, page, l1<<uint(radixInteriorBits+radixLeafBits)|l2<<uint(radixLeafBits)|l3)
	}
}
