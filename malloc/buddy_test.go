package malloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func newTestBuddy(t *testing.T, orderMax int) *buddyAllocator {
	t.Helper()
	provider := fakeProvider{}
	base := provider.AcquirePages(int64(1<<uint(orderMax)) * PageSize)
	require.NotNil(t, base)
	pool := newQuickie(provider, maxBitmapBytes(orderMax))
	return newBuddyAllocator(unsafe.Pointer(&base[0]), orderMax, pool)
}

func TestBuddyAllocStartsFullyFree(t *testing.T) {
	b := newTestBuddy(t, 4) // 16 pages
	require.Equal(t, 4, b.largestFreeOrder)
	require.False(t, b.orders[4].free.empty())
}

func TestBuddyAllocSplitsAndMerges(t *testing.T) {
	b := newTestBuddy(t, 4)

	one := b.alloc(1)
	require.NotNil(t, one)

	two := b.alloc(2)
	require.NotNil(t, two)
	require.NotEqual(t, one, two)

	whole := b.free(two, 2)
	require.False(t, whole)

	whole = b.free(one, 1)
	require.True(t, whole, "freeing the last outstanding chunk should coalesce back to one free region")
	require.Equal(t, b.orderMax, b.largestFreeOrder)
}

func TestBuddyAllocExhaustion(t *testing.T) {
	b := newTestBuddy(t, 2) // 4 pages
	chunks := []*chunkNode{}
	for i := 0; i < 4; i++ {
		c := b.alloc(1)
		require.NotNil(t, c, "allocation %d of 4 should succeed", i)
		chunks = append(chunks, c)
	}
	require.Nil(t, b.alloc(1), "superpage is exhausted, alloc must fail")

	for i, c := range chunks {
		last := i == len(chunks)-1
		whole := b.free(c, 1)
		require.Equal(t, last, whole)
	}
}

func TestFindBuddyIsInvolution(t *testing.T) {
	provider := fakeProvider{}
	base := provider.AcquirePages(8 * PageSize)
	basePtr := unsafe.Pointer(&base[0])
	chunk := chunkAt(basePtr, uintptr(PageSize))
	buddy := findBuddy(basePtr, chunk, 0)
	back := findBuddy(basePtr, buddy, 0)
	require.Equal(t, chunk, back)
}
