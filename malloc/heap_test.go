package malloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	cfg := Defaultsettings(32, 64*1024)
	cfg.Settings["superpagesize"] = int64(256 * 1024)
	return NewAllocator(cfg, fakeProvider{})
}

func TestHeapAllocateSmallRoundTrip(t *testing.T) {
	a := newTestAllocator(t)
	h := NewHeap(a)
	defer h.Close()

	ptr := h.Allocate(48)
	require.NotNil(t, ptr)
	require.GreaterOrEqual(t, h.UsableSize(ptr), int64(48))

	(*[48]byte)(ptr)[0] = 0xAB
	h.Release(ptr)
}

func TestHeapAllocateMedium(t *testing.T) {
	a := newTestAllocator(t)
	h := NewHeap(a)
	defer h.Close()

	ptr := h.Allocate(80 * 1024) // above maxblock(64KiB), below superpagesize/2
	require.NotNil(t, ptr)
	require.GreaterOrEqual(t, h.UsableSize(ptr), int64(80*1024))
	h.Release(ptr)
}

func TestHeapAllocateLarge(t *testing.T) {
	a := newTestAllocator(t)
	h := NewHeap(a)
	defer h.Close()

	ptr := h.Allocate(200 * 1024) // above superpagesize/2
	require.NotNil(t, ptr)
	require.Equal(t, int64(200*1024), h.UsableSize(ptr))
	h.Release(ptr)
}

func TestHeapManySmallAllocationsReuseSlots(t *testing.T) {
	a := newTestAllocator(t)
	h := NewHeap(a)
	defer h.Close()

	seen := map[unsafe.Pointer]bool{}
	for i := 0; i < 4096; i++ {
		ptr := h.Allocate(40)
		require.NotNil(t, ptr)
		require.False(t, seen[ptr], "must never hand out the same live slot twice")
		seen[ptr] = true
		h.Release(ptr)
		delete(seen, ptr)
	}
}

func TestHeapReallocateGrowsAndPreservesPrefix(t *testing.T) {
	a := newTestAllocator(t)
	h := NewHeap(a)
	defer h.Close()

	ptr := h.Allocate(32)
	require.NotNil(t, ptr)
	buf := (*[32]byte)(ptr)
	for i := range buf {
		buf[i] = byte(i)
	}

	grown := h.Reallocate(ptr, 4096)
	require.NotNil(t, grown)
	out := (*[32]byte)(grown)
	for i := range out {
		require.Equal(t, byte(i), out[i])
	}
	h.Release(grown)
}

func TestHeapReallocateToZeroReleases(t *testing.T) {
	a := newTestAllocator(t)
	h := NewHeap(a)
	defer h.Close()

	ptr := h.Allocate(64)
	require.NotNil(t, ptr)
	require.Nil(t, h.Reallocate(ptr, 0))
}

func TestHeapCrossHeapRemoteFree(t *testing.T) {
	a := newTestAllocator(t)
	producer := NewHeap(a)
	consumer := NewHeap(a)
	defer producer.Close()
	defer consumer.Close()

	ptr := producer.Allocate(40)
	require.NotNil(t, ptr)

	// Freed from a different Heap than the one that allocated it: must take
	// the lock-free remote-free path instead of corrupting producer's local
	// free list.
	consumer.Release(ptr)

	// The pending remote free only becomes visible to producer once it
	// services this size class again.
	ptr2 := producer.Allocate(40)
	require.NotNil(t, ptr2)
}

// TestHeapCrossHeapMediumFree exercises a medium object mapped by one Heap
// and released from another: the buddy merge must run under the mapping
// Heap's spMu, not the releasing Heap's, or the two Heaps' superpage
// bookkeeping races (spec.md §5).
func TestHeapCrossHeapMediumFree(t *testing.T) {
	a := newTestAllocator(t)
	producer := NewHeap(a)
	consumer := NewHeap(a)
	defer producer.Close()
	defer consumer.Close()

	ptr := producer.Allocate(80 * 1024)
	require.NotNil(t, ptr)

	consumer.Release(ptr)

	// producer's superpage coalesced back to fully free and was unmapped;
	// a fresh medium allocation from producer must still succeed by mapping
	// a new superpage.
	ptr2 := producer.Allocate(80 * 1024)
	require.NotNil(t, ptr2)
}

// TestHeapCloseOrphansLivePageblocksForAdoption drains a pageblock down to
// numFreeObjects==0 (every slot handed out, none released) so that
// Heap.Close's "!pb.orphan()" branch (heap.go:432) actually fires instead of
// the numFreeObjects>0 partial-list branch, then releases one of the still-
// live objects from a second Heap to force Heap.releaseSmall's orphanOwner
// case into Heap.adoptPageblock end to end.
func TestHeapCloseOrphansLivePageblocksForAdoption(t *testing.T) {
	// A tiny superpagesize forces computePageblockSize to clamp the
	// pageblock serving size-40 objects down to a single page, keeping the
	// number of slots to drain small enough for a tight loop below.
	cfg := Defaultsettings(32, 64*1024)
	cfg.Settings["superpagesize"] = int64(2 * PageSize)
	a := NewAllocator(cfg, fakeProvider{})
	h1 := NewHeap(a)

	ptr := h1.Allocate(40)
	require.NotNil(t, ptr)
	rec := a.index.lookup(ptr)
	require.Equal(t, kindSmall, rec.kind)
	pb := rec.pageblock

	live := []unsafe.Pointer{ptr}
	for pb.numFreeObjects > 0 {
		p := h1.Allocate(40)
		require.NotNil(t, p)
		live = append(live, p)
	}
	require.Zero(t, pb.numFreeObjects, "every slot must be handed out before Close")

	h1.Close()
	require.Equal(t, orphanOwner, pb.owner(),
		"a fully-allocated pageblock with no pending garbage must be orphaned on Close, not left owned by the closed heap")

	h2 := NewHeap(a)
	defer h2.Close()

	h2.Release(live[0])
	require.Equal(t, h2.id, pb.owner(), "adoptPageblock must claim the orphaned pageblock for the releasing heap")

	for _, p := range live[1:] {
		h2.Release(p)
	}
}
