package malloc

import (
	"math/bits"
	"unsafe"
)

// Per-superpage buddy allocator: order free lists plus one bitmap bit per
// buddy pair, tracking which half of each pair is currently free, and a
// largestFreeOrder fast-path hint. Grounded directly on streamflow.c's
// buddy_alloc/buddy_free/find_buddy/find_index/find_bit_index.
type buddyOrder struct {
	free   dlist
	bitmap []byte
}

type buddyAllocator struct {
	base     unsafe.Pointer // start of the superpage's page pool
	orderMax int            // superpage size, in pages, is 1 << orderMax
	orders   []buddyOrder

	// largestFreeOrder is the highest order with a nonempty free list, or
	// orderMax+1 ("noneFreeOrder") once the superpage is fully allocated.
	largestFreeOrder int
}

// noneFreeOrder sentinel, matching streamflow.c's "largest_free_order >
// BUDDY_ORDER_MAX means nothing is free" check.
func (b *buddyAllocator) noneFreeOrder() int { return b.orderMax + 1 }

// maxBitmapBytes is the largest single order's bitmap size for a superpage
// with 2^orderMax pages (order 0's, the widest). bitmapPool is sized to
// this so every order's bitmap can be carved from the same pool.
func maxBitmapBytes(orderMax int) int64 {
	nbits := 1 << uint(orderMax-1)
	return int64((nbits + 7) / 8)
}

// newBuddyAllocator carves a fresh buddy allocator over a superpage's page
// pool of 2^orderMax pages, starting fully free (one chunk at the top
// order), matching supermap's "stick the entire superpage into the buddy
// scheme" initialization.
//
// orders 0..orderMax-1 have a buddy (and so need a bitmap bit per pair);
// order orderMax is the whole superpage itself, unpaired, exactly
// streamflow.h's BUDDY_ORDER_MAX = log2(total_pages)+1 — one order higher
// than orderMax's own log2(total_pages). orders must therefore hold
// orderMax+1 entries, not orderMax: sizing it orderMax discards the top
// half of every superpage's capacity, since the seed chunk inserted at
// orders[orderMax-1] would only ever span 2^(orderMax-1) of the
// superpage's 2^orderMax pages.
//
// Each order's bitmap is byte-slice, pointer-free memory, so unlike the
// pageblock/superpage headers themselves it is safe to carve from a
// quickie pool instead of the Go heap (streamflow.c packs every order's
// bitmap into one contiguous superpage_t.bitmaps array carved the same
// way, via supermap's single page_alloc(SUPERPAGE_SIZE)).
func newBuddyAllocator(base unsafe.Pointer, orderMax int, bitmapPool *quickie) *buddyAllocator {
	b := &buddyAllocator{base: base, orderMax: orderMax, orders: make([]buddyOrder, orderMax+1)}
	for order := 0; order < orderMax; order++ {
		// One bit per buddy pair at this order: 2^(orderMax-order-1) pairs.
		nbits := 1 << uint(orderMax-order-1)
		needed := (nbits + 7) / 8
		ptr := bitmapPool.alloc()
		if ptr == nil {
			abort("buddy: out of memory allocating bitmap")
		}
		b.orders[order].bitmap = unsafe.Slice((*byte)(ptr), bitmapPool.objectSize)[:needed]
	}
	b.orders[orderMax].free.insertFront(chunkAt(base, 0))
	b.largestFreeOrder = orderMax
	return b
}

func findIndex(base unsafe.Pointer, n *chunkNode, order int) int {
	return int(chunkOffset(base, n) / (uintptr(PageSize) * (1 << uint(order))))
}

func findBuddy(base unsafe.Pointer, n *chunkNode, order int) *chunkNode {
	i := findIndex(base, n, order)
	size := uintptr(1<<uint(order)) * uintptr(PageSize)
	off := chunkOffset(base, n)
	if i%2 == 0 {
		return chunkAt(base, off+size)
	}
	return chunkAt(base, off-size)
}

// findBitIndex: the even buddy of a pair owns the canonical bit location,
// so both members of a pair resolve to the same bit.
func findBitIndex(base unsafe.Pointer, n *chunkNode, order int) int {
	return findIndex(base, n, order) >> 1
}

func testAndChangeBit(bitmap []byte, idx int) bool {
	byteIdx, bitIdx := idx/8, uint(idx%8)
	old := bitmap[byteIdx]&(1<<bitIdx) != 0
	bitmap[byteIdx] ^= 1 << bitIdx
	return old
}

func changeBit(bitmap []byte, idx int) {
	byteIdx, bitIdx := idx/8, uint(idx%8)
	bitmap[byteIdx] ^= 1 << bitIdx
}

// quickLog2 mirrors streamflow.c's quick_log2: size is always a power of
// two here (a page count), so this is exact.
func quickLog2(size int) int {
	return bits.Len(uint(size)) - 1
}

// alloc reserves npages (a power of two) worth of chunks, splitting a
// higher-order chunk if none of the exact requested order is free.
// Returns nil if the superpage has no chunk large enough.
func (b *buddyAllocator) alloc(npages int) *chunkNode {
	order := quickLog2(npages)
	var chunk *chunkNode
	currOrder := order
	for ; currOrder <= b.orderMax; currOrder++ {
		if !b.orders[currOrder].free.empty() {
			chunk = b.orders[currOrder].free.head
			b.orders[currOrder].free.remove(chunk)
			// order == orderMax is the whole-superpage chunk: unpaired, so
			// there is no bit for it to flip.
			if currOrder < b.orderMax {
				changeBit(b.orders[currOrder].bitmap, findBitIndex(b.base, chunk, currOrder))
			}
			break
		}
	}
	if chunk == nil {
		return nil
	}

	size := 1 << uint(currOrder)
	for currOrder > order {
		currOrder--
		size >>= 1
		buddy := chunkAt(b.base, chunkOffset(b.base, chunk)+uintptr(size)*uintptr(PageSize))
		b.orders[currOrder].free.insertFront(chunk)
		changeBit(b.orders[currOrder].bitmap, findBitIndex(b.base, chunk, currOrder))
		chunk = buddy
	}

	if b.orders[b.largestFreeOrder].free.empty() {
		b.recomputeLargestFreeOrder()
	}
	return chunk
}

func (b *buddyAllocator) recomputeLargestFreeOrder() {
	for sorder := b.largestFreeOrder - 1; sorder >= 0; sorder-- {
		if !b.orders[sorder].free.empty() {
			b.largestFreeOrder = sorder
			return
		}
	}
	b.largestFreeOrder = b.noneFreeOrder()
}

// free returns npages (a power of two) worth of chunks starting at chunk,
// merging with the buddy at each order while the buddy is also free.
// Returns true if the whole superpage coalesced back to one free chunk
// (the caller may then return the superpage to its PageProvider).
func (b *buddyAllocator) free(chunk *chunkNode, npages int) (wholeSuperpageFree bool) {
	order := quickLog2(npages)
	currOrder := order
	for ; currOrder < b.orderMax; currOrder++ {
		if !testAndChangeBit(b.orders[currOrder].bitmap, findBitIndex(b.base, chunk, currOrder)) {
			break
		}
		buddy := findBuddy(b.base, chunk, currOrder)
		b.orders[currOrder].free.remove(buddy)
		if findIndex(b.base, chunk, currOrder)%2 != 0 {
			chunk = buddy
		}
	}

	// currOrder's buddy was not free (partial merge) or currOrder has
	// reached b.orderMax (merged all the way back to the whole superpage,
	// which has no buddy to test). Either way thread the surviving chunk
	// onto currOrder's free list and update largestFreeOrder before
	// reporting whether this was a whole-superpage merge — keeping this
	// bookkeeping correct even in the whole-superpage case, even though the
	// caller (superpage.free) is about to tear the superpage down anyway.
	b.orders[currOrder].free.insertFront(chunk)
	if currOrder > b.largestFreeOrder || b.largestFreeOrder > b.orderMax {
		b.largestFreeOrder = currOrder
	}
	return currOrder == b.orderMax
}
