package malloc

import (
	"sync"
	"unsafe"
)

// Heap is the Go-shaped stand-in for streamflow.c's thread-local heap_t:
// one per goroutine/worker that wants its own lock-free fast path, created
// with NewHeap and released with Close. Every Heap shares its parent
// Allocator's metadata index and global pageblock lists (spec.md §4.2,
// §4.4), but owns its active pageblock lists, inactive cache and superpage
// pool privately.
type Heap struct {
	a  *Allocator
	id uint32

	// active[class] is the pageblock currently being carved for size class
	// class, at the head of a short list of other pageblocks this heap has
	// touched for that class (streamflow.c's heap_t.active_pageblocks[]).
	active []pbList

	// inactive[sizeIndex] caches up to maxprivateinactive completely empty
	// pageblocks of that pageblock-byte-size, avoiding a trip through the
	// global free list on every churn (streamflow.c's inactive_pageblocks).
	inactive [][]*pageblock

	spMu       sync.Mutex
	superpages spList // this heap's private superpage pool (streamflow.c's heap_t.superpages)

	closed bool
}

// NewHeap creates a Heap bound to a (presumably goroutine-local) worker.
// Call Close when the worker is done to hand this Heap's pageblocks back
// for reuse by others, mirroring streamflow_thread_finalize; its superpages
// stay with it.
func NewHeap(a *Allocator) *Heap {
	h := &Heap{
		a:        a,
		id:       a.nextID(),
		active:   make([]pbList, a.sizes.NumClasses()),
		inactive: make([][]*pageblock, a.pageblockSizeClasses()),
	}
	return h
}

// Allocate returns n usable bytes, dispatching to the small (pageblock),
// medium (superpage buddy chunk) or large (direct PageProvider mapping)
// path by size, matching streamflow.c's malloc() three-way split. Returns
// nil when the PageProvider cannot supply the object's pages or a new
// superpage (spec.md §6); if a new superpage's buddy bitmaps cannot get a
// page from the bitmap pool, it aborts instead.
func (h *Heap) Allocate(n int64) unsafe.Pointer {
	if n <= 0 {
		return nil
	}
	if n <= h.a.largeObjectThreshold() {
		return h.allocateSmall(n)
	}
	if n <= h.a.config.superpagesize()/2 {
		return h.allocateMedium(n)
	}
	return h.allocateLarge(n)
}

// allocateSmall is the pageblock fast path: reuse the active pageblock for
// this size class when it still has free slots, garbage-collecting any
// pending remote frees first, rotating past it when that still leaves
// nothing free (streamflow.c's malloc(): "pageblock != NULL && num_free ==
// 0" branch), and falling back to getFreePageblock otherwise.
func (h *Heap) allocateSmall(n int64) unsafe.Pointer {
	class := h.a.sizes.Classify(n)
	list := &h.active[class]

	if pb := list.head; pb != nil && pb.numFreeObjects == 0 {
		pb.garbageCollect()
		if pb.numFreeObjects == 0 {
			list.rotateBack()
		}
	}

	pb := list.head
	if pb == nil || pb.numFreeObjects == 0 {
		pb = h.getFreePageblock(class)
		if pb == nil {
			return nil
		}
	}

	ptr := pb.alloc()
	if pb.numFreeObjects == 0 {
		list.rotateBack()
	}
	return ptr
}

// getFreePageblock finds or carves a pageblock for class, inserts it at the
// front of this heap's active list for that class and returns it. Checked
// in order: this heap's own inactive cache, the shared global partial list
// (pageblocks other heaps finalized with objects still free), the shared
// global free list (completely empty pageblocks), and finally a fresh carve
// out of superpage memory — mirroring get_free_pageblock's search order.
func (h *Heap) getFreePageblock(class int) *pageblock {
	a := h.a
	objectSize := a.sizes.Representative(class)
	pbSize := a.computePageblockSize(class)
	sizeIndex := a.pageblockSizeIndex(pbSize)

	var pb *pageblock
	if cache := h.inactive[sizeIndex]; len(cache) > 0 {
		pb = cache[len(cache)-1]
		h.inactive[sizeIndex] = cache[:len(cache)-1]
	} else if pb = a.globalPartial[class].pop(); pb != nil {
		// A globalPartial pageblock may still have live objects, so unlike
		// the inactive/globalFree sources (only ever pushed once
		// completely empty) it can carry remote-freed garbage that has to
		// be drained into numFreeObjects/freed before this heap relabels
		// ownership below, or those slots would be stranded for good.
		pb.garbageCollect()
	} else {
		pb = a.globalFree[sizeIndex].pop()
	}

	if pb == nil {
		raw := h.acquireRawChunk(int(pbSize / PageSize))
		if raw == nil {
			return nil
		}
		pb = newPageblock(raw, a.headerBytes, objectSize, h.id, class)
		startPage := pageNumberOf(raw)
		a.index.registerSmall(startPage, int(pbSize/PageSize), pb)
	} else if pb.objectSize != objectSize {
		pb.reset(objectSize, h.id, class)
	} else {
		pb.together.Store(packTogether(h.id, packGarbageHead(0, 0)))
	}

	pb.owningHeap = h
	h.active[class].insertFront(pb)
	return pb
}

// acquireRawChunk carves npages worth of raw memory out of this heap's
// private superpage pool, growing the pool with a fresh superpage from the
// shared PageProvider when none of the existing ones has enough room
// (get_free_superpage's search-then-map fallback). acquireRawChunkFrom
// also returns the superpage the chunk was carved from — callers that need
// to register a medium object use it as the owning superpage.
func (h *Heap) acquireRawChunk(npages int) []byte {
	b, _ := h.acquireRawChunkFrom(npages)
	return b
}

func (h *Heap) acquireRawChunkFrom(npages int) ([]byte, *superpage) {
	h.spMu.Lock()
	defer h.spMu.Unlock()

	for sp := h.superpages.head; sp != nil; sp = sp.listNext {
		if sp.largestFreeChunkPages() >= int64(npages) {
			if ptr := sp.alloc(npages); ptr != nil {
				return unsafe.Slice((*byte)(ptr), int64(npages)*PageSize), sp
			}
		}
	}

	sp := newSuperpage(h.a.provider, h.a.config.superpagesize(), h.a.bitmapPool, h)
	if sp == nil {
		return nil, nil
	}
	h.superpages.insertFront(sp)
	ptr := sp.alloc(npages)
	if ptr == nil {
		return nil, nil
	}
	return unsafe.Slice((*byte)(ptr), int64(npages)*PageSize), sp
}

func pageNumberOf(raw []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&raw[0]))) >> uint(radixPageBits)
}

// pow2PageCount rounds n up to a whole, power-of-two number of pages,
// matching medium_or_large_alloc's "round up to the next power-of-two page
// count" sizing for superpage-buddy-carved chunks.
func pow2PageCount(n int64) (npages int, logPages uint32) {
	pages := int((n + PageSize - 1) / PageSize)
	if pages < 1 {
		pages = 1
	}
	order := quickLog2(pages)
	if 1<<uint(order) < pages {
		order++
	}
	return 1 << uint(order), uint32(order)
}

// allocateMedium carves a power-of-two run of pages straight out of a
// superpage's buddy scheme, bypassing pageblocks entirely (spec.md §3's
// medium object kind). Only the chunk's first page is registered in the
// metadata index, since Release only ever looks up the address it was
// handed and that address always falls on the chunk's first page.
func (h *Heap) allocateMedium(n int64) unsafe.Pointer {
	npages, logPages := pow2PageCount(n)
	raw, sp := h.acquireRawChunkFrom(npages)
	if raw == nil {
		return nil
	}
	startPage := pageNumberOf(raw)
	h.a.index.registerMedium(startPage, 1, sp, logPages)
	return unsafe.Pointer(&raw[0])
}

// allocateLarge maps n bytes (rounded up to a whole page) directly from the
// PageProvider, matching streamflow.c's "size > MAX_OBJECT_SIZE" path that
// skips pageblocks and superpages entirely.
func (h *Heap) allocateLarge(n int64) unsafe.Pointer {
	size := roundupPages(n)
	raw := h.a.provider.AcquirePages(size)
	if raw == nil {
		return nil
	}
	startPage := pageNumberOf(raw)
	h.a.index.registerLarge(startPage, 1, uint64(size))
	return unsafe.Pointer(&raw[0])
}

// AlignedAllocate returns n usable bytes aligned to align, which must be a
// power of two. Alignments up to Alignment are satisfied by the ordinary
// small/medium/large path for free; any stricter alignment forwards to the
// PageProvider directly, since mmap always places a fresh mapping on a
// page boundary, which is sufficient for any align <= PageSize. For align
// beyond PageSize there is no over-map-and-trim scheme: the request
// succeeds only if the fresh mapping happens to land on an align boundary,
// and otherwise returns nil rather than a misaligned pointer.
func (h *Heap) AlignedAllocate(align, n int64) unsafe.Pointer {
	if n <= 0 {
		return nil
	}
	if align <= Alignment {
		return h.Allocate(n)
	}

	size := n
	if size < align {
		size = align
	}
	size = roundupPages(size)

	raw := h.a.provider.AcquirePages(size)
	if raw == nil {
		return nil
	}
	ptr := unsafe.Pointer(&raw[0])
	if uintptr(ptr)%uintptr(align) != 0 {
		h.a.provider.ReleasePages(raw)
		return nil
	}

	startPage := pageNumberOf(raw)
	h.a.index.registerLarge(startPage, 1, uint64(size))
	return ptr
}

// UsableSize reports how many bytes are actually usable at ptr, which must
// be a pointer previously returned by this Allocator's Allocate family and
// not yet Released (spec.md §6's usable_size contract).
func (h *Heap) UsableSize(ptr unsafe.Pointer) int64 {
	if ptr == nil {
		return 0
	}
	rec := h.a.index.lookup(ptr)
	switch rec.kind {
	case kindSmall:
		return rec.pageblock.objectSize
	case kindMedium:
		return (int64(1) << rec.logPages) * PageSize
	case kindLarge:
		return int64(rec.largeBytes)
	}
	return 0
}

// Reallocate resizes the object at ptr to n bytes, preserving the shared
// prefix. A nil ptr behaves as Allocate; n <= 0 behaves as Release. When n
// still lands in the same small-object size class as ptr's current size,
// the pointer is returned unchanged, matching streamflow.c's realloc()
// short-circuit ("compute_size_class(old) == compute_size_class(new)").
func (h *Heap) Reallocate(ptr unsafe.Pointer, n int64) unsafe.Pointer {
	if ptr == nil {
		return h.Allocate(n)
	}
	if n <= 0 {
		h.Release(ptr)
		return nil
	}

	oldSize := h.UsableSize(ptr)
	rec := h.a.index.lookup(ptr)
	if rec.kind == kindSmall && n <= h.a.largeObjectThreshold() {
		if h.a.sizes.Classify(n) == h.a.sizes.Classify(oldSize) {
			return ptr
		}
	}

	newPtr := h.Allocate(n)
	if newPtr == nil {
		return nil
	}
	copySize := oldSize
	if n < copySize {
		copySize = n
	}
	if copySize > 0 {
		copy(unsafe.Slice((*byte)(newPtr), copySize), unsafe.Slice((*byte)(ptr), copySize))
	}
	h.Release(ptr)
	return newPtr
}

// Release returns ptr to its owning pool, taking the lock-free cross-thread
// path (pageblock.remoteFree) when this Heap did not allocate it, matching
// spec.md §4.4's "free() is safe to call from any thread" guarantee.
func (h *Heap) Release(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	a := h.a
	rec := a.index.lookup(ptr)

	switch rec.kind {
	case kindSmall:
		h.releaseSmall(ptr, rec.pageblock)
	case kindMedium:
		h.releaseMedium(ptr, rec.owner, rec.logPages)
	case kindLarge:
		raw := unsafe.Slice((*byte)(ptr), rec.largeBytes)
		a.provider.ReleasePages(raw)
	}
}

func (h *Heap) releaseSmall(ptr unsafe.Pointer, pb *pageblock) {
	owner := pb.owner()
	switch owner {
	case h.id:
		pb.localFree(ptr)
		h.afterLocalFree(pb)
	case orphanOwner:
		h.adoptPageblock(ptr, pb)
	default:
		pb.remoteFree(ptr, func() { h.adoptPageblock(ptr, pb) })
	}
}

// adoptPageblock claims an orphaned pageblock for this heap (adopt_pageblock's
// CAS race: another heap may adopt it first, in which case this free just
// becomes an ordinary remote free against the new owner).
func (h *Heap) adoptPageblock(ptr unsafe.Pointer, pb *pageblock) {
	if !pb.tryOrphanAdopt(h.id) {
		pb.remoteFree(ptr, func() { h.adoptPageblock(ptr, pb) })
		return
	}
	pb.owningHeap = h
	h.active[pb.class].insertFront(pb)
	pb.localFree(ptr)
	h.afterLocalFree(pb)
}

// afterLocalFree mirrors local_free's post-free bookkeeping: a pageblock
// that just became completely empty moves off the active list into this
// heap's inactive cache (or the shared global free list once that cache is
// full); one that still has more than one object free is promoted to the
// front of its active list so the next allocateSmall call finds it first.
func (h *Heap) afterLocalFree(pb *pageblock) {
	list := &h.active[pb.class]

	if pb.full() {
		list.remove(pb)
		pb.owningHeap = nil
		sizeIndex := h.a.pageblockSizeIndex(pb.pageblockSize)
		if int64(len(h.inactive[sizeIndex])) < h.a.config.maxprivateinactive() {
			h.inactive[sizeIndex] = append(h.inactive[sizeIndex], pb)
		} else {
			h.a.globalFree[sizeIndex].push(pb)
		}
		return
	}

	if list.head != pb && pb.numFreeObjects > 1 {
		list.remove(pb)
		list.insertFront(pb)
	}
}

// releaseMedium returns a medium-object chunk to sp's buddy scheme. This
// must lock sp.owner's spMu, not h's: sp's buddy state is private to
// whichever Heap mapped it (spec.md §5), and h may be a different Heap
// entirely doing a cross-thread free.
func (h *Heap) releaseMedium(ptr unsafe.Pointer, sp *superpage, logPages uint32) {
	npages := 1 << logPages
	owner := sp.owner
	owner.spMu.Lock()
	defer owner.spMu.Unlock()
	if sp.free(ptr, npages) {
		owner.superpages.remove(sp)
	}
}

// Close hands every pageblock and cached inactive pageblock this Heap still
// owns back to the shared Allocator, mirroring streamflow_thread_finalize:
// a pageblock with every slot free goes to the global free list, one with
// some free objects or pending remote-freed garbage goes to the global
// partial list, and one with every slot in use is orphaned so a live heap
// can adopt it on its next free (or goes to the global partial list if a
// remote free lands first and the orphan CAS fails). Superpages this heap
// mapped stay put; streamflow.c's thread finalize does not reassign
// superpage ownership across threads either, only pageblocks.
func (h *Heap) Close() {
	if h.closed {
		return
	}
	a := h.a

	for class := range h.active {
		list := &h.active[class]
		for pb := list.head; pb != nil; {
			next := pb.listNext
			list.remove(pb)
			pb.owningHeap = nil

			switch {
			case pb.full():
				a.globalFree[a.pageblockSizeIndex(pb.pageblockSize)].push(pb)
			case pb.numFreeObjects > 0 || pb.hasPendingGarbage():
				a.globalPartial[class].push(pb)
			case !pb.orphan():
				a.globalPartial[class].push(pb)
			}
			pb = next
		}
	}

	for i := range h.inactive {
		for _, pb := range h.inactive[i] {
			a.globalFree[i].push(pb)
		}
		h.inactive[i] = nil
	}

	h.closed = true
}
