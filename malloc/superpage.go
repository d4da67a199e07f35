package malloc

import "unsafe"

// superpage is the unit a Heap requests from its PageProvider and then
// carves pageblocks out of via a buddy scheme (spec.md §4.3). Grounded on
// streamflow.c's struct superpage / get_free_superpage / supermap /
// superunmap.
type superpage struct {
	provider PageProvider
	page     []byte // backing memory obtained from the PageProvider
	buddy    *buddyAllocator

	// owner is the Heap whose superpage list this superpage lives on and
	// whose spMu guards its buddy state. spec.md §5 ("All buddy operations
	// on a given superpage occur under that superpage's owning-thread spin
	// lock; cross-thread returns ... must acquire the owning thread's lock,
	// not the freer's") — a medium-object Release from a different Heap
	// must lock owner.spMu, never the releasing Heap's own mutex.
	owner *Heap

	listNext, listPrev *superpage // links this superpage into its owning Heap's list
}

// spList is an intrusive doubly linked list of superpages, mirroring
// streamflow.c's superpage_list.
type spList struct {
	head, tail *superpage
}

func (l *spList) insertFront(sp *superpage) {
	sp.listPrev = nil
	sp.listNext = l.head
	if l.head != nil {
		l.head.listPrev = sp
	}
	l.head = sp
	if l.tail == nil {
		l.tail = sp
	}
}

func (l *spList) remove(sp *superpage) {
	if sp.listPrev != nil {
		sp.listPrev.listNext = sp.listNext
	} else {
		l.head = sp.listNext
	}
	if sp.listNext != nil {
		sp.listNext.listPrev = sp.listPrev
	} else {
		l.tail = sp.listPrev
	}
	sp.listNext, sp.listPrev = nil, nil
}

// newSuperpage acquires size bytes (a power-of-two multiple of PageSize)
// from provider and sticks the whole thing into a fresh buddy scheme,
// mirroring get_free_superpage's "couldn't find an existing superpage, get
// a new one from OS" path.
func newSuperpage(provider PageProvider, size int64, bitmapPool *quickie, owner *Heap) *superpage {
	page := provider.AcquirePages(size)
	if page == nil {
		return nil
	}
	orderMax := quickLog2(int(int64(len(page)) / PageSize))
	sp := &superpage{
		provider: provider,
		page:     page,
		buddy:    newBuddyAllocator(unsafe.Pointer(&page[0]), orderMax, bitmapPool),
		owner:    owner,
	}
	return sp
}

// pageNumber returns this superpage's starting physical page number. Medium
// objects are not keyed by it: allocateMedium registers each chunk under
// the chunk's own first page.
func (sp *superpage) pageNumber() uint64 {
	return uint64(uintptr(unsafe.Pointer(&sp.page[0]))) >> uint(radixPageBits)
}

// alloc reserves npages worth of chunks from this superpage's buddy
// scheme, returning the chunk's address or nil if there's no room.
func (sp *superpage) alloc(npages int) unsafe.Pointer {
	chunk := sp.buddy.alloc(npages)
	if chunk == nil {
		return nil
	}
	return unsafe.Pointer(chunk)
}

// free returns npages worth of chunks starting at ptr; if the whole
// superpage has coalesced back to one free chunk it is released to the
// PageProvider and free reports true so the caller can unlink it from
// its owning Heap's superpage list.
func (sp *superpage) free(ptr unsafe.Pointer, npages int) (wholeSuperpageFree bool) {
	chunk := (*chunkNode)(ptr)
	if sp.buddy.free(chunk, npages) {
		sp.provider.ReleasePages(sp.page)
		return true
	}
	return false
}

// largestFreeChunkPages reports the largest contiguous run of pages
// currently free in this superpage, used by heap.go to pick a superpage
// with enough room before asking the PageProvider for a new one.
func (sp *superpage) largestFreeChunkPages() int64 {
	if sp.buddy.largestFreeOrder > sp.buddy.orderMax {
		return 0
	}
	return 1 << uint(sp.buddy.largestFreeOrder)
}
