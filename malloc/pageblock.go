package malloc

import (
	"sync/atomic"
	"unsafe"
)

// pageblock is the basic allocation unit for small objects: a page-aligned
// region sliced into objectSize slots, owned by one Heap at a time but
// freeable from any goroutine (spec.md §4.4). Grounded directly on
// streamflow.c's struct pageblock, local_free, remote_free,
// adopt_pageblock, garbage_collect.
//
// streamflow.c packs owning_thread and garbage_head into one 64-bit
// "together" union so a single CAS can transfer ownership atomically with
// publishing a remote free; together here is that same word, an
// atomic.Uint64 with owningThread in the high 32 bits and a packed
// (count:16, next-slot:16) garbage_head in the low 32 bits.
type pageblock struct {
	objectSize int64
	base       unsafe.Pointer // first byte of the slot pool (after the header gap)
	poolSize   int64          // bytes available for slots
	numSlots   int64

	numFreeObjects int64  // slots available to THIS heap without a remote garbage_collect
	unallocated    uint32 // next never-touched slot, 1-based; numSlots+1 once every slot has been touched once
	freed          uint32 // head of the local free list, 1-based slot index; 0 = empty

	together atomic.Uint64 // owningThread:32 | garbageHead:32{count:16,next:16}

	owningHeap    *Heap // set by whichever Heap currently owns this pageblock
	pageblockSize int64 // total bytes including header, used for size-class bookkeeping on free
	class         int   // sizeTable class index this pageblock currently serves

	listNext, listPrev *pageblock // links this pageblock into its owning Heap's active list
	stackNext          *pageblock // link for the shared Allocator's global Treiber stacks
}

const orphanOwner = uint32(orphanID)

func packTogether(owningThread, garbageHead uint32) uint64 {
	return uint64(owningThread)<<32 | uint64(garbageHead)
}

func unpackTogether(v uint64) (owningThread, garbageHead uint32) {
	return uint32(v >> 32), uint32(v)
}

func packGarbageHead(count, next uint16) uint32 {
	return uint32(count)<<16 | uint32(next)
}

func unpackGarbageHead(v uint32) (count, next uint16) {
	return uint16(v >> 16), uint16(v)
}

// newPageblock carves a fresh pageblock header + slot pool out of raw
// page-aligned memory, matching get_free_pageblock's "no pre-allocated
// pageblocks, grab one from the OS" path. headerBytes is the
// cache-line-rounded gap streamflow.c reserves between the struct
// pageblock header and pageblock->mem_pool.
func newPageblock(raw []byte, headerBytes, objectSize int64, owningThread uint32, class int) *pageblock {
	base := unsafe.Pointer(&raw[headerBytes])
	poolSize := int64(len(raw)) - headerBytes
	pb := &pageblock{
		objectSize:    objectSize,
		base:          base,
		poolSize:      poolSize,
		numSlots:      poolSize / objectSize,
		pageblockSize: int64(len(raw)),
		class:         class,
	}
	pb.numFreeObjects = pb.numSlots
	pb.unallocated = 1
	pb.together.Store(packTogether(owningThread, packGarbageHead(0, 0)))
	return pb
}

// reset reinitializes an inactive pageblock reused for a different object
// size, matching get_free_pageblock's "object_size != reverse_size_class"
// branch.
func (pb *pageblock) reset(objectSize int64, owningThread uint32, class int) {
	pb.objectSize = objectSize
	pb.numSlots = pb.poolSize / objectSize
	pb.numFreeObjects = pb.numSlots
	pb.unallocated = 1
	pb.freed = 0
	pb.class = class
	pb.together.Store(packTogether(owningThread, packGarbageHead(0, 0)))
}

func (pb *pageblock) slot(index uint32) unsafe.Pointer {
	return unsafe.Pointer(uintptr(pb.base) + uintptr(index-1)*uintptr(pb.objectSize))
}

func (pb *pageblock) slotIndex(ptr unsafe.Pointer) uint32 {
	return uint32((uintptr(ptr)-uintptr(pb.base))/uintptr(pb.objectSize)) + 1
}

func (pb *pageblock) slotNext(ptr unsafe.Pointer) uint32 {
	return *(*uint32)(ptr)
}

func (pb *pageblock) setSlotNext(ptr unsafe.Pointer, next uint32) {
	*(*uint32)(ptr) = next
}

// full reports whether every slot is free, matching the
// num_free_objects == mem_pool_size/object_size test used throughout
// streamflow.c.
func (pb *pageblock) full() bool {
	return pb.numFreeObjects == pb.numSlots
}

// alloc hands out one slot, preferring the local freed list over untouched
// ("unallocated") slots, exactly as malloc's hot path does.
func (pb *pageblock) alloc() unsafe.Pointer {
	var ptr unsafe.Pointer
	if pb.freed != 0 {
		ptr = pb.slot(pb.freed)
		pb.freed = pb.slotNext(ptr)
	} else {
		ptr = pb.slot(pb.unallocated)
		pb.unallocated++
	}
	pb.numFreeObjects--
	return ptr
}

// localFree returns a slot to the owning Heap's own free list. Only the
// owning Heap may call this; concurrent callers must use remoteFree.
func (pb *pageblock) localFree(ptr unsafe.Pointer) {
	pb.setSlotNext(ptr, pb.freed)
	pb.freed = pb.slotIndex(ptr)
	pb.numFreeObjects++
}

// garbageCollect drains the remote garbage stack into the local free list,
// matching streamflow.c's garbage_collect (a lock-free dequeue-all).
func (pb *pageblock) garbageCollect() {
	for {
		old := pb.together.Load()
		owningThread, garbageHead := unpackTogether(old)
		count, next := unpackGarbageHead(garbageHead)
		if next == 0 {
			return
		}
		if pb.together.CompareAndSwap(old, packTogether(owningThread, packGarbageHead(0, 0))) {
			if pb.freed != 0 {
				// Splice the existing local free list behind the collected chain.
				tail := pb.slot(uint32(next))
				for n := pb.slotNext(tail); n != 0; n = pb.slotNext(tail) {
					tail = pb.slot(n)
				}
				pb.setSlotNext(tail, pb.freed)
			}
			pb.freed = uint32(next)
			pb.numFreeObjects += int64(count)
			return
		}
	}
}

// remoteFree publishes a free from a goroutine that does not own this
// pageblock onto its lock-free garbage stack, or adopts the pageblock if
// it has been orphaned. Grounded on streamflow.c's remote_free.
func (pb *pageblock) remoteFree(ptr unsafe.Pointer, adopter func()) {
	next := pb.slotIndex(ptr)
	for {
		old := pb.together.Load()
		owningThread, garbageHead := unpackTogether(old)
		if owningThread == orphanOwner {
			adopter()
			return
		}
		count, head := unpackGarbageHead(garbageHead)
		pb.setSlotNext(ptr, uint32(head))
		newGarbage := packGarbageHead(count+1, uint16(next))
		if pb.together.CompareAndSwap(old, packTogether(owningThread, newGarbage)) {
			return
		}
	}
}

// tryOrphanAdopt attempts to claim an orphaned pageblock for newOwner,
// matching adopt_pageblock's compare_and_swap32(&owning_thread, ORPHAN,
// thread_id).
func (pb *pageblock) tryOrphanAdopt(newOwner uint32) bool {
	for {
		old := pb.together.Load()
		owningThread, garbageHead := unpackTogether(old)
		if owningThread != orphanOwner {
			return false
		}
		if pb.together.CompareAndSwap(old, packTogether(newOwner, garbageHead)) {
			return true
		}
	}
}

// orphan marks this pageblock as ownerless, matching thread finalization's
// compare_and_swap64(&together, with_id, no_id) when a pageblock has no
// free objects and no pending remote garbage.
func (pb *pageblock) orphan() bool {
	old := pb.together.Load()
	owningThread, garbageHead := unpackTogether(old)
	_, next := unpackGarbageHead(garbageHead)
	if owningThread == orphanOwner || next != 0 {
		return false
	}
	return pb.together.CompareAndSwap(old, packTogether(orphanOwner, garbageHead))
}

func (pb *pageblock) owner() uint32 {
	owningThread, _ := unpackTogether(pb.together.Load())
	return owningThread
}

// hasPendingGarbage reports whether any remote free is waiting to be
// drained by garbageCollect, used by Heap.Close to decide whether a
// currently-empty pageblock is safe to orphan outright.
func (pb *pageblock) hasPendingGarbage() bool {
	_, garbageHead := unpackTogether(pb.together.Load())
	_, next := unpackGarbageHead(garbageHead)
	return next != 0
}

// pbList is an intrusive doubly linked list of pageblocks, front-insert /
// arbitrary-remove / rotate-to-back, mirroring streamflow.c's
// double_list_t as used for heap_t.active_pageblocks.
type pbList struct {
	head, tail *pageblock
}

func (l *pbList) insertFront(pb *pageblock) {
	pb.listPrev = nil
	pb.listNext = l.head
	if l.head != nil {
		l.head.listPrev = pb
	}
	l.head = pb
	if l.tail == nil {
		l.tail = pb
	}
}

func (l *pbList) remove(pb *pageblock) {
	if pb.listPrev != nil {
		pb.listPrev.listNext = pb.listNext
	} else {
		l.head = pb.listNext
	}
	if pb.listNext != nil {
		pb.listNext.listPrev = pb.listPrev
	} else {
		l.tail = pb.listPrev
	}
	pb.listNext, pb.listPrev = nil, nil
}

func (l *pbList) empty() bool {
	return l.head == nil
}

func (l *pbList) insertBack(pb *pageblock) {
	pb.listNext = nil
	pb.listPrev = l.tail
	if l.tail != nil {
		l.tail.listNext = pb
	}
	l.tail = pb
	if l.head == nil {
		l.head = pb
	}
}

// rotateBack moves the head pageblock to the tail, matching
// streamflow.c's double_list_rotate_back(&heap->active_pageblocks) used to
// skip past an active pageblock with nothing free.
func (l *pbList) rotateBack() {
	if l.head == nil || l.head == l.tail {
		return
	}
	pb := l.head
	l.remove(pb)
	l.insertBack(pb)
}
