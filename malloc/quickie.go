package malloc

import (
	"sync"
	"unsafe"
)

// quickie is a fixed-size bookkeeping allocator spec.md §3 calls a
// "'quickie' header pool that allocates fixed-size bookkeeping records
// from raw pages" — kept out of the general small/medium/large path so
// that carving a bookkeeping record never recurses back into Allocate.
// Grounded on streamflow.c's quickie_alloc/quickie_free, adapted from the
// teacher's mempool (mem_pool.go) bump-allocator-plus-freelist idiom,
// carving from PageProvider pages instead of C.malloc.
//
// streamflow.c's quickie pools are __thread (one per OS thread, so no
// locking is needed); the buddy bitmap pool here (Allocator.bitmapPool) is
// shared across every Heap under one Allocator, so unlike the original it
// needs a mutex.
type quickie struct {
	mu          sync.Mutex
	provider    PageProvider
	objectSize  int64
	unallocated unsafe.Pointer // next free byte in the current page
	numFree     int64          // objects left in the current page
	freed       unsafe.Pointer // head of the freed-object singly linked list
	pages       [][]byte       // every page this quickie carved objects from, for release
}

func newQuickie(provider PageProvider, objectSize int64) *quickie {
	return &quickie{provider: provider, objectSize: objectSize}
}

// alloc hands back one objectSize-byte record, bump-allocating a fresh page
// from the PageProvider when the current page (or the freed list) is
// exhausted.
func (q *quickie) alloc() unsafe.Pointer {
	q.mu.Lock()
	defer q.mu.Unlock()

	var object unsafe.Pointer

	if q.freed != nil {
		object = q.freed
		q.freed = *(*unsafe.Pointer)(object)
	} else {
		if q.unallocated == nil || q.numFree == 0 {
			// One or more objects at a time, rounded up to a whole page;
			// objectSize can exceed PageSize (a large enough superpage's
			// order-0 bitmap), in which case one page-multiple carries
			// exactly one object.
			chunkBytes := q.objectSize
			if chunkBytes < PageSize {
				chunkBytes = PageSize
			}
			page := q.provider.AcquirePages(chunkBytes)
			if page == nil {
				return nil
			}
			q.pages = append(q.pages, page)
			q.unallocated = unsafe.Pointer(&page[0])
			q.numFree = int64(len(page)) / q.objectSize
		}
		object = q.unallocated
		q.unallocated = unsafe.Pointer(uintptr(q.unallocated) + uintptr(q.objectSize))
		q.numFree--
	}
	return object
}

// free pushes object onto the freed list, writing the link into the first
// word of the freed memory itself (streamflow.c's quickie_free does the
// same in-place trick).
func (q *quickie) free(object unsafe.Pointer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	*(*unsafe.Pointer)(object) = q.freed
	q.freed = object
}

// release returns every page this quickie ever carved back to the
// PageProvider. Only safe once every object allocated from it has been
// abandoned; unlike a Heap's own state, bitmapPool is shared across every
// Heap under one Allocator, so nothing calls this until the Allocator
// itself is torn down (there is currently no such teardown path — an
// Allocator is expected to live for the process's lifetime, matching
// streamflow.c, which never frees its __thread quickie pools either).
func (q *quickie) release() {
	for _, page := range q.pages {
		q.provider.ReleasePages(page)
	}
	q.pages = nil
	q.unallocated, q.freed = nil, nil
	q.numFree = 0
}
