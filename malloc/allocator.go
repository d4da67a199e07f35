package malloc

import (
	"math"
	"sync/atomic"
	"unsafe"

	golog "github.com/bnclabs/golog"
)

// Allocator is the shared root every Heap is created from: the metadata
// index, the global orphan/free pageblock lists, the thread-id counter and
// the Config tunables. Grounded on the teacher's Arena
// (malloc/arena.go in the example pack) generalized from "one arena, many
// pools" to "one Allocator, many Heaps sharing one metadata index", the
// shape spec.md §4.2 calls for ("shared across all threads under a single
// Allocator").
type Allocator struct {
	config   Config
	provider PageProvider
	index    *radixIndex
	sizes    *sizeTable

	headerBytes       int64
	minPageblockPages int64
	maxPageblockPages int64
	superpageOrderMax int
	bitmapPool        *quickie

	nextThreadID atomic.Uint32

	globalPartial []globalStack // one per object size class
	globalFree    []globalStack // one per pageblock-size class
}

// NewAllocator builds an Allocator over provider using cfg's tunables.
// provider defaults to an OSPageProvider when nil.
func NewAllocator(cfg Config, provider PageProvider) *Allocator {
	if provider == nil {
		provider = NewOSPageProvider()
	}
	if lvl := cfg.String("log.level"); lvl != "" {
		golog.SetLogger(nil, map[string]interface{}{
			"log.level": lvl,
			"log.file":  cfg.String("log.file"),
		})
	}

	a := &Allocator{
		config:            cfg,
		provider:          provider,
		index:             newRadixIndex(),
		sizes:             newSizeTable(cfg.minblock(), cfg.maxblock()),
		headerBytes:       roundup(int64(unsafe.Sizeof(pageblock{})), CacheLineSize),
		minPageblockPages: 1,
	}
	a.maxPageblockPages = cfg.superpagesize() / (2 * PageSize)
	if a.maxPageblockPages < a.minPageblockPages {
		a.maxPageblockPages = a.minPageblockPages
	}
	a.superpageOrderMax = quickLog2(int(cfg.superpagesize() / PageSize))
	a.bitmapPool = newQuickie(provider, maxBitmapBytes(a.superpageOrderMax))

	n := a.sizes.NumClasses()
	a.globalPartial = make([]globalStack, n)

	m := a.pageblockSizeClasses()
	a.globalFree = make([]globalStack, m)

	return a
}

func roundup(n, multiple int64) int64 {
	if r := n % multiple; r != 0 {
		n += multiple - r
	}
	return n
}

func (a *Allocator) pageblockSizeClasses() int {
	return quickLog2(int(a.maxPageblockPages)) - quickLog2(int(a.minPageblockPages)) + 1
}

// nextID hands out a fresh owning-thread id, the Go-shaped equivalent of
// streamflow.c's global_id_counter fetch-and-add that assigns thread_id on
// thread creation.
func (a *Allocator) nextID() uint32 {
	return a.nextThreadID.Add(1)
}

// computePageblockSize returns a power-of-two byte size for a pageblock
// serving the given size class, per spec.md §4.4c / DESIGN.md's resolution
// of compute_pageblock_size: target ObjectsPerPageblock objects, rounded up
// to a page multiple and then to the nearest containing power of two,
// clamped to [minPageblockPages, maxPageblockPages] pages.
func (a *Allocator) computePageblockSize(class int) int64 {
	representative := a.sizes.Representative(class)
	suggestion := roundup(representative*ObjectsPerPageblock, PageSize)
	pow := int(math.Ceil(math.Log2(float64(suggestion))))
	suggestion = int64(1) << uint(pow)

	min := a.minPageblockPages * PageSize
	max := a.maxPageblockPages * PageSize
	if suggestion < min {
		return min
	} else if suggestion > max {
		return max
	}
	return suggestion
}

func (a *Allocator) pageblockSizeIndex(sizeBytes int64) int {
	return quickLog2(int(sizeBytes/PageSize)) - quickLog2(int(a.minPageblockPages))
}

// largeObjectThreshold is the largest size Allocate serves as a small
// (pageblock) object, equal to the largest configured size class (maxblock).
// Above it Allocate carves a medium object from a superpage, up to half of
// superpagesize, and maps anything larger directly from the PageProvider.
func (a *Allocator) largeObjectThreshold() int64 {
	return a.config.maxblock()
}
