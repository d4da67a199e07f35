package malloc

import (
	"golang.org/x/sys/unix"
)

// PageProvider is the external collaborator spec.md §6 calls "Page provider
// (consumed)": the one seam through which streamalloc asks the OS for raw,
// page-aligned, zero-filled memory and gives it back. Superpages, quickie
// header pages, and large (page-provider-direct) objects all flow through
// this interface — nothing in malloc calls mmap/munmap directly.
type PageProvider interface {
	// AcquirePages returns a page-aligned region of at least n bytes
	// (rounded up to a whole number of pages), zero-filled. Returns nil on
	// failure.
	AcquirePages(n int64) []byte

	// ReleasePages returns a region previously obtained from AcquirePages.
	ReleasePages(b []byte)
}

// OSPageProvider is the default PageProvider, backed by anonymous mmap.
// Grounded on streamflow.c's page_alloc/page_free (mmap(MAP_ANONYMOUS)/
// munmap) and the same mmap-wrapper idiom used for heap-extending raw
// memory elsewhere in the pack's runtime-internals material.
type OSPageProvider struct{}

// NewOSPageProvider constructs the default, OS-backed PageProvider.
func NewOSPageProvider() *OSPageProvider {
	return &OSPageProvider{}
}

func (OSPageProvider) AcquirePages(n int64) []byte {
	if n <= 0 {
		return nil
	}
	size := roundupPages(n)
	b, err := unix.Mmap(
		-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil
	}
	return b
}

func (OSPageProvider) ReleasePages(b []byte) {
	if len(b) == 0 {
		return
	}
	if err := unix.Munmap(b); err != nil {
		abort("munmap(%v bytes): %v", len(b), err)
	}
}

// roundupPages rounds n up to the next multiple of PageSize.
func roundupPages(n int64) int64 {
	if r := n % PageSize; r != 0 {
		n += PageSize - r
	}
	return n
}
