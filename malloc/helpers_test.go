package malloc

// fakeProvider backs pages with plain Go-heap byte slices instead of real
// mmap, so tests can run without touching the OS page table. Buddy math
// only cares about byte offsets relative to a superpage's own base; the
// radix index keys on absolute page numbers, so lookups in these tests
// rely on the Go runtime placing each page-multiple slice on a page
// boundary. ReleasePages is a no-op since the Go GC reclaims the slice
// once nothing references it.
type fakeProvider struct{}

func (fakeProvider) AcquirePages(n int64) []byte {
	if n <= 0 {
		return nil
	}
	return make([]byte, n)
}

func (fakeProvider) ReleasePages(b []byte) {}
