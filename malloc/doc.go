// Package malloc is a multithreaded, mostly lock-free memory allocator
// for Go programs that want to carve raw, GC-untracked memory for their own
// data structures instead of going through the Go heap.
//
//   - An Allocator owns a page-indexed radix-tree metadata index and a set
//     of global pageblock lists, shared by every Heap created from it.
//   - A Heap is a goroutine- or worker-local handle: small-object
//     Allocate/Release on the Heap that created an object takes no lock
//     unless a new pageblock must be carved from a superpage, which takes
//     the Heap's superpage mutex. Release from any other Heap still works,
//     via a lock-free cross-thread free path for small objects and the
//     owning Heap's superpage mutex for medium ones, and is the only thing
//     that needs to cross goroutines.
//   - Small objects are sliced out of pageblocks; medium objects are
//     carved straight out of a per-Heap superpage's buddy scheme; large
//     objects are mapped directly from the PageProvider.
//
// Close a Heap when its owning goroutine is done with it, handing its
// pageblocks back to the Allocator for reuse by others.
package malloc
