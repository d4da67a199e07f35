package malloc

import "sync/atomic"

// globalStack is a lock-free LIFO of orphaned or fully-free pageblocks,
// one per size class (global_partial_pageblocks) or pageblock-size class
// (global_free_pageblocks) on a shared Allocator. Grounded on
// streamflow.c's counting_lf_lifo_queue_t / insert_global_free_pageblocks /
// remove_global_pageblocks.
//
// A pageblock legitimately cycles through the same global stack many times
// over its life (pushed empty by one Heap.Close, popped by another Heap's
// getFreePageblock, pushed again by a third), the classic shape ABA
// guards against, so spec.md §5 calls for these specific lists to be
// "ABA-mitigated by a versioned count in the head word (64-bit pairs of
// pointer and 64-bit counter...)". Go has no 128-bit CAS to pack a pointer
// and a counter into one machine word the way streamflow.c's
// counting_lf_lifo_queue_t does, so the pair is boxed one level further
// out instead: head is a *stackHead carrying both fields, and every
// push/pop CAS-installs a freshly allocated one, so the head pointer
// itself acts as the version stamp the counter backs up — the same
// packed-word role malloc/pageblock.go's packTogether/packGarbageHead play
// for the per-pageblock owning-thread/garbage-stack word.
type stackHead struct {
	top *pageblock
	gen uint64
}

type globalStack struct {
	head atomic.Pointer[stackHead]
}

func (s *globalStack) push(pb *pageblock) {
	for {
		old := s.head.Load()
		var top *pageblock
		var gen uint64
		if old != nil {
			top, gen = old.top, old.gen
		}
		pb.stackNext = top
		fresh := &stackHead{top: pb, gen: gen + 1}
		if s.head.CompareAndSwap(old, fresh) {
			return
		}
	}
}

func (s *globalStack) pop() *pageblock {
	for {
		old := s.head.Load()
		if old == nil || old.top == nil {
			return nil
		}
		fresh := &stackHead{top: old.top.stackNext, gen: old.gen + 1}
		if s.head.CompareAndSwap(old, fresh) {
			old.top.stackNext = nil
			return old.top
		}
	}
}

func (s *globalStack) empty() bool {
	old := s.head.Load()
	return old == nil || old.top == nil
}
