package malloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPageblock(t *testing.T, objectSize int64, owner uint32) *pageblock {
	t.Helper()
	raw := make([]byte, 16+8*objectSize)
	return newPageblock(raw, 16, objectSize, owner, 0)
}

func TestPageblockAllocLocalFree(t *testing.T) {
	pb := newTestPageblock(t, 32, 1)
	require.True(t, pb.full())

	a := pb.alloc()
	b := pb.alloc()
	require.NotEqual(t, a, b)
	require.False(t, pb.full())
	require.Equal(t, pb.numSlots-2, pb.numFreeObjects)

	pb.localFree(a)
	pb.localFree(b)
	require.True(t, pb.full())
}

func TestPageblockRemoteFreeThenGarbageCollect(t *testing.T) {
	pb := newTestPageblock(t, 32, 1)
	ptr := pb.alloc()
	before := pb.numFreeObjects

	adopted := false
	pb.remoteFree(ptr, func() { adopted = true })
	require.False(t, adopted, "owner is not orphaned, remoteFree must not adopt")
	require.Equal(t, before, pb.numFreeObjects, "remote free is only visible after garbageCollect")

	pb.garbageCollect()
	require.Equal(t, before+1, pb.numFreeObjects)
}

func TestPageblockOrphanAndAdopt(t *testing.T) {
	pb := newTestPageblock(t, 32, 1)
	ptr := pb.alloc()

	// Nothing free and no pending garbage: safe to orphan.
	require.True(t, pb.orphan())
	require.Equal(t, orphanOwner, pb.owner())

	adopted := false
	pb.remoteFree(ptr, func() { adopted = true })
	require.True(t, adopted, "remoteFree against an orphaned pageblock must call the adopter")

	require.True(t, pb.tryOrphanAdopt(42))
	require.Equal(t, uint32(42), pb.owner())
	require.False(t, pb.tryOrphanAdopt(43), "a second adopt attempt must fail once claimed")
}

func TestPageblockOrphanRefusesWithPendingGarbage(t *testing.T) {
	pb := newTestPageblock(t, 32, 1)
	ptr := pb.alloc()
	pb.remoteFree(ptr, func() { t.Fatal("owner 1 is not orphaned yet") })
	require.True(t, pb.hasPendingGarbage())
	require.False(t, pb.orphan(), "must not orphan while remote garbage is still pending")
}

func TestPbListRotateBack(t *testing.T) {
	var list pbList
	a := newTestPageblock(t, 32, 1)
	b := newTestPageblock(t, 32, 1)
	c := newTestPageblock(t, 32, 1)
	list.insertFront(c)
	list.insertFront(b)
	list.insertFront(a)
	require.Equal(t, a, list.head)

	list.rotateBack()
	require.Equal(t, b, list.head)
	require.Equal(t, a, list.tail)
}
