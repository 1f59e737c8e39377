package api

import (
	"context"
	"time"

	"github.com/srediag/bufshare/pkg/heap"
)

const (
	// GroupNew asks RegisterGroup for a fresh group.
	GroupNew uint32 = 0
	// WakeAll is the SharePoolWakeUp sentinel that unblocks the caller's own monitor.
	WakeAll uint32 = 0xFFFFFFFF

	GroupMaxBuffers = 8
	GroupMaxPlanes  = 4
	GroupMaxSlots   = GroupMaxBuffers * GroupMaxPlanes
)

const (
	// WaitForever blocks until the condition holds or the context ends.
	WaitForever time.Duration = -1
	// NoWait only checks the condition.
	NoWait time.Duration = 0
)

// AllocResult is returned by Alloc.
type AllocResult struct {
	HandleID uint32
	ShareID  uint32
}

// Event is published to share-pool registrants when an import count changes.
// A wake-up event carries ShareID == WakeAll.
type Event struct {
	FD          int32
	ShareID     uint32
	Delta       int32
	ImportCount int32
	// Slot is the correlation slot a blocked notifier waits on, -1 if nobody waits.
	Slot int32
}

// GroupSlot is one plane of a group import.
type GroupSlot struct {
	ShareID uint32
	// Phys and Len declare the range the caller expects; Len 0 skips the check.
	Phys uint64
	Len  uint64
}

// GroupDescriptor selects the populated slots of a multi-plane import.
type GroupDescriptor struct {
	Bitmap uint32
	Slots  [GroupMaxSlots]GroupSlot
}

// Populated reports whether slot i is selected.
func (d *GroupDescriptor) Populated(i int) bool {
	return i >= 0 && i < GroupMaxSlots && d.Bitmap&(1<<uint(i)) != 0
}

// Allocator is the buffer lifecycle part of a Session.
type Allocator interface {
	Alloc(ctx context.Context, size, align uint64, heapMask uint32, flags heap.Flags) (AllocResult, error)
	Free(handleID uint32) error
	Export(handleID uint32) (uint64, error)
	Import(ctx context.Context, token uint64) (uint32, error)
	ReleaseExport(token uint64) error
	ImportByShareID(ctx context.Context, shareID uint32, phys, length uint64) (uint32, error)
	ShareInfo(handleID uint32) (int, error)
	WaitShare(ctx context.Context, handleID uint32, target int, timeout time.Duration) (int, error)
	IncConsume(shareID uint32) error
	DecConsume(shareID uint32) error
	ConsumeInfo(handleID uint32) (int, error)
	WaitConsume(ctx context.Context, handleID uint32, target int, timeout time.Duration) (int, error)
	BufferProcessInfo(shareID uint32, max int) ([]int32, error)
}

// SharePool is the notification part of a Session.
type SharePool interface {
	SharePoolRegister(shareID uint32, fd int32) error
	SharePoolUnregister(shareID uint32, fd int32) error
	SharePoolRefCount(shareID uint32) (int, error)
	SharePoolMonitor(ctx context.Context, timeout time.Duration) (Event, error)
	SharePoolWakeUp(shareID uint32) error
	SharePoolNotify(ctx context.Context, shareID uint32, delta int32, timeout time.Duration, isRetry bool) error
}

// Groups is the multi-plane part of a Session.
type Groups interface {
	RegisterGroup(groupID uint32) (uint32, error)
	UnregisterGroup(groupID uint32) error
	SetGroupPlanes(groupID uint32, bitmap uint32, shareIDs [GroupMaxSlots]uint32) error
	GroupPlanes(groupID uint32) (uint32, [GroupMaxSlots]uint32, error)
	ImportGroup(ctx context.Context, desc GroupDescriptor) ([GroupMaxSlots]uint32, error)
	FreeGroup(desc GroupDescriptor) error
}

// Session is the complete command surface of one connected process.
type Session interface {
	Allocator
	SharePool
	Groups
	Close() error
}
