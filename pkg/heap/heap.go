package heap

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSpace is returned when no free range can satisfy an allocation.
	ErrNoSpace = errors.New("heap: no space left")
	// ErrBadRange is returned for a range that does not belong to the heap.
	ErrBadRange = errors.New("heap: range out of bounds")
)

// Type classifies a heap's allocation policy.
type Type int

const (
	TypeSystem Type = iota
	TypeCarveout
	TypeDMA
	// TypeSRAM is a small page-granular heap; requests larger than its biggest
	// contiguous free range may be split with another heap.
	TypeSRAM
)

func (t Type) String() string {
	switch t {
	case TypeSystem:
		return "system"
	case TypeCarveout:
		return "carveout"
	case TypeDMA:
		return "dma"
	case TypeSRAM:
		return "sram"
	default:
		return "unknown"
	}
}

// ParseType converts a heap type name back to its Type.
func ParseType(s string) (Type, error) {
	for t := TypeSystem; t <= TypeSRAM; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown heap type %q", s)
}

// Flags controls per-allocation behaviour.
type Flags uint32

const (
	// FlagCached requests a cacheable mapping.
	FlagCached Flags = 1 << iota
	// FlagZeroOnAlloc clears the range before it is handed out.
	FlagZeroOnAlloc

	flagsMask = FlagCached | FlagZeroOnAlloc
)

// Valid reports whether f only carries known bits.
func (f Flags) Valid() bool { return f&^flagsMask == 0 }

// Range is a physical address range [Phys, Phys+Len).
type Range struct {
	Phys uint64
	Len  uint64
}

// End returns the first address past the range.
func (r Range) End() uint64 { return r.Phys + r.Len }

// Contains reports whether [addr, addr+n) lies fully inside r.
func (r Range) Contains(addr, n uint64) bool {
	if addr < r.Phys || n > r.Len {
		return false
	}
	return addr-r.Phys <= r.Len-n
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Phys, r.End())
}

// Stats is a snapshot of a heap's accounting.
type Stats struct {
	Total       uint64
	Allocated   uint64
	Pending     uint64
	LargestFree uint64
}

// Heap is a backing allocator of physical ranges.
type Heap interface {
	ID() uint32
	Name() string
	Type() Type
	// Priority orders heaps when several match a request; higher goes first.
	Priority() int
	Allocate(size, align uint64, flags Flags) (Range, error)
	Free(r Range)
	MapKernel(r Range) ([]byte, error)
	UnmapKernel(r Range)
	Stats() Stats
}

// Drainer is implemented by heaps with deferred release. Drain reclaims every pending
// range synchronously and returns the number of bytes reclaimed.
type Drainer interface {
	Drain() uint64
}

// Splitter is implemented by heaps that allow a request to be split with a second heap.
type Splitter interface {
	LargestFree(align uint64) uint64
}

// AlignUp rounds v up to a power-of-two alignment. align 0 is treated as 1.
func AlignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
