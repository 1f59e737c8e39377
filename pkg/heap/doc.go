// Package heap defines the backing-heap contract used by the buffer allocator and a
// range-based backend that can stand in for reserved-region, contiguous-DMA and on-chip
// SRAM heaps.
//
// A heap hands out physical ranges (Allocate), takes them back (Free) and maps them for
// kernel-side access (MapKernel). Heaps that release memory asynchronously implement
// Drainer; heaps whose contiguous space may be split across two allocations implement
// Splitter.
//
// Example usage:
//
//	h, err := heap.NewRegionHeap(ctx, heap.RegionConfig{
//	  ID: 1, Name: "carveout", Type: heap.TypeCarveout,
//	  Base: 0x8000_0000, Size: 16 << 20,
//	})
//	r, err := h.Allocate(4096, 4096, heap.FlagZeroOnAlloc)
//	// ...
//	h.Free(r)
package heap
