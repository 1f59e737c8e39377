package heap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/panjf2000/ants/v2"

	internalshm "github.com/srediag/bufshare/internal/shm"
)

const defaultScrubWorkers = 2

// RegionConfig describes a RegionHeap.
type RegionConfig struct {
	ID       uint32
	Name     string
	Type     Type
	Priority int
	// Base is the physical address of the first byte of the region.
	Base uint64
	Size uint64
	// Deferred makes Free asynchronous: ranges are scrubbed by a worker pool before
	// they become allocatable again.
	Deferred     bool
	ScrubWorkers int
	// Backing names a /dev/shm file for the arena, empty for anonymous memory.
	Backing string
}

// RegionHeap is a first-fit allocator over one contiguous physical region, backed by a
// mapped arena so ranges can be mapped for kernel-side access.
type RegionHeap struct {
	conf RegionConfig

	mu        sync.Mutex
	free      []Range // sorted by Phys, coalesced
	allocated uint64
	pending   map[uint64]Range
	pendBytes uint64

	region *internalshm.MappedRegion
	pool   *ants.Pool
	jobs   sync.WaitGroup
}

var (
	_ Heap     = (*RegionHeap)(nil)
	_ Drainer  = (*RegionHeap)(nil)
	_ Splitter = (*RegionHeap)(nil)
)

// NewRegionHeap maps the arena and returns an empty heap.
func NewRegionHeap(ctx context.Context, conf RegionConfig) (*RegionHeap, error) {
	if conf.Size == 0 {
		return nil, errors.New("heap: region size must be positive")
	}
	if conf.Base+conf.Size < conf.Base {
		return nil, fmt.Errorf("heap %s: region wraps the address space", conf.Name)
	}
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Name:   conf.Backing,
		Size:   int(conf.Size),
		Create: conf.Backing != "",
	})
	if err != nil {
		return nil, fmt.Errorf("heap %s: %w", conf.Name, err)
	}
	h := &RegionHeap{
		conf:    conf,
		free:    []Range{{Phys: conf.Base, Len: conf.Size}},
		pending: make(map[uint64]Range),
		region:  region,
	}
	if conf.Deferred {
		workers := conf.ScrubWorkers
		if workers <= 0 {
			workers = defaultScrubWorkers
		}
		h.pool, err = ants.NewPool(workers, ants.WithNonblocking(true))
		if err != nil {
			_ = internalshm.UnmapRegion(ctx, region)
			return nil, fmt.Errorf("heap %s: scrub pool: %w", conf.Name, err)
		}
	}
	return h, nil
}

func (h *RegionHeap) ID() uint32    { return h.conf.ID }
func (h *RegionHeap) Name() string  { return h.conf.Name }
func (h *RegionHeap) Type() Type    { return h.conf.Type }
func (h *RegionHeap) Priority() int { return h.conf.Priority }

// Allocate carves the first free range that fits size at the given alignment.
func (h *RegionHeap) Allocate(size, align uint64, flags Flags) (Range, error) {
	if size == 0 {
		return Range{}, fmt.Errorf("heap %s: zero-sized allocation: %w", h.conf.Name, ErrNoSpace)
	}
	h.mu.Lock()
	r, ok := h.carve(size, align)
	if ok {
		h.allocated += size
	}
	h.mu.Unlock()
	if !ok {
		return Range{}, ErrNoSpace
	}
	if flags&FlagZeroOnAlloc != 0 {
		clear(h.bytes(r))
	}
	return r, nil
}

func (h *RegionHeap) carve(size, align uint64) (Range, bool) {
	for i, f := range h.free {
		start := AlignUp(f.Phys, align)
		if start < f.Phys || start > f.End() || f.End()-start < size {
			continue
		}
		var rest []Range
		if start > f.Phys {
			rest = append(rest, Range{Phys: f.Phys, Len: start - f.Phys})
		}
		if end := start + size; end < f.End() {
			rest = append(rest, Range{Phys: end, Len: f.End() - end})
		}
		h.free = append(h.free[:i], append(rest, h.free[i+1:]...)...)
		return Range{Phys: start, Len: size}, true
	}
	return Range{}, false
}

// Free returns r to the heap. On deferred heaps the range stays pending until a scrub
// worker or Drain reclaims it.
func (h *RegionHeap) Free(r Range) {
	if !h.owns(r) {
		return
	}
	if !h.conf.Deferred {
		h.mu.Lock()
		h.allocated -= r.Len
		h.release(r)
		h.mu.Unlock()
		return
	}
	h.mu.Lock()
	h.allocated -= r.Len
	h.pending[r.Phys] = r
	h.pendBytes += r.Len
	h.mu.Unlock()

	h.jobs.Add(1)
	if err := h.pool.Submit(func() {
		defer h.jobs.Done()
		h.reclaim(r.Phys)
	}); err != nil {
		// pool saturated or released, scrub inline
		h.jobs.Done()
		h.reclaim(r.Phys)
	}
}

// Drain reclaims every pending range and waits for in-flight scrub jobs.
func (h *RegionHeap) Drain() uint64 {
	h.mu.Lock()
	keys := make([]uint64, 0, len(h.pending))
	for phys := range h.pending {
		keys = append(keys, phys)
	}
	h.mu.Unlock()
	var n uint64
	for _, phys := range keys {
		n += h.reclaim(phys)
	}
	h.jobs.Wait()
	return n
}

// reclaim scrubs and frees the pending range starting at phys. Whoever removes the entry
// from the pending set owns the range.
func (h *RegionHeap) reclaim(phys uint64) uint64 {
	h.mu.Lock()
	r, ok := h.pending[phys]
	if ok {
		delete(h.pending, phys)
	}
	h.mu.Unlock()
	if !ok {
		return 0
	}
	clear(h.bytes(r))
	h.mu.Lock()
	h.pendBytes -= r.Len
	h.release(r)
	h.mu.Unlock()
	return r.Len
}

// release inserts r into the free list, merging neighbours. Caller holds h.mu.
func (h *RegionHeap) release(r Range) {
	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].Phys >= r.Phys })
	h.free = append(h.free, Range{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = r
	if i+1 < len(h.free) && h.free[i].End() == h.free[i+1].Phys {
		h.free[i].Len += h.free[i+1].Len
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	if i > 0 && h.free[i-1].End() == h.free[i].Phys {
		h.free[i-1].Len += h.free[i].Len
		h.free = append(h.free[:i], h.free[i+1:]...)
	}
}

// LargestFree returns the biggest allocation the heap could satisfy right now at align.
func (h *RegionHeap) LargestFree(align uint64) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.largestFree(align)
}

func (h *RegionHeap) largestFree(align uint64) uint64 {
	var largest uint64
	for _, f := range h.free {
		start := AlignUp(f.Phys, align)
		if start < f.Phys || start >= f.End() {
			continue
		}
		if n := f.End() - start; n > largest {
			largest = n
		}
	}
	return largest
}

// MapKernel returns the arena bytes backing r.
func (h *RegionHeap) MapKernel(r Range) ([]byte, error) {
	if !h.owns(r) {
		return nil, fmt.Errorf("heap %s: map %s: %w", h.conf.Name, r, ErrBadRange)
	}
	return h.bytes(r), nil
}

// UnmapKernel is a no-op: the arena stays mapped for the heap's lifetime.
func (h *RegionHeap) UnmapKernel(r Range) {}

// Stats returns the heap's accounting.
func (h *RegionHeap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Total:       h.conf.Size,
		Allocated:   h.allocated,
		Pending:     h.pendBytes,
		LargestFree: h.largestFree(1),
	}
}

// Close drains pending frees, stops the scrub pool and unmaps the arena.
func (h *RegionHeap) Close(ctx context.Context) error {
	if h.pool != nil {
		h.Drain()
		h.pool.Release()
	}
	return internalshm.UnmapRegion(ctx, h.region)
}

func (h *RegionHeap) owns(r Range) bool {
	region := Range{Phys: h.conf.Base, Len: h.conf.Size}
	return r.Len > 0 && region.Contains(r.Phys, r.Len)
}

func (h *RegionHeap) bytes(r Range) []byte {
	off := r.Phys - h.conf.Base
	return h.region.Addr[off : off+r.Len]
}
