/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package bufshare

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/srediag/bufshare/pkg/heap"
)

// Buffer is one physical allocation. A composite buffer takes its first range from a
// splittable heap and the remainder from a secondary Buffer on another heap.
type Buffer struct {
	id    uint64
	size  uint64
	flags heap.Flags
	heap  heap.Heap
	rng   heap.Range
	store *BufferStore
	ref   kref

	// secondary holds the remainder of a composite buffer and is owned by it.
	secondary   *Buffer
	isSecondary bool

	// shareID names the ShareHandle wrapping this buffer, 0 when there is none.
	shareID atomic.Uint32

	mu          sync.Mutex
	kmapCnt     int
	vaddr       [][]byte
	handleCount int
	ownerPid    int32
	ownerTask   string
}

// Size returns the total size, both halves of a composite buffer included.
func (b *Buffer) Size() uint64 { return b.size }

// Composite reports whether the buffer spans two heaps.
func (b *Buffer) Composite() bool { return b.secondary != nil }

// Ranges returns the physical ranges backing the buffer, primary first.
func (b *Buffer) Ranges() []heap.Range {
	if b.secondary == nil {
		return []heap.Range{b.rng}
	}
	return []heap.Range{b.rng, b.secondary.rng}
}

// contains reports whether [addr, addr+n) lies inside exactly one of the buffer's
// physical ranges. A range straddling the join of a composite buffer is rejected even
// when both halves happen to be adjacent.
func (b *Buffer) contains(addr, n uint64) bool {
	if b.rng.Contains(addr, n) {
		return true
	}
	return b.secondary != nil && b.secondary.rng.Contains(addr, n)
}

func (b *Buffer) get() { b.ref.get() }

func (b *Buffer) put() {
	b.ref.put("buffer", func() { b.store.destroy(b) })
}

// kmap maps every range of the buffer for kernel-side access. Mappings are shared
// and counted.
func (b *Buffer) kmap() ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.kmapCnt > 0 {
		b.kmapCnt++
		return b.vaddr, nil
	}
	var segs [][]byte
	for _, part := range b.parts() {
		mem, err := part.heap.MapKernel(part.rng)
		if err != nil {
			for _, done := range b.parts()[:len(segs)] {
				done.heap.UnmapKernel(done.rng)
			}
			return nil, err
		}
		segs = append(segs, mem)
	}
	b.vaddr = segs
	b.kmapCnt = 1
	return segs, nil
}

func (b *Buffer) kunmap() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.kmapCnt <= 0 {
		internalLogger.warnf("buffer %d: kunmap without mapping, bailing...", b.id)
		return
	}
	b.kmapCnt--
	if b.kmapCnt == 0 {
		for _, part := range b.parts() {
			part.heap.UnmapKernel(part.rng)
		}
		b.vaddr = nil
	}
}

func (b *Buffer) parts() []*Buffer {
	if b.secondary == nil {
		return []*Buffer{b}
	}
	return []*Buffer{b, b.secondary}
}

// attachHandle records a new Handle on the buffer and snapshots the owning process when
// it is the first one.
func (b *Buffer) attachHandle(pid int32, task string) {
	b.mu.Lock()
	if b.handleCount == 0 {
		b.ownerPid = pid
		b.ownerTask = task
	}
	b.handleCount++
	b.mu.Unlock()
}

func (b *Buffer) detachHandle() {
	b.mu.Lock()
	if b.handleCount > 0 {
		b.handleCount--
	}
	b.mu.Unlock()
}

// Owner returns the last snapshotted owning process.
func (b *Buffer) Owner() (int32, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ownerPid, b.ownerTask
}

// BufferStore is the registry of live buffers. It creates buffers from the heaps and
// returns their ranges when the last reference drops.
type BufferStore struct {
	mu       sync.Mutex
	buffers  map[uint64]*Buffer
	heaps    []heap.Heap
	nextID   uint64
	splitMin uint64
	metrics  *metrics
}

func newBufferStore(heaps []heap.Heap, splitMin uint64, m *metrics) *BufferStore {
	sorted := append([]heap.Heap(nil), heaps...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})
	return &BufferStore{
		buffers:  make(map[uint64]*Buffer),
		heaps:    sorted,
		splitMin: splitMin,
		metrics:  m,
	}
}

// candidates returns the heaps selected by mask in priority order.
func (s *BufferStore) candidates(mask uint32) []heap.Heap {
	var out []heap.Heap
	for _, h := range s.heaps {
		if h.ID() < 32 && mask&(1<<h.ID()) != 0 {
			out = append(out, h)
		}
	}
	return out
}

// create allocates a buffer of size bytes from the first heap in mask that can hold it,
// falling back to a composite buffer when a splittable heap runs out of contiguous space.
func (s *BufferStore) create(mask uint32, size, align uint64, flags heap.Flags) (*Buffer, error) {
	cands := s.candidates(mask)
	if len(cands) == 0 {
		return nil, fmt.Errorf("heap mask %#x selects no heap: %w", mask, ErrInvalidArgument)
	}
	for _, h := range cands {
		rng, err := s.tryAllocate(h, size, align, flags)
		if err == nil {
			return s.register(&Buffer{size: size, flags: flags, heap: h, rng: rng}), nil
		}
		if !errors.Is(err, heap.ErrNoSpace) {
			internalLogger.warnf("heap %s: allocate %d bytes: %v", h.Name(), size, err)
			continue
		}
		if b := s.createComposite(h, cands, size, align, flags); b != nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%d bytes from heap mask %#x: %w", size, mask, ErrOutOfMemory)
}

// tryAllocate allocates from h, draining its deferred-free list and retrying once when
// it is out of space.
func (s *BufferStore) tryAllocate(h heap.Heap, size, align uint64, flags heap.Flags) (heap.Range, error) {
	rng, err := h.Allocate(size, align, flags)
	if err == nil || !errors.Is(err, heap.ErrNoSpace) {
		s.countAlloc(h, err)
		return rng, err
	}
	if d, ok := h.(heap.Drainer); ok {
		if n := d.Drain(); n > 0 {
			internalLogger.debugf("heap %s: drained %d deferred bytes, retrying", h.Name(), n)
			rng, err = h.Allocate(size, align, flags)
		}
	}
	s.countAlloc(h, err)
	return rng, err
}

// createComposite splits a request between a splittable heap and a partner heap.
func (s *BufferStore) createComposite(h heap.Heap, cands []heap.Heap, size, align uint64, flags heap.Flags) *Buffer {
	sp, ok := h.(heap.Splitter)
	if !ok || h.Type() != heap.TypeSRAM {
		return nil
	}
	chunk := sp.LargestFree(align)
	chunk -= chunk % s.splitMin
	if chunk < s.splitMin || chunk >= size {
		return nil
	}
	primary, err := s.tryAllocate(h, chunk, align, flags)
	if err != nil {
		return nil
	}
	remain := size - chunk
	for _, partner := range cands {
		if partner == h || partner.Type() == heap.TypeSRAM {
			continue
		}
		rng, err := s.tryAllocate(partner, remain, align, flags)
		if err != nil {
			continue
		}
		sec := s.register(&Buffer{size: remain, flags: flags, heap: partner, rng: rng, isSecondary: true})
		b := &Buffer{size: size, flags: flags, heap: h, rng: primary, secondary: sec}
		s.metrics.composites.Inc()
		internalLogger.debugf("composite buffer: %s on %s + %s on %s", primary, h.Name(), rng, partner.Name())
		return s.register(b)
	}
	h.Free(primary)
	s.syncHeapGauge(h)
	return nil
}

func (s *BufferStore) register(b *Buffer) *Buffer {
	b.store = s
	b.ref.init()
	s.mu.Lock()
	s.nextID++
	b.id = s.nextID
	s.buffers[b.id] = b
	s.mu.Unlock()
	s.metrics.buffersLive.Inc()
	s.syncHeapGauge(b.heap)
	return b
}

// destroy runs when a buffer's reference count reaches zero. The secondary half of a
// composite buffer goes first.
func (s *BufferStore) destroy(b *Buffer) {
	b.mu.Lock()
	if b.kmapCnt > 0 {
		internalLogger.warnf("buffer %d: destroyed with %d kernel mappings", b.id, b.kmapCnt)
		for _, part := range b.parts() {
			part.heap.UnmapKernel(part.rng)
		}
		b.kmapCnt = 0
		b.vaddr = nil
	}
	b.mu.Unlock()

	if sec := b.secondary; sec != nil {
		sec.put()
	}

	s.mu.Lock()
	delete(s.buffers, b.id)
	s.mu.Unlock()

	b.heap.Free(b.rng)
	s.metrics.buffersLive.Dec()
	s.metrics.frees.Inc()
	s.syncHeapGauge(b.heap)
}

// Len returns the number of live buffers, composite halves included.
func (s *BufferStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers)
}

// Heaps returns the heaps in priority order.
func (s *BufferStore) Heaps() []heap.Heap {
	return append([]heap.Heap(nil), s.heaps...)
}

func (s *BufferStore) countAlloc(h heap.Heap, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	s.metrics.allocs.WithLabelValues(h.Name(), result).Inc()
	if err == nil {
		s.syncHeapGauge(h)
	}
}

func (s *BufferStore) syncHeapGauge(h heap.Heap) {
	s.metrics.heapAllocated.WithLabelValues(h.Name()).Set(float64(h.Stats().Allocated))
}
