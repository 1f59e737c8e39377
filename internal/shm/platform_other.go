//go:build !linux

package shm

import (
	"context"
	"errors"
	"fmt"
)

// MapRegion backs the arena with process memory. Named arenas are not supported.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("mmap: invalid size %d", opts.Size)
	}
	if opts.Name != "" {
		return nil, errors.New("shm: named arenas require linux")
	}
	return &MappedRegion{Addr: make([]byte, opts.Size), fd: -1, mapped: true}, nil
}

// UnmapRegion drops the arena memory.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region != nil {
		region.Addr = nil
		region.mapped = false
	}
	return nil
}

func canCreateOnDevShm(size uint64, path string) bool { return true }
