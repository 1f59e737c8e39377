//go:build linux

package shm

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

const devShm = "/dev/shm"

// MapRegion maps an arena. Anonymous arenas are private to the process; named arenas live
// under /dev/shm so an external tool can inspect them.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("mmap: invalid size %d", opts.Size)
	}
	if opts.Name == "" {
		addr, err := unix.Mmap(-1, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			return nil, fmt.Errorf("mmap: %w", err)
		}
		return &MappedRegion{Addr: addr, fd: -1, mapped: true}, nil
	}

	shmPath := filepath.Join(devShm, opts.Name)
	flags := unix.O_RDWR
	if opts.Create {
		if !canCreateOnDevShm(uint64(opts.Size), shmPath) {
			return nil, fmt.Errorf("path:%s size:%d: %w", shmPath, opts.Size, ErrNoSpace)
		}
		flags |= unix.O_CREAT
	}
	fd, err := unix.Open(shmPath, flags, 0600)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if opts.Create {
		if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("ftruncate: %w", err)
		}
	}
	addr, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{Addr: addr, name: shmPath, fd: fd, mapped: true}, nil
}

// UnmapRegion unmaps the arena, closes its descriptor and removes a named backing.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || !region.mapped {
		return nil
	}
	region.mapped = false
	if err := unix.Munmap(region.Addr); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	region.Addr = nil
	if region.fd >= 0 {
		if err := unix.Close(region.fd); err != nil {
			return fmt.Errorf("close: %w", err)
		}
		if err := unix.Unlink(region.name); err != nil {
			return fmt.Errorf("unlink %s: %w", region.name, err)
		}
	}
	return nil
}

// canCreateOnDevShm reports whether /dev/shm has room for size bytes. Paths outside
// /dev/shm are not checked.
func canCreateOnDevShm(size uint64, path string) bool {
	if !strings.HasPrefix(path, devShm) {
		return true
	}
	stat, err := disk.Usage(devShm)
	if err != nil {
		return false
	}
	return stat.Free >= size
}
