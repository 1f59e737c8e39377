// Package shm contains the platform-specific arena mapping used by heap backends.
package shm

import "errors"

// ErrNoSpace is returned when the backing filesystem cannot hold a named arena.
var ErrNoSpace = errors.New("shm: not enough space left for arena")

// MappedRegion represents a memory-mapped arena.
type MappedRegion struct {
	Addr []byte

	name   string
	fd     int
	mapped bool
}

// Name returns the backing name, empty for anonymous arenas.
func (r *MappedRegion) Name() string { return r.name }

// MapOptions defines options for mapping an arena.
type MapOptions struct {
	// Name selects a named /dev/shm backing. Empty maps anonymous memory.
	Name string
	Size int
	// Create creates (and truncates) the named backing if it does not exist.
	Create bool
}
