package api

import "errors"

var (
	// ErrInvalidArgument covers malformed sizes, flags, foreign handles and rejected ranges.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound is returned for stale or unknown ids.
	ErrNotFound = errors.New("not found")
	// ErrOutOfMemory is returned when every heap candidate and the split fallback failed.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrResourceExhausted is returned when a bounded table or queue is full; retry later.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrTimedOut is returned when an explicit wait exceeded its deadline.
	ErrTimedOut = errors.New("timed out")
	// ErrPermissionDenied is returned for privileged commands from unprivileged callers.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrAlreadyReleased marks a double free. It is logged, not returned, by the core.
	ErrAlreadyReleased = errors.New("already released")
	// ErrClientClosed is returned for commands on a disconnected client.
	ErrClientClosed = errors.New("client closed")
	// ErrInterrupted is returned when a blocking wait is cancelled.
	ErrInterrupted = errors.New("interrupted")
)

// Status is the wire representation of an error.
type Status uint32

const (
	StatusOK Status = iota
	StatusInvalidArgument
	StatusNotFound
	StatusOutOfMemory
	StatusResourceExhausted
	StatusTimedOut
	StatusPermissionDenied
	StatusAlreadyReleased
	StatusClientClosed
	StatusInterrupted
	StatusInternal
)

// statusErrors is checked in order, so an error wrapping several sentinels maps to the
// first of them listed here.
var statusErrors = []struct {
	status Status
	err    error
}{
	{StatusClientClosed, ErrClientClosed},
	{StatusPermissionDenied, ErrPermissionDenied},
	{StatusInterrupted, ErrInterrupted},
	{StatusTimedOut, ErrTimedOut},
	{StatusResourceExhausted, ErrResourceExhausted},
	{StatusOutOfMemory, ErrOutOfMemory},
	{StatusNotFound, ErrNotFound},
	{StatusAlreadyReleased, ErrAlreadyReleased},
	{StatusInvalidArgument, ErrInvalidArgument},
}

// StatusOf maps err to its wire status.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	for _, se := range statusErrors {
		if errors.Is(err, se.err) {
			return se.status
		}
	}
	return StatusInternal
}

// Err maps a wire status back to its sentinel error.
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}
	for _, se := range statusErrors {
		if se.status == s {
			return se.err
		}
	}
	return errors.New("internal error")
}
