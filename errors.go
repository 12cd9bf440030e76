package recfile

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound returned when a record or offset is past the end of stream.
	ErrNotFound = errors.New("record not found")
	// ErrInterrupted returned when a scan was stopped by the interrupt predicate.
	// It is a variant of ErrNotFound.
	ErrInterrupted = fmt.Errorf("%w: scan interrupted", ErrNotFound)

	// ErrNotOpen returned by every operation except Open, Attach and Close
	// if stream is not open.
	ErrNotOpen = errors.New("stream is not open")
	// ErrInvalidRecord returned for record numbers that can never be valid.
	ErrInvalidRecord = errors.New("invalid record number")
	// ErrInvalidWhence returned for unknown seek modes.
	ErrInvalidWhence = errors.New("invalid whence")
	// ErrPendingFull returned if pending buffer reached its limit.
	ErrPendingFull = errors.New("pending buffer is full")
	// ErrStalled returned after an i/o failure until stream is closed or reopened.
	ErrStalled = errors.New("stream stalled")

	// ErrIndexGap returned if boundary is set past the frontier.
	ErrIndexGap = errors.New("index gap")
	// ErrNonMonotonic returned if boundary isn't larger than the previous one.
	ErrNonMonotonic = errors.New("non monotonic offset")
)

// OpenError is returned if path can't be opened or its encoding is not supported.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// IOError is a read or seek failure of the underlying source.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
