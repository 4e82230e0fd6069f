// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupt means a record failed CRC or framing validation
	// mid-segment.
	ErrCorrupt = errors.New("corrupt record")

	// ErrTruncated means a segment ends inside a record. Recoverable
	// by truncation when it is the active segment's tail.
	ErrTruncated = errors.New("truncated record")

	// ErrLimitExceeded means a payload, topic name or header block
	// exceeds a configured limit.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrCursorNotFound means a subscription named an unknown event id.
	ErrCursorNotFound = errors.New("cursor not found")

	// ErrQueueFull is publish back-pressure from a full writer queue.
	ErrQueueFull = errors.New("publish queue full")

	// ErrShutdown means the bus is shutting down or already closed.
	ErrShutdown = errors.New("bus is shut down")

	// ErrClosed means the subscription was closed by its owner.
	ErrClosed = errors.New("closed")
)

// UnrecoverableSegmentError reports corruption in a non-final segment,
// which recovery cannot repair. It unwraps to the scan error that
// stopped recovery (ErrCorrupt or ErrTruncated), or to ErrCorrupt when
// Err is nil.
type UnrecoverableSegmentError struct {
	Segment uint32
	Offset  int64
	Err     error
}

func (e *UnrecoverableSegmentError) Error() string {
	return fmt.Sprintf("unrecoverable segment %d at offset %d: %v", e.Segment, e.Offset, e.Err)
}

func (e *UnrecoverableSegmentError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrCorrupt
}

// LaggedError tells a subscriber that its live buffer overflowed and
// Skipped events were dropped. The stream resumes with the next live
// event; reopening from the last seen id recovers the gap.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged: %d events skipped", e.Skipped)
}
