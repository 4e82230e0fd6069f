// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package types holds the value types and errors shared between the
// bus, the segment store and the codec.
package types

import (
	"time"

	"github.com/dreamsxin/simplebus/eventid"
)

// Event is the in-memory form of one record.
type Event struct {
	// ID is the 128-bit time-sortable identifier minted at publish.
	ID eventid.EventID

	// Timestamp is the publish wall-clock time in unix nanoseconds,
	// clamped non-decreasing per topic.
	Timestamp int64

	// Topic is the stream the event belongs to.
	Topic string

	// Payload is opaque to the bus.
	Payload []byte

	// Headers are optional user metadata. Nil and empty are
	// equivalent on the wire.
	Headers map[string]string
}

// Position addresses one record: the segment it lives in and the byte
// offset of its frame within that segment.
type Position struct {
	Segment uint32
	Offset  int64
}

// Less orders positions by segment then offset.
func (p Position) Less(other Position) bool {
	if p.Segment != other.Segment {
		return p.Segment < other.Segment
	}
	return p.Offset < other.Offset
}

// SegmentInfo describes one segment file of a topic.
type SegmentInfo struct {
	// Number is the monotonically increasing segment number. It is
	// also the file name (log-%08d.seg).
	Number uint32

	// Size is the byte length of the file. For the active segment it
	// is the committed length after recovery or the current end while
	// writing.
	Size int64

	// FirstID and LastID bound the event ids observed in the segment.
	// Zero if the segment is empty.
	FirstID eventid.EventID
	LastID  eventid.EventID

	// FirstTS and LastTS bound the timestamps observed in the segment.
	FirstTS int64
	LastTS  int64

	// SealTime is when the segment was rotated out. Zero for the
	// active segment.
	SealTime time.Time
}

// DurabilityMode selects when appended bytes reach stable storage.
type DurabilityMode int

const (
	// FsyncAlways syncs after every record before acknowledging.
	FsyncAlways DurabilityMode = iota

	// FsyncBatch accumulates unsynced acks and flushes when either
	// MaxEvents or MaxInterval is reached.
	FsyncBatch

	// OSBuffered never syncs on the hot path; a best-effort flush
	// runs at shutdown.
	OSBuffered
)

// Durability is the closed set of durability policies switched inside
// the topic writer.
type Durability struct {
	Mode DurabilityMode

	// MaxEvents and MaxInterval bound a batch in FsyncBatch mode.
	MaxEvents   int
	MaxInterval time.Duration
}

// StartKind enumerates the subscription cursor kinds.
type StartKind int

const (
	StartBeginning StartKind = iota
	StartNow
	StartTimestamp
	StartEventID
)

// StartFrom specifies where a subscription begins.
type StartFrom struct {
	Kind StartKind

	// Timestamp applies when Kind is StartTimestamp (unix nanos).
	Timestamp int64

	// ID and Exclusive apply when Kind is StartEventID. Exclusive
	// skips the matched record.
	ID        eventid.EventID
	Exclusive bool
}

// FromBeginning replays the whole backlog then follows live events.
func FromBeginning() StartFrom { return StartFrom{Kind: StartBeginning} }

// FromNow skips the backlog entirely.
func FromNow() StartFrom { return StartFrom{Kind: StartNow} }

// FromTimestamp starts at the first event whose timestamp is >= t.
func FromTimestamp(t int64) StartFrom {
	return StartFrom{Kind: StartTimestamp, Timestamp: t}
}

// FromEventID starts at the event with the given id, skipping it when
// exclusive. Subscribing with an unknown id fails with
// ErrCursorNotFound.
func FromEventID(id eventid.EventID, exclusive bool) StartFrom {
	return StartFrom{Kind: StartEventID, ID: id, Exclusive: exclusive}
}
