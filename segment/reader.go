// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/dreamsxin/simplebus/codec"
	"github.com/dreamsxin/simplebus/types"
)

// Reader reads records from one segment via ReadAt. A reader from
// Filer.Open owns a read-only file handle; a reader from Writer.Reader
// is a view over the writer's handle bounded by the atomically
// published committed size.
type Reader struct {
	ra   io.ReaderAt
	size int64
	num  uint32

	// live, when non-nil, tracks the committed size of a still-active
	// segment.
	live *atomic.Int64

	closer io.Closer

	scratchPreamble []byte
}

// Number returns the segment number.
func (r *Reader) Number() uint32 { return r.num }

// Size returns the readable byte length of the segment.
func (r *Reader) Size() int64 {
	if r.live != nil {
		return r.live.Load()
	}
	return r.size
}

// Close releases the underlying file handle if this reader owns one.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// ReadRecordAt decodes exactly one record starting at off and returns
// it with the offset of the next record. Reading at the committed end
// returns io.EOF; anything between a record boundary and the end
// surfaces types.ErrTruncated; invalid framing or CRC surfaces
// types.ErrCorrupt. All errors carry the byte offset.
func (r *Reader) ReadRecordAt(off int64) (*types.Event, int64, error) {
	size := r.Size()
	if off == size {
		return nil, off, io.EOF
	}
	if off > size {
		return nil, off, fmt.Errorf("segment %d: offset %d beyond end %d: %w", r.num, off, size, types.ErrCorrupt)
	}
	if size-off < int64(codec.PreambleLen) {
		return nil, off, fmt.Errorf("segment %d: %d trailing bytes at offset %d: %w", r.num, size-off, off, types.ErrTruncated)
	}

	if cap(r.scratchPreamble) < codec.PreambleLen {
		r.scratchPreamble = make([]byte, codec.PreambleLen)
	}
	buf := r.scratchPreamble[:codec.PreambleLen]
	if err := r.readFull(buf, off); err != nil {
		return nil, off, err
	}
	p, err := codec.ParsePreamble(buf)
	if err != nil {
		return nil, off, fmt.Errorf("segment %d offset %d: %w", r.num, off, err)
	}
	if off+p.FrameLen() > size {
		return nil, off, fmt.Errorf("segment %d: record at offset %d runs past end (%d > %d): %w",
			r.num, off, off+p.FrameLen(), size, types.ErrTruncated)
	}

	body := make([]byte, p.BodyLen)
	if err := r.readFull(body, off+int64(codec.PreambleLen)); err != nil {
		return nil, off, err
	}
	ev, err := codec.DecodeBody(p, body)
	if err != nil {
		return nil, off, fmt.Errorf("segment %d offset %d: %w", r.num, off, err)
	}
	return ev, off + p.FrameLen(), nil
}

func (r *Reader) readFull(buf []byte, off int64) error {
	n, err := r.ra.ReadAt(buf, off)
	if errors.Is(err, io.EOF) && n == len(buf) {
		// Read the whole thing, it just ended exactly at EOF.
		err = nil
	}
	if err != nil {
		return fmt.Errorf("segment %d: read %d bytes at %d: %w", r.num, len(buf), off, err)
	}
	return nil
}

// Scanner iterates records in offset order.
type Scanner struct {
	r    *Reader
	next int64

	ev  *types.Event
	off int64
	err error
}

// Scan returns a scanner positioned at from. The first Next call
// yields the record starting there.
func (r *Reader) Scan(from int64) *Scanner {
	return &Scanner{r: r, next: from}
}

// Next advances to the next record, reporting false at the committed
// end or on the first error. After false, Err distinguishes a clean
// end (nil) from corruption or truncation.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}
	ev, next, err := s.r.ReadRecordAt(s.next)
	if errors.Is(err, io.EOF) {
		return false
	}
	if err != nil {
		s.err = err
		return false
	}
	s.ev, s.off, s.next = ev, s.next, next
	return true
}

// Event returns the record read by the last successful Next.
func (s *Scanner) Event() *types.Event { return s.ev }

// Offset returns the start offset of the record read by the last
// successful Next.
func (s *Scanner) Offset() int64 { return s.off }

// NextOffset returns the offset scanning would continue from: one past
// the last valid record seen.
func (s *Scanner) NextOffset() int64 { return s.next }

// Err returns the corruption or truncation error that stopped the
// scan, or nil for a clean end-of-segment.
func (s *Scanner) Err() error { return s.err }
