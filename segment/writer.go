// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"fmt"
	"os"
	"sync/atomic"
)

// Writer is the single mutation point of the active segment file. Only
// the topic writer appends, truncates or syncs; concurrent readers go
// through ReadAt which is safe against in-flight appends.
type Writer struct {
	file *os.File
	num  uint32
	size int64 // committed byte length; written only by the owning writer

	sizeAtomic atomic.Int64
}

func newWriter(file *os.File, num uint32, size int64) *Writer {
	w := &Writer{file: file, num: num, size: size}
	w.sizeAtomic.Store(size)
	return w
}

// Number returns the segment number.
func (w *Writer) Number() uint32 { return w.num }

// Size returns the current byte length of the segment. Writer-side
// view; readers use CommittedSize.
func (w *Writer) Size() int64 { return w.size }

// CommittedSize returns the byte length of fully appended records,
// safe to read from any goroutine.
func (w *Writer) CommittedSize() int64 { return w.sizeAtomic.Load() }

// Append writes b at the current end of the segment and returns the
// byte offset the record starts at. A short or failed write leaves the
// recorded size unchanged so recovery truncates the torn tail.
func (w *Writer) Append(b []byte) (int64, error) {
	off := w.size
	n, err := w.file.WriteAt(b, off)
	if err != nil {
		return 0, fmt.Errorf("appending %d bytes to segment %d at %d: %w", len(b), w.num, off, err)
	}
	if n != len(b) {
		return 0, fmt.Errorf("short append to segment %d: %d of %d bytes", w.num, n, len(b))
	}
	w.size = off + int64(n)
	w.sizeAtomic.Store(w.size)
	return off, nil
}

// Sync forces written bytes to stable storage. On linux this is
// fdatasync; elsewhere a full fsync.
func (w *Writer) Sync() error {
	if err := datasync(w.file); err != nil {
		return fmt.Errorf("syncing segment %d: %w", w.num, err)
	}
	return nil
}

// Truncate cuts the segment to length off. Used by recovery to drop a
// damaged tail; the truncation is synced before returning.
func (w *Writer) Truncate(off int64) error {
	if err := w.file.Truncate(off); err != nil {
		return fmt.Errorf("truncating segment %d to %d: %w", w.num, off, err)
	}
	if err := w.Sync(); err != nil {
		return err
	}
	w.size = off
	w.sizeAtomic.Store(off)
	return nil
}

// ReadAt implements io.ReaderAt over the segment file. Safe to call
// concurrently with Append.
func (w *Writer) ReadAt(p []byte, off int64) (int, error) {
	return w.file.ReadAt(p, off)
}

// Reader returns a read view over the committed bytes of the segment.
// The view shares the writer's file handle and observes later appends
// through the atomically published size, so it stays valid while the
// segment is active.
func (w *Writer) Reader() *Reader {
	return &Reader{ra: w, size: w.sizeAtomic.Load(), num: w.num, live: &w.sizeAtomic}
}

// Close closes the underlying file. Callers sync first when the
// contents must be durable.
func (w *Writer) Close() error {
	return w.file.Close()
}
