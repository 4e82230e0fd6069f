// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package simplebus

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/dreamsxin/simplebus/codec"
	"github.com/dreamsxin/simplebus/eventid"
	"github.com/dreamsxin/simplebus/index"
	"github.com/dreamsxin/simplebus/segment"
	"github.com/dreamsxin/simplebus/types"
)

// publishRequest travels from a producer to the topic writer.
type publishRequest struct {
	payload []byte
	headers map[string]string
	ack     chan publishResult
}

type publishResult struct {
	id  eventid.EventID
	err error
}

// broadcastMsg is one live event fanned out to subscribers. prev is
// the position of the record broadcast immediately before this one so
// subscribers can detect gaps from dropped sends.
type broadcastMsg struct {
	ev   *types.Event
	pos  types.Position
	prev types.Position
}

// subscriber is the writer-side endpoint of one subscription. The
// subscription holds only the receive side; the writer observes a
// dropped subscription on its next send via the registry.
type subscriber struct {
	id      uuid.UUID
	ch      chan broadcastMsg
	skipped atomic.Uint64
}

// topicState is the immutable snapshot of a topic's segment files.
// Readers access it without taking the writer's lock; the writer
// replaces it on rotation.
type topicState struct {
	// sealed maps segment number to a reader for every immutable
	// segment.
	sealed *immutable.SortedMap[uint32, *segment.Reader]

	// active is the appendable tail segment.
	active *segment.Writer
}

// end returns the committed end of the log: the position a record
// appended next would start at.
func (s *topicState) end() types.Position {
	return types.Position{Segment: s.active.Number(), Offset: s.active.CommittedSize()}
}

// first returns the lowest segment number.
func (s *topicState) first() uint32 {
	it := s.sealed.Iterator()
	if !it.Done() {
		n, _, _ := it.Next()
		return n
	}
	return s.active.Number()
}

// Topic is a handle on one named event stream. All mutation funnels
// through the single writer goroutine; Publish and Subscribe are safe
// for concurrent use.
type Topic struct {
	name    string
	cfg     *config
	logger  log.Logger
	metrics *busMetrics
	filer   *segment.Filer
	idgen   *eventid.Generator
	idx     *index.Index

	state atomic.Pointer[topicState]

	reqCh chan publishRequest
	quit  chan struct{}
	done  chan struct{}

	// subMu guards the subscriber registry. Taken briefly by the
	// writer on each broadcast and by consumers on subscribe/close.
	subMu sync.Mutex
	subs  map[uuid.UUID]*subscriber

	// Writer-owned; never touched outside the writer goroutine after
	// recovery.
	lastTS  int64
	lastID  eventid.EventID
	lastPos types.Position

	// retired holds file handles of segments sealed or opened during
	// this run. They stay open for in-flight readers and close at
	// shutdown.
	retired []io.Closer

	// FsyncBatch state.
	pending    []publishRequest
	pendingIDs []eventid.EventID
	flushTimer *timerHandle
}

// timerHandle wraps the clock timer so an unarmed timer selects on a
// nil channel.
type timerHandle struct {
	c    <-chan time.Time
	stop func() bool
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// open recovers the topic's on-disk state and starts its writer.
// Runs with the bus registry lock held; no publishes are accepted
// until it returns.
func (t *Topic) open(dataDir string) error {
	dir := filepath.Join(dataDir, "topics", t.name)
	filer, err := segment.NewFiler(dir)
	if err != nil {
		return err
	}
	t.filer = filer

	snapPath := filepath.Join(dir, index.SnapshotFileName)
	var snap *index.Snapshot
	if t.cfg.snapshots {
		snap, _, err = index.LoadSnapshot(snapPath, t.cfg.stride)
		if err != nil {
			return err
		}
	}

	if err := t.recover(snap); err != nil {
		if err != errStaleSnapshot {
			t.closeFiles()
			return err
		}
		// A snapshot that doesn't line up with the files is stale.
		// Drop it and rebuild everything from the log.
		level.Warn(t.logger).Log("msg", "discarding stale index snapshot", "topic", t.name)
		t.closeFiles()
		if err := t.recover(nil); err != nil {
			return err
		}
	}

	go t.run()
	t.metrics.topicsOpen.Inc()
	return nil
}

// errStaleSnapshot signals that the snapshot disagrees with the
// segment files and recovery must restart without it.
var errStaleSnapshot = fmt.Errorf("index snapshot does not match segment files")

// recover builds indices and the segment state from disk, repairing a
// damaged tail in the final segment. Corruption anywhere else aborts
// with UnrecoverableSegmentError.
func (t *Topic) recover(snap *index.Snapshot) (err error) {
	var active *segment.Writer
	defer func() {
		if err != nil && active != nil {
			// Not published into the state yet; close it here so the
			// caller can retry or abort cleanly.
			active.Close()
		}
	}()
	return t.recoverFiles(snap, &active)
}

func (t *Topic) recoverFiles(snap *index.Snapshot, activeOut **segment.Writer) error {
	nums, err := t.filer.List()
	if err != nil {
		return err
	}

	scanFrom := types.Position{}
	if snap != nil {
		t.idx = snap.Index
		t.lastID = snap.LastID
		t.lastTS = snap.LastTS
		scanFrom = snap.Tail
	} else {
		t.idx = index.New(t.cfg.stride)
		t.lastID = eventid.EventID{}
		t.lastTS = 0
	}

	if len(nums) == 0 {
		if snap != nil && snap.Index.Count() > 0 {
			return errStaleSnapshot
		}
		w, err := t.filer.Create(1)
		if err != nil {
			return err
		}
		sealed := &immutable.SortedMap[uint32, *segment.Reader]{}
		t.state.Store(&topicState{sealed: sealed, active: w})
		return nil
	}

	if snap != nil {
		if scanFrom.Segment < nums[0] || scanFrom.Segment > nums[len(nums)-1] {
			return errStaleSnapshot
		}
	}

	sealed := &immutable.SortedMap[uint32, *segment.Reader]{}
	var active *segment.Writer
	for i, n := range nums {
		final := i == len(nums)-1
		var r *segment.Reader
		if final {
			w, err := t.filer.RecoverWriter(n)
			if err != nil {
				return err
			}
			active = w
			*activeOut = w
			r = w.Reader()
		} else {
			r, err = t.filer.Open(n)
			if err != nil {
				return err
			}
			t.retired = append(t.retired, r)
		}

		var from int64
		switch {
		case n < scanFrom.Segment:
			// Fully covered by the snapshot.
			if !final {
				sealed = sealed.Set(n, r)
			}
			continue
		case n == scanFrom.Segment:
			if scanFrom.Offset > r.Size() {
				return errStaleSnapshot
			}
			from = scanFrom.Offset
		}

		sc := r.Scan(from)
		for sc.Next() {
			ev := sc.Event()
			t.idx.Insert(ev.ID, ev.Timestamp, types.Position{Segment: n, Offset: sc.Offset()})
			t.lastID = ev.ID
			if ev.Timestamp > t.lastTS {
				t.lastTS = ev.Timestamp
			}
		}
		if serr := sc.Err(); serr != nil {
			if !final {
				return &types.UnrecoverableSegmentError{Segment: n, Offset: sc.NextOffset(), Err: serr}
			}
			off := sc.NextOffset()
			level.Warn(t.logger).Log("msg", "truncating damaged segment tail",
				"topic", t.name, "segment", n, "offset", off, "err", serr)
			if terr := active.Truncate(off); terr != nil {
				return terr
			}
			t.metrics.tailTruncations.Inc()
		}
		if !final {
			sealed = sealed.Set(n, r)
		}
	}

	if !t.lastID.Zero() {
		t.idgen.SeedFloor(t.lastID.Millis() + 1)
	}
	t.state.Store(&topicState{sealed: sealed, active: active})
	return nil
}

// run is the writer goroutine: the only code that appends, rotates,
// mutates indices or touches broadcast ordering.
func (t *Topic) run() {
	defer close(t.done)
	for {
		var flushC <-chan time.Time
		if t.flushTimer != nil {
			flushC = t.flushTimer.c
		}
		select {
		case req := <-t.reqCh:
			t.handlePublish(req)
		case <-flushC:
			t.flushTimer = nil
			t.flushBatch()
		case <-t.quit:
			t.drainAndExit()
			return
		}
	}
}

func (t *Topic) handlePublish(req publishRequest) {
	id, err := t.idgen.Next()
	if err != nil {
		t.fail(req, err)
		return
	}
	ts := t.cfg.clock.Now().UnixNano()
	if ts < t.lastTS {
		// Clock retreated; never let the stream's timestamps regress.
		ts = t.lastTS
	}

	ev := &types.Event{
		ID:        id,
		Timestamp: ts,
		Topic:     t.name,
		Payload:   req.payload,
		Headers:   req.headers,
	}
	frame, err := codec.Encode(nil, ev, codec.Limits{
		MaxPayloadBytes:   t.cfg.maxPayloadBytes,
		MaxTopicNameBytes: t.cfg.maxTopicNameBytes,
	})
	if err != nil {
		t.fail(req, err)
		return
	}

	st := t.state.Load()
	if st.active.Size() > 0 && st.active.Size()+int64(len(frame)) > t.cfg.maxSegmentBytes {
		if err := t.rotate(); err != nil {
			t.fail(req, err)
			return
		}
		st = t.state.Load()
	}

	off, err := st.active.Append(frame)
	if err != nil {
		// Indices untouched: the record is not committed.
		t.fail(req, err)
		return
	}
	pos := types.Position{Segment: st.active.Number(), Offset: off}
	t.idx.Insert(id, ts, pos)
	t.lastTS = ts
	t.lastID = id

	t.metrics.bytesPublished.Add(float64(len(frame)))

	switch t.cfg.durability.Mode {
	case types.FsyncAlways:
		if err := st.active.Sync(); err != nil {
			t.broadcast(ev, pos)
			t.fail(req, err)
			return
		}
		t.metrics.fsyncs.Inc()
		t.broadcast(ev, pos)
		t.ack(req, id)
	case types.FsyncBatch:
		t.broadcast(ev, pos)
		t.pending = append(t.pending, req)
		t.pendingIDs = append(t.pendingIDs, id)
		if len(t.pending) >= t.cfg.durability.MaxEvents {
			if t.flushTimer != nil {
				t.flushTimer.stop()
				t.flushTimer = nil
			}
			t.flushBatch()
		} else if t.flushTimer == nil {
			timer := t.cfg.clock.Timer(t.cfg.durability.MaxInterval)
			t.flushTimer = &timerHandle{c: timer.C, stop: timer.Stop}
		}
	case types.OSBuffered:
		t.broadcast(ev, pos)
		t.ack(req, id)
	}
}

// flushBatch syncs the active segment once and acknowledges every
// publish accumulated since the previous flush.
func (t *Topic) flushBatch() {
	if len(t.pending) == 0 {
		return
	}
	st := t.state.Load()
	err := st.active.Sync()
	if err == nil {
		t.metrics.fsyncs.Inc()
	}
	for i, req := range t.pending {
		if err != nil {
			t.fail(req, err)
		} else {
			t.ack(req, t.pendingIDs[i])
		}
	}
	t.pending = t.pending[:0]
	t.pendingIDs = t.pendingIDs[:0]
}

// rotate seals the active segment and opens the next one. The sealed
// file handle stays open for in-flight readers and is closed at
// shutdown.
func (t *Topic) rotate() error {
	st := t.state.Load()
	old := st.active
	if err := old.Sync(); err != nil {
		return err
	}
	t.metrics.fsyncs.Inc()

	next := old.Number() + 1
	w, err := t.filer.Create(next)
	if err != nil {
		return err
	}
	t.retired = append(t.retired, old)

	newState := &topicState{
		sealed: st.sealed.Set(old.Number(), old.Reader()),
		active: w,
	}
	t.state.Store(newState)
	t.metrics.segmentRotations.Inc()
	level.Debug(t.logger).Log("msg", "rotated segment", "topic", t.name, "segment", next)
	return nil
}

// broadcast fans an appended record out to live subscribers without
// ever blocking the writer. A full subscriber buffer drops the event
// for that subscriber only; the gap surfaces as a Lagged signal.
func (t *Topic) broadcast(ev *types.Event, pos types.Position) {
	msg := broadcastMsg{ev: ev, pos: pos, prev: t.lastPos}
	t.lastPos = pos

	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, sub := range t.subs {
		select {
		case sub.ch <- msg:
		default:
			sub.skipped.Add(1)
			t.metrics.broadcastsDropped.Inc()
		}
	}
}

func (t *Topic) ack(req publishRequest, id eventid.EventID) {
	t.metrics.eventsPublished.Inc()
	req.ack <- publishResult{id: id}
}

func (t *Topic) fail(req publishRequest, err error) {
	t.metrics.publishErrors.Inc()
	req.ack <- publishResult{err: err}
}

// drainAndExit finishes queued publishes, flushes, persists the index
// snapshot and tears the topic down. Runs on the writer goroutine.
func (t *Topic) drainAndExit() {
	for {
		select {
		case req := <-t.reqCh:
			t.handlePublish(req)
		default:
			goto drained
		}
	}
drained:
	if t.flushTimer != nil {
		t.flushTimer.stop()
		t.flushTimer = nil
	}
	t.flushBatch()

	st := t.state.Load()
	// Best-effort final flush covers OSBuffered mode too.
	if err := st.active.Sync(); err != nil {
		level.Error(t.logger).Log("msg", "final sync failed", "topic", t.name, "err", err)
	}

	if t.cfg.snapshots {
		snapPath := filepath.Join(t.filer.Dir(), index.SnapshotFileName)
		if err := index.SaveSnapshot(snapPath, t.idx, st.end(), t.lastID, t.lastTS); err != nil {
			level.Warn(t.logger).Log("msg", "saving index snapshot failed", "topic", t.name, "err", err)
		}
	}

	// Terminal signal to every subscriber.
	t.subMu.Lock()
	for _, sub := range t.subs {
		close(sub.ch)
	}
	t.metrics.activeSubscriptions.Sub(float64(len(t.subs)))
	t.subs = nil
	t.subMu.Unlock()

	t.closeFiles()
	t.metrics.topicsOpen.Dec()
}

func (t *Topic) closeFiles() {
	if st := t.state.Load(); st != nil && st.active != nil {
		if err := st.active.Close(); err != nil {
			level.Error(t.logger).Log("msg", "closing active segment", "topic", t.name, "err", err)
		}
	}
	for _, c := range t.retired {
		if err := c.Close(); err != nil {
			level.Error(t.logger).Log("msg", "closing segment file", "topic", t.name, "err", err)
		}
	}
	t.retired = nil
	t.state.Store(nil)
}

// close stops the writer and waits for the drain to finish.
func (t *Topic) close() {
	close(t.quit)
	<-t.done
}

// Publish appends payload (with optional headers) to the topic and
// returns the minted event id once the durability policy acknowledges
// it. Blocks while the writer queue is full; ctx bounds the wait. A
// context cancellation after enqueue does not recall the append.
func (t *Topic) Publish(ctx context.Context, payload []byte, headers map[string]string) (eventid.EventID, error) {
	req := publishRequest{payload: payload, headers: headers, ack: make(chan publishResult, 1)}
	select {
	case t.reqCh <- req:
	case <-t.quit:
		return eventid.EventID{}, types.ErrShutdown
	case <-ctx.Done():
		return eventid.EventID{}, ctx.Err()
	}
	return t.awaitAck(ctx, req)
}

// TryPublish is Publish without the wait: a full writer queue fails
// immediately with ErrQueueFull.
func (t *Topic) TryPublish(ctx context.Context, payload []byte, headers map[string]string) (eventid.EventID, error) {
	req := publishRequest{payload: payload, headers: headers, ack: make(chan publishResult, 1)}
	select {
	case t.reqCh <- req:
	case <-t.quit:
		return eventid.EventID{}, types.ErrShutdown
	default:
		return eventid.EventID{}, types.ErrQueueFull
	}
	return t.awaitAck(ctx, req)
}

func (t *Topic) awaitAck(ctx context.Context, req publishRequest) (eventid.EventID, error) {
	select {
	case res := <-req.ack:
		return res.id, res.err
	case <-t.done:
		// The writer exited. It drained the queue first, so either
		// our ack is already buffered or the request was never seen.
		select {
		case res := <-req.ack:
			return res.id, res.err
		default:
			return eventid.EventID{}, types.ErrShutdown
		}
	case <-ctx.Done():
		return eventid.EventID{}, ctx.Err()
	}
}

// readerFor resolves a segment number to a reader over its committed
// bytes.
func (t *Topic) readerFor(n uint32) (*segment.Reader, error) {
	st := t.state.Load()
	if st == nil {
		return nil, types.ErrShutdown
	}
	if st.active != nil && st.active.Number() == n {
		return st.active.Reader(), nil
	}
	if r, ok := st.sealed.Get(n); ok {
		return r, nil
	}
	return nil, fmt.Errorf("segment %d not found in topic %s", n, t.name)
}
