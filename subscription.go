// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package simplebus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/dreamsxin/simplebus/eventid"
	"github.com/dreamsxin/simplebus/segment"
	"github.com/dreamsxin/simplebus/types"
)

// Subscribe opens a consumer stream on the topic starting at the
// given cursor. The subscription registers for live delivery before
// replaying the backlog, so the two phases join without a gap: live
// events that replay already covered are discarded by position.
func (t *Topic) Subscribe(start types.StartFrom) (*Subscription, error) {
	st := t.state.Load()
	if st == nil {
		return nil, types.ErrShutdown
	}

	var (
		cur      types.Position
		filterTS int64
		hasTS    bool
		skipID   eventid.EventID
		hasSkip  bool
	)
	switch start.Kind {
	case types.StartBeginning:
		cur = types.Position{Segment: st.first()}
	case types.StartNow:
		cur = st.end()
	case types.StartTimestamp:
		if pos, ok := t.idx.SeekTimestamp(start.Timestamp); ok {
			cur = pos
		} else {
			cur = types.Position{Segment: st.first()}
		}
		filterTS, hasTS = start.Timestamp, true
	case types.StartEventID:
		pos, ok := t.idx.Lookup(start.ID)
		if !ok {
			return nil, fmt.Errorf("event %s: %w", start.ID, types.ErrCursorNotFound)
		}
		cur = pos
		if start.Exclusive {
			skipID, hasSkip = start.ID, true
		}
	default:
		return nil, fmt.Errorf("unknown cursor kind %d", start.Kind)
	}

	sub := &subscriber{
		id: uuid.New(),
		ch: make(chan broadcastMsg, t.cfg.subscriberBuffer),
	}

	// Register first, snapshot the end second: everything past the
	// snapshot arrives on the live channel.
	t.subMu.Lock()
	if t.subs == nil {
		t.subMu.Unlock()
		return nil, types.ErrShutdown
	}
	t.subs[sub.id] = sub
	t.subMu.Unlock()

	endState := t.state.Load()
	if endState == nil {
		return nil, types.ErrShutdown
	}
	end := endState.end()
	t.metrics.activeSubscriptions.Inc()

	s := &Subscription{
		topic:    t,
		sub:      sub,
		end:      end,
		cur:      cur,
		replay:   start.Kind != types.StartNow,
		filterTS: filterTS,
		hasTS:    hasTS,
		skipID:   skipID,
		hasSkip:  hasSkip,
		closed:   make(chan struct{}),
	}
	return s, nil
}

// Subscription is a single consumer's view of a topic: the backlog at
// subscribe time, replayed in order, followed by the live tail.
// Methods are not safe for concurrent use by multiple goroutines,
// matching one-consumer-one-stream usage; Close may be called from
// anywhere.
type Subscription struct {
	topic *Topic
	sub   *subscriber

	// end is the end-of-log snapshot taken at subscribe time; replay
	// stops there, live delivery starts there.
	end types.Position

	// cur is the next backlog position to read while replaying.
	cur    types.Position
	replay bool

	filterTS int64
	hasTS    bool
	skipID   eventid.EventID
	hasSkip  bool

	// reader caches the segment reader for cur's segment.
	reader *segment.Reader

	// Live-phase gap tracking.
	liveStarted bool
	lastLive    types.Position
	stash       *broadcastMsg
	afterGap    bool

	closed    chan struct{}
	closeOnce sync.Once
}

// Next returns the next event in order. It blocks until an event is
// available, ctx is done, or the stream terminates. A *LaggedError
// return means the live buffer overflowed: the stream continues with
// the event after the gap on the following call. ErrShutdown is
// terminal; ErrClosed follows a consumer Close.
func (s *Subscription) Next(ctx context.Context) (*types.Event, error) {
	for {
		select {
		case <-s.closed:
			return nil, types.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if s.replay {
			ev, err := s.nextBacklog()
			if err == errBacklogDone {
				s.replay = false
				continue
			}
			if err != nil {
				return nil, err
			}
			if ev == nil {
				continue // filtered out
			}
			s.topic.metrics.eventsReplayed.Inc()
			return ev, nil
		}

		msg := s.stash
		s.stash = nil
		if msg == nil {
			select {
			case m, ok := <-s.sub.ch:
				if !ok {
					return nil, types.ErrShutdown
				}
				msg = &m
			case <-s.closed:
				return nil, types.ErrClosed
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		// Replay already delivered everything before the snapshot.
		if msg.pos.Less(s.end) {
			continue
		}

		if s.afterGap {
			s.afterGap = false
		} else if s.liveGap(msg) {
			// Surface the gap once, keep the event for the next call.
			s.stash = msg
			s.afterGap = true
			return nil, &types.LaggedError{Skipped: s.sub.skipped.Swap(0)}
		}
		s.liveStarted = true
		s.lastLive = msg.pos
		return msg.ev, nil
	}
}

// liveGap reports whether msg does not directly follow the last
// delivered record.
func (s *Subscription) liveGap(msg *broadcastMsg) bool {
	if s.liveStarted {
		return msg.prev != s.lastLive
	}
	// First live event: contiguous when its predecessor was covered
	// by replay (or it is the very first record of the run).
	return !(msg.prev.Less(s.end) || msg.prev == types.Position{})
}

var errBacklogDone = errors.New("backlog drained")

// nextBacklog reads the next backlog record, applying the cursor's
// skip and timestamp filters. Returns (nil, nil) when the record was
// filtered, errBacklogDone at the snapshot boundary.
func (s *Subscription) nextBacklog() (*types.Event, error) {
	for {
		if !s.cur.Less(s.end) {
			s.reader = nil
			return nil, errBacklogDone
		}
		if s.reader == nil || s.reader.Number() != s.cur.Segment {
			r, err := s.topic.readerFor(s.cur.Segment)
			if err != nil {
				return nil, err
			}
			s.reader = r
		}
		ev, next, err := s.reader.ReadRecordAt(s.cur.Offset)
		if errors.Is(err, io.EOF) {
			// End of this segment; the backlog continues in the next.
			s.cur = types.Position{Segment: s.cur.Segment + 1}
			continue
		}
		if err != nil {
			return nil, err
		}
		s.cur.Offset = next

		if s.hasSkip {
			if ev.ID == s.skipID {
				s.hasSkip = false
				return nil, nil
			}
			s.hasSkip = false
		}
		if s.hasTS {
			if ev.Timestamp < s.filterTS {
				return nil, nil
			}
			// First qualifying event: accept everything after it.
			s.hasTS = false
		}
		return ev, nil
	}
}

// Close detaches the subscription. Idempotent and non-blocking; the
// subscriber leaves the writer's registry at once, so later broadcasts
// skip it.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.topic.subMu.Lock()
		if s.topic.subs != nil {
			if _, ok := s.topic.subs[s.sub.id]; ok {
				delete(s.topic.subs, s.sub.id)
				s.topic.metrics.activeSubscriptions.Dec()
			}
		}
		s.topic.subMu.Unlock()
	})
}
