// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package simplebus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/simplebus/codec"
	"github.com/dreamsxin/simplebus/eventid"
	"github.com/dreamsxin/simplebus/segment"
	"github.com/dreamsxin/simplebus/types"
)

// osBuffered keeps test acks immediate; durability paths have their
// own tests.
func osBuffered() Option {
	return WithDurability(types.Durability{Mode: types.OSBuffered})
}

func openTestBus(t *testing.T, dir string, opts ...Option) *Bus {
	t.Helper()
	b, err := Open(dir, append([]Option{osBuffered()}, opts...)...)
	require.NoError(t, err)
	return b
}

func publishN(t *testing.T, topic *Topic, n int) []eventid.EventID {
	t.Helper()
	ids := make([]eventid.EventID, 0, n)
	for i := 0; i < n; i++ {
		id, err := topic.Publish(context.Background(), []byte(fmt.Sprintf("event %d", i)), nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func collect(t *testing.T, sub *Subscription, n int) []*types.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	evs := make([]*types.Event, 0, n)
	for len(evs) < n {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		evs = append(evs, ev)
	}
	return evs
}

func requireNoMore(t *testing.T, sub *Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func segPath(dir, topic string, n uint32) string {
	return filepath.Join(dir, "topics", topic, segment.FileName(n))
}

func TestBasicRoundTrip(t *testing.T) {
	b := openTestBus(t, t.TempDir())
	defer b.Close()

	topic, err := b.Topic("t")
	require.NoError(t, err)

	id, err := topic.Publish(context.Background(), []byte("hello"), nil)
	require.NoError(t, err)
	require.False(t, id.Zero())

	sub, err := topic.Subscribe(types.FromBeginning())
	require.NoError(t, err)
	defer sub.Close()

	evs := collect(t, sub, 1)
	require.Equal(t, "hello", string(evs[0].Payload))
	require.Equal(t, id, evs[0].ID)
	require.Equal(t, "t", evs[0].Topic)
	requireNoMore(t, sub)
}

func TestHeadersRoundTrip(t *testing.T) {
	b := openTestBus(t, t.TempDir())
	defer b.Close()

	topic, err := b.Topic("t")
	require.NoError(t, err)
	hdrs := map[string]string{"content-type": "text/plain", "trace": "123"}
	_, err = topic.Publish(context.Background(), []byte("x"), hdrs)
	require.NoError(t, err)

	sub, err := topic.Subscribe(types.FromBeginning())
	require.NoError(t, err)
	defer sub.Close()
	evs := collect(t, sub, 1)
	require.Equal(t, hdrs, evs[0].Headers)
}

func TestReplayFromTimestampAfterRestart(t *testing.T) {
	dir := t.TempDir()
	mock := clock.NewMock()
	mock.Add(time.Hour)

	b := openTestBus(t, dir, WithClock(mock), WithTimestampIndexStride(100), WithIndexSnapshots(false))
	topic, err := b.Topic("t")
	require.NoError(t, err)

	stamps := make([]int64, 1000)
	for i := range stamps {
		stamps[i] = mock.Now().UnixNano()
		_, err := topic.Publish(context.Background(), []byte(fmt.Sprintf("e%d", i)), nil)
		require.NoError(t, err)
		mock.Add(time.Millisecond)
	}
	require.NoError(t, b.Close())

	b2 := openTestBus(t, dir, WithTimestampIndexStride(100), WithIndexSnapshots(false))
	defer b2.Close()
	topic2, err := b2.Topic("t")
	require.NoError(t, err)

	sub, err := topic2.Subscribe(types.FromTimestamp(stamps[500]))
	require.NoError(t, err)
	defer sub.Close()

	evs := collect(t, sub, 500)
	require.Equal(t, stamps[500], evs[0].Timestamp)
	for i, ev := range evs {
		require.Equal(t, stamps[500+i], ev.Timestamp)
	}
	requireNoMore(t, sub)
}

func TestEventIDCursor(t *testing.T) {
	b := openTestBus(t, t.TempDir())
	defer b.Close()
	topic, err := b.Topic("t")
	require.NoError(t, err)

	ids := publishN(t, topic, 10)

	t.Run("exclusive", func(t *testing.T) {
		sub, err := topic.Subscribe(types.FromEventID(ids[3], true))
		require.NoError(t, err)
		defer sub.Close()
		evs := collect(t, sub, 6)
		require.Equal(t, ids[4], evs[0].ID)
		for i, ev := range evs {
			require.Equal(t, ids[4+i], ev.ID)
		}
		requireNoMore(t, sub)
	})

	t.Run("inclusive", func(t *testing.T) {
		sub, err := topic.Subscribe(types.FromEventID(ids[3], false))
		require.NoError(t, err)
		defer sub.Close()
		evs := collect(t, sub, 7)
		require.Equal(t, ids[3], evs[0].ID)
	})

	t.Run("unknown id", func(t *testing.T) {
		var bogus eventid.EventID
		bogus[15] = 0x7F
		_, err := topic.Subscribe(types.FromEventID(bogus, false))
		require.ErrorIs(t, err, types.ErrCursorNotFound)
	})
}

func TestPartialWriteRecovery(t *testing.T) {
	for _, snapshots := range []bool{true, false} {
		t.Run(fmt.Sprintf("snapshots=%v", snapshots), func(t *testing.T) {
			dir := t.TempDir()
			b := openTestBus(t, dir, WithIndexSnapshots(snapshots))
			topic, err := b.Topic("t")
			require.NoError(t, err)
			ids := publishN(t, topic, 25)
			require.NoError(t, b.Close())

			path := segPath(dir, "t", 1)
			st, err := os.Stat(path)
			require.NoError(t, err)
			cleanSize := st.Size()

			// A torn write: the first 17 bytes of record 26.
			g := eventid.NewGenerator(nil, nil)
			id, err := g.Next()
			require.NoError(t, err)
			frame, err := codec.Encode(nil, &types.Event{ID: id, Topic: "t", Payload: []byte("torn")},
				codec.Limits{MaxPayloadBytes: 1 << 20, MaxTopicNameBytes: 255})
			require.NoError(t, err)
			f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
			require.NoError(t, err)
			_, err = f.Write(frame[:17])
			require.NoError(t, err)
			require.NoError(t, f.Close())

			b2 := openTestBus(t, dir, WithIndexSnapshots(snapshots))
			defer b2.Close()
			topic2, err := b2.Topic("t")
			require.NoError(t, err)

			st, err = os.Stat(path)
			require.NoError(t, err)
			require.Equal(t, cleanSize, st.Size(), "tail repaired to the last valid record")

			sub, err := topic2.Subscribe(types.FromBeginning())
			require.NoError(t, err)
			defer sub.Close()
			evs := collect(t, sub, 25)
			for i, ev := range evs {
				require.Equal(t, ids[i], ev.ID)
			}
			requireNoMore(t, sub)
		})
	}
}

// fillTwoSegments publishes 4KiB payloads until the topic rotates at
// the 1MiB floor, leaving at least two segment files.
func fillTwoSegments(t *testing.T, dir string) {
	t.Helper()
	b := openTestBus(t, dir, WithMaxSegmentBytes(1024*1024), WithIndexSnapshots(false))
	topic, err := b.Topic("t")
	require.NoError(t, err)
	payload := make([]byte, 4096)
	for i := 0; i < 300; i++ {
		_, err := topic.Publish(context.Background(), payload, nil)
		require.NoError(t, err)
	}
	require.NoError(t, b.Close())

	_, err = os.Stat(segPath(dir, "t", 2))
	require.NoError(t, err, "expected a rotation into segment 2")
}

func TestMidSegmentCorruptionFailsOpen(t *testing.T) {
	dir := t.TempDir()
	fillTwoSegments(t, dir)

	// Flip one byte deep inside the first (sealed) segment.
	path := segPath(dir, "t", 1)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = f.ReadAt(buf, 5000)
	require.NoError(t, err)
	buf[0] ^= 0xFF
	_, err = f.WriteAt(buf, 5000)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(dir, osBuffered(), WithMaxSegmentBytes(1024*1024), WithIndexSnapshots(false))
	require.Error(t, err)
	var use *types.UnrecoverableSegmentError
	require.True(t, errors.As(err, &use), "want UnrecoverableSegmentError, got %v", err)
	require.Equal(t, uint32(1), use.Segment)
}

func TestReplaySpansSegments(t *testing.T) {
	dir := t.TempDir()
	fillTwoSegments(t, dir)

	b := openTestBus(t, dir, WithMaxSegmentBytes(1024*1024), WithIndexSnapshots(false))
	defer b.Close()
	topic, err := b.Topic("t")
	require.NoError(t, err)

	sub, err := topic.Subscribe(types.FromBeginning())
	require.NoError(t, err)
	defer sub.Close()

	evs := collect(t, sub, 300)
	for i := 1; i < len(evs); i++ {
		require.Equal(t, -1, evs[i-1].ID.Compare(evs[i].ID))
	}
	requireNoMore(t, sub)
}

func TestBacklogToLiveSeam(t *testing.T) {
	b := openTestBus(t, t.TempDir())
	defer b.Close()
	topic, err := b.Topic("t")
	require.NoError(t, err)

	first := publishN(t, topic, 5)

	sub, err := topic.Subscribe(types.FromBeginning())
	require.NoError(t, err)
	defer sub.Close()

	// Read part of the backlog, then publish into the live tail while
	// replay is still in progress.
	head := collect(t, sub, 2)
	second := publishN(t, topic, 5)

	rest := collect(t, sub, 8)
	all := append(head, rest...)

	want := append(append([]eventid.EventID{}, first...), second...)
	require.Len(t, all, 10)
	for i, ev := range all {
		require.Equal(t, want[i], ev.ID, "event %d out of order", i)
	}
	requireNoMore(t, sub)
}

func TestSubscribeFromNow(t *testing.T) {
	b := openTestBus(t, t.TempDir())
	defer b.Close()
	topic, err := b.Topic("t")
	require.NoError(t, err)

	publishN(t, topic, 5)

	sub, err := topic.Subscribe(types.FromNow())
	require.NoError(t, err)
	defer sub.Close()

	live, err := topic.Publish(context.Background(), []byte("live"), nil)
	require.NoError(t, err)

	evs := collect(t, sub, 1)
	require.Equal(t, live, evs[0].ID)
	requireNoMore(t, sub)
}

func TestLaggedSubscriber(t *testing.T) {
	b := openTestBus(t, t.TempDir(), WithSubscriberBuffer(1))
	defer b.Close()
	topic, err := b.Topic("t")
	require.NoError(t, err)

	sub, err := topic.Subscribe(types.FromNow())
	require.NoError(t, err)
	defer sub.Close()

	// Three publishes against a 1-slot buffer: the first fills it, the
	// next two drop.
	ids := publishN(t, topic, 3)

	evs := collect(t, sub, 1)
	require.Equal(t, ids[0], evs[0].ID)

	after, err := topic.Publish(context.Background(), []byte("after gap"), nil)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = sub.Next(ctx)
	var lagged *types.LaggedError
	require.True(t, errors.As(err, &lagged), "want LaggedError, got %v", err)
	require.Equal(t, uint64(2), lagged.Skipped)

	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, after, ev.ID)
}

func TestSnapshotRecovery(t *testing.T) {
	dir := t.TempDir()
	b := openTestBus(t, dir)
	topic, err := b.Topic("t")
	require.NoError(t, err)
	ids := publishN(t, topic, 50)
	require.NoError(t, b.Close())

	require.FileExists(t, filepath.Join(dir, "topics", "t", "index.snapshot"))

	b2 := openTestBus(t, dir)
	defer b2.Close()
	topic2, err := b2.Topic("t")
	require.NoError(t, err)

	// Ids minted after restart keep sorting above the recovered ones.
	more, err := topic2.Publish(context.Background(), []byte("more"), nil)
	require.NoError(t, err)
	require.Equal(t, -1, ids[49].Compare(more))

	sub, err := topic2.Subscribe(types.FromEventID(ids[49], true))
	require.NoError(t, err)
	defer sub.Close()
	evs := collect(t, sub, 1)
	require.Equal(t, more, evs[0].ID)
}

func TestShutdownSemantics(t *testing.T) {
	b := openTestBus(t, t.TempDir())
	topic, err := b.Topic("t")
	require.NoError(t, err)
	publishN(t, topic, 3)

	sub, err := topic.Subscribe(types.FromNow())
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "close is idempotent")

	_, err = topic.Publish(context.Background(), []byte("x"), nil)
	require.ErrorIs(t, err, types.ErrShutdown)
	_, err = topic.TryPublish(context.Background(), []byte("x"), nil)
	require.ErrorIs(t, err, types.ErrShutdown)

	_, err = sub.Next(context.Background())
	require.ErrorIs(t, err, types.ErrShutdown)

	_, err = topic.Subscribe(types.FromBeginning())
	require.ErrorIs(t, err, types.ErrShutdown)

	_, err = b.Topic("other")
	require.ErrorIs(t, err, types.ErrShutdown)
}

func TestMultipleTopicsAreIndependent(t *testing.T) {
	dir := t.TempDir()
	b := openTestBus(t, dir)
	a, err := b.Topic("alpha")
	require.NoError(t, err)
	z, err := b.Topic("zeta")
	require.NoError(t, err)

	publishN(t, a, 3)
	publishN(t, z, 7)
	require.NoError(t, b.Close())

	b2 := openTestBus(t, dir)
	defer b2.Close()
	a2, err := b2.Topic("alpha")
	require.NoError(t, err)
	z2, err := b2.Topic("zeta")
	require.NoError(t, err)

	subA, err := a2.Subscribe(types.FromBeginning())
	require.NoError(t, err)
	defer subA.Close()
	require.Len(t, collect(t, subA, 3), 3)
	requireNoMore(t, subA)

	subZ, err := z2.Subscribe(types.FromBeginning())
	require.NoError(t, err)
	defer subZ.Close()
	require.Len(t, collect(t, subZ, 7), 7)
	requireNoMore(t, subZ)
}

func TestTopicNameValidation(t *testing.T) {
	b := openTestBus(t, t.TempDir())
	defer b.Close()

	_, err := b.Topic("")
	require.Error(t, err)
	_, err = b.Topic("a/b")
	require.Error(t, err)
	_, err = b.Topic("..")
	require.Error(t, err)
	_, err = b.Topic(string(make([]byte, 200)))
	require.ErrorIs(t, err, types.ErrLimitExceeded)
}

func TestPayloadLimit(t *testing.T) {
	b := openTestBus(t, t.TempDir(), WithMaxPayloadBytes(64))
	defer b.Close()
	topic, err := b.Topic("t")
	require.NoError(t, err)

	_, err = topic.Publish(context.Background(), make([]byte, 65), nil)
	require.ErrorIs(t, err, types.ErrLimitExceeded)

	// The failed publish left no trace.
	_, err = topic.Publish(context.Background(), make([]byte, 64), nil)
	require.NoError(t, err)
	sub, err := topic.Subscribe(types.FromBeginning())
	require.NoError(t, err)
	defer sub.Close()
	collect(t, sub, 1)
	requireNoMore(t, sub)
}

func TestFsyncAlways(t *testing.T) {
	b, err := Open(t.TempDir(), WithDurability(types.Durability{Mode: types.FsyncAlways}))
	require.NoError(t, err)
	defer b.Close()
	topic, err := b.Topic("t")
	require.NoError(t, err)
	ids := publishN(t, topic, 10)
	for i := 1; i < len(ids); i++ {
		require.Equal(t, -1, ids[i-1].Compare(ids[i]))
	}
}

func TestFsyncBatchFlushOnCount(t *testing.T) {
	b, err := Open(t.TempDir(), WithDurability(types.Durability{
		Mode: types.FsyncBatch, MaxEvents: 2, MaxInterval: time.Hour,
	}))
	require.NoError(t, err)
	defer b.Close()
	topic, err := b.Topic("t")
	require.NoError(t, err)

	// Neither publish acks until the batch bound is hit, so they must
	// be in flight together.
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			_, err := topic.Publish(context.Background(), []byte(fmt.Sprintf("b%d", i)), nil)
			errs <- err
		}(i)
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}
}

func TestFsyncBatchFlushOnTimer(t *testing.T) {
	b, err := Open(t.TempDir(), WithDurability(types.Durability{
		Mode: types.FsyncBatch, MaxEvents: 1000, MaxInterval: 20 * time.Millisecond,
	}))
	require.NoError(t, err)
	defer b.Close()
	topic, err := b.Topic("t")
	require.NoError(t, err)

	start := time.Now()
	_, err = topic.Publish(context.Background(), []byte("timed"), nil)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRandomSequenceProperties(t *testing.T) {
	b := openTestBus(t, t.TempDir())
	defer b.Close()
	topic, err := b.Topic("t")
	require.NoError(t, err)

	f := fuzz.New().NilChance(0).NumElements(1, 512)
	const n = 200
	ids := make([]eventid.EventID, 0, n)
	for i := 0; i < n; i++ {
		var payload []byte
		f.Fuzz(&payload)
		id, err := topic.Publish(context.Background(), payload, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	sub, err := topic.Subscribe(types.FromBeginning())
	require.NoError(t, err)
	evs := collect(t, sub, n)
	sub.Close()
	for i, ev := range evs {
		require.Equal(t, ids[i], ev.ID)
		if i > 0 {
			require.Equal(t, -1, evs[i-1].ID.Compare(ev.ID), "ids must strictly increase")
		}
	}

	for _, k := range []int{0, 1, n / 2, n - 1} {
		sub, err := topic.Subscribe(types.FromEventID(ids[k], true))
		require.NoError(t, err)
		evs := collect(t, sub, n-k-1)
		if len(evs) > 0 {
			require.Equal(t, ids[k+1], evs[0].ID)
		}
		requireNoMore(t, sub)
		sub.Close()
	}
}
