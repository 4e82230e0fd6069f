// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package index holds a topic's in-memory lookup structures: the
// event-id map and the stride-sampled timestamp sequence, plus their
// optional on-disk snapshot.
package index

import (
	"sort"
	"sync"

	"github.com/dreamsxin/simplebus/eventid"
	"github.com/dreamsxin/simplebus/types"
)

// Sample pins one record boundary to its timestamp. The sample
// sequence is non-decreasing in TS because the writer clamps
// timestamps.
type Sample struct {
	TS  int64
	Pos types.Position
}

// Index is mutated only by the topic writer; lookups come from
// subscribing consumers off the hot path, hence the RWMutex.
type Index struct {
	mu      sync.RWMutex
	ids     map[eventid.EventID]types.Position
	samples []Sample
	stride  uint64
	count   uint64
}

// New returns an empty index sampling every stride records.
func New(stride int) *Index {
	if stride < 1 {
		stride = 1
	}
	return &Index{
		ids:    make(map[eventid.EventID]types.Position),
		stride: uint64(stride),
	}
}

// Insert records a committed record. Called once per record, in append
// order, after the bytes are on disk.
func (x *Index) Insert(id eventid.EventID, ts int64, pos types.Position) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ids[id] = pos
	if x.count%x.stride == 0 {
		x.samples = append(x.samples, Sample{TS: ts, Pos: pos})
	}
	x.count++
}

// Lookup resolves an event id to its position.
func (x *Index) Lookup(id eventid.EventID) (types.Position, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	pos, ok := x.ids[id]
	return pos, ok
}

// SeekTimestamp returns the position of the greatest sample whose
// timestamp is <= t. ok is false when t precedes every sample, in
// which case the scan starts at the head of the log.
func (x *Index) SeekTimestamp(t int64) (types.Position, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	i := sort.Search(len(x.samples), func(i int) bool { return x.samples[i].TS > t })
	if i == 0 {
		return types.Position{}, false
	}
	return x.samples[i-1].Pos, true
}

// Count returns the number of records inserted.
func (x *Index) Count() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.count
}

// snapshotView copies the state needed to persist a snapshot.
func (x *Index) snapshotView() (map[eventid.EventID]types.Position, []Sample, uint64) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := make(map[eventid.EventID]types.Position, len(x.ids))
	for k, v := range x.ids {
		ids[k] = v
	}
	samples := append([]Sample(nil), x.samples...)
	return ids, samples, x.count
}
