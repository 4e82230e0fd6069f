// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package index

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dreamsxin/simplebus/eventid"
	"github.com/dreamsxin/simplebus/types"
)

// Snapshots are a pure optimization: the log is authoritative. A
// snapshot records the indices plus the tail position they cover;
// recovery loads it and rescans only from that position. Anything
// suspicious about a snapshot discards it and a full rescan runs.

// SnapshotFileName is the per-topic snapshot file.
const SnapshotFileName = "index.snapshot"

var (
	bucketMeta    = []byte("meta")
	bucketIDs     = []byte("ids")
	bucketSamples = []byte("samples")

	keyTail   = []byte("tail")
	keyCount  = []byte("count")
	keyStride = []byte("stride")
	keyLastID = []byte("last_id")
	keyLastTS = []byte("last_ts")
)

const posLen = 4 + 8

func encodePos(p types.Position) []byte {
	var b [posLen]byte
	binary.BigEndian.PutUint32(b[:4], p.Segment)
	binary.BigEndian.PutUint64(b[4:], uint64(p.Offset))
	return b[:]
}

func decodePos(b []byte) (types.Position, error) {
	if len(b) != posLen {
		return types.Position{}, fmt.Errorf("snapshot position is %d bytes", len(b))
	}
	return types.Position{
		Segment: binary.BigEndian.Uint32(b[:4]),
		Offset:  int64(binary.BigEndian.Uint64(b[4:])),
	}, nil
}

// SaveSnapshot writes the index state covering everything up to tail
// into path, replacing any previous snapshot atomically. lastID and
// lastTS are the highest covered event id and timestamp, kept so
// recovery can seed the id generator and the timestamp clamp without
// rescanning.
func SaveSnapshot(path string, x *Index, tail types.Position, lastID eventid.EventID, lastTS int64) error {
	ids, samples, count := x.snapshotView()

	tmp := path + ".tmp"
	_ = os.Remove(tmp)
	db, err := bolt.Open(tmp, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("creating index snapshot: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if err := meta.Put(keyTail, encodePos(tail)); err != nil {
			return err
		}
		var cnt [8]byte
		binary.BigEndian.PutUint64(cnt[:], count)
		if err := meta.Put(keyCount, cnt[:]); err != nil {
			return err
		}
		var str [8]byte
		binary.BigEndian.PutUint64(str[:], x.stride)
		if err := meta.Put(keyStride, str[:]); err != nil {
			return err
		}
		if err := meta.Put(keyLastID, append([]byte(nil), lastID[:]...)); err != nil {
			return err
		}
		var lts [8]byte
		binary.BigEndian.PutUint64(lts[:], uint64(lastTS))
		if err := meta.Put(keyLastTS, lts[:]); err != nil {
			return err
		}

		idb, err := tx.CreateBucketIfNotExists(bucketIDs)
		if err != nil {
			return err
		}
		for id, pos := range ids {
			key := make([]byte, eventid.Size)
			copy(key, id[:])
			if err := idb.Put(key, encodePos(pos)); err != nil {
				return err
			}
		}

		sb, err := tx.CreateBucketIfNotExists(bucketSamples)
		if err != nil {
			return err
		}
		for i, s := range samples {
			var key [8]byte
			binary.BigEndian.PutUint64(key[:], uint64(i))
			val := make([]byte, 8+posLen)
			binary.BigEndian.PutUint64(val[:8], uint64(s.TS))
			copy(val[8:], encodePos(s.Pos))
			if err := sb.Put(key[:], val); err != nil {
				return err
			}
		}
		return nil
	})
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing index snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publishing index snapshot: %w", err)
	}
	return nil
}

// Snapshot is the restored content of an index.snapshot file.
type Snapshot struct {
	// Index holds the id map and timestamp samples up to Tail.
	Index *Index

	// Tail is the log position the snapshot covers; recovery rescans
	// from here.
	Tail types.Position

	// LastID and LastTS are the highest covered event id and
	// timestamp.
	LastID eventid.EventID
	LastTS int64
}

// LoadSnapshot reads a snapshot from path. ok is false when no usable
// snapshot exists; any malformed or mismatched snapshot is treated as
// absent since the log rescan rebuilds everything. The stride of the
// running configuration wins; a snapshot taken with a different
// stride is discarded so future samples stay evenly spaced.
func LoadSnapshot(path string, stride int) (snap *Snapshot, ok bool, err error) {
	if _, serr := os.Stat(path); serr != nil {
		if os.IsNotExist(serr) {
			return nil, false, nil
		}
		return nil, false, serr
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		// Unreadable snapshots are stale by definition.
		return nil, false, nil
	}
	defer db.Close()

	x := New(stride)
	snap = &Snapshot{Index: x}
	err = db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			return fmt.Errorf("snapshot has no meta bucket")
		}
		str := meta.Get(keyStride)
		if str == nil || binary.BigEndian.Uint64(str) != uint64(x.stride) {
			return fmt.Errorf("snapshot stride mismatch")
		}
		t, derr := decodePos(meta.Get(keyTail))
		if derr != nil {
			return derr
		}
		snap.Tail = t
		lid := meta.Get(keyLastID)
		if len(lid) != eventid.Size {
			return fmt.Errorf("snapshot last id is %d bytes", len(lid))
		}
		copy(snap.LastID[:], lid)
		lts := meta.Get(keyLastTS)
		if len(lts) != 8 {
			return fmt.Errorf("snapshot last ts is %d bytes", len(lts))
		}
		snap.LastTS = int64(binary.BigEndian.Uint64(lts))
		cnt := meta.Get(keyCount)
		if cnt == nil {
			return fmt.Errorf("snapshot has no record count")
		}
		x.count = binary.BigEndian.Uint64(cnt)

		idb := tx.Bucket(bucketIDs)
		if idb != nil {
			if err := idb.ForEach(func(k, v []byte) error {
				if len(k) != eventid.Size {
					return fmt.Errorf("snapshot id key is %d bytes", len(k))
				}
				var id eventid.EventID
				copy(id[:], k)
				pos, derr := decodePos(v)
				if derr != nil {
					return derr
				}
				x.ids[id] = pos
				return nil
			}); err != nil {
				return err
			}
		}

		sb := tx.Bucket(bucketSamples)
		if sb != nil {
			if err := sb.ForEach(func(k, v []byte) error {
				if len(v) != 8+posLen {
					return fmt.Errorf("snapshot sample is %d bytes", len(v))
				}
				pos, derr := decodePos(v[8:])
				if derr != nil {
					return derr
				}
				x.samples = append(x.samples, Sample{
					TS:  int64(binary.BigEndian.Uint64(v[:8])),
					Pos: pos,
				})
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, nil
	}
	if uint64(len(x.ids)) != x.count {
		return nil, false, nil
	}
	return snap, true, nil
}
