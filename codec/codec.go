// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package codec implements the on-disk record frame.
//
// Wire format, little-endian integers:
//
//	MAGIC       u32
//	VERSION     u16
//	FLAGS       u16   reserved, zero
//	RECORD_LEN  u32   bytes that follow, up to and including CRC32
//	EVENT_ID    [16]
//	TS_NANOS    i64
//	TOPIC_LEN   u16   TOPIC [TOPIC_LEN]
//	PAYLOAD_LEN u32   PAYLOAD [PAYLOAD_LEN]
//	HEADERS_LEN u32   HEADERS [HEADERS_LEN]
//	CRC32       u32   IEEE, over EVENT_ID through end of HEADERS
//
// Headers are encoded as repeated (u16 key-len, key, u32 value-len,
// value) pairs with keys in ascending order so that encoding is
// deterministic. MAGIC and VERSION are part of the wire contract.
package codec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/dreamsxin/simplebus/eventid"
	"github.com/dreamsxin/simplebus/types"
)

const (
	// Magic marks the start of every record frame.
	Magic uint32 = 0x53425553

	// Version is the current frame format version.
	Version uint16 = 1

	// PreambleLen is the fixed prefix before the record body: magic,
	// version, flags and RECORD_LEN.
	PreambleLen = 4 + 2 + 2 + 4

	// fixedBodyLen is the body size excluding topic, payload and
	// header bytes: event id, timestamp, the three length fields and
	// the CRC.
	fixedBodyLen = eventid.Size + 8 + 2 + 4 + 4 + 4

	// MaxTopicLen is the hard wire-format bound on topic names.
	MaxTopicLen = 255
)

// Limits caps variable-length fields at encode and decode time.
type Limits struct {
	// MaxPayloadBytes bounds the payload and the encoded header block.
	MaxPayloadBytes int

	// MaxTopicNameBytes bounds topic names; never above MaxTopicLen.
	MaxTopicNameBytes int
}

// Preamble is the decoded fixed frame prefix.
type Preamble struct {
	Version uint16
	Flags   uint16
	BodyLen uint32
}

// FrameLen is the total frame size described by the preamble.
func (p Preamble) FrameLen() int64 {
	return int64(PreambleLen) + int64(p.BodyLen)
}

// EncodedSize returns the frame size Encode would produce for ev.
func EncodedSize(ev *types.Event) int64 {
	return int64(PreambleLen) + int64(fixedBodyLen) +
		int64(len(ev.Topic)) + int64(len(ev.Payload)) + int64(headersSize(ev.Headers))
}

func headersSize(h map[string]string) int {
	n := 0
	for k, v := range h {
		n += 2 + len(k) + 4 + len(v)
	}
	return n
}

// Encode appends the frame for ev to dst and returns the extended
// slice. It fails with types.ErrLimitExceeded when a field overflows
// its wire type or a configured cap.
func Encode(dst []byte, ev *types.Event, lim Limits) ([]byte, error) {
	maxTopic := lim.MaxTopicNameBytes
	if maxTopic <= 0 || maxTopic > MaxTopicLen {
		maxTopic = MaxTopicLen
	}
	if len(ev.Topic) > maxTopic {
		return nil, fmt.Errorf("%w: topic is %d bytes, cap %d", types.ErrLimitExceeded, len(ev.Topic), maxTopic)
	}
	if lim.MaxPayloadBytes > 0 && len(ev.Payload) > lim.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: payload is %d bytes, cap %d", types.ErrLimitExceeded, len(ev.Payload), lim.MaxPayloadBytes)
	}
	hdrLen := headersSize(ev.Headers)
	if lim.MaxPayloadBytes > 0 && hdrLen > lim.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: headers are %d bytes, cap %d", types.ErrLimitExceeded, hdrLen, lim.MaxPayloadBytes)
	}
	for k, v := range ev.Headers {
		if len(k) > 0xFFFF {
			return nil, fmt.Errorf("%w: header key is %d bytes", types.ErrLimitExceeded, len(k))
		}
		if uint64(len(v)) > 0xFFFFFFFF {
			return nil, fmt.Errorf("%w: header value is %d bytes", types.ErrLimitExceeded, len(v))
		}
	}

	bodyLen := uint64(fixedBodyLen) + uint64(len(ev.Topic)) + uint64(len(ev.Payload)) + uint64(hdrLen)
	if bodyLen > 0xFFFFFFFF {
		return nil, fmt.Errorf("%w: record body is %d bytes", types.ErrLimitExceeded, bodyLen)
	}

	start := len(dst)
	dst = binary.LittleEndian.AppendUint32(dst, Magic)
	dst = binary.LittleEndian.AppendUint16(dst, Version)
	dst = binary.LittleEndian.AppendUint16(dst, 0) // flags
	dst = binary.LittleEndian.AppendUint32(dst, uint32(bodyLen))

	bodyStart := len(dst)
	dst = append(dst, ev.ID[:]...)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(ev.Timestamp))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(ev.Topic)))
	dst = append(dst, ev.Topic...)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(ev.Payload)))
	dst = append(dst, ev.Payload...)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(hdrLen))
	dst = appendHeaders(dst, ev.Headers)

	crc := crc32.ChecksumIEEE(dst[bodyStart:])
	dst = binary.LittleEndian.AppendUint32(dst, crc)

	if int64(len(dst)-start) != int64(PreambleLen)+int64(bodyLen) {
		panic("codec: frame length accounting is wrong")
	}
	return dst, nil
}

func appendHeaders(dst []byte, h map[string]string) []byte {
	if len(h) == 0 {
		return dst
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(k)))
		dst = append(dst, k...)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(h[k])))
		dst = append(dst, h[k]...)
	}
	return dst
}

// ParsePreamble validates the fixed prefix of a frame. b must hold at
// least PreambleLen bytes.
func ParsePreamble(b []byte) (Preamble, error) {
	if len(b) < PreambleLen {
		return Preamble{}, fmt.Errorf("%w: %d preamble bytes", types.ErrTruncated, len(b))
	}
	if m := binary.LittleEndian.Uint32(b[0:4]); m != Magic {
		return Preamble{}, fmt.Errorf("%w: bad magic %#08x", types.ErrCorrupt, m)
	}
	p := Preamble{
		Version: binary.LittleEndian.Uint16(b[4:6]),
		Flags:   binary.LittleEndian.Uint16(b[6:8]),
		BodyLen: binary.LittleEndian.Uint32(b[8:12]),
	}
	if p.Version != Version {
		return Preamble{}, fmt.Errorf("%w: unrecognized version %d", types.ErrCorrupt, p.Version)
	}
	if p.BodyLen < fixedBodyLen {
		return Preamble{}, fmt.Errorf("%w: record length %d below fixed overhead", types.ErrCorrupt, p.BodyLen)
	}
	return p, nil
}

// DecodeBody decodes and CRC-checks the body bytes following a
// preamble. The returned event aliases nothing in body.
func DecodeBody(p Preamble, body []byte) (*types.Event, error) {
	if len(body) < int(p.BodyLen) {
		return nil, fmt.Errorf("%w: %d of %d body bytes", types.ErrTruncated, len(body), p.BodyLen)
	}
	body = body[:p.BodyLen]

	crcAt := len(body) - 4
	wantCRC := binary.LittleEndian.Uint32(body[crcAt:])
	if got := crc32.ChecksumIEEE(body[:crcAt]); got != wantCRC {
		return nil, fmt.Errorf("%w: crc mismatch: computed %#08x, stored %#08x", types.ErrCorrupt, got, wantCRC)
	}

	ev := &types.Event{}
	copy(ev.ID[:], body[:eventid.Size])
	pos := eventid.Size
	ev.Timestamp = int64(binary.LittleEndian.Uint64(body[pos : pos+8]))
	pos += 8

	topicLen := int(binary.LittleEndian.Uint16(body[pos : pos+2]))
	pos += 2
	if pos+topicLen+4 > crcAt {
		return nil, fmt.Errorf("%w: topic length %d overruns record", types.ErrCorrupt, topicLen)
	}
	ev.Topic = string(body[pos : pos+topicLen])
	pos += topicLen

	payloadLen := int(binary.LittleEndian.Uint32(body[pos : pos+4]))
	pos += 4
	if pos+payloadLen+4 > crcAt {
		return nil, fmt.Errorf("%w: payload length %d overruns record", types.ErrCorrupt, payloadLen)
	}
	ev.Payload = append([]byte(nil), body[pos:pos+payloadLen]...)
	pos += payloadLen

	hdrLen := int(binary.LittleEndian.Uint32(body[pos : pos+4]))
	pos += 4
	if pos+hdrLen != crcAt {
		return nil, fmt.Errorf("%w: lengths sum to %d, record length is %d", types.ErrCorrupt, pos+hdrLen+4, p.BodyLen)
	}
	hdrs, err := decodeHeaders(body[pos:crcAt])
	if err != nil {
		return nil, err
	}
	ev.Headers = hdrs
	return ev, nil
}

// Decode parses one complete frame from the start of b.
func Decode(b []byte) (*types.Event, int64, error) {
	p, err := ParsePreamble(b)
	if err != nil {
		return nil, 0, err
	}
	ev, err := DecodeBody(p, b[PreambleLen:])
	if err != nil {
		return nil, 0, err
	}
	return ev, p.FrameLen(), nil
}

func decodeHeaders(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	h := make(map[string]string)
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, fmt.Errorf("%w: dangling header key length", types.ErrCorrupt)
		}
		klen := int(binary.LittleEndian.Uint16(b[:2]))
		b = b[2:]
		if len(b) < klen+4 {
			return nil, fmt.Errorf("%w: header key overruns block", types.ErrCorrupt)
		}
		k := string(b[:klen])
		b = b[klen:]
		vlen := int(binary.LittleEndian.Uint32(b[:4]))
		b = b[4:]
		if len(b) < vlen {
			return nil, fmt.Errorf("%w: header value overruns block", types.ErrCorrupt)
		}
		h[k] = string(b[:vlen])
		b = b[vlen:]
	}
	return h, nil
}
