// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package simplebus

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/simplebus/types"
)

const (
	// DefaultMaxSegmentBytes is the segment rotation threshold.
	DefaultMaxSegmentBytes = 256 * 1024 * 1024

	// DefaultTimestampIndexStride is how many records apart timestamp
	// samples are taken.
	DefaultTimestampIndexStride = 10_000

	// DefaultChannelCapacity is the producer-to-writer queue depth.
	DefaultChannelCapacity = 1024

	// DefaultSubscriberBuffer is the per-subscription live buffer.
	DefaultSubscriberBuffer = 1024

	// DefaultMaxPayloadBytes caps encoded payloads and header blocks.
	DefaultMaxPayloadBytes = 16 * 1024 * 1024

	// DefaultMaxTopicNameBytes caps topic names; the wire format
	// allows at most 255.
	DefaultMaxTopicNameBytes = 128

	minSegmentBytes = 1024 * 1024
)

// DefaultDurability batches fsyncs: flush once 256 events await
// acknowledgement or 10ms after the first of them, whichever comes
// first.
func DefaultDurability() types.Durability {
	return types.Durability{Mode: types.FsyncBatch, MaxEvents: 256, MaxInterval: 10 * time.Millisecond}
}

type config struct {
	durability        types.Durability
	maxSegmentBytes   int64
	stride            int
	channelCapacity   int
	subscriberBuffer  int
	maxPayloadBytes   int
	maxTopicNameBytes int
	snapshots         bool

	logger log.Logger
	reg    prometheus.Registerer
	clock  clock.Clock
}

func defaultConfig() config {
	return config{
		durability:        DefaultDurability(),
		maxSegmentBytes:   DefaultMaxSegmentBytes,
		stride:            DefaultTimestampIndexStride,
		channelCapacity:   DefaultChannelCapacity,
		subscriberBuffer:  DefaultSubscriberBuffer,
		maxPayloadBytes:   DefaultMaxPayloadBytes,
		maxTopicNameBytes: DefaultMaxTopicNameBytes,
		snapshots:         true,
		logger:            log.NewNopLogger(),
		reg:               prometheus.NewRegistry(),
		clock:             clock.New(),
	}
}

func (c *config) validate() error {
	if c.maxSegmentBytes < minSegmentBytes {
		return fmt.Errorf("max segment bytes %d below minimum %d", c.maxSegmentBytes, minSegmentBytes)
	}
	if c.stride < 1 {
		return fmt.Errorf("timestamp index stride must be >= 1, got %d", c.stride)
	}
	if c.channelCapacity < 1 {
		return fmt.Errorf("channel capacity must be >= 1, got %d", c.channelCapacity)
	}
	if c.subscriberBuffer < 1 {
		return fmt.Errorf("subscriber buffer must be >= 1, got %d", c.subscriberBuffer)
	}
	if c.maxPayloadBytes < 1 {
		return fmt.Errorf("max payload bytes must be >= 1, got %d", c.maxPayloadBytes)
	}
	if c.maxTopicNameBytes < 1 || c.maxTopicNameBytes > 255 {
		return fmt.Errorf("max topic name bytes must be in [1,255], got %d", c.maxTopicNameBytes)
	}
	switch c.durability.Mode {
	case types.FsyncAlways, types.OSBuffered:
	case types.FsyncBatch:
		if c.durability.MaxEvents < 1 || c.durability.MaxInterval <= 0 {
			return fmt.Errorf("fsync batch bounds must be positive, got %d events / %s",
				c.durability.MaxEvents, c.durability.MaxInterval)
		}
	default:
		return fmt.Errorf("unknown durability mode %d", c.durability.Mode)
	}
	return nil
}

// Option customizes a Bus at Open.
type Option func(*config)

// WithDurability selects the fsync policy.
func WithDurability(d types.Durability) Option {
	return func(c *config) { c.durability = d }
}

// WithMaxSegmentBytes sets the rotation threshold, minimum 1MiB.
func WithMaxSegmentBytes(n int64) Option {
	return func(c *config) { c.maxSegmentBytes = n }
}

// WithTimestampIndexStride sets the sampling interval of the
// timestamp index.
func WithTimestampIndexStride(n int) Option {
	return func(c *config) { c.stride = n }
}

// WithChannelCapacity sets the publish queue depth per topic.
func WithChannelCapacity(n int) Option {
	return func(c *config) { c.channelCapacity = n }
}

// WithSubscriberBuffer sets the live buffer size per subscription.
func WithSubscriberBuffer(n int) Option {
	return func(c *config) { c.subscriberBuffer = n }
}

// WithMaxPayloadBytes caps payload and header block sizes.
func WithMaxPayloadBytes(n int) Option {
	return func(c *config) { c.maxPayloadBytes = n }
}

// WithMaxTopicNameBytes caps topic name length, at most 255.
func WithMaxTopicNameBytes(n int) Option {
	return func(c *config) { c.maxTopicNameBytes = n }
}

// WithIndexSnapshots toggles writing index.snapshot files on clean
// shutdown. Snapshots only speed up recovery; the log stays
// authoritative.
func WithIndexSnapshots(enabled bool) Option {
	return func(c *config) { c.snapshots = enabled }
}

// WithLogger sets the logger. Defaults to a nop logger.
func WithLogger(l log.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMetricsRegisterer sets where bus metrics register. Defaults to a
// private registry.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.reg = reg }
}

// WithClock injects the clock used for event timestamps, id minting
// and batch flush timers. Tests use a mock.
func WithClock(clk clock.Clock) Option {
	return func(c *config) { c.clock = clk }
}
