// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package simplebus is a single-node embedded message bus: durable,
// ordered, topic-scoped event streams with replay by timestamp or
// event id. Producers publish opaque payloads to named topics;
// consumers subscribe with a cursor and receive the backlog followed
// by live events.
package simplebus

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/dreamsxin/simplebus/eventid"
	"github.com/dreamsxin/simplebus/metadb"
	"github.com/dreamsxin/simplebus/types"
)

// Bus owns the topic registry, the metadata file and the shutdown
// latch. The registry lock is taken only on topic-open and shutdown;
// publish and subscribe hot paths never cross topics.
type Bus struct {
	cfg     config
	dataDir string
	meta    *metadb.Store
	metrics *busMetrics

	mu     sync.Mutex
	topics map[string]*Topic
	closed bool
}

// Open attempts to open the bus stored in dataDir, creating it if
// empty. Recovery runs for every known topic before Open returns, so
// no topic accepts publishes over an unrepaired log. If any non-final
// segment is corrupt, Open fails with UnrecoverableSegmentError.
func Open(dataDir string, opts ...Option) (*Bus, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	meta, err := metadb.Open(dataDir)
	if err != nil {
		return nil, err
	}
	st, err := meta.Load()
	if err != nil {
		return nil, err
	}

	b := &Bus{
		cfg:     cfg,
		dataDir: dataDir,
		meta:    meta,
		metrics: newBusMetrics(cfg.reg),
		topics:  make(map[string]*Topic),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range st.Topics {
		t, err := b.startTopicLocked(name)
		if err != nil {
			// Stop whatever already recovered; the caller gets the
			// first failure.
			for _, open := range b.topics {
				open.close()
			}
			return nil, fmt.Errorf("recovering topic %s: %w", name, err)
		}
		b.topics[name] = t
	}
	level.Info(cfg.logger).Log("msg", "bus open", "dir", dataDir, "topics", len(b.topics))
	return b, nil
}

// Topic returns a handle on the named topic, creating it (and
// starting its writer) on first use.
func (b *Bus) Topic(name string) (*Topic, error) {
	if err := b.validateTopicName(name); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, types.ErrShutdown
	}
	if t, ok := b.topics[name]; ok {
		return t, nil
	}

	t, err := b.startTopicLocked(name)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(b.topics)+1)
	for n := range b.topics {
		names = append(names, n)
	}
	names = append(names, name)
	if err := b.meta.Commit(metadb.State{Topics: names}); err != nil {
		t.close()
		return nil, err
	}
	b.topics[name] = t
	return t, nil
}

func (b *Bus) validateTopicName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty topic name", types.ErrLimitExceeded)
	}
	if len(name) > b.cfg.maxTopicNameBytes {
		return fmt.Errorf("%w: topic name is %d bytes, cap %d",
			types.ErrLimitExceeded, len(name), b.cfg.maxTopicNameBytes)
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("invalid topic name %q", name)
	}
	return nil
}

// startTopicLocked constructs a topic, runs its recovery and starts
// its writer. b.mu must be held.
func (b *Bus) startTopicLocked(name string) (*Topic, error) {
	t := &Topic{
		name:    name,
		cfg:     &b.cfg,
		logger:  b.cfg.logger,
		metrics: b.metrics,
		idgen:   eventid.NewGenerator(b.cfg.clock, nil),
		reqCh:   make(chan publishRequest, b.cfg.channelCapacity),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		subs:    make(map[uuid.UUID]*subscriber),
	}
	if err := t.open(b.dataDir); err != nil {
		return nil, err
	}
	return t, nil
}

// Close drains and stops every topic writer, flushes once, persists
// index snapshots and closes all files. Idempotent; subscribers
// receive a terminal signal, publishers get ErrShutdown.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, t := range b.topics {
		t.close()
	}
	level.Info(b.cfg.logger).Log("msg", "bus closed", "dir", b.dataDir)
	return nil
}
