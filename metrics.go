// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package simplebus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type busMetrics struct {
	eventsPublished     prometheus.Counter
	bytesPublished      prometheus.Counter
	publishErrors       prometheus.Counter
	fsyncs              prometheus.Counter
	segmentRotations    prometheus.Counter
	tailTruncations     prometheus.Counter
	eventsReplayed      prometheus.Counter
	broadcastsDropped   prometheus.Counter
	topicsOpen          prometheus.Gauge
	activeSubscriptions prometheus.Gauge
}

func newBusMetrics(reg prometheus.Registerer) *busMetrics {
	return &busMetrics{
		eventsPublished: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "events_published",
			Help: "events_published counts successfully appended and acknowledged events.",
		}),
		bytesPublished: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "event_bytes_published",
			Help: "event_bytes_published counts the encoded frame bytes appended to" +
				" segment files, including framing overhead.",
		}),
		publishErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "publish_errors",
			Help: "publish_errors counts publishes failed by encoding limits or IO.",
		}),
		fsyncs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fsyncs",
			Help: "fsyncs counts calls forcing segment bytes to stable storage," +
				" across all durability modes.",
		}),
		segmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segment_rotations",
			Help: "segment_rotations counts how many times a topic moved to a new" +
				" segment file.",
		}),
		tailTruncations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tail_truncations",
			Help: "tail_truncations counts partial record tails dropped during" +
				" recovery.",
		}),
		eventsReplayed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "events_replayed",
			Help: "events_replayed counts backlog events delivered to subscribers.",
		}),
		broadcastsDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "broadcasts_dropped",
			Help: "broadcasts_dropped counts live events not delivered to a" +
				" subscriber because its buffer was full.",
		}),
		topicsOpen: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "topics_open",
			Help: "topics_open is the number of topics with a running writer.",
		}),
		activeSubscriptions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "active_subscriptions",
			Help: "active_subscriptions is the number of open subscriptions across" +
				" all topics.",
		}),
	}
}
