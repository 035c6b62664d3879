// Package metrics exposes Prometheus collectors for the event relay.
// Collectors register against an injected Registerer so tests can use a
// fresh registry per case. A nil *Set is a valid no-op receiver.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Set owns all collectors for the publish, broadcast, and session paths.
type Set struct {
	published      *prometheus.CounterVec
	decodeFailures *prometheus.CounterVec
	broadcasts     prometheus.Counter
	dropped        *prometheus.CounterVec
	subscribers    prometheus.Gauge
	tenantChannels prometheus.Gauge
	evicted        prometheus.Counter
}

// New registers the relay collectors against reg. Passing nil falls back
// to the default registerer.
func New(reg prometheus.Registerer) (*Set, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &Set{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventrelay_published_total",
			Help: "Envelopes accepted on the publish path, partitioned by kind.",
		}, []string{"kind"}),
		decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventrelay_decode_failures_total",
			Help: "Publish-path lines dropped because they failed to decode.",
		}, []string{"reason"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_broadcast_total",
			Help: "Envelope deliveries enqueued to subscriber sessions.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventrelay_dropped_total",
			Help: "Messages discarded under session backpressure, partitioned by policy.",
		}, []string{"policy"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventrelay_subscribers",
			Help: "Currently attached subscriber sessions across all tenants.",
		}),
		tenantChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventrelay_tenant_channels",
			Help: "Live tenant channels in the registry.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_evicted_channels_total",
			Help: "Idle tenant channels reclaimed by the sweeper.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.published,
		s.decodeFailures,
		s.broadcasts,
		s.dropped,
		s.subscribers,
		s.tenantChannels,
		s.evicted,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register relay collector: %w", err)
		}
	}
	return s, nil
}

// Published counts an accepted envelope by kind.
func (s *Set) Published(kind string) {
	if s == nil {
		return
	}
	s.published.WithLabelValues(kind).Inc()
}

// DecodeFailure counts a dropped publish-path line.
func (s *Set) DecodeFailure(reason string) {
	if s == nil {
		return
	}
	s.decodeFailures.WithLabelValues(reason).Inc()
}

// Broadcast counts deliveries enqueued to sessions.
func (s *Set) Broadcast(deliveries int) {
	if s == nil || deliveries <= 0 {
		return
	}
	s.broadcasts.Add(float64(deliveries))
}

// Dropped counts a message discarded under backpressure.
func (s *Set) Dropped(policy string) {
	if s == nil {
		return
	}
	s.dropped.WithLabelValues(policy).Inc()
}

// SubscriberAdded tracks a new session.
func (s *Set) SubscriberAdded() {
	if s == nil {
		return
	}
	s.subscribers.Inc()
}

// SubscriberRemoved tracks a departed session.
func (s *Set) SubscriberRemoved() {
	if s == nil {
		return
	}
	s.subscribers.Dec()
}

// ChannelCreated tracks a new tenant channel.
func (s *Set) ChannelCreated() {
	if s == nil {
		return
	}
	s.tenantChannels.Inc()
}

// ChannelEvicted tracks an idle channel reclaimed by the sweeper.
func (s *Set) ChannelEvicted() {
	if s == nil {
		return
	}
	s.tenantChannels.Dec()
	s.evicted.Inc()
}
