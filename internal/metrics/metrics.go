// SPDX-License-Identifier: AGPL-3.0-only

// Package metrics exposes the mesh's runtime counters as Prometheus
// gauges and counters, the way the rest of the pack (katzenpost's
// server/internal/instrument) wires observability through
// github.com/prometheus/client_golang instead of ad hoc logging.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector implements mesh.Metrics: peer count, seen-set size,
// waterfall dedup hits, and bytes sent/received.
type Collector struct {
	peerCount     prometheus.Gauge
	seenSetSize   prometheus.Gauge
	dedupHits     prometheus.Counter
	bytesSent     prometheus.Counter
	bytesReceived prometheus.Counter
}

// New constructs a Collector and registers its metrics against reg. A
// nil reg uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		peerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshsocket",
			Name:      "peers",
			Help:      "Number of peers currently in the routing table.",
		}),
		seenSetSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshsocket",
			Name:      "seen_set_size",
			Help:      "Number of message ids currently tracked by the waterfall dedup set.",
		}),
		dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshsocket",
			Name:      "waterfall_dedup_total",
			Help:      "Number of flood messages dropped as already-seen duplicates.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshsocket",
			Name:      "bytes_sent_total",
			Help:      "Total bytes written across all peer connections.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshsocket",
			Name:      "bytes_received_total",
			Help:      "Total bytes read across all peer connections.",
		}),
	}
	reg.MustRegister(c.peerCount, c.seenSetSize, c.dedupHits, c.bytesSent, c.bytesReceived)
	return c
}

func (c *Collector) SetPeerCount(n int)      { c.peerCount.Set(float64(n)) }
func (c *Collector) SetSeenSetSize(n int)    { c.seenSetSize.Set(float64(n)) }
func (c *Collector) IncWaterfallDedup()      { c.dedupHits.Inc() }
func (c *Collector) AddBytesSent(n int)      { c.bytesSent.Add(float64(n)) }
func (c *Collector) AddBytesReceived(n int)  { c.bytesReceived.Add(float64(n)) }
