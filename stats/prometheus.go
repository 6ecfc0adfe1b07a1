// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package stats

import "github.com/prometheus/client_golang/prometheus"

// Collector adapts a Set to prometheus.Collector, in the shape exercised
// by tsweb's /debug/varz-style metrics surface (tsweb/tsweb_test.go).
type Collector struct {
	set  *Set
	desc *prometheus.Desc
}

func NewCollector(set *Set, namespace string) *Collector {
	return &Collector{
		set: set,
		desc: prometheus.NewDesc(
			namespace+"_vif_packets_total",
			"VIF frontend per-ring packet/byte counters.",
			[]string{"ring", "counter"}, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, ring := range []Ring{Transmitter, Receiver} {
		for n := Name(0); n < numNames; n++ {
			v := float64(c.set.Sum(ring, n))
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, v, ring.String(), n.String())
		}
	}
}
