/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package bufshare

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	buffersLive   prometheus.Gauge
	clientsLive   prometheus.Gauge
	heapAllocated *prometheus.GaugeVec
	allocs        *prometheus.CounterVec
	composites    prometheus.Counter
	imports       *prometheus.CounterVec
	frees         prometheus.Counter
	waitTimeouts  metric.Int64Counter
	eventsPublish metric.Int64Counter
	eventsDropped metric.Int64Counter
	registry      *prometheus.Registry
}

func newMetrics(conf *Config) (*metrics, error) {
	m := &metrics{
		buffersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bufshare_buffers_live",
			Help: "Number of live buffers, composite halves included.",
		}),
		clientsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bufshare_clients_live",
			Help: "Number of connected clients.",
		}),
		heapAllocated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bufshare_heap_allocated_bytes",
			Help: "Bytes handed out by each heap.",
		}, []string{"heap"}),
		allocs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bufshare_alloc_total",
			Help: "Allocation attempts by heap and result.",
		}, []string{"heap", "result"}),
		composites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bufshare_composite_total",
			Help: "Composite buffers built by splitting a request over two heaps.",
		}),
		imports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bufshare_imports_total",
			Help: "Successful imports by kind.",
		}, []string{"kind"}),
		frees: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bufshare_frees_total",
			Help: "Buffers returned to their heaps.",
		}),
	}
	reg := conf.Registerer
	if reg == nil {
		m.registry = prometheus.NewRegistry()
		reg = m.registry
	}
	for _, c := range []prometheus.Collector{
		m.buffersLive, m.clientsLive, m.heapAllocated, m.allocs, m.composites, m.imports, m.frees,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	var err error
	meter := conf.meter()
	if m.waitTimeouts, err = meter.Int64Counter("bufshare.wait.timeouts",
		metric.WithDescription("Blocking waits that hit their deadline.")); err != nil {
		return nil, err
	}
	if m.eventsPublish, err = meter.Int64Counter("bufshare.sharepool.events",
		metric.WithDescription("Share-pool events queued to registrants.")); err != nil {
		return nil, err
	}
	if m.eventsDropped, err = meter.Int64Counter("bufshare.sharepool.dropped",
		metric.WithDescription("Share-pool events dropped because a queue was full.")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) waitTimedOut(ctx context.Context) { m.waitTimeouts.Add(ctx, 1) }
