// Package metrics implements dsrv.Metrics with Prometheus counters and
// gauges (SPEC_FULL.md's DOMAIN STACK: prometheus/client_golang), the
// observability layer the distilled spec leaves ambient but the teacher
// repo's own stats/ subsystem always wires in for a long-running daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dvbridge/adbd/dsrv"
)

// Collector is a dsrv.Metrics implementation backed by a prometheus
// registry. Register it once per process; every dsrv.Conn may share the
// same Collector (the underlying prometheus metrics are process-wide).
type Collector struct {
	streamsOpen    prometheus.Gauge
	streamsTotal   prometheus.Counter
	framesIn       prometheus.Counter
	framesOut      prometheus.Counter
	bytesIn        prometheus.Counter
	bytesOut       prometheus.Counter
	poolSaturation prometheus.Counter
}

// NewCollector builds and registers every adbd metric on reg. Passing
// prometheus.DefaultRegisterer matches the usual process-wide exposition.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		streamsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "adbd", Name: "streams_open", Help: "Number of currently active service streams.",
		}),
		streamsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adbd", Name: "streams_total", Help: "Total service streams ever opened.",
		}),
		framesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adbd", Name: "frames_in_total", Help: "Total inbound wire frames.",
		}),
		framesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adbd", Name: "frames_out_total", Help: "Total outbound wire frames.",
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adbd", Name: "bytes_in_total", Help: "Total inbound payload bytes.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adbd", Name: "bytes_out_total", Help: "Total outbound payload bytes.",
		}),
		poolSaturation: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adbd", Name: "pool_saturation_total", Help: "Number of times a connection's packet pool hit FRAME_MAX.",
		}),
	}
	reg.MustRegister(c.streamsOpen, c.streamsTotal, c.framesIn, c.framesOut, c.bytesIn, c.bytesOut, c.poolSaturation)
	return c
}

func (c *Collector) StreamOpened() {
	c.streamsOpen.Inc()
	c.streamsTotal.Inc()
}

func (c *Collector) StreamClosed() { c.streamsOpen.Dec() }

func (c *Collector) FrameIn(n int) {
	c.framesIn.Inc()
	c.bytesIn.Add(float64(n))
}

func (c *Collector) FrameOut(n int) {
	c.framesOut.Inc()
	c.bytesOut.Add(float64(n))
}

func (c *Collector) PoolSaturated() { c.poolSaturation.Inc() }

var _ dsrv.Metrics = (*Collector)(nil)
