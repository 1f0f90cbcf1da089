// Package metrics exposes the ingestion counters as prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"adsb-streamer/pkg/streaming"
)

// Collector mirrors streaming events into prometheus metrics. It implements
// streaming.Observer.
type Collector struct {
	rowsSent        prometheus.Counter
	batchesSent     prometheus.Counter
	bytesSent       prometheus.Counter
	appendFailures  *prometheus.CounterVec
	committedOffset prometheus.Gauge
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		rowsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adsb_streamer_rows_sent_total",
			Help: "Rows successfully appended to the streaming channel.",
		}),
		batchesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adsb_streamer_batches_sent_total",
			Help: "Batches successfully appended to the streaming channel.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adsb_streamer_bytes_sent_total",
			Help: "Encoded payload bytes successfully appended.",
		}),
		appendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adsb_streamer_append_failures_total",
			Help: "Append failures by classification.",
		}, []string{"kind"}),
		committedOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adsb_streamer_committed_offset",
			Help: "Last server-confirmed committed offset token.",
		}),
	}

	reg.MustRegister(c.rowsSent, c.batchesSent, c.bytesSent, c.appendFailures, c.committedOffset)
	return c
}

func (c *Collector) BatchSent(rows, bytes int) {
	c.rowsSent.Add(float64(rows))
	c.batchesSent.Inc()
	c.bytesSent.Add(float64(bytes))
}

func (c *Collector) AppendFailed(kind streaming.FailureKind) {
	c.appendFailures.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) OffsetCommitted(offset int64) {
	c.committedOffset.Set(float64(offset))
}

// Serve exposes /metrics on addr. Runs until the listener fails; callers
// start it in a goroutine.
func Serve(addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
