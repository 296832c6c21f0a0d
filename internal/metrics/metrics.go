// Package metrics exposes controller activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "browserd"

// States lists every value SetState accepts, so the gauge always exports
// a full set of series.
var States = []string{"idle", "launching", "connected", "closing", "failed"}

// Recorder owns its registry. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	reg *prometheus.Registry

	launches  *prometheus.CounterVec
	closes    *prometheus.CounterVec
	state     *prometheus.GaugeVec
	attach    prometheus.Histogram
	refreshes *prometheus.CounterVec
	browsers  prometheus.Gauge
	clients   prometheus.Gauge
	dropped   prometheus.Counter
}

func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "launches_total",
			Help:      "Launch requests by outcome.",
		}, []string{"result"}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "closes_total",
			Help:      "Close requests by outcome.",
		}, []string{"result"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
		attach: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "attach_duration_seconds",
			Help:      "Time from process spawn to a confirmed debugging endpoint.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "refreshes_total",
			Help:      "Installed-browser scans by outcome.",
		}, []string{"result"}),
		browsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "browsers",
			Help:      "Browsers in the current inventory.",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "clients",
			Help:      "Connected WebSocket clients.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "dropped_messages_total",
			Help:      "Messages dropped for slow clients or subscribers.",
		}),
	}
	r.reg.MustRegister(
		r.launches, r.closes, r.state, r.attach,
		r.refreshes, r.browsers, r.clients, r.dropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, s := range States {
		r.state.WithLabelValues(s).Set(0)
	}
	r.state.WithLabelValues("idle").Set(1)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Recorder) Launch(result string) {
	if r == nil {
		return
	}
	r.launches.WithLabelValues(result).Inc()
}

func (r *Recorder) Close(result string) {
	if r == nil {
		return
	}
	r.closes.WithLabelValues(result).Inc()
}

func (r *Recorder) SetState(state string) {
	if r == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		r.state.WithLabelValues(s).Set(v)
	}
}

func (r *Recorder) Attached(d time.Duration) {
	if r == nil {
		return
	}
	r.attach.Observe(d.Seconds())
}

// Refreshed records a registry scan. n is the inventory size after it.
func (r *Recorder) Refreshed(n int, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.refreshes.WithLabelValues(result).Inc()
	r.browsers.Set(float64(n))
}

func (r *Recorder) SetClients(n int) {
	if r == nil {
		return
	}
	r.clients.Set(float64(n))
}

func (r *Recorder) Dropped() {
	if r == nil {
		return
	}
	r.dropped.Inc()
}
