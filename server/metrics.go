package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/makotom/nsspeed/speedtest"
)

const metricsNamespace = "nsspeed"

type metrics struct {
	registry *prometheus.Registry

	runsCreated  prometheus.Counter
	runsFinished *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	throughput   *prometheus.HistogramVec
	latency      prometheus.Histogram
	probeDelay   prometheus.Histogram
}

func newMetrics(runs *speedtest.Registry) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),

		runsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_created_total",
			Help:      "Runs handed out by POST /run.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_finished_total",
			Help:      "Runs that left the registry, by final phase.",
		}, []string{"phase"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_rejected_total",
			Help:      "Requests answered with an error, by error code.",
		}, []string{"code"}),
		throughput: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "throughput_bits_per_second",
			Help:      "Measured throughput of completed runs.",
			Buckets:   prometheus.ExponentialBuckets(100e3, 4, 10),
		}, []string{"direction"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "round_trip_seconds",
			Help:      "Mean round trip of the ping chain of completed runs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		probeDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "ping_processing_seconds",
			Help:      "Time between arrival of GET /ping and its response being handed to the transport.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}

	activeRuns := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "runs_active",
		Help:      "Runs currently held by the registry.",
	}, func() float64 {
		return float64(runs.Len())
	})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runsCreated,
		m.runsFinished,
		m.rejected,
		m.throughput,
		m.latency,
		m.probeDelay,
		activeRuns,
	)

	return m
}

func (m *metrics) observeCompleted(result *speedtest.Metrics) {
	m.runsFinished.WithLabelValues(speedtest.PhaseCompleted.String()).Inc()

	if result.Download.Measurable {
		m.throughput.WithLabelValues("download").Observe(result.Download.BitsPerSecond)
	}
	if result.Upload.Measurable {
		m.throughput.WithLabelValues("upload").Observe(result.Upload.BitsPerSecond)
	}
	if result.Latency != nil {
		m.latency.Observe(result.Latency.Mean / 1000)
	}
}

func (m *metrics) observeEvicted(state speedtest.RunState) {
	m.runsFinished.WithLabelValues(state.Phase.String()).Inc()
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
