// Package metrics exposes Prometheus collectors for the call core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chadiek/callstream/internal/session"
)

const namespace = "callstream"

// Metrics holds the collectors on a private registry. It implements
// session.Observer and playback.Observer.
type Metrics struct {
	registry *prometheus.Registry

	activeCalls      prometheus.Gauge
	callsTotal       *prometheus.CounterVec
	callDuration     prometheus.Histogram
	stateTransitions *prometheus.CounterVec
	bargeIns         *prometheus.CounterVec
	droppedFrames    prometheus.Counter
	inboundDropped   prometheus.Counter
	decisionDuration *prometheus.HistogramVec
	fallbacks        *prometheus.CounterVec
	synthDuration    *prometheus.HistogramVec
	framesSent       *prometheus.CounterVec
	assetsLoaded     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of calls currently in the registry",
		}),
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Finished calls by direction and end reason",
		}, []string{"direction", "reason"}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Call duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Turn state transitions",
		}, []string{"from", "to"}),
		bargeIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Caller utterances while the agent was speaking, by policy",
		}, []string{"policy"}),
		droppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "truncated_frames_total",
			Help:      "Outbound frames discarded by barge-in",
		}),
		inboundDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_dropped_total",
			Help:      "Inbound audio chunks dropped at the buffer watermark",
		}),
		decisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Decision step latency",
			Buckets:   prometheus.DefBuckets, // .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10
		}, []string{"status"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_fallbacks_total",
			Help:      "Plan items replaced by the fallback asset",
		}, []string{"reason"}),
		synthDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_duration_seconds",
			Help:      "TTS latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Outbound frames written to carriers",
		}, []string{"dialect"}),
		assetsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "assets_loaded",
			Help:      "Assets in the current library",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeCalls, m.callsTotal, m.callDuration, m.stateTransitions,
		m.bargeIns, m.droppedFrames, m.inboundDropped, m.decisionDuration,
		m.fallbacks, m.synthDuration, m.framesSent, m.assetsLoaded,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) CallStarted() { m.activeCalls.Inc() }

func (m *Metrics) CallEnded(direction, reason string, d time.Duration) {
	m.activeCalls.Dec()
	m.callsTotal.WithLabelValues(direction, reason).Inc()
	m.callDuration.Observe(d.Seconds())
}

func (m *Metrics) FrameSent(dialect string) { m.framesSent.WithLabelValues(dialect).Inc() }

func (m *Metrics) AssetsLoaded(n int) { m.assetsLoaded.Set(float64(n)) }

// session.Observer

func (m *Metrics) StateChanged(from, to session.State) {
	m.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) BargeIn(policy session.BargeInPolicy, dropped int) {
	m.bargeIns.WithLabelValues(string(policy)).Inc()
	m.droppedFrames.Add(float64(dropped))
}

func (m *Metrics) DecisionDone(d time.Duration, fallback bool) {
	m.decisionDuration.WithLabelValues(status(!fallback)).Observe(d.Seconds())
}

func (m *Metrics) InboundDropped() { m.inboundDropped.Inc() }

// playback.Observer

func (m *Metrics) ObserveFallback(reason string) { m.fallbacks.WithLabelValues(reason).Inc() }

func (m *Metrics) ObserveSynthesis(d time.Duration, err error) {
	m.synthDuration.WithLabelValues(status(err == nil)).Observe(d.Seconds())
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
