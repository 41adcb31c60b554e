package p2p

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *hostMetrics
)

type hostMetrics struct {
	livePeers   prometheus.Gauge
	knownPeers  prometheus.Gauge
	accepts     *prometheus.CounterVec
	dials       *prometheus.CounterVec
	disconnects *prometheus.CounterVec

	meter             metric.Meter
	dialCounter       metric.Int64Counter
	acceptCounter     metric.Int64Counter
	disconnectCounter metric.Int64Counter
}

func newHostMetrics() *hostMetrics {
	metricsInitOnce.Do(func() {
		hm := &hostMetrics{
			livePeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "peerd_p2p_live_peers",
				Help: "Number of open sessions.",
			}),
			knownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "peerd_p2p_known_peers",
				Help: "Number of known peer records.",
			}),
			accepts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peerd_p2p_accepts_total",
				Help: "Inbound accept outcomes.",
			}, []string{"result"}),
			dials: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peerd_p2p_dials_total",
				Help: "Outbound dial outcomes.",
			}, []string{"result"}),
			disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peerd_p2p_disconnects_total",
				Help: "Session terminations by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(hm.livePeers, hm.knownPeers, hm.accepts, hm.dials, hm.disconnects)
		hm.initMeter()
		sharedMetrics = hm
	})
	return sharedMetrics
}

func (m *hostMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("peerd/p2p")
	dials, err := meter.Int64Counter("peerd.p2p.dials")
	if err != nil {
		meter = noop.NewMeterProvider().Meter("peerd/p2p")
		dials, _ = meter.Int64Counter("peerd.p2p.dials")
	}
	accepts, err := meter.Int64Counter("peerd.p2p.accepts")
	if err != nil {
		meter = noop.NewMeterProvider().Meter("peerd/p2p")
		accepts, _ = meter.Int64Counter("peerd.p2p.accepts")
	}
	disconnects, err := meter.Int64Counter("peerd.p2p.disconnects")
	if err != nil {
		meter = noop.NewMeterProvider().Meter("peerd/p2p")
		disconnects, _ = meter.Int64Counter("peerd.p2p.disconnects")
	}
	m.meter = meter
	m.dialCounter = dials
	m.acceptCounter = accepts
	m.disconnectCounter = disconnects
}

func (m *hostMetrics) recordAccept(result string) {
	if m == nil {
		return
	}
	m.accepts.WithLabelValues(result).Inc()
	if m.acceptCounter != nil {
		m.acceptCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("result", result)))
	}
}

func (m *hostMetrics) recordDial(result string) {
	if m == nil {
		return
	}
	m.dials.WithLabelValues(result).Inc()
	if m.dialCounter != nil {
		m.dialCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("result", result)))
	}
}

func (m *hostMetrics) recordDisconnect(reason DisconnectReason) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(reason.String()).Inc()
	if m.disconnectCounter != nil {
		m.disconnectCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", reason.String())))
	}
}

func (m *hostMetrics) observeCounts(live, known int) {
	if m == nil {
		return
	}
	m.livePeers.Set(float64(live))
	m.knownPeers.Set(float64(known))
}
