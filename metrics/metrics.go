package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "collab"

// Delivery channels for DeliveryFailed.
const (
	ChannelWS  = "ws"
	ChannelSSE = "sse"
)

// Metrics holds the server's collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry            *prometheus.Registry
	frames              *prometheus.CounterVec
	framesDropped       prometheus.Counter
	deliveryFailures    *prometheus.CounterVec
	persistenceFailures *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound frames dispatched, by type.",
		}, []string{"type"}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped as malformed.",
		}),
		deliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Frames or events that could not be queued to a recipient.",
		}, []string{"channel"}),
		persistenceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Storage writes that failed during frame dispatch, by frame type.",
		}, []string{"type"}),
	}
}

// WatchPresence exports room and connection gauges read from stats on scrape.
func (m *Metrics) WatchPresence(stats func() (rooms, clients int)) {
	if m == nil {
		return
	}
	factory := promauto.With(m.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms",
		Help:      "Documents with at least one live connection.",
	}, func() float64 {
		rooms, _ := stats()
		return float64(rooms)
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Live collaboration connections across all rooms.",
	}, func() float64 {
		_, clients := stats()
		return float64(clients)
	})
}

// WatchListeners exports the SSE listener gauge read from count on scrape.
func (m *Metrics) WatchListeners(count func() int) {
	if m == nil {
		return
	}
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sse_listeners",
		Help:      "Open server-sent event streams.",
	}, func() float64 { return float64(count()) })
}

func (m *Metrics) FrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(frameType).Inc()
}

func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

func (m *Metrics) DeliveryFailed(channel string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(channel).Inc()
}

func (m *Metrics) PersistenceFailed(frameType string) {
	if m == nil {
		return
	}
	m.persistenceFailures.WithLabelValues(frameType).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
