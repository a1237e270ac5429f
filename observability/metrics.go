package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics tracks settlement engine activity: bids by outcome, quote
// takes, exercises, borrows and oracle failures.
type EngineMetrics struct {
	bids        *prometheus.CounterVec
	quotesTaken prometheus.Counter
	exercises   *prometheus.CounterVec
	borrows     *prometheus.CounterVec
	oracleReads *prometheus.CounterVec
}

// GatewayMetrics tracks the HTTP gateway: request counts, latency and
// throttle rejections.
type GatewayMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// Engine returns the lazily-initialised engine metrics registry.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			bids: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "optionsettle",
				Subsystem: "engine",
				Name:      "bids_total",
				Help:      "Auction bids segmented by resulting status.",
			}, []string{"status"}),
			quotesTaken: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "optionsettle",
				Subsystem: "engine",
				Name:      "quotes_taken_total",
				Help:      "Signed quotes consumed into minted options.",
			}),
			exercises: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "optionsettle",
				Subsystem: "engine",
				Name:      "exercises_total",
				Help:      "Exercise operations segmented by direction.",
			}, []string{"direction"}),
			borrows: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "optionsettle",
				Subsystem: "engine",
				Name:      "borrows_total",
				Help:      "Borrow operations segmented by direction.",
			}, []string{"direction"}),
			oracleReads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "optionsettle",
				Subsystem: "engine",
				Name:      "oracle_reads_total",
				Help:      "Oracle price reads segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			engineRegistry.bids,
			engineRegistry.quotesTaken,
			engineRegistry.exercises,
			engineRegistry.borrows,
			engineRegistry.oracleReads,
		)
	})
	return engineRegistry
}

// ObserveBid records a bid outcome by status string.
func (m *EngineMetrics) ObserveBid(status string) {
	if m == nil {
		return
	}
	m.bids.WithLabelValues(status).Inc()
}

// ObserveQuoteTaken records a consumed quote.
func (m *EngineMetrics) ObserveQuoteTaken() {
	if m == nil {
		return
	}
	m.quotesTaken.Inc()
}

// ObserveExercise records an exercise or its reversal.
func (m *EngineMetrics) ObserveExercise(reversed bool) {
	if m == nil {
		return
	}
	direction := "forward"
	if reversed {
		direction = "reverse"
	}
	m.exercises.WithLabelValues(direction).Inc()
}

// ObserveBorrow records a borrow draw or repayment.
func (m *EngineMetrics) ObserveBorrow(repay bool) {
	if m == nil {
		return
	}
	direction := "draw"
	if repay {
		direction = "repay"
	}
	m.borrows.WithLabelValues(direction).Inc()
}

// ObserveOracleRead records a price read outcome.
func (m *EngineMetrics) ObserveOracleRead(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.oracleReads.WithLabelValues(outcome).Inc()
}

// Gateway returns the lazily-initialised gateway metrics registry.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "optionsettle",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "optionsettle",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "optionsettle",
				Subsystem: "gateway",
				Name:      "throttles_total",
				Help:      "Requests rejected by rate limiting, segmented by route.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.latency,
			gatewayRegistry.throttles,
		)
	})
	return gatewayRegistry
}

// ObserveRequest records one handled HTTP request.
func (m *GatewayMetrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// ObserveThrottle records a rate-limited request.
func (m *GatewayMetrics) ObserveThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(route).Inc()
}
