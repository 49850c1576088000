// Package metrics は Prometheus メトリクスの登録と公開を行います。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bid_forge"

var (
	// Registry はアプリケーション固有のコレクターを保持します。
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms ~ 2.5s
		},
		[]string{"method", "route"},
	)

	bidsPlaced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "bids_placed_total",
			Help:      "Total number of bids placed.",
		},
	)

	bidTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "bid_resolutions_total",
			Help:      "Bids leaving the pending state, by outcome.",
		},
		[]string{"outcome"},
	)

	listingsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "listings_closed_total",
			Help:      "Jobs and contracts closed, by target type and reason.",
		},
		[]string{"target", "reason"},
	)
)

// 入札の遷移理由
const (
	OutcomeAccepted  = "accepted"
	OutcomeDeclined  = "declined"
	OutcomeWithdrawn = "withdrawn"
	OutcomeConflict  = "conflict"
	OutcomeExpired   = "expired"
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		bidsPlaced,
		bidTransitions,
		listingsClosed,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler は登録済みメトリクスを公開する HTTP ハンドラーを返します。
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware は gin のルート単位で HTTP メトリクスを記録します。
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		c.Next()

		// 未登録パスでラベルが増え続けないようにまとめる
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

// RecordBidPlaced は入札の作成を記録します。
func RecordBidPlaced() {
	bidsPlaced.Inc()
}

// RecordBidTransition は入札の状態遷移を件数分記録します。
func RecordBidTransition(outcome string, n int) {
	if n <= 0 {
		return
	}
	bidTransitions.WithLabelValues(outcome).Add(float64(n))
}

// RecordListingClosed は案件・契約のクローズを記録します。
func RecordListingClosed(target, reason string) {
	listingsClosed.WithLabelValues(target, reason).Inc()
}
