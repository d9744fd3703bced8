// Package middleware – HTTP metrics
//
// This file exports Prometheus request counts, latencies and in-flight
// requests for the console API, labelled by method, registered route and
// status.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Labels use the registered route (c.FullPath) so order and vendor ids never
// become label values.
var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_http_requests_total",
			Help: "Console API requests by method, route and status.",
		},
		[]string{"method", "path", "status"},
	)
	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "console_http_request_duration_seconds",
			Help:    "Console API request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	httpInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "console_http_requests_inflight",
		Help: "Console API requests currently being served.",
	})
	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "console_http_response_size_bytes",
			Help:    "Console API response sizes.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8), // 256B..4MiB
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpRespSize)
}

// Metrics instruments every request. Unmatched routes are recorded under
// "unmatched" to keep the path label bounded.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, path).Observe(float64(size))
		}
	}
}
