package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "local_heroes",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "local_heroes",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "local_heroes",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)

	taskOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "local_heroes",
			Subsystem: "tasks",
			Name:      "operations_total",
			Help:      "Task lifecycle operations by outcome.",
		},
		[]string{"op", "outcome"},
	)

	payments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "local_heroes",
			Subsystem: "tasks",
			Name:      "settled_amount_total",
			Help:      "Sum of task prices moved from posters to workers.",
		},
	)

	notificationsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "local_heroes",
			Subsystem: "notifications",
			Name:      "created_total",
			Help:      "Notifications created from task events.",
		},
		[]string{"type"},
	)

	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "local_heroes",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Open WebSocket connections.",
		},
	)

	tokensSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "local_heroes",
			Subsystem: "tokens",
			Name:      "swept_total",
			Help:      "Expired refresh tokens removed by the sweep job.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		taskOps,
		payments,
		notificationsDelivered,
		wsConnections,
		tokensSwept,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware records request count and latency per matched echo route.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/metrics" {
				return next(c)
			}
			start := time.Now()
			httpInFlight.Inc()
			defer httpInFlight.Dec()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := strings.ToUpper(c.Request().Method)
			httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
			httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// ObserveTaskOp counts one lifecycle operation.
func ObserveTaskOp(op, outcome string) {
	taskOps.WithLabelValues(op, outcome).Inc()
}

// ObservePayment adds a settled amount.
func ObservePayment(amount decimal.Decimal) {
	f, _ := amount.Float64()
	payments.Add(f)
}

// ObserveNotification counts a created notification.
func ObserveNotification(kind string) {
	notificationsDelivered.WithLabelValues(kind).Inc()
}

// ConnectionOpened and ConnectionClosed track live WebSocket clients.
func ConnectionOpened() { wsConnections.Inc() }

func ConnectionClosed() { wsConnections.Dec() }

// ObserveSweep adds the number of swept refresh tokens.
func ObserveSweep(n int64) {
	if n > 0 {
		tokensSwept.Add(float64(n))
	}
}
