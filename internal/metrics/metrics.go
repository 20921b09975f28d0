package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRegistry creates a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler exposes reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Flow records federated login outcomes. A nil *Flow is a no-op.
type Flow struct {
	outcomes      *prometheus.CounterVec
	exchanges     *prometheus.HistogramVec
	verifications *prometheus.CounterVec
}

// NewFlow registers the flow metrics on reg. A nil reg yields a nil recorder.
func NewFlow(reg *prometheus.Registry) *Flow {
	if reg == nil {
		return nil
	}
	f := &Flow{
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_flow_outcomes_total",
				Help: "Terminal states of provider connect/login/signup flows.",
			},
			[]string{"provider", "action", "outcome"},
		),
		exchanges: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "federation_token_exchange_duration_seconds",
				Help:    "Latency of authorization code exchanges.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "result"},
		),
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_id_token_verifications_total",
				Help: "ID token verification results.",
			},
			[]string{"provider", "result"},
		),
	}
	reg.MustRegister(f.outcomes, f.exchanges, f.verifications)
	return f
}

func (f *Flow) RecordOutcome(provider, action, outcome string) {
	if f == nil {
		return
	}
	f.outcomes.WithLabelValues(provider, action, outcome).Inc()
}

func (f *Flow) ObserveExchange(provider string, err error, elapsed time.Duration) {
	if f == nil {
		return
	}
	f.exchanges.WithLabelValues(provider, result(err)).Observe(elapsed.Seconds())
}

func (f *Flow) RecordVerification(provider string, err error) {
	if f == nil {
		return
	}
	f.verifications.WithLabelValues(provider, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// HTTPMiddleware records request count, latency and in-flight requests per route
// template. A nil reg yields a pass-through middleware.
func HTTPMiddleware(reg *prometheus.Registry) gin.HandlerFunc {
	if reg == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "federation_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "federation_http_requests_in_flight",
		Help: "Number of HTTP requests currently being processed.",
	})
	reg.MustRegister(requestsTotal, requestDuration, inFlight)

	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				zap.L().Error("metrics middleware panic", zap.Any("panic", r))
			}
		}()

		inFlight.Inc()
		defer inFlight.Dec()
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())
		requestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		requestDuration.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}
