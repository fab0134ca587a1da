// Package metrics holds the Prometheus collectors for the invoice engine and
// its HTTP surface. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry         *prometheus.Registry
	handler          http.Handler
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	checkouts        *prometheus.CounterVec
	voids            *prometheus.CounterVec
	stockMoves       *prometheus.CounterVec
	numberCollisions prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lubesoft_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lubesoft_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	checkouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lubesoft_checkouts_total",
		Help: "Checkout attempts by payment method and outcome.",
	}, []string{"method", "outcome"})
	voids := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lubesoft_voids_total",
		Help: "Void attempts by kind (paid reversal or open discard) and outcome.",
	}, []string{"kind", "outcome"})
	stockMoves := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lubesoft_stock_movements_total",
		Help: "Committed ledger entries by type.",
	}, []string{"type"})
	collisions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lubesoft_invoice_number_collisions_total",
		Help: "Invoice numbers rejected by the store as duplicates.",
	})
	registry.MustRegister(requests, duration, checkouts, voids, stockMoves, collisions)

	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		checkouts:        checkouts,
		voids:            voids,
		stockMoves:       stockMoves,
		numberCollisions: collisions,
	}
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records count and latency for every request, labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.Status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) ObserveCheckout(method string, outcome string) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	m.checkouts.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) ObserveVoid(kind string, outcome string) {
	if m == nil {
		return
	}
	m.voids.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveStockMoves(entryType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.stockMoves.WithLabelValues(entryType).Add(float64(n))
}

func (m *Metrics) ObserveNumberCollision() {
	if m == nil {
		return
	}
	m.numberCollisions.Inc()
}

// CheckoutCounter returns the checkout series for method and outcome.
func (m *Metrics) CheckoutCounter(method string, outcome string) prometheus.Counter {
	return m.checkouts.WithLabelValues(method, outcome)
}

// VoidCounter returns the void series for kind and outcome.
func (m *Metrics) VoidCounter(kind string, outcome string) prometheus.Counter {
	return m.voids.WithLabelValues(kind, outcome)
}

// StatusRecorder captures the status code written by a handler.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
}

func (r *StatusRecorder) WriteHeader(status int) {
	r.Status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
