// Package metrics provides Prometheus instrumentation for the auction ledger.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ListingsCreated counts listings opened for bidding.
	ListingsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agrobid_listings_created_total",
		Help: "Total number of listings created",
	})

	// ListingsClosed counts listings leaving OPEN, partitioned by final status.
	ListingsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrobid_listings_closed_total",
		Help: "Listings that left OPEN, by final status",
	}, []string{"status"})

	// BidsPlaced counts bids admitted to a listing.
	BidsPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agrobid_bids_placed_total",
		Help: "Total number of bids placed",
	})

	// BidRejections counts bid placements refused, by error kind.
	BidRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrobid_bid_rejections_total",
		Help: "Bid placements refused, by error kind",
	}, []string{"kind"})

	// BidsAutoRejected counts PLACED bids moved to REJECTED by settlement.
	BidsAutoRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agrobid_bids_auto_rejected_total",
		Help: "Bids rejected because they could no longer be filled",
	})

	// Settlements counts accepted bids.
	Settlements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agrobid_settlements_total",
		Help: "Total number of accepted bids",
	})

	// SettledVolume tracks cumulative settled quantity in kg.
	SettledVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agrobid_settled_volume_kg_total",
		Help: "Cumulative settled quantity in kg",
	})

	// SettledValue tracks cumulative settled value in currency units.
	SettledValue = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agrobid_settled_value_total",
		Help: "Cumulative value of accepted bids",
	})

	// SettlementLatency tracks acceptance latency including the store unit.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agrobid_settlement_latency_seconds",
		Help:    "Bid acceptance latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// Payments counts payment attempts by outcome.
	Payments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrobid_payments_total",
		Help: "Payment attempts by outcome",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agrobid_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrobid_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agrobid_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by chi route template (/listings/{listingID}) so IDs
// do not blow up label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer for WebSocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
