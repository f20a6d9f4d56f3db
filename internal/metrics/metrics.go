// Package metrics provides Prometheus instrumentation for the vault engine.
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
	"github.com/shopspring/decimal"
)

var (
	// VaultRound is the current round of each vault.
	VaultRound = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vault_round",
		Help: "Current round number",
	}, []string{"vault"})

	// VaultLocked is the collateral locked in the current option, in
	// whole asset units.
	VaultLocked = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vault_locked_amount",
		Help: "Collateral locked in the current short position",
	}, []string{"vault"})

	// VaultPending is the deposit amount waiting for the next round.
	VaultPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vault_total_pending",
		Help: "Deposits pending conversion to shares",
	}, []string{"vault"})

	// VaultPricePerShare is the last stamped price per share.
	VaultPricePerShare = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vault_price_per_share",
		Help: "Price per share stamped at the last round close",
	}, []string{"vault"})

	// DepositsTotal counts deposited asset amounts.
	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_deposits_total",
		Help: "Cumulative deposited amount",
	}, []string{"vault"})

	// WithdrawalsTotal counts withdrawn amounts by kind (instant, complete).
	WithdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_withdrawals_total",
		Help: "Cumulative withdrawn amount",
	}, []string{"vault", "kind"})

	// FeesTotal counts collected fees by kind (management, performance).
	FeesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_fees_total",
		Help: "Cumulative fees sent to the fee recipient",
	}, []string{"vault", "kind"})

	// AuctionFills counts option units sold at auction.
	AuctionFills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_auction_filled_total",
		Help: "Option units sold at auction",
	}, []string{"vault"})

	// BidRejections counts auction bids that failed validation.
	BidRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_auction_bid_rejections_total",
		Help: "Auction bids rejected during settlement or check",
	})

	// LifecycleLatency tracks lifecycle operation latency.
	LifecycleLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_lifecycle_latency_seconds",
		Help:    "Lifecycle operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Units converts a base-unit amount to whole units for a gauge.
func Units(amount decimal.Decimal, decimals int32) float64 {
	return amount.Shift(-decimals).InexactFloat64()
}

// ObserveSince records the latency of a lifecycle op started at start.
func ObserveSince(op string, start time.Time) {
	LifecycleLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot be hijacked")
	}
	return h.Hijack()
}
