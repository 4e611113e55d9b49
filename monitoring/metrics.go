package monitoring

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	transferOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfer_operations_total",
			Help: "Total transfer operations by type and outcome",
		},
		[]string{"operation", "type", "status"},
	)

	bidOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bid_operations_total",
			Help: "Total bid operations by outcome",
		},
		[]string{"operation", "status"},
	)

	auctionExtensions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auction_extensions_total",
			Help: "Total anti-snipe auction extensions",
		},
	)

	escrowCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_calls_total",
			Help: "Total escrow ledger calls by operation and outcome",
		},
		[]string{"operation", "status"},
	)

	payoutOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payout_outcomes_total",
			Help: "Distribution leg outcomes by kind and status",
		},
		[]string{"kind", "status"},
	)

	distributionsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "distributions_pending_total",
			Help: "Distribution legs currently awaiting payout",
		},
	)

	sweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Duration of background sweep passes",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"sweep"},
	)

	settlementAmount = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_amount",
			Help:    "Settled sale amounts",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"type"},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_goroutines_total",
			Help: "Current number of active goroutines",
		},
	)
)

type Monitor struct {
	redis *redis.Client
}

func NewMonitor(redisClient *redis.Client) *Monitor {
	monitor := &Monitor{redis: redisClient}

	// Start metrics collection
	go monitor.collectMetrics()

	return monitor
}

func (m *Monitor) collectMetrics() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		ctx := context.Background()

		m.collectVelocityMetrics(ctx)
		goroutineCount.Set(float64(runtime.NumGoroutine()))
	}
}

func (m *Monitor) collectVelocityMetrics(ctx context.Context) {
	// Velocity counters live under velocity:*, one key per user and
	// window. The key count is a cheap proxy for active participants.
	keys, _ := m.redis.Keys(ctx, "velocity:*").Result()
	activeWindows.Set(float64(len(keys)))
}

var activeWindows = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "velocity_windows_active_total",
		Help: "Active velocity tracking windows",
	},
)

// TrackTransfer records a transfer operation outcome.
func (m *Monitor) TrackTransfer(operation, transferType, status string) {
	transferOperations.WithLabelValues(operation, transferType, status).Inc()
}

// TrackBid records a bid operation outcome.
func (m *Monitor) TrackBid(operation, status string) {
	bidOperations.WithLabelValues(operation, status).Inc()
}

// TrackAuctionExtension records an anti-snipe window extension.
func (m *Monitor) TrackAuctionExtension() {
	auctionExtensions.Inc()
}

// TrackEscrowCall records a ledger call outcome.
func (m *Monitor) TrackEscrowCall(operation, status string) {
	escrowCalls.WithLabelValues(operation, status).Inc()
}

// SetPendingDistributions records the current pending payout backlog.
func (m *Monitor) SetPendingDistributions(n int) {
	distributionsPending.Set(float64(n))
}

// TrackSweep records the duration of one sweep pass.
func (m *Monitor) TrackSweep(sweep string, duration time.Duration) {
	sweepDuration.WithLabelValues(sweep).Observe(duration.Seconds())
}

// TrackSettlement records a settled amount for distribution analysis.
func (m *Monitor) TrackSettlement(saleType string, amount float64) {
	settlementAmount.WithLabelValues(saleType).Observe(amount)
}

// TrackPayout counts one distribution leg outcome.
func (m *Monitor) TrackPayout(kind, status string) {
	payoutOutcomes.WithLabelValues(kind, status).Inc()
}
