// Package metrics exposes the Prometheus collectors recorded by the hold,
// order and settlement services.
package metrics

import (
	"net/http"
	"time"

	"github.com/ksred/stockhold-api/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stockhold"

var (
	HoldsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "holds_created_total",
		Help:      "Hold creation attempts by result.",
	}, []string{"result"})

	HoldsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "holds_expired_total",
		Help:      "Holds reclaimed by the expiry sweep.",
	})

	SweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_errors_total",
		Help:      "Holds the expiry sweep failed to reclaim.",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Wall time of one expiry sweep.",
		Buckets:   prometheus.DefBuckets,
	})

	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_created_total",
		Help:      "Order creation attempts by result.",
	}, []string{"result"})

	WebhooksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhooks_processed_total",
		Help:      "Payment notifications by outcome.",
	}, []string{"outcome"})

	OrderWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "webhook_order_wait_seconds",
		Help:      "Time a payment notification waited for its order to become visible.",
		Buckets:   []float64{0, 0.1, 0.3, 0.7, 1.5, 3.1, 5},
	})

	TransactionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transaction_retries_total",
		Help:      "Transactions retried after a deadlock or lock timeout.",
	})
)

// Result maps an error to the label used by the *_created_total counters.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	return types.KindOf(err).String()
}

// ObserveSince records the seconds elapsed since start.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
