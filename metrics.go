package shielded

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects client-side counters and latencies. A nil *Metrics
// records nothing.
type Metrics struct {
	Calls               *prometheus.CounterVec
	NegotiationDuration prometheus.Histogram
	ConfirmationWait    prometheus.Histogram
	Retries             *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shielded_calls_total",
				Help: "Total number of shielded operations by kind and outcome",
			},
			[]string{"op", "outcome"},
		),
		NegotiationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "shielded_negotiation_duration_seconds",
			Help:    "Time taken to negotiate an encryption context",
			Buckets: prometheus.DefBuckets,
		}),
		ConfirmationWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "shielded_confirmation_wait_seconds",
			Help:    "Time spent waiting for a transaction receipt",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shielded_retries_total",
				Help: "Total number of orchestrator retries by reason",
			},
			[]string{"reason"},
		),
	}
}

func (m *Metrics) observeCall(op string, err error) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(op, outcomeLabel(err)).Inc()
}

func (m *Metrics) observeNegotiation(d time.Duration) {
	if m == nil {
		return
	}
	m.NegotiationDuration.Observe(d.Seconds())
}

func (m *Metrics) observeConfirmation(d time.Duration) {
	if m == nil {
		return
	}
	m.ConfirmationWait.Observe(d.Seconds())
}

func (m *Metrics) observeRetry(reason string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(reason).Inc()
}

// outcomeLabel maps an error to a low-cardinality label value.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNetworkUnavailable):
		return "network_unavailable"
	case errors.Is(err, ErrKeyExchangeRejected):
		return "key_exchange_rejected"
	case errors.Is(err, ErrDecryptionFailed):
		return "decryption_failed"
	case errors.Is(err, ErrTransactionFailed):
		return "transaction_failed"
	case errors.Is(err, ErrUnconfirmed):
		return "unconfirmed"
	case errors.Is(err, ErrEncodingMismatch):
		return "encoding_mismatch"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
