package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the verification pipeline.
type Metrics struct {
	SessionsInitiated *prometheus.CounterVec

	// Webhook outcomes by terminal state and reason code
	WebhookOutcomes *prometheus.CounterVec
	WebhookLatency  prometheus.Histogram

	NullifierReplays prometheus.Counter
	SessionsExpired  prometheus.Counter

	// Ledger commits by result: committed, queued, failed, dropped
	LedgerCommits   *prometheus.CounterVec
	LedgerLatency   *prometheus.HistogramVec
	RetryQueueDepth prometheus.Gauge
	BreakerOpen     prometheus.Gauge
}

// New registers the pipeline metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsInitiated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_sessions_initiated_total",
			Help: "Sessions returned by initiate, split by whether an open session was reused",
		}, []string{"reused"}),

		WebhookOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_webhook_outcomes_total",
			Help: "Webhook deliveries by resulting state and reason",
		}, []string{"state", "reason"}),

		WebhookLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kyc_webhook_duration_seconds",
			Help:    "Duration of webhook processing including the synchronous ledger commit",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		NullifierReplays: factory.NewCounter(prometheus.CounterOpts{
			Name: "kyc_nullifier_replays_total",
			Help: "Proofs rejected because their nullifier was already consumed",
		}),

		SessionsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "kyc_sessions_expired_total",
			Help: "Pending sessions moved to expired by the sweep or lazily on access",
		}),

		LedgerCommits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_ledger_commits_total",
			Help: "Compliance ledger commit attempts by result",
		}, []string{"result"}),

		LedgerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kyc_ledger_request_duration_seconds",
			Help:    "Compliance ledger call duration by operation",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"operation"}),

		RetryQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kyc_ledger_retry_queue_depth",
			Help: "Attestations waiting for a ledger commit retry",
		}),

		BreakerOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kyc_ledger_circuit_open",
			Help: "1 while the ledger circuit breaker is open",
		}),
	}
}

func (m *Metrics) IncSessionInitiated(reused bool) {
	if m == nil {
		return
	}
	label := "false"
	if reused {
		label = "true"
	}
	m.SessionsInitiated.WithLabelValues(label).Inc()
}

// IncWebhookOutcome records a webhook result. reason may be empty.
func (m *Metrics) IncWebhookOutcome(state, reason string) {
	if m != nil {
		m.WebhookOutcomes.WithLabelValues(state, reason).Inc()
	}
}

func (m *Metrics) ObserveWebhookLatency(d time.Duration) {
	if m != nil {
		m.WebhookLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) IncNullifierReplay() {
	if m != nil {
		m.NullifierReplays.Inc()
	}
}

func (m *Metrics) AddSessionsExpired(n int) {
	if m != nil && n > 0 {
		m.SessionsExpired.Add(float64(n))
	}
}

func (m *Metrics) IncLedgerCommit(result string) {
	if m != nil {
		m.LedgerCommits.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ObserveLedgerLatency(operation string, d time.Duration) {
	if m != nil {
		m.LedgerLatency.WithLabelValues(operation).Observe(d.Seconds())
	}
}

func (m *Metrics) SetRetryQueueDepth(n int) {
	if m != nil {
		m.RetryQueueDepth.Set(float64(n))
	}
}

func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerOpen.Set(1)
		return
	}
	m.BreakerOpen.Set(0)
}
