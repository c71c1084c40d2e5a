package service

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"attestation-ledger/models"
	"attestation-ledger/ratelimit"
)

const namespace = "attestation"

// Metrics tracks ledger, merge and sync activity.
type Metrics struct {
	attestations   prometheus.Counter
	registrations  prometheus.Counter
	blocksMined    prometheus.Counter
	miningDuration prometheus.Histogram
	mergeOutcomes  *prometheus.CounterVec
	rateLimits     *prometheus.CounterVec
	syncSessions   prometheus.Counter
	queueDepth     prometheus.Gauge
}

// NewMetrics registers every collector on registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		attestations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attestations_submitted_total",
			Help:      "Number of attestations accepted from local users",
		}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "users_registered_total",
			Help:      "Number of identities registered on this device",
		}),
		blocksMined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_mined_total",
			Help:      "Number of blocks appended to the local chain",
		}),
		miningDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mining_duration_seconds",
			Help:      "Time spent searching for a proof-of-work nonce",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		mergeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_transactions_total",
			Help:      "Merged transactions by classification",
		}, []string{"outcome"}),
		rateLimits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limiter decisions by outcome",
		}, []string{"outcome"}),
		syncSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_sessions_completed_total",
			Help:      "Number of received sync sessions that completed",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Requests waiting for the mutation worker",
		}),
	}

	err := errors.Join(
		registerer.Register(m.attestations),
		registerer.Register(m.registrations),
		registerer.Register(m.blocksMined),
		registerer.Register(m.miningDuration),
		registerer.Register(m.mergeOutcomes),
		registerer.Register(m.rateLimits),
		registerer.Register(m.syncSessions),
		registerer.Register(m.queueDepth),
	)
	return m, err
}

// A nil *Metrics records nothing.

func (m *Metrics) ObserveMining(d time.Duration) {
	if m == nil {
		return
	}
	m.blocksMined.Inc()
	m.miningDuration.Observe(d.Seconds())
}

func (m *Metrics) IncAttestations() {
	if m != nil {
		m.attestations.Inc()
	}
}

func (m *Metrics) IncRegistrations() {
	if m != nil {
		m.registrations.Inc()
	}
}

func (m *Metrics) ObserveRateLimit(outcome ratelimit.Outcome) {
	if m != nil {
		m.rateLimits.WithLabelValues(string(outcome)).Inc()
	}
}

func (m *Metrics) ObserveMerge(result *models.MergeResult) {
	if m == nil || result == nil {
		return
	}
	m.mergeOutcomes.WithLabelValues("accepted").Add(float64(result.AddedTransactions))
	for _, c := range result.Conflicts {
		m.mergeOutcomes.WithLabelValues(string(c.Type)).Inc()
	}
}

func (m *Metrics) IncSyncSessions() {
	if m != nil {
		m.syncSessions.Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}
