package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Marketen/verifier-node/internal/application/domain"
)

const namespaceVerifier = "verifier"

// Outcome labels for ledger writes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
)

// Collector records protocol activity of one verifier node.
type Collector struct {
	round           prometheus.Gauge
	stage           prometheus.Gauge
	assignments     *prometheus.GaugeVec
	commitments     *prometheus.CounterVec
	reveals         *prometheus.CounterVec
	dissents        *prometheus.CounterVec
	evidence        *prometheus.CounterVec
	abstentions     prometheus.Counter
	lotteryDuration prometheus.Histogram
	roundsCompleted prometheus.Counter
}

// NewCollector registers the verifier metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		round: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceVerifier,
			Name:      "round_index",
			Help:      "last round index observed on the ledger",
		}),
		stage: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceVerifier,
			Name:      "round_stage",
			Help:      "last round stage observed on the ledger",
		}),
		assignments: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespaceVerifier,
			Name:      "assigned_subjects",
			Help:      "number of subjects assigned to this verifier in the current round",
		}, []string{"phase"}),
		commitments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceVerifier,
			Name:      "commitments_total",
			Help:      "commitments submitted by outcome",
		}, []string{"phase", "outcome"}),
		reveals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceVerifier,
			Name:      "reveals_total",
			Help:      "reveals submitted by outcome",
		}, []string{"phase", "outcome"}),
		dissents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceVerifier,
			Name:      "dissents_total",
			Help:      "dissent flags raised by outcome",
		}, []string{"outcome"}),
		evidence: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceVerifier,
			Name:      "slash_evidence_total",
			Help:      "slash evidence submitted by category and outcome",
		}, []string{"category", "outcome"}),
		abstentions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceVerifier,
			Name:      "abstentions_total",
			Help:      "assigned subjects skipped because storage or classification failed",
		}),
		lotteryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespaceVerifier,
			Name:      "assignment_duration_seconds",
			Help:      "time spent resolving assignments for a phase",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		roundsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceVerifier,
			Name:      "rounds_completed_total",
			Help:      "rounds this node ran to the slashing stage",
		}),
	}
}

// NewNoopCollector returns a collector bound to a private registry.
func NewNoopCollector() *Collector {
	return NewCollector(prometheus.NewRegistry())
}

func (c *Collector) RoundObserved(round domain.Round) {
	c.round.Set(float64(round.Index))
	c.stage.Set(float64(round.Stage))
}

func (c *Collector) Assigned(phase domain.Phase, n int, took time.Duration) {
	c.assignments.WithLabelValues(phase.String()).Set(float64(n))
	c.lotteryDuration.Observe(took.Seconds())
}

func (c *Collector) CommitmentSubmitted(phase domain.Phase, outcome string) {
	c.commitments.WithLabelValues(phase.String(), outcome).Inc()
}

func (c *Collector) RevealSubmitted(phase domain.Phase, outcome string) {
	c.reveals.WithLabelValues(phase.String(), outcome).Inc()
}

func (c *Collector) DissentRaised(outcome string) {
	c.dissents.WithLabelValues(outcome).Inc()
}

func (c *Collector) EvidenceSubmitted(category domain.SlashCategory, outcome string) {
	c.evidence.WithLabelValues(category.String(), outcome).Inc()
}

func (c *Collector) Abstained() {
	c.abstentions.Inc()
}

func (c *Collector) RoundCompleted() {
	c.roundsCompleted.Inc()
}

// OutcomeOf classifies a ledger write result.
func OutcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeAccepted
	case domain.IsRejected(err):
		return OutcomeRejected
	default:
		return OutcomeFailed
	}
}
