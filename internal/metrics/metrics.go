// Package metrics provides Prometheus metrics for the scheduler.
package metrics

import (
	"net/http"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. It implements review.Recorder.
type Metrics struct {
	GradesTotal    *prometheus.CounterVec
	LapsesTotal    prometheus.Counter
	QueueDuration  prometheus.Histogram
	QueueSize      prometheus.Gauge
	AnomaliesTotal *prometheus.CounterVec
	RequestsTotal  *prometheus.CounterVec
	DueCards       *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		GradesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "knolsched_grades_total",
				Help: "Total number of gradings by grade and the card's prior state.",
			},
			[]string{"grade", "prior_state"},
		),
		LapsesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "knolsched_lapses_total",
				Help: "Total number of review-phase cards graded Again.",
			},
		),
		QueueDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "knolsched_queue_build_duration_seconds",
				Help:    "Time taken to build a review queue.",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
		),
		QueueSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "knolsched_queue_size",
				Help: "Number of cards in the most recently built queue.",
			},
		),
		AnomaliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "knolsched_queue_anomalies_total",
				Help: "Cards or decks skipped while building queues, by reason.",
			},
			[]string{"reason"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "knolsched_http_requests_total",
				Help: "Total HTTP API requests by route and status code.",
			},
			[]string{"route", "status"},
		),
		DueCards: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "knolsched_due_cards",
				Help: "Cards due within the reminder horizon, by deck.",
			},
			[]string{"deck"},
		),
		registry: reg,
	}

	reg.MustRegister(m.GradesTotal)
	reg.MustRegister(m.LapsesTotal)
	reg.MustRegister(m.QueueDuration)
	reg.MustRegister(m.QueueSize)
	reg.MustRegister(m.AnomaliesTotal)
	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.DueCards)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CardGraded counts a grading.
func (m *Metrics) CardGraded(e domain.ReviewEvent) {
	m.GradesTotal.WithLabelValues(e.Grade.String(), e.PriorState.String()).Inc()
	if e.Lapse() {
		m.LapsesTotal.Inc()
	}
}

// QueueBuilt records a finished queue build.
func (m *Metrics) QueueBuilt(cards int, elapsed time.Duration) {
	m.QueueDuration.Observe(elapsed.Seconds())
	m.QueueSize.Set(float64(cards))
}

// QueueAnomaly counts a skipped card or deck.
func (m *Metrics) QueueAnomaly(reason string) {
	m.AnomaliesTotal.WithLabelValues(reason).Inc()
}

// RecordRequest increments the request counter.
func (m *Metrics) RecordRequest(route, status string) {
	m.RequestsTotal.WithLabelValues(route, status).Inc()
}

// SetDue sets the number of cards due soon in a deck.
func (m *Metrics) SetDue(deck string, count int) {
	m.DueCards.WithLabelValues(deck).Set(float64(count))
}
