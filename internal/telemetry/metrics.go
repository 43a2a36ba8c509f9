package telemetry

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"content-governance/internal/errcodes"
	"content-governance/internal/models"
)

var (
	once sync.Once

	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "governance_job_transitions_total", Help: "Committed job state transitions",
	}, []string{"from_state", "to_state"})
	GateFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "governance_gate_failures_total", Help: "Gate evaluations that failed",
	}, []string{"gate"})
	Duplicates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "governance_similarity_matches_total", Help: "Similarity checks by closest-match tier",
	}, []string{"tier"})
	GeoExceptions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "governance_geo_exceptions_total", Help: "Duplicates downgraded by the geo exception",
	})
	ReservationConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "governance_reservation_conflicts_total", Help: "Reserve calls rejected by an active reservation",
	})
	CostAccrued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "governance_generation_cost_usd_total", Help: "Generation and embedding spend in USD",
	})
	BudgetExhausted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "governance_budget_exhausted_total", Help: "Jobs failed terminally by the retry or cost ceiling",
	}, []string{"code"})
	Attempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "governance_attempts_total", Help: "Generation attempts by outcome",
	}, []string{"outcome"})

	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "governance_rate_limit_rejects_total", Help: "Job starts deferred by the site limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "governance_worker_jobs_completed_total", Help: "Jobs driven to a final outcome"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "governance_worker_jobs_retried_total", Help: "Drives that hit a system failure and were rescheduled"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "governance_worker_dead_letter_total", Help: "Jobs moved to the DLQ"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "governance_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "governance_inflight", Help: "Jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Transitions,
			GateFailures,
			Duplicates,
			GeoExceptions,
			ReservationConflicts,
			CostAccrued,
			BudgetExhausted,
			Attempts,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}

// Recorder adapts component callbacks onto the collectors.
type Recorder struct{}

// Transition is a statemachine hook.
func (Recorder) Transition(_ models.GenerationJob, rec models.TransitionRecord) {
	Transitions.WithLabelValues(string(rec.From), string(rec.To)).Inc()
}

// Gate is a gates observer.
func (Recorder) Gate(gate string, res models.GateCheckResult) {
	if !res.Passed {
		GateFailures.WithLabelValues(gate).Inc()
	}
	if tier, ok := res.Details["tier"]; ok {
		Duplicates.WithLabelValues(fmt.Sprint(tier)).Inc()
	}
	for _, w := range res.Warnings {
		if w.Code == errcodes.GeoExceptionGranted {
			GeoExceptions.Inc()
		}
	}
}

func (Recorder) ReservationConflict(string) {
	ReservationConflicts.Inc()
}

func (Recorder) CostAccrued(_ string, usd float64) {
	if usd > 0 {
		CostAccrued.Add(usd)
	}
}

func (Recorder) BudgetExhausted(code errcodes.Code) {
	BudgetExhausted.WithLabelValues(string(code)).Inc()
}

func (Recorder) AttemptFinished(outcome string) {
	Attempts.WithLabelValues(outcome).Inc()
}

// Worker outcomes.

func (Recorder) Succeeded()         { WorkerSuccess.Inc() }
func (Recorder) Failed()            { WorkerFailures.Inc() }
func (Recorder) DeadLettered()      { WorkerDeadLetter.Inc() }
func (Recorder) RateLimited()       { RateLimitRejects.Inc() }
func (Recorder) QueueDepth(n int64) { QueueDepthGauge.Set(float64(n)) }
func (Recorder) InFlight(delta int) { InFlightGauge.Add(float64(delta)) }
