package metrics

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Config labels every series with the service identity.
type Config struct {
	ServiceName string
	Environment string
}

const (
	OutcomeCompleted  = "completed"
	OutcomeFailed     = "failed"
	OutcomeDuplicate  = "duplicate"
	OutcomeRejected   = "rejected"
	OutcomeError      = "error"
	OutcomeSuperseded = "superseded"
)

// Metrics exposes pipeline instruments. A nil *Metrics is a valid no-op.
type Metrics struct {
	jobsSubmitted     *prometheus.CounterVec
	settlements       *prometheus.CounterVec
	creditsDebited    *prometheus.CounterVec
	workerSteps       *prometheus.CounterVec
	workerJobDuration *prometheus.HistogramVec
	sweeperRuns       *prometheus.CounterVec
	sweeperErrors     *prometheus.CounterVec
	sweeperDuration   *prometheus.HistogramVec
	sweeperProcessed  *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers the instruments with registerer. Already-registered
// collectors are reused so that New is safe to call more than once.
func New(registerer prometheus.Registerer, cfg Config) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "memora"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &Metrics{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "memora_jobs_submitted_total",
			Help:        "Analysis jobs accepted at submission by standard.",
			ConstLabels: constLabels,
		}, []string{"standard"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "memora_settlements_total",
			Help:        "Settlement calls by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		creditsDebited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "memora_credits_debited_total",
			Help:        "Allowance credits debited on completed jobs.",
			ConstLabels: constLabels,
		}, []string{"source"}),
		workerSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "memora_worker_steps_total",
			Help:        "Analysis engine steps executed by result.",
			ConstLabels: constLabels,
		}, []string{"step", "result"}),
		workerJobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "memora_worker_job_duration_seconds",
			Help:        "Wall time of a worker job attempt.",
			Buckets:     []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			ConstLabels: constLabels,
		}, []string{"result"}),
		sweeperRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "memora_sweeper_job_runs_total",
			Help:        "Sweeper job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		sweeperErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "memora_sweeper_job_errors_total",
			Help:        "Sweeper job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		sweeperDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "memora_sweeper_job_duration_seconds",
			Help:        "Sweeper job latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			ConstLabels: constLabels,
		}, []string{"job"}),
		sweeperProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "memora_sweeper_items_processed_total",
			Help:        "Items handled by sweeper jobs.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "memora_http_requests_total",
			Help:        "HTTP requests by route and status.",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "memora_http_request_duration_seconds",
			Help:        "HTTP request latency by route.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route"}),
	}

	m.jobsSubmitted = register(registerer, m.jobsSubmitted)
	m.settlements = register(registerer, m.settlements)
	m.creditsDebited = register(registerer, m.creditsDebited)
	m.workerSteps = register(registerer, m.workerSteps)
	m.workerJobDuration = register(registerer, m.workerJobDuration)
	m.sweeperRuns = register(registerer, m.sweeperRuns)
	m.sweeperErrors = register(registerer, m.sweeperErrors)
	m.sweeperDuration = register(registerer, m.sweeperDuration)
	m.sweeperProcessed = register(registerer, m.sweeperProcessed)
	m.httpRequests = register(registerer, m.httpRequests)
	m.httpDuration = register(registerer, m.httpDuration)
	return m
}

func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}

func (m *Metrics) RecordSubmission(standard string) {
	if m == nil {
		return
	}
	m.jobsSubmitted.WithLabelValues(standard).Inc()
}

func (m *Metrics) RecordSettlement(outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordDebit(baseAmount, rolloverAmount int64) {
	if m == nil {
		return
	}
	if baseAmount > 0 {
		m.creditsDebited.WithLabelValues("base").Add(float64(baseAmount))
	}
	if rolloverAmount > 0 {
		m.creditsDebited.WithLabelValues("rollover").Add(float64(rolloverAmount))
	}
}

func (m *Metrics) RecordStep(step, result string) {
	if m == nil {
		return
	}
	m.workerSteps.WithLabelValues(step, result).Inc()
}

func (m *Metrics) ObserveWorkerJob(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.workerJobDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) IncSweeperRun(job string) {
	if m == nil {
		return
	}
	m.sweeperRuns.WithLabelValues(job).Inc()
}

func (m *Metrics) IncSweeperError(job, reason string) {
	if m == nil {
		return
	}
	m.sweeperErrors.WithLabelValues(job, reason).Inc()
}

func (m *Metrics) ObserveSweeperJob(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.sweeperDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) AddSweeperProcessed(job string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweeperProcessed.WithLabelValues(job).Add(float64(n))
}

// GinMiddleware records request counts and latency per route.
func GinMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
