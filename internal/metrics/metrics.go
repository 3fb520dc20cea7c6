package metrics

import (
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Queue
	QueueClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "queue_claim_total", Help: "Claim attempts."},
		[]string{"queue", "result"}, // ok | empty | error
	)
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "queue_jobs_total", Help: "Job outcomes."},
		[]string{"queue", "result"}, // ok | error
	)
	JobsDead = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "queue_jobs_dead_total", Help: "Jobs parked after exhausting retries."},
		[]string{"queue"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_job_duration_seconds",
			Help:    "Handler processing time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
		[]string{"queue"},
	)

	// Dispatch pipeline
	SendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_sends_total", Help: "Send worker outcomes."},
		[]string{"channel", "outcome"}, // sent | suppressed | failed | skipped
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_webhook_events_total", Help: "Reconciled webhook events."},
		[]string{"source", "outcome"}, // applied | noop | unmatched | opt_out
	)
	FollowupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_followups_total", Help: "Follow-up worker outcomes."},
		[]string{"outcome"}, // created | already_sent | skipped
	)
	CompletionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dispatch_completions_total", Help: "Requests promoted to COMPLETED by the monitor."},
	)
)

var registerOnce sync.Once

// MustRegister installs default and pipeline collectors. Safe to call from
// both the API and worker binaries.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			HTTPRequests, HTTPDuration,
			QueueClaims, JobsProcessed, JobsDead, JobDuration,
			SendsTotal, WebhookEvents, FollowupsTotal, CompletionsTotal,
		)
	})
}

// PGXPoolStats periodically exports pool gauges.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Counter
	acquireLatency prometheus.Counter
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}),
		acquireLatency: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			m.acquireCount.Add(float64(s.AcquireCount()))
			m.acquireLatency.Add(s.AcquireDuration().Seconds())
		}
	}
}
