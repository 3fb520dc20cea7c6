package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/reviewly/dispatch/internal/metrics"
)

// Handler processes one job. Returning an error hands the job to the queue's
// retry policy; handlers own their idempotency since redelivery can replay a
// job that already ran.
type Handler func(ctx context.Context, job Job) error

type ManagerOptions struct {
	PollInterval time.Duration // cadence while jobs are flowing
	IdleSleep    time.Duration // sleep when a queue is empty
	DBBackoffMin time.Duration
	DBBackoffMax time.Duration
	JobTimeout   time.Duration // per-job processing deadline
	Lease        time.Duration // running jobs older than this are reclaimed; must exceed JobTimeout
}

func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		PollInterval: 200 * time.Millisecond,
		IdleSleep:    500 * time.Millisecond,
		DBBackoffMin: 200 * time.Millisecond,
		DBBackoffMax: 5 * time.Second,
		JobTimeout:   30 * time.Second,
		Lease:        2 * time.Minute,
	}
}

// Manager runs one claim loop plus a bounded worker pool per registered queue.
// It is an explicitly constructed value: tests spin up isolated instances
// against their own database.
type Manager struct {
	queue    *Queue
	opts     ManagerOptions
	log      zerolog.Logger
	handlers map[Name]Handler

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewManager(q *Queue, opts ManagerOptions, log zerolog.Logger) *Manager {
	return &Manager{
		queue:    q,
		opts:     opts,
		log:      log,
		handlers: make(map[Name]Handler),
	}
}

// Register binds a handler to a queue. Must be called before Start.
func (m *Manager) Register(name Name, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = h
}

// Start launches the per-queue pools. Returns immediately.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	for name, h := range m.handlers {
		cfg := m.queue.config(name)
		m.wg.Add(1)
		go func(name Name, cfg Config, h Handler) {
			defer m.wg.Done()
			m.runQueue(ctx, name, cfg, h)
		}(name, cfg, h)
	}
}

// Shutdown cancels in-flight jobs and waits for their bookkeeping to finish.
// Canceled jobs are failed back to queued, so a restart redelivers them.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Manager) runQueue(ctx context.Context, name Name, cfg Config, h Handler) {
	log := m.log.With().Str("queue", string(name)).Logger()

	// Sustained rate over the window; burst bounded by the pool size so a
	// refill cannot flood past the concurrency limit.
	limiter := rate.NewLimiter(rate.Limit(float64(cfg.RateLimit)/cfg.RateWindow.Seconds()), cfg.Concurrency)

	jobs := make(chan Job, cfg.Concurrency*2)
	var wg sync.WaitGroup
	wg.Add(cfg.Concurrency)
	for i := 0; i < cfg.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-jobs:
					if err := limiter.Wait(ctx); err != nil {
						return
					}
					m.processOne(ctx, log, job, h)
				}
			}
		}()
	}

	// Workers exit on ctx.Done; wait for in-flight jobs before returning.
	defer wg.Wait()

	dbBackoff := m.opts.DBBackoffMin
	var lastReclaim time.Time
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Sweep jobs stranded in running by a crashed or shut-down worker.
		if m.opts.Lease > 0 && time.Since(lastReclaim) >= m.opts.Lease {
			if n, err := m.queue.ReclaimStale(ctx, name, m.opts.Lease); err != nil {
				log.Warn().Err(err).Msg("reclaim failed")
			} else if n > 0 {
				log.Warn().Int("jobs", n).Msg("reclaimed stale running jobs")
			}
			lastReclaim = time.Now()
		}

		claimed, err := m.queue.Claim(ctx, name, cfg.Concurrency*2)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sleep := jitter(dbBackoff, 0.20)
			log.Warn().Err(err).Dur("backoff", sleep).Msg("claim failed")
			metrics.QueueClaims.WithLabelValues(string(name), "error").Inc()
			time.Sleep(sleep)
			dbBackoff = minDur(m.opts.DBBackoffMax, time.Duration(float64(dbBackoff)*1.6))
			continue
		}
		dbBackoff = m.opts.DBBackoffMin

		if len(claimed) == 0 {
			metrics.QueueClaims.WithLabelValues(string(name), "empty").Inc()
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.opts.IdleSleep):
			}
			continue
		}
		metrics.QueueClaims.WithLabelValues(string(name), "ok").Inc()

		for _, job := range claimed {
			select {
			case <-ctx.Done():
				return
			case jobs <- job:
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.opts.PollInterval):
		}
	}
}

func (m *Manager) processOne(ctx context.Context, log zerolog.Logger, job Job, h Handler) {
	jctx, cancel := context.WithTimeout(ctx, m.opts.JobTimeout)
	defer cancel()

	start := time.Now()
	err := h(jctx, job)
	elapsed := time.Since(start)

	// Bookkeeping must survive the job context: a timed-out or shutdown-
	// canceled job still has to be failed back to queued, or the row stays
	// running until a lease reclaim finds it.
	ackCtx, ackCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer ackCancel()

	if err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Int("attempt", job.Attempts).Dur("took", elapsed).Msg("job failed")
		metrics.JobsProcessed.WithLabelValues(string(job.Queue), "error").Inc()
		if job.Attempts >= job.MaxAttempts {
			metrics.JobsDead.WithLabelValues(string(job.Queue)).Inc()
		}
		if ferr := m.queue.Fail(ackCtx, job, err); ferr != nil {
			log.Error().Err(ferr).Str("job_id", job.ID).Msg("could not record job failure")
		}
		return
	}
	log.Debug().Str("job_id", job.ID).Dur("took", elapsed).Msg("job done")
	metrics.JobsProcessed.WithLabelValues(string(job.Queue), "ok").Inc()
	metrics.JobDuration.WithLabelValues(string(job.Queue)).Observe(elapsed.Seconds())
	if cerr := m.queue.Complete(ackCtx, job.ID); cerr != nil {
		log.Error().Err(cerr).Str("job_id", job.ID).Msg("could not ack job")
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	n := rand.Int63n(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
