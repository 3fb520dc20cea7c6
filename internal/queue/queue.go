// Package queue is a Postgres-backed job queue with four named queues, each
// with its own concurrency bound, rate limit and retry policy. Claims use
// FOR UPDATE SKIP LOCKED so competing workers never double-claim; delivery is
// at-least-once, so every handler must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Name identifies one of the four queues.
type Name string

const (
	SendRequest    Name = "send-request"
	SendFollowup   Name = "send-followup"
	MonitorReviews Name = "monitor-reviews"
	ProcessWebhook Name = "process-webhook"
)

type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobDead    JobStatus = "dead"
)

// Job is the queue envelope handed to handlers.
type Job struct {
	ID          string
	Queue       Name
	Payload     json.RawMessage
	Attempts    int
	MaxAttempts int
	Priority    int
	RunAt       time.Time
	LastError   *string
}

// RetryPolicy bounds redelivery: exponential backoff from Backoff, doubling
// per attempt, until MaxAttempts, after which the job is parked dead.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Config is the per-queue envelope: worker pool size plus a rate window.
type Config struct {
	Concurrency int
	RateLimit   int           // jobs per RateWindow
	RateWindow  time.Duration
	Retry       RetryPolicy
}

// DefaultConfigs returns the production tuning. process-webhook drains fastest
// since providers retry on timeout; monitor-reviews is single-flight.
func DefaultConfigs() map[Name]Config {
	return map[Name]Config{
		ProcessWebhook: {Concurrency: 10, RateLimit: 100, RateWindow: time.Minute, Retry: RetryPolicy{MaxAttempts: 5, Backoff: 10 * time.Second}},
		SendRequest:    {Concurrency: 5, RateLimit: 50, RateWindow: time.Minute, Retry: RetryPolicy{MaxAttempts: 5, Backoff: 30 * time.Second}},
		SendFollowup:   {Concurrency: 3, RateLimit: 20, RateWindow: time.Minute, Retry: RetryPolicy{MaxAttempts: 3, Backoff: time.Minute}},
		MonitorReviews: {Concurrency: 1, RateLimit: 10, RateWindow: time.Minute, Retry: RetryPolicy{MaxAttempts: 2, Backoff: time.Minute}},
	}
}

type Queue struct {
	DB      *pgxpool.Pool
	configs map[Name]Config
}

func New(pool *pgxpool.Pool, configs map[Name]Config) *Queue {
	if configs == nil {
		configs = DefaultConfigs()
	}
	return &Queue{DB: pool, configs: configs}
}

func (q *Queue) config(name Name) Config {
	if c, ok := q.configs[name]; ok {
		return c
	}
	return Config{Concurrency: 1, RateLimit: 10, RateWindow: time.Minute, Retry: RetryPolicy{MaxAttempts: 3, Backoff: 30 * time.Second}}
}

// Options tune a single enqueue.
type Options struct {
	Delay     time.Duration
	DedupeKey string // suppresses duplicates while a matching job is queued or running
	Priority  int
}

// Enqueue inserts a job and returns its id. With a DedupeKey, a second enqueue
// while the first is still pending is a no-op returning the existing id.
func (q *Queue) Enqueue(ctx context.Context, name Name, payload any, opts Options) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	var dedupe *string
	if opts.DedupeKey != "" {
		dedupe = &opts.DedupeKey
	}
	runAt := time.Now().Add(opts.Delay)
	var id string
	for attempt := 0; attempt < 3; attempt++ {
		err = q.DB.QueryRow(ctx, `
			INSERT INTO jobs(queue, payload, priority, max_attempts, run_at, dedupe_key)
			VALUES($1,$2,$3,$4,$5,$6)
			ON CONFLICT DO NOTHING
			RETURNING id
		`, name, raw, opts.Priority, q.config(name).Retry.MaxAttempts, runAt, dedupe).Scan(&id)
		if !errors.Is(err, pgx.ErrNoRows) {
			return id, err
		}
		// Deduped: surface the pending job's id.
		err = q.DB.QueryRow(ctx, `
			SELECT id FROM jobs
			WHERE queue=$1 AND dedupe_key=$2 AND status IN ('queued','running')
		`, name, opts.DedupeKey).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", err
		}
		// The conflicting job finished between the two statements; insert again.
	}
	return "", fmt.Errorf("enqueue %s: dedupe key %q did not settle", name, opts.DedupeKey)
}

// Claim moves up to limit due jobs from queued to running and returns them.
// SKIP LOCKED keeps concurrent claimers from overlapping.
func (q *Queue) Claim(ctx context.Context, name Name, limit int) ([]Job, error) {
	tx, err := q.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, queue, payload, attempts, max_attempts, priority, run_at, last_error
		FROM jobs
		WHERE queue=$1 AND status='queued' AND run_at <= now()
		ORDER BY priority DESC, run_at ASC
		LIMIT $2 FOR UPDATE SKIP LOCKED
	`, name, limit)
	if err != nil {
		return nil, err
	}
	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Queue, &j.Payload, &j.Attempts, &j.MaxAttempts, &j.Priority, &j.RunAt, &j.LastError); err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
		jobs[i].Attempts++
	}
	_, err = tx.Exec(ctx, `
		UPDATE jobs SET status='running', attempts=attempts+1, updated_at=now()
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	return jobs, tx.Commit(ctx)
}

// ReclaimStale returns running jobs whose lease expired to queued. A job only
// stays running this long when its worker died or shut down before the failure
// bookkeeping ran; without a reclaim such rows would be stranded forever.
func (q *Queue) ReclaimStale(ctx context.Context, name Name, lease time.Duration) (int, error) {
	tag, err := q.DB.Exec(ctx, `
		UPDATE jobs SET status='queued', updated_at=now()
		WHERE queue=$1 AND status='running' AND updated_at < now() - $2::interval
	`, name, lease.String())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Complete marks a job done.
func (q *Queue) Complete(ctx context.Context, id string) error {
	_, err := q.DB.Exec(ctx, `UPDATE jobs SET status='done', updated_at=now() WHERE id=$1`, id)
	return err
}

// Fail requeues a failed job with exponential backoff, or parks it dead once
// its attempt budget is exhausted.
func (q *Queue) Fail(ctx context.Context, job Job, cause error) error {
	msg := cause.Error()
	if job.Attempts >= job.MaxAttempts {
		_, err := q.DB.Exec(ctx, `
			UPDATE jobs SET status='dead', last_error=$2, updated_at=now() WHERE id=$1
		`, job.ID, msg)
		return err
	}
	backoff := q.config(job.Queue).Retry.Backoff
	for i := 1; i < job.Attempts; i++ {
		backoff *= 2
	}
	_, err := q.DB.Exec(ctx, `
		UPDATE jobs SET status='queued', last_error=$2, run_at=now()+$3::interval, updated_at=now()
		WHERE id=$1
	`, job.ID, msg, backoff.String())
	return err
}

// DeadJobs lists parked jobs for manual inspection.
func (q *Queue) DeadJobs(ctx context.Context, name Name, limit int) ([]Job, error) {
	rows, err := q.DB.Query(ctx, `
		SELECT id, queue, payload, attempts, max_attempts, priority, run_at, last_error
		FROM jobs WHERE queue=$1 AND status='dead'
		ORDER BY updated_at DESC LIMIT $2
	`, name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Queue, &j.Payload, &j.Attempts, &j.MaxAttempts, &j.Priority, &j.RunAt, &j.LastError); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// RequeueDead gives a dead job a fresh attempt budget.
func (q *Queue) RequeueDead(ctx context.Context, id string) error {
	tag, err := q.DB.Exec(ctx, `
		UPDATE jobs SET status='queued', attempts=0, run_at=now(), updated_at=now()
		WHERE id=$1 AND status='dead'
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is not dead", id)
	}
	return nil
}
