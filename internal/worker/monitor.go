package worker

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/reviewly/dispatch/internal/core"
	"github.com/reviewly/dispatch/internal/metrics"
	"github.com/reviewly/dispatch/internal/queue"
	"github.com/reviewly/dispatch/internal/store"
)

// CompletionPolicy decides whether a clicked request should be promoted to
// COMPLETED. Pluggable so true review-platform polling (Google Places,
// Trustpilot) can replace the time heuristic without touching the worker.
type CompletionPolicy interface {
	// Completed returns whether to promote, plus metadata for the audit event.
	Completed(req core.ReviewRequest, now time.Time) (bool, map[string]any)
}

// ClickAgePolicy promotes a request once enough time has passed since the
// click. A stand-in for checking whether the review actually appeared.
type ClickAgePolicy struct {
	After time.Duration
}

func (p ClickAgePolicy) Completed(req core.ReviewRequest, now time.Time) (bool, map[string]any) {
	if req.ClickedAt == nil {
		return false, nil
	}
	elapsed := now.Sub(*req.ClickedAt)
	if elapsed < p.After {
		return false, nil
	}
	hours := math.Round(elapsed.Hours()*100) / 100
	return true, map[string]any{"hours_after_click": hours}
}

// Monitor handles monitor-reviews jobs: it sweeps one business's CLICKED
// requests and promotes the ones the policy considers completed.
type Monitor struct {
	Store     *store.Store
	Policy    CompletionPolicy
	Log       zerolog.Logger
	Grace     time.Duration // ignore clicks younger than this
	BatchSize int
}

func NewMonitor(st *store.Store, policy CompletionPolicy, log zerolog.Logger) *Monitor {
	return &Monitor{
		Store:     st,
		Policy:    policy,
		Log:       log.With().Str("worker", "monitor").Logger(),
		Grace:     5 * time.Minute,
		BatchSize: 50,
	}
}

func (m *Monitor) Handle(ctx context.Context, job queue.Job) error {
	p, err := queue.DecodePayload[queue.MonitorPayload](job.Payload)
	if err != nil {
		return err
	}
	log := m.Log.With().Str("business_id", p.BusinessID).Logger()

	now := time.Now()
	reqs, err := m.Store.ListClickedBefore(ctx, p.BusinessID, now.Add(-m.Grace), m.BatchSize)
	if err != nil {
		return err
	}

	for _, req := range reqs {
		ok, meta := m.Policy.Completed(req, now)
		if !ok {
			continue
		}
		applied, err := m.Store.Advance(ctx, req, core.StatusCompleted, core.Event{
			Type:        core.EventRequestCompleted,
			Source:      "monitor-worker",
			Description: "promoted by completion policy",
			Metadata:    meta,
		})
		if err != nil {
			// Per-item failures are not fatal to the batch.
			log.Warn().Err(err).Str("request_id", req.ID).Msg("could not promote request")
			continue
		}
		if applied {
			metrics.CompletionsTotal.Inc()
			log.Info().Str("request_id", req.ID).Msg("request completed")
		}
	}
	return nil
}
