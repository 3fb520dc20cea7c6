package worker

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/reviewly/dispatch/internal/core"
	"github.com/reviewly/dispatch/internal/metrics"
	"github.com/reviewly/dispatch/internal/queue"
	"github.com/reviewly/dispatch/internal/store"
)

// Default follow-up templates per stage. Placeholders are resolved by the
// send worker when the new request goes out.
var followupTemplates = map[queue.FollowupType]string{
	queue.FollowupFirst:  "Hi {first_name}, just checking in! {business_name} would still love your feedback: {review_url}",
	queue.FollowupSecond: "Hi {first_name}, your opinion matters to {business_name}. It only takes a minute: {review_url}",
	queue.FollowupFinal:  "Last reminder, {first_name}. Share your experience with {business_name}: {review_url}",
}

// Followup handles send-followup jobs: it creates a fresh request chained to a
// stalled original and marks the original so follow-ups fire at most once.
type Followup struct {
	Store *store.Store
	Queue *queue.Queue
	Log   zerolog.Logger
}

func NewFollowup(st *store.Store, q *queue.Queue, log zerolog.Logger) *Followup {
	return &Followup{Store: st, Queue: q, Log: log.With().Str("worker", "followup").Logger()}
}

func (f *Followup) Handle(ctx context.Context, job queue.Job) error {
	p, err := queue.DecodePayload[queue.FollowupPayload](job.Payload)
	if err != nil {
		return err
	}
	log := f.Log.With().Str("request_id", p.RequestID).Str("type", string(p.FollowupType)).Logger()

	req, err := f.Store.GetRequest(ctx, p.RequestID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			log.Warn().Msg("follow-up for unknown request, dropping")
			return nil
		}
		return err
	}

	// Same set MarkFollowupSent guards on; checking it here keeps redelivered
	// jobs from creating chained requests whose mark would then no-op.
	if req.Status.IsTerminal() {
		log.Debug().Str("status", string(req.Status)).Msg("original is terminal, skipping")
		metrics.FollowupsTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	if req.FollowupSentAt != nil {
		log.Debug().Msg("already_sent")
		metrics.FollowupsTotal.WithLabelValues("already_sent").Inc()
		return nil
	}

	template, ok := followupTemplates[p.FollowupType]
	if !ok {
		log.Warn().Msg("unknown follow-up type, dropping")
		return nil
	}

	// Same creation path as originals: a QUEUED request plus its send job.
	newReq, err := f.Store.CreateRequest(ctx, store.NewRequest{
		BusinessID:     req.BusinessID,
		CustomerID:     req.CustomerID,
		Channel:        req.Channel,
		Subject:        req.Subject,
		MessageContent: template,
		ReviewURL:      req.ReviewURL,
	})
	if err != nil {
		return err
	}
	if _, err := f.Queue.Enqueue(ctx, queue.SendRequest,
		queue.SendRequestPayload{RequestID: newReq.ID},
		queue.Options{DedupeKey: "send-" + newReq.ID}); err != nil {
		return err
	}

	applied, err := f.Store.MarkFollowupSent(ctx, req, newReq.ID, string(p.FollowupType))
	if err != nil {
		return err
	}
	if !applied {
		// A concurrent duplicate beat us to the mark after our guard check.
		log.Warn().Str("followup_request_id", newReq.ID).Msg("follow-up already marked by concurrent job")
		metrics.FollowupsTotal.WithLabelValues("already_sent").Inc()
		return nil
	}
	log.Info().Str("followup_request_id", newReq.ID).Msg("follow-up created")
	metrics.FollowupsTotal.WithLabelValues("created").Inc()
	return nil
}
