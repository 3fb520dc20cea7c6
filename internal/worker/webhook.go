package worker

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/reviewly/dispatch/internal/core"
	"github.com/reviewly/dispatch/internal/metrics"
	"github.com/reviewly/dispatch/internal/queue"
	"github.com/reviewly/dispatch/internal/store"
)

// Reconciler handles process-webhook jobs: it matches provider callbacks to
// requests, advances the state machine and records opt-out/bounce suppressions.
// Providers retry and batch freely, so everything here must tolerate
// duplicates and out-of-order arrival; the forward-only rule does the work.
type Reconciler struct {
	Store *store.Store
	Log   zerolog.Logger
}

func NewReconciler(st *store.Store, log zerolog.Logger) *Reconciler {
	return &Reconciler{Store: st, Log: log.With().Str("worker", "webhook").Logger()}
}

func (r *Reconciler) Handle(ctx context.Context, job queue.Job) error {
	p, err := queue.DecodePayload[queue.WebhookPayload](job.Payload)
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		// Malformed envelope; retrying cannot fix it.
		r.Log.Warn().Err(err).Str("job_id", job.ID).Msg("invalid webhook payload, dropping")
		return nil
	}
	switch p.Source {
	case queue.SourceTwilio:
		return r.handleTwilio(ctx, *p.Twilio)
	case queue.SourceSendGrid:
		return r.handleSendGrid(ctx, p.SendGrid)
	}
	return nil
}

// normalizeStopBody strips whitespace and punctuation so "STOP", " Stop. "
// and "stop!" all opt the contact out.
func normalizeStopBody(body string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(body), ".!,"))
}

func (r *Reconciler) handleTwilio(ctx context.Context, w queue.TwilioWebhook) error {
	log := r.Log.With().Str("source", "twilio").Logger()

	// An inbound STOP reply wins over whatever delivery status the callback
	// carries. Replies have no message id we sent, so attribute by phone.
	if normalizeStopBody(w.Body) == "stop" {
		req, err := r.Store.FindLatestSMSByPhone(ctx, w.From)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				log.Info().Str("from", w.From).Msg("stop reply from unknown number, dropping")
				metrics.WebhookEvents.WithLabelValues("twilio", "unmatched").Inc()
				return nil
			}
			return err
		}
		applied, err := r.Store.AdvanceWithSuppression(ctx, req, core.StatusOptedOut,
			core.Event{
				Type:        core.EventWebhookReceived,
				Source:      "twilio",
				Description: "inbound STOP reply",
				Metadata:    map[string]any{"from": w.From},
			},
			core.SuppressionEntry{
				BusinessID: req.BusinessID,
				Contact:    w.From,
				Channel:    core.ChannelSMS,
				Reason:     core.ReasonSMSStop,
				Source:     "twilio",
			})
		if err != nil {
			return err
		}
		outcome := "opt_out"
		if !applied {
			outcome = "noop"
		}
		metrics.WebhookEvents.WithLabelValues("twilio", outcome).Inc()
		return nil
	}

	req, err := r.Store.FindByExternalID(ctx, w.MessageSID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			log.Info().Str("message_sid", w.MessageSID).Msg("callback for unknown message, dropping")
			metrics.WebhookEvents.WithLabelValues("twilio", "unmatched").Inc()
			return nil
		}
		return err
	}

	var target core.Status
	switch w.MessageStatus {
	case "delivered":
		target = core.StatusDelivered
	case "sent":
		target = core.StatusSent
	case "failed", "undelivered":
		target = core.StatusFailed
	default:
		log.Debug().Str("status", w.MessageStatus).Msg("ignoring provider status")
		metrics.WebhookEvents.WithLabelValues("twilio", "noop").Inc()
		return nil
	}

	meta := map[string]any{"provider_status": w.MessageStatus}
	if w.ErrorCode != "" {
		meta["error_code"] = w.ErrorCode
	}
	applied, err := r.Store.Advance(ctx, req, target, core.Event{
		Type:        core.EventWebhookReceived,
		Source:      "twilio",
		Description: "status callback: " + w.MessageStatus,
		Metadata:    meta,
	})
	if err != nil {
		return err
	}
	outcome := "applied"
	if !applied {
		outcome = "noop"
	}
	metrics.WebhookEvents.WithLabelValues("twilio", outcome).Inc()
	return nil
}

// externalIDPrefix trims SendGrid's ".filter..." suffix; events report a
// longer id than the one returned at send time.
func externalIDPrefix(sgMessageID string) string {
	if i := strings.IndexByte(sgMessageID, '.'); i > 0 {
		return sgMessageID[:i]
	}
	return sgMessageID
}

func (r *Reconciler) handleSendGrid(ctx context.Context, events []queue.SendGridEvent) error {
	log := r.Log.With().Str("source", "sendgrid").Logger()
	var firstErr error
	for _, ev := range events {
		if err := r.applySendGridEvent(ctx, log, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Reconciler) applySendGridEvent(ctx context.Context, log zerolog.Logger, ev queue.SendGridEvent) error {
	req, err := r.matchSendGrid(ctx, log, ev)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			log.Info().Str("event", ev.Event).Str("email", ev.Email).Msg("unmatched event, dropping")
			metrics.WebhookEvents.WithLabelValues("sendgrid", "unmatched").Inc()
			return nil
		}
		return err
	}

	meta := map[string]any{"provider_event": ev.Event, "sg_message_id": ev.SGMessageID}
	audit := core.Event{
		Type:        core.EventWebhookReceived,
		Source:      "sendgrid",
		Description: "event: " + ev.Event,
		Metadata:    meta,
	}
	suppress := func(reason core.SuppressionReason) core.SuppressionEntry {
		return core.SuppressionEntry{
			BusinessID: req.BusinessID,
			Contact:    ev.Email,
			Channel:    core.ChannelEmail,
			Reason:     reason,
			Source:     "sendgrid",
		}
	}

	var applied bool
	switch ev.Event {
	case "delivered":
		applied, err = r.Store.Advance(ctx, req, core.StatusDelivered, audit)
	case "bounce", "dropped":
		if ev.Reason != "" {
			meta["reason"] = ev.Reason
		}
		applied, err = r.Store.AdvanceWithSuppression(ctx, req, core.StatusBounced, audit, suppress(core.ReasonEmailBounce))
	case "click":
		// Only clicks on our tracking links count as engagement.
		if !strings.Contains(ev.URL, "/r/") {
			metrics.WebhookEvents.WithLabelValues("sendgrid", "noop").Inc()
			return nil
		}
		meta["url"] = ev.URL
		applied, err = r.Store.Advance(ctx, req, core.StatusClicked, audit)
	case "unsubscribe", "group_unsubscribe":
		applied, err = r.Store.AdvanceWithSuppression(ctx, req, core.StatusOptedOut, audit, suppress(core.ReasonEmailUnsubscribe))
	case "spamreport":
		applied, err = r.Store.AdvanceWithSuppression(ctx, req, core.StatusOptedOut, audit, suppress(core.ReasonEmailSpamComplaint))
	default:
		metrics.WebhookEvents.WithLabelValues("sendgrid", "noop").Inc()
		return nil
	}
	if err != nil {
		return err
	}
	outcome := "applied"
	if !applied {
		outcome = "noop"
	}
	metrics.WebhookEvents.WithLabelValues("sendgrid", outcome).Inc()
	return nil
}

// matchSendGrid resolves an event to a request: exact external id first, then
// the best-effort fallback by recipient email and id prefix. The fallback can
// pick the wrong request when one customer has concurrent campaigns, so the
// match path is recorded in the log.
func (r *Reconciler) matchSendGrid(ctx context.Context, log zerolog.Logger, ev queue.SendGridEvent) (core.ReviewRequest, error) {
	if ev.SGMessageID != "" {
		req, err := r.Store.FindByExternalID(ctx, ev.SGMessageID)
		if err == nil {
			return req, nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			return core.ReviewRequest{}, err
		}
	}
	req, err := r.Store.FindRecentByEmail(ctx, ev.Email, externalIDPrefix(ev.SGMessageID))
	if err == nil {
		log.Info().Str("email", ev.Email).Str("request_id", req.ID).Msg("matched by email fallback")
	}
	return req, err
}
