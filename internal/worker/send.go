// Package worker holds the four job handlers of the dispatch pipeline: send,
// webhook reconciliation, follow-up and review monitoring. Handlers are
// idempotent: the queue delivers at least once, and the state machine's
// forward-only rule absorbs duplicates.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/reviewly/dispatch/internal/core"
	"github.com/reviewly/dispatch/internal/gateway"
	"github.com/reviewly/dispatch/internal/metrics"
	"github.com/reviewly/dispatch/internal/queue"
	"github.com/reviewly/dispatch/internal/render"
	"github.com/reviewly/dispatch/internal/store"
)

// Sender handles send-request jobs: suppression check, credit check, render,
// gateway call, status update.
type Sender struct {
	Store *store.Store
	SMS   gateway.SMSGateway
	Email gateway.EmailGateway
	Log   zerolog.Logger
}

func NewSender(st *store.Store, sms gateway.SMSGateway, email gateway.EmailGateway, log zerolog.Logger) *Sender {
	return &Sender{Store: st, SMS: sms, Email: email, Log: log.With().Str("worker", "send").Logger()}
}

func (s *Sender) Handle(ctx context.Context, job queue.Job) error {
	p, err := queue.DecodePayload[queue.SendRequestPayload](job.Payload)
	if err != nil {
		return err
	}
	log := s.Log.With().Str("request_id", p.RequestID).Logger()

	req, err := s.Store.GetRequest(ctx, p.RequestID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			log.Warn().Msg("send job for unknown request, dropping")
			return nil
		}
		return err
	}

	// Duplicate-delivery guard. FAILED stays in because queue redelivery is
	// the retry mechanism for gateway failures.
	if req.Status != core.StatusQueued && req.Status != core.StatusFailed {
		log.Debug().Str("status", string(req.Status)).Msg("already processed")
		metrics.SendsTotal.WithLabelValues(string(req.Channel), "skipped").Inc()
		return nil
	}

	biz, err := s.Store.GetBusiness(ctx, req.BusinessID)
	if err != nil {
		return err
	}
	if !biz.Active {
		log.Info().Msg("business inactive, abandoning send")
		metrics.SendsTotal.WithLabelValues(string(req.Channel), "failed").Inc()
		return s.Store.MarkFailed(ctx, req, core.ErrBusinessInactive.Error())
	}

	// Re-checked here, not just at enqueue time: usage may have moved.
	if used, limit := biz.CreditsFor(req.Channel); used >= limit {
		log.Warn().Int("used", used).Int("limit", limit).Msg("credit limit exceeded")
		return fmt.Errorf("%w: %s credits %d/%d", core.ErrCreditLimitExceeded, req.Channel, used, limit)
	}

	cust, err := s.Store.GetCustomer(ctx, req.CustomerID)
	if err != nil {
		return err
	}
	contact := cust.Contact(req.Channel)
	if contact == "" {
		log.Info().Msg("no contact for channel, abandoning send")
		metrics.SendsTotal.WithLabelValues(string(req.Channel), "failed").Inc()
		return s.Store.MarkFailed(ctx, req, core.ErrMissingContact.Error())
	}

	// Suppression may have appeared since the request was queued. Suppressed
	// is a state transition, not a job failure.
	suppressed, reason, err := s.Store.CheckSuppression(ctx, req.BusinessID, contact, req.Channel)
	if err != nil {
		return err
	}
	if suppressed {
		log.Info().Str("reason", string(reason)).Msg("contact suppressed, opting out")
		metrics.SendsTotal.WithLabelValues(string(req.Channel), "suppressed").Inc()
		_, err := s.Store.Advance(ctx, req, core.StatusOptedOut, core.Event{
			Type:        core.EventRequestOptedOut,
			Source:      "send-worker",
			Description: "suppressed contact",
			Metadata:    map[string]any{"reason": reason},
		})
		return err
	}

	msg, err := render.Render(req.MessageContent, render.Data{
		FirstName:    cust.FirstName,
		LastName:     cust.LastName,
		BusinessName: biz.Name,
		ReviewURL:    render.TrackingLink(req.ReviewURL, req.TrackingUUID),
		TrackingUUID: req.TrackingUUID,
	}, req.Channel)
	if err != nil {
		log.Error().Err(err).Msg("render failed")
		metrics.SendsTotal.WithLabelValues(string(req.Channel), "failed").Inc()
		return s.Store.MarkFailed(ctx, req, err.Error())
	}

	externalID, sendErr := s.dispatch(ctx, req, biz, contact, msg)
	if sendErr != nil {
		log.Warn().Err(sendErr).Msg("gateway send failed")
		metrics.SendsTotal.WithLabelValues(string(req.Channel), "failed").Inc()
		if err := s.Store.MarkFailed(ctx, req, sendErr.Error()); err != nil {
			return err
		}
		// Propagate so the queue's retry policy applies.
		return fmt.Errorf("%w: %v", core.ErrGatewaySend, sendErr)
	}

	if err := s.Store.MarkSent(ctx, req, externalID); err != nil {
		return err
	}
	log.Info().Str("external_id", externalID).Msg("sent")
	metrics.SendsTotal.WithLabelValues(string(req.Channel), "sent").Inc()
	return nil
}

func (s *Sender) dispatch(ctx context.Context, req core.ReviewRequest, biz core.Business, contact string, msg render.Message) (string, error) {
	switch req.Channel {
	case core.ChannelSMS:
		return s.SMS.SendSMS(ctx, contact, msg.Content)
	case core.ChannelEmail:
		subject := msg.Subject
		if req.Subject != nil && *req.Subject != "" {
			subject = *req.Subject
		}
		return s.Email.SendEmail(ctx, contact, biz.FromEmail, subject, msg.Content, msg.Content)
	}
	return "", fmt.Errorf("unknown channel %q", req.Channel)
}
